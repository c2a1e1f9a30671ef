// Package worker drives the delivery pipeline: entries are checked out
// of the stream through the consumer group, decoded once, fanned out to
// the sinks, recorded in the durable ledger and acknowledged. Only a
// failed delivery leaves an entry pending, which is what the reclaimer
// later re-admits.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/delivery"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/lead"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/identity"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/notify"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/stream"
)

var (
	entriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_entries_processed_total",
		Help: "Entries that reached a terminal outcome",
	}, []string{"outcome"})
	entriesInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_entries_inflight",
		Help: "Entries currently being processed",
	})
	processingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_entry_processing_seconds",
		Help:    "Time from queue handoff to terminal outcome",
		Buckets: []float64{0.1, 0.5, 1, 2, 5},
	})
)

// checkoutErrSleep spaces checkout retries when the backend is down.
const checkoutErrSleep = 2 * time.Second

// Outcome is the terminal verdict for one checked-out entry; it alone
// drives the acknowledgment decision.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDropped is the poison-entry verdict: acknowledged so it
	// can never wedge the queue, with no delivery record.
	OutcomeDropped Outcome = "dropped"
)

type Config struct {
	Concurrency   int
	ReadCount     int
	ReadBlock     time.Duration
	QueueFactor   int
	ShutdownGrace time.Duration
	ConsumerName  string
	Identity      identity.Config
}

func (c Config) normalized() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 20
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = 5 * time.Second
	}
	if c.QueueFactor <= 0 {
		c.QueueFactor = 2
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// Deliverer is the delivery client surface the pool depends on.
type Deliverer interface {
	SendWithRetry(ctx context.Context, name event.Type, ev *event.DeliveryEvent) delivery.Summary
}

// Deps are the pool's collaborators. Notifier and Reclaimer may be nil.
type Deps struct {
	Stream    stream.Stream
	Leads     lead.Repository
	Deliverer Deliverer
	Notifier  *notify.Notifier
	Reclaimer *Reclaimer
}

type Pool struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg.normalized(),
		deps:   deps,
		logger: logger.With("component", "worker"),
	}
}

// Run processes entries until ctx is cancelled. The pool supervises
// every goroutine it starts: the checkout loop and the reclaimer stop
// first, then the workers drain the local queue within the shutdown
// grace. Entries still in flight past the grace are abandoned and stay
// pending for a later reclaim.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.deps.Stream.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	// The queue bound is the backpressure: once full, the checkout loop
	// blocks instead of piling up entries faster than they process.
	queue := make(chan stream.Entry, p.cfg.Concurrency*p.cfg.QueueFactor)

	// In-flight sends survive shutdown up to the grace period, so they
	// run on their own context rather than the run context.
	procCtx, cancelProc := context.WithCancel(context.Background())
	defer cancelProc()

	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for e := range queue {
				p.handle(procCtx, e)
			}
		}()
	}

	var feeders sync.WaitGroup
	feeders.Add(1)
	go func() {
		defer feeders.Done()
		p.checkoutLoop(ctx, queue)
	}()

	if p.deps.Reclaimer != nil {
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			p.deps.Reclaimer.Run(ctx, func(e stream.Entry) bool {
				select {
				case queue <- e:
					return true
				case <-ctx.Done():
					return false
				}
			})
		}()
	}

	p.logger.Info("worker pool started",
		"consumer", p.cfg.ConsumerName, "concurrency", p.cfg.Concurrency)

	<-ctx.Done()
	p.logger.Info("shutting down, draining in-flight entries", "grace", p.cfg.ShutdownGrace)

	feeders.Wait()
	close(queue)

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("drained cleanly")
	case <-time.After(p.cfg.ShutdownGrace):
		cancelProc()
		p.logger.Warn("shutdown grace expired, abandoning in-flight entries")
		<-done
	}
	return nil
}

func (p *Pool) checkoutLoop(ctx context.Context, queue chan<- stream.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := p.deps.Stream.Checkout(ctx, p.cfg.ReadCount, p.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("checkout failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(checkoutErrSleep):
			}
			continue
		}

		for _, e := range entries {
			select {
			case queue <- e:
			case <-ctx.Done():
				// Unqueued entries stay pending and come back via
				// the reclaimer.
				return
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, e stream.Entry) {
	entriesInflight.Inc()
	start := time.Now()

	outcome := p.process(ctx, e)

	processingSeconds.Observe(time.Since(start).Seconds())
	entriesProcessed.WithLabelValues(string(outcome)).Inc()
	entriesInflight.Dec()
}

// process runs one entry to a terminal outcome.
func (p *Pool) process(ctx context.Context, e stream.Entry) Outcome {
	ev, err := event.Decode(e.Payload)
	if err != nil {
		p.logger.Warn("dropping malformed entry", "entry_id", e.ID, "error", err)
		p.ack(ctx, e.ID)
		return OutcomeDropped
	}

	log := p.logger.With("entry_id", e.ID, "event_key", ev.EventKey)

	name := identity.DeriveEvent(ev, p.cfg.Identity)
	if !identity.Deliverable(name) {
		log.Info("skipping unroutable event",
			"route_key", ev.RouteValue(), "event_type", ev.EventType)
		p.record(ctx, ev, name, e.ID, delivery.Summary{Status: delivery.StatusSkipped})
		p.ack(ctx, e.ID)
		p.publish(ctx, ev, name, e.ID, delivery.Summary{Status: delivery.StatusSkipped})
		return OutcomeSkipped
	}

	summary := p.deps.Deliverer.SendWithRetry(ctx, name, ev)
	p.record(ctx, ev, name, e.ID, summary)
	p.publish(ctx, ev, name, e.ID, summary)

	switch summary.Status {
	case delivery.StatusSuccess:
		p.ack(ctx, e.ID)
		return OutcomeSucceeded
	case delivery.StatusSkipped:
		log.Info("all sinks skipped, acknowledging")
		p.ack(ctx, e.ID)
		return OutcomeSkipped
	default:
		log.Warn("delivery failed, leaving entry pending", "attempts", summary.Attempts)
		return OutcomeFailed
	}
}

// record merges the attempt into the durable ledger. Store errors are
// logged and absorbed; the ack decision stays with the delivery
// outcome, and the sinks dedupe any re-send by event identity.
func (p *Pool) record(ctx context.Context, ev *event.DeliveryEvent, name event.Type, entryID string, sum delivery.Summary) {
	l := lead.FromEvent(ev, name)

	entry := &lead.HistoryEntry{
		Event:   string(name),
		EntryID: entryID,
		Status:  sum.Status,
	}
	if len(sum.Results) > 0 {
		entry.Results = resultsMap(sum.Results)
		l.SentPixels = delivery.OKSinks(sum.Results)
	}

	if err := p.deps.Leads.Upsert(ctx, l, entry); err != nil {
		p.logger.Error("record attempt failed", "event_key", ev.EventKey, "error", err)
	}
}

func (p *Pool) publish(ctx context.Context, ev *event.DeliveryEvent, name event.Type, entryID string, sum delivery.Summary) {
	if !p.deps.Notifier.Enabled() {
		return
	}

	msg := &event.Message{
		Type:      messageType(sum.Status),
		EventKey:  ev.EventKey,
		EntryID:   entryID,
		EventType: string(name),
		Status:    sum.Status,
		Producer:  p.cfg.ConsumerName,
	}
	if len(sum.Results) > 0 {
		if b, err := json.Marshal(sum.Results); err == nil {
			msg.Results = b
		}
	}
	p.deps.Notifier.Publish(ctx, msg)
}

func (p *Pool) ack(ctx context.Context, id string) {
	if err := p.deps.Stream.Ack(ctx, id); err != nil {
		p.logger.Error("ack failed", "entry_id", id, "error", err)
	}
}

func messageType(status string) string {
	switch status {
	case delivery.StatusSuccess:
		return event.MessageDelivered
	case delivery.StatusSkipped:
		return event.MessageSkipped
	default:
		return event.MessageFailed
	}
}

func resultsMap(results map[string]delivery.Result) map[string]any {
	m := make(map[string]any, len(results))
	for k, r := range results {
		m[k] = r
	}
	return m
}
