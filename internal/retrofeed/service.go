// Package retrofeed re-appends unsent delivery records to the stream so
// the worker gets another pass at them. Records are claimed from the
// store in creation order, re-enriched (clamped event time, synthesized
// browser cookies, fresh dedup id) and written back with bounded retry.
package retrofeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/lead"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/identity"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/stream"
)

var (
	leadsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retrofeed_leads_requeued_total",
		Help: "Unsent delivery records re-appended to the stream.",
	})
	runSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "retrofeed_run_seconds",
		Help:    "Duration of one retrofeed batch.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5},
	})
)

type Config struct {
	Batch      int
	RetryMax   int
	RetrySleep time.Duration
	Interval   time.Duration
	Identity   identity.Config
}

func (c Config) normalized() Config {
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetrySleep <= 0 {
		c.RetrySleep = time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	return c
}

// Service feeds unsent records back into the delivery queue. The store
// hands records out already decrypted, so the rebuilt payload carries
// plaintext cookies just like a fresh one.
type Service struct {
	cfg    Config
	leads  lead.Repository
	stream stream.Stream
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, leads lead.Repository, st stream.Stream, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg.normalized(),
		leads:  leads,
		stream: st,
		logger: logger.With("component", "retrofeed"),
		now:    time.Now,
	}
}

// RunOnce claims one batch of unsent records and re-appends them,
// returning how many made it back onto the stream. Per-record append
// failures are logged and skipped; only the claim itself is fatal.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { runSeconds.Observe(time.Since(started).Seconds()) }()

	records, err := s.leads.ListUnsent(ctx, s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list unsent leads: %w", err)
	}
	if len(records) == 0 {
		s.logger.Info("no pending leads")
		return 0, nil
	}

	count := 0
	for _, rec := range records {
		ev := s.enrich(rec)
		payload, err := ev.Encode()
		if err != nil {
			s.logger.Warn("skipping unencodable record", "event_key", rec.EventKey, "error", err)
			continue
		}
		id, err := s.appendWithRetry(ctx, payload)
		if err != nil {
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			s.logger.Warn("giving up on record", "event_key", rec.EventKey, "error", err)
			continue
		}
		count++
		leadsRequeued.Inc()
		s.logger.Info("lead requeued",
			"event_key", rec.EventKey, "entry_id", id, "event_id", ev.EventID)
	}

	s.logger.Info("retrofeed complete", "requeued", count, "claimed", len(records))
	return count, nil
}

// Run executes one batch immediately and then on every tick until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("retrofeed loop started", "interval", s.cfg.Interval, "batch", s.cfg.Batch)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("retrofeed batch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// enrich rebuilds the wire event from a stored record and fills the
// fields the sinks need for attribution: an in-window event time, an
// external id, _fbp/_fbc cookies and a deterministic dedup id.
func (s *Service) enrich(rec *lead.Lead) *event.DeliveryEvent {
	ev := rec.ToEvent()
	now := s.now()

	ts := ev.EventTime
	if ts == 0 {
		ts = now.Unix()
	}
	ev.EventTime = identity.ClampEventTime(ts, s.cfg.Identity.DropOlderDays, now.Unix())

	tg := ev.TelegramID.String()
	if ev.ExternalID.String() == "" {
		ev.ExternalID = event.FlexID(tg)
	}
	if tg != "" {
		if ev.FBPValue() == "" {
			ev.FBP = fmt.Sprintf("fb.1.%d.%s", now.Unix(), tg)
		}
		if ev.FBCValue() == "" {
			ev.FBC = fmt.Sprintf("fb.1.%d.retro.%s", now.Unix(), tg)
		}
	}

	ev.EventID = identity.BuildEventID(event.TypeLead, ev, ev.EventTime, s.cfg.Identity.Salt)
	return ev
}

func (s *Service) appendWithRetry(ctx context.Context, payload []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.cfg.RetrySleep):
			}
		}
		id, err := s.stream.Append(ctx, payload)
		if err == nil {
			return id, nil
		}
		lastErr = err
		s.logger.Warn("append failed",
			"error", err, "remaining", s.cfg.RetryMax-attempt-1)
	}
	return "", lastErr
}
