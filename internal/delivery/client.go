// Package delivery fans one event out to the configured conversion
// sinks with per-sink retries, then wraps the whole fan-out in an outer
// retry. An event counts as delivered when at least one configured sink
// accepted it; unconfigured sinks produce skip results that count
// toward neither success nor failure.
package delivery

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
)

var sinkRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "delivery_sink_requests_total",
	Help: "Delivery attempts per sink and outcome",
}, []string{"sink", "outcome"})

// Summary statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Result is the terminal verdict of one sink for one event.
type Result struct {
	OK       bool   `json:"ok"`
	Skipped  bool   `json:"skipped,omitempty"`
	Status   int    `json:"status,omitempty"`
	Body     string `json:"body,omitempty"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Summary is the terminal verdict of the whole fan-out.
type Summary struct {
	Status   string            `json:"status"`
	Results  map[string]Result `json:"results"`
	Attempts int               `json:"attempts"`
}

// Sink delivers one event to one external platform. Send handles its own
// bounded retries and never panics; misconfiguration is a skip result.
type Sink interface {
	Name() string
	Send(ctx context.Context, name event.Type, ev *event.DeliveryEvent) Result
}

type Config struct {
	// RetryMax bounds full fan-out rounds.
	RetryMax int
	// RetryBase is the exponent base of the outer backoff.
	RetryBase float64
	// RetryScale converts the backoff to wall time; tests shrink it.
	RetryScale time.Duration
	// AutoSubscribe chains a Subscribe send after every Lead.
	AutoSubscribe bool
}

func (c Config) normalized() Config {
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 1 {
		c.RetryBase = 1.5
	}
	if c.RetryScale <= 0 {
		c.RetryScale = time.Second
	}
	return c
}

type Client struct {
	sinks  []Sink
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger, sinks ...Sink) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		sinks:  sinks,
		cfg:    cfg.normalized(),
		logger: logger.With("component", "delivery"),
	}
}

// SendToAll fans the event out to every sink independently; one sink
// failing never short-circuits the others. A Lead additionally chains a
// derived Subscribe send unless the event suppresses it, keyed
// "<sink>_subscribe".
func (c *Client) SendToAll(ctx context.Context, name event.Type, ev *event.DeliveryEvent) map[string]Result {
	results := make(map[string]Result, len(c.sinks)*2)
	for _, s := range c.sinks {
		res := s.Send(ctx, name, ev)
		results[s.Name()] = res
		sinkRequests.WithLabelValues(s.Name(), res.outcome()).Inc()
	}

	if name == event.TypeLead && c.cfg.AutoSubscribe && !ev.SuppressAutoSubscribe {
		sub := ev.CloneForAutoSubscribe()
		for _, s := range c.sinks {
			res := s.Send(ctx, event.TypeSubscribe, sub)
			results[s.Name()+"_subscribe"] = res
			sinkRequests.WithLabelValues(s.Name(), res.outcome()).Inc()
		}
	}
	return results
}

// SendWithRetry wraps SendToAll in the outer retry. The event identity
// is derived from the payload, so every round dedupes downstream.
func (c *Client) SendWithRetry(ctx context.Context, name event.Type, ev *event.DeliveryEvent) Summary {
	var results map[string]Result
	attempts := 0
	for attempt := 0; attempt < c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := outerBackoff(c.cfg.RetryBase, attempt, c.cfg.RetryScale)
			if !sleepCtx(ctx, delay) {
				break
			}
		}

		attempts = attempt + 1
		results = c.SendToAll(ctx, name, ev)
		if anyOK(results) {
			return Summary{Status: StatusSuccess, Results: results, Attempts: attempts}
		}
		if allSkipped(results) {
			return Summary{Status: StatusSkipped, Results: results, Attempts: attempts}
		}
		c.logger.Warn("all sinks failed",
			"event", string(name), "event_key", ev.EventKey, "attempt", attempts)
	}
	return Summary{Status: StatusFailed, Results: results, Attempts: attempts}
}

// OKSinks lists the sinks that accepted the event, for the sent_pixels
// ledger. Chained subscribe keys fold into their base sink name.
func OKSinks(results map[string]Result) []string {
	seen := make(map[string]bool, len(results))
	var out []string
	for key, res := range results {
		if !res.OK {
			continue
		}
		name := strings.TrimSuffix(key, "_subscribe")
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r Result) outcome() string {
	switch {
	case r.OK:
		return "ok"
	case r.Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

func anyOK(results map[string]Result) bool {
	for _, r := range results {
		if r.OK {
			return true
		}
	}
	return false
}

func allSkipped(results map[string]Result) bool {
	if len(results) == 0 {
		return true
	}
	for _, r := range results {
		if !r.Skipped {
			return false
		}
	}
	return true
}

func outerBackoff(base float64, attempt int, scale time.Duration) time.Duration {
	d := time.Duration(math.Pow(base, float64(attempt)) * float64(scale))
	return d + time.Duration(attempt)*scale/5
}

// sinkBackoff spaces per-sink retries: base doubled per attempt plus up
// to half a base unit of jitter.
func sinkBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base*time.Duration(1<<attempt) + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// httpDoer lets tests swap the transport; *http.Client satisfies it.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
