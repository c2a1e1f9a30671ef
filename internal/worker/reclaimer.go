package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/stream"
)

var entriesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "worker_entries_reclaimed_total",
	Help: "Pending entries re-admitted after exceeding the idle threshold",
})

type ReclaimConfig struct {
	MinIdle  time.Duration
	Batch    int
	Interval time.Duration
}

func (c ReclaimConfig) normalized() ReclaimConfig {
	if c.MinIdle <= 0 {
		c.MinIdle = time.Minute
	}
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

// Reclaimer re-admits entries that some consumer checked out but never
// acknowledged, feeding them into the same local queue the checkout
// loop fills. It is the system's retry mechanism for failed deliveries
// and crashed consumers.
type Reclaimer struct {
	stream stream.Stream
	cfg    ReclaimConfig
	logger *slog.Logger
}

func NewReclaimer(cfg ReclaimConfig, st stream.Stream, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		stream: st,
		cfg:    cfg.normalized(),
		logger: logger.With("component", "reclaimer"),
	}
}

// Run ticks until ctx is cancelled. enqueue returns false once the pool
// stops accepting work, which ends the loop.
func (r *Reclaimer) Run(ctx context.Context, enqueue func(stream.Entry) bool) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reclaimer started",
		"min_idle", r.cfg.MinIdle, "interval", r.cfg.Interval, "batch", r.cfg.Batch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.tick(ctx, enqueue) {
				return
			}
		}
	}
}

// tick scans once from the head of the pending list. Claiming resets an
// entry's idle clock, so restarting from "0-0" next tick cannot hand
// out the same entry twice in a row.
func (r *Reclaimer) tick(ctx context.Context, enqueue func(stream.Entry) bool) bool {
	entries, _, err := r.stream.Reclaim(ctx, r.cfg.MinIdle, r.cfg.Batch, "0-0")
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.logger.Error("reclaim failed", "error", err)
		return true
	}
	if len(entries) == 0 {
		return true
	}

	r.logger.Info("re-admitting stale entries", "count", len(entries))
	for _, e := range entries {
		if !enqueue(e) {
			return false
		}
		entriesReclaimed.Inc()
	}
	return true
}
