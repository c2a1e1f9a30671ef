// Package notify publishes terminal delivery outcomes to Kafka so
// downstream consumers (BI, CRM syncs) can react without polling the
// store. Publishing is strictly advisory: a broker outage never blocks
// or fails the delivery path.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/infrastructure/kafka"
)

// sendTimeout bounds one publish so a dead broker cannot hold the ack
// path hostage.
const sendTimeout = 5 * time.Second

// Publisher is the producer surface the notifier needs; the kafka
// Producer satisfies it.
type Publisher interface {
	SendMessage(ctx context.Context, key, value []byte) error
	Close() error
}

type Notifier struct {
	producer Publisher
	logger   *slog.Logger
}

// New wraps a producer; a nil producer disables publishing.
func New(producer Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		producer: producer,
		logger:   logger.With("component", "notify"),
	}
}

// NewFromConfig builds the notifier, disabled when no brokers or topic
// are configured.
func NewFromConfig(cfg kafka.Config, logger *slog.Logger) *Notifier {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return New(nil, logger)
	}
	return New(kafka.NewProducer(cfg), logger)
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.producer != nil
}

// Publish emits the outcome envelope keyed by event_key, so outcomes
// for one lead land on one partition in order. Failures are logged and
// swallowed.
func (n *Notifier) Publish(ctx context.Context, msg *event.Message) {
	if !n.Enabled() {
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}

	value, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("marshal outcome", "event_key", msg.EventKey, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := n.producer.SendMessage(sendCtx, []byte(msg.EventKey), value); err != nil {
		n.logger.Warn("publish outcome failed",
			"event_key", msg.EventKey, "type", msg.Type, "error", err)
	}
}

func (n *Notifier) Close() error {
	if !n.Enabled() {
		return nil
	}
	return n.producer.Close()
}
