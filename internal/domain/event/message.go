package event

import (
	"encoding/json"
	"time"
)

// Outcome envelope types.
const (
	MessageDelivered = "lead.delivered"
	MessageSkipped   = "lead.skipped"
	MessageFailed    = "lead.failed"
)

// Message is the envelope published to Kafka after an entry reaches a
// terminal outcome. Results is kept as raw JSON produced by the worker.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	EventKey   string          `json:"event_key"`
	EntryID    string          `json:"entry_id"`
	EventType  string          `json:"event_type,omitempty"`
	Status     string          `json:"status"`
	Producer   string          `json:"producer"`
	OccurredAt time.Time       `json:"occurred_at"`
	Results    json.RawMessage `json:"results,omitempty"`
}
