package lead

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
)

// ErrNotFound mirrors pgx.ErrNoRows at the domain boundary.
var ErrNotFound = errors.New("lead not found")

// Statuses recorded in the history ledger.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// HistoryEntry is one delivery attempt appended to a record's ledger.
type HistoryEntry struct {
	Event   string         `json:"event"`
	EntryID string         `json:"entry_id,omitempty"`
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Results map[string]any `json:"results,omitempty"`
	TS      time.Time      `json:"ts"`
}

// Lead is the durable per-event_key delivery record. Records merge on
// conflict and are never deleted; sent only ever flips false to true.
type Lead struct {
	EventKey        string            `json:"event_key"`
	TelegramID      string            `json:"telegram_id"`
	EventType       string            `json:"event_type,omitempty"`
	RouteKey        string            `json:"route_key,omitempty"`
	SrcURL          string            `json:"src_url,omitempty"`
	Value           float64           `json:"value,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	UserData        map[string]string `json:"user_data,omitempty"`
	CustomData      map[string]any    `json:"custom_data,omitempty"`
	Cookies         map[string]string `json:"cookies,omitempty"`
	DeviceInfo      map[string]string `json:"device_info,omitempty"`
	SessionMetadata map[string]any    `json:"session_metadata,omitempty"`
	Sent            bool              `json:"sent"`
	SentPixels      []string          `json:"sent_pixels,omitempty"`
	EventHistory    []HistoryEntry    `json:"event_history,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAttemptAt   *time.Time        `json:"last_attempt_at,omitempty"`
	LastSentAt      *time.Time        `json:"last_sent_at,omitempty"`
}

// Stats is the aggregate surface the admin service reads.
type Stats struct {
	Total   int64 `json:"total"`
	Sent    int64 `json:"sent"`
	Pending int64 `json:"pending"`
}

// Repository is the idempotent store. Upsert folds l into the record
// keyed by l.EventKey (shallow key-wise merge of the json maps, history
// append, monotonic sent) and l.SentPixels names the sinks that succeeded
// in this attempt. ListUnsent claims up to limit unsent records in
// creation order, stamping last_attempt_at so concurrent feeders skip
// them.
type Repository interface {
	Upsert(ctx context.Context, l *Lead, rec *HistoryEntry) error
	GetByEventKey(ctx context.Context, eventKey string) (*Lead, error)
	ListUnsent(ctx context.Context, limit int) ([]*Lead, error)
	ListRecent(ctx context.Context, limit int) ([]*Lead, error)
	Stats(ctx context.Context) (*Stats, error)
}

// FromEvent projects a decoded stream payload onto the record shape.
// Discrete cookie fields fold into the cookies map so retrofeeds see
// them, and the priority score is recomputed from the latest data.
func FromEvent(ev *event.DeliveryEvent, eventType event.Type) *Lead {
	l := &Lead{
		EventKey:        ev.EventKey,
		TelegramID:      ev.TelegramID.String(),
		EventType:       strings.ToLower(string(eventType)),
		RouteKey:        ev.RouteValue(),
		SrcURL:          ev.SourceURL(),
		Value:           ev.Value,
		Currency:        ev.Currency,
		UserData:        maps.Clone(ev.UserData),
		CustomData:      maps.Clone(ev.CustomData),
		Cookies:         maps.Clone(ev.Cookies),
		DeviceInfo:      maps.Clone(ev.DeviceInfo),
		SessionMetadata: maps.Clone(ev.SessionMetadata),
	}
	if l.EventType == "" {
		l.EventType = strings.ToLower(strings.TrimSpace(ev.EventType))
	}
	if fbp, fbc := ev.FBPValue(), ev.FBCValue(); fbp != "" || fbc != "" {
		if l.Cookies == nil {
			l.Cookies = make(map[string]string, 2)
		}
		if fbp != "" && l.Cookies["_fbp"] == "" {
			l.Cookies["_fbp"] = fbp
		}
		if fbc != "" && l.Cookies["_fbc"] == "" {
			l.Cookies["_fbc"] = fbc
		}
	}
	if l.CustomData == nil {
		l.CustomData = make(map[string]any, 1)
	}
	l.CustomData["priority_score"] = PriorityScore(l.UserData, l.CustomData)
	return l
}

// ToEvent rebuilds the stream payload for re-delivery. The caller is
// responsible for decrypting cookies first and for re-clamping times.
func (l *Lead) ToEvent() *event.DeliveryEvent {
	ev := &event.DeliveryEvent{
		EventKey:        l.EventKey,
		TelegramID:      event.FlexID(l.TelegramID),
		EventType:       l.EventType,
		RouteKey:        l.RouteKey,
		SrcURL:          l.SrcURL,
		Value:           l.Value,
		Currency:        l.Currency,
		UserData:        maps.Clone(l.UserData),
		CustomData:      maps.Clone(l.CustomData),
		Cookies:         maps.Clone(l.Cookies),
		DeviceInfo:      maps.Clone(l.DeviceInfo),
		SessionMetadata: maps.Clone(l.SessionMetadata),
	}
	if l.Cookies != nil {
		ev.FBP = l.Cookies["_fbp"]
		ev.FBC = l.Cookies["_fbc"]
	}
	if l.UserData != nil {
		ev.ExternalID = event.FlexID(l.UserData["external_id"])
	}
	return ev
}

// PriorityScore ranks a record by how identifiable the user is; richer
// records are worth re-feeding first.
func PriorityScore(ud map[string]string, cd map[string]any) int {
	score := 0
	if ud["username"] != "" {
		score += 2
	}
	if ud["first_name"] != "" {
		score++
	}
	if v := strings.ToLower(ud["premium"]); v == "true" || v == "1" {
		score += 3
	}
	if ud["country"] != "" {
		score++
	}
	if ud["external_id"] != "" {
		score += 2
	}
	if n, ok := toFloat(cd["subscribe_count"]); ok {
		score += int(n) * 3
	}
	return score
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
