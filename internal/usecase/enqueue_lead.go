package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/stream"
)

// ErrInvalidLead marks producer payloads the bridge refuses; handlers
// map it to 400.
var ErrInvalidLead = errors.New("invalid lead")

// EnqueueLead takes a producer's payload, fills the defaults the worker
// relies on and appends it to the delivery stream. The request body is
// the stream wire schema itself; producers only ever add fields.
type EnqueueLead struct {
	stream   stream.Stream
	validate *validator.Validate
	now      func() time.Time
}

func NewEnqueueLead(st stream.Stream) *EnqueueLead {
	return &EnqueueLead{
		stream:   st,
		validate: validator.New(),
		now:      time.Now,
	}
}

// EnqueueResult is what the bridge echoes back to the producer.
type EnqueueResult struct {
	EntryID  string `json:"entry_id"`
	EventKey string `json:"event_key"`
}

// enqueueChecks are the rules a producer payload must satisfy before it
// is allowed onto the stream; everything else is passthrough.
type enqueueChecks struct {
	TelegramID string  `validate:"required_without=ExternalID"`
	ExternalID string
	Value      float64 `validate:"gte=0"`
	Currency   string  `validate:"omitempty,len=3,alpha"`
}

func (uc *EnqueueLead) Execute(ctx context.Context, ev *event.DeliveryEvent) (*EnqueueResult, error) {
	checks := enqueueChecks{
		TelegramID: ev.TelegramID.String(),
		ExternalID: ev.ExternalID.String(),
		Value:      ev.Value,
		Currency:   ev.Currency,
	}
	if err := uc.validate.Struct(checks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLead, err)
	}

	now := uc.now()
	fromTelegram := ev.TelegramID.String() != ""
	if ev.EventKey == "" {
		if fromTelegram {
			ev.EventKey = fmt.Sprintf("tg-%s-%d", ev.TelegramID, now.Unix())
		} else {
			ev.EventKey = "web-" + uuid.New().String()
		}
	}
	// external-only producers still need a stable primary identity
	if !fromTelegram {
		ev.TelegramID = ev.ExternalID
	}
	if ev.EventTime == 0 {
		ev.EventTime = now.Unix()
	}

	payload, err := ev.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode lead: %w", err)
	}

	entryID, err := uc.stream.Append(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("append lead: %w", err)
	}

	return &EnqueueResult{EntryID: entryID, EventKey: ev.EventKey}, nil
}
