package event

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// Type labels the conversion kinds the sinks understand.
type Type string

const (
	TypeLead      Type = "Lead"
	TypeSubscribe Type = "Subscribe"
)

// ErrMalformed marks payloads that can never be processed; the worker
// acknowledges them without a delivery attempt.
var ErrMalformed = errors.New("malformed payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// FlexID tolerates producers that send ids as JSON numbers and ones
// that send them as strings.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*f = ""
	case strings.HasPrefix(s, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(v))
	default:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("invalid id literal %q", s)
		}
		*f = FlexID(s)
	}
	return nil
}

func (f FlexID) String() string { return string(f) }

// DeliveryEvent is the stream payload. Producers (bridge, bot, retrofeed)
// write it; the worker decodes it exactly once at the queue boundary.
type DeliveryEvent struct {
	EventKey   string `json:"event_key" validate:"required"`
	EventID    string `json:"event_id,omitempty"`
	TelegramID FlexID `json:"telegram_id" validate:"required"`
	EventType  string `json:"event_type,omitempty"`
	RouteKey   string `json:"route_key,omitempty"`
	LinkKey    string `json:"link_key,omitempty"`
	ExternalID FlexID `json:"external_id,omitempty"`

	Value    float64 `json:"value,omitempty"`
	Currency string  `json:"currency,omitempty"`

	EventTime      int64  `json:"event_time,omitempty"`
	EventSourceURL string `json:"event_source_url,omitempty"`
	SrcURL         string `json:"src_url,omitempty"`
	LandingURL     string `json:"landing_url,omitempty"`

	ClickID  string `json:"click_id,omitempty"`
	FBCLID   string `json:"fbclid,omitempty"`
	GCLID    string `json:"gclid,omitempty"`
	GBRAID   string `json:"gbraid,omitempty"`
	WBRAID   string `json:"wbraid,omitempty"`
	CID      string `json:"cid,omitempty"`
	ClientID string `json:"client_id,omitempty"`

	FBP string `json:"_fbp,omitempty"`
	FBC string `json:"_fbc,omitempty"`

	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`

	UserData        map[string]string `json:"user_data,omitempty"`
	CustomData      map[string]any    `json:"custom_data,omitempty"`
	Cookies         map[string]string `json:"cookies,omitempty"`
	DeviceInfo      map[string]string `json:"device_info,omitempty"`
	SessionMetadata map[string]any    `json:"session_metadata,omitempty"`

	SubscribeFromLead     bool `json:"subscribe_from_lead,omitempty"`
	SuppressAutoSubscribe bool `json:"__suppress_auto_subscribe,omitempty"`
}

// Decode parses and validates a raw stream payload.
func Decode(payload []byte) (*DeliveryEvent, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	ev := &DeliveryEvent{}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, nil
}

func (e *DeliveryEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// RouteValue is the routing key producers set; older producers used link_key.
func (e *DeliveryEvent) RouteValue() string {
	if e.RouteKey != "" {
		return e.RouteKey
	}
	return e.LinkKey
}

// SourceURL picks the first populated source-page field.
func (e *DeliveryEvent) SourceURL() string {
	for _, u := range []string{e.EventSourceURL, e.SrcURL, e.LandingURL} {
		if u != "" {
			return u
		}
	}
	return ""
}

// FBPValue returns the browser cookie regardless of which field the
// producer put it in.
func (e *DeliveryEvent) FBPValue() string {
	if e.FBP != "" {
		return e.FBP
	}
	return e.UserData["fbp"]
}

func (e *DeliveryEvent) FBCValue() string {
	if e.FBC != "" {
		return e.FBC
	}
	return e.UserData["fbc"]
}

// ExternalIDValue falls back to the telegram id so every event carries a
// stable external identity.
func (e *DeliveryEvent) ExternalIDValue() string {
	if s := strings.TrimSpace(e.ExternalID.String()); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.UserData["external_id"]); s != "" {
		return s
	}
	return e.TelegramID.String()
}

// CloneForAutoSubscribe derives the chained Subscribe event from a Lead.
// The clone is suppressed so it can never chain again.
func (e *DeliveryEvent) CloneForAutoSubscribe() *DeliveryEvent {
	c := *e
	c.UserData = maps.Clone(e.UserData)
	c.CustomData = maps.Clone(e.CustomData)
	c.Cookies = maps.Clone(e.Cookies)
	c.DeviceInfo = maps.Clone(e.DeviceInfo)
	c.SessionMetadata = maps.Clone(e.SessionMetadata)
	c.SubscribeFromLead = true
	c.SuppressAutoSubscribe = true
	return &c
}
