// Package identity derives the deterministic deduplication identity of a
// delivery event and normalizes user data for the conversion sinks. All
// functions are pure; the same input always yields the same identity, so
// retries and reclaims of an entry dedupe downstream.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
)

// Config carries the knobs that shape identity and routing.
type Config struct {
	Salt            string
	DropOlderDays   int
	SendLeadOn      string
	SendSubscribeOn string
}

// Fields hashed before they leave the process; everything else in the
// hash set is PII the sinks require in sha256 form.
var hashedFields = map[string]bool{
	"em": true, "ph": true, "fn": true, "ln": true,
	"country": true, "st": true, "ct": true, "zp": true,
	"external_id": true,
}

// Fields the sinks accept raw.
var passthroughFields = map[string]bool{
	"fbp": true, "fbc": true,
	"client_ip_address": true, "client_user_agent": true,
}

// ClampEventTime bounds ts to the window the sinks accept, relative to
// now. Zero or negative timestamps become now; timestamps older than
// windowDays-1 days are raised to the window floor so stale rows stay
// sendable; future timestamps are pulled back to now.
func ClampEventTime(ts int64, windowDays int, now int64) int64 {
	if ts <= 0 {
		return now
	}
	if windowDays < 1 {
		windowDays = 1
	}
	floor := now - int64(windowDays-1)*86400
	if ts < floor {
		return floor
	}
	if ts > now {
		return now
	}
	return ts
}

// BuildEventID derives the sha256 identity of one conversion: the event
// name, the stable user identifiers, the click/cookie identifiers, the
// clamped event time and the deployment salt, joined with "|" after
// normalization.
func BuildEventID(name event.Type, ev *event.DeliveryEvent, eventTime int64, salt string) string {
	parts := []string{
		string(name),
		ev.TelegramID.String(),
		ev.ExternalID.String(),
		ev.ClickID,
		ev.FBPValue(),
		ev.FBCValue(),
		ev.GCLID,
		ev.GBRAID,
		ev.WBRAID,
		strconv.FormatInt(eventTime, 10),
		salt,
	}
	for i, p := range parts {
		parts[i] = norm(p)
	}
	return sha256Hex(strings.Join(parts, "|"))
}

// NormalizeUserData hashes the PII fields, strips phone numbers to digits
// first, passes cookies and client hints through raw, and drops empty or
// unknown keys.
func NormalizeUserData(ud map[string]string) map[string]string {
	out := make(map[string]string, len(ud))
	for k, v := range ud {
		key := strings.ToLower(strings.TrimSpace(k))
		val := strings.TrimSpace(v)
		if val == "" {
			continue
		}
		switch {
		case hashedFields[key]:
			if key == "ph" {
				val = onlyDigits(val)
				if val == "" {
					continue
				}
			}
			out[key] = sha256Hex(norm(val))
		case passthroughFields[key]:
			out[key] = val
		}
	}
	return out
}

// DeriveEvent resolves the deliverable conversion type for a payload:
// routing-key substrings first, then the explicit event_type some
// producers set. Empty means undeliverable.
func DeriveEvent(ev *event.DeliveryEvent, cfg Config) event.Type {
	if t := DeriveEventFromRoute(ev.RouteValue(), cfg.SendLeadOn, cfg.SendSubscribeOn); t != "" {
		return t
	}
	switch strings.ToLower(strings.TrimSpace(ev.EventType)) {
	case "lead":
		return event.TypeLead
	case "subscribe":
		return event.TypeSubscribe
	}
	return ""
}

// DeriveEventFromRoute maps a routing key to a conversion type by
// substring. The subscribe rule wins so "vip" links inside a lead funnel
// still count as subscriptions.
func DeriveEventFromRoute(route, leadOn, subscribeOn string) event.Type {
	r := strings.ToLower(strings.TrimSpace(route))
	if r == "" {
		return ""
	}
	if subscribeOn != "" && strings.Contains(r, strings.ToLower(subscribeOn)) {
		return event.TypeSubscribe
	}
	if leadOn != "" && strings.Contains(r, strings.ToLower(leadOn)) {
		return event.TypeLead
	}
	return ""
}

// Deliverable reports whether the sinks accept this conversion type.
func Deliverable(t event.Type) bool {
	return t == event.TypeLead || t == event.TypeSubscribe
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func onlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
