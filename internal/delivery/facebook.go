package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/identity"
)

const defaultGraphBase = "https://graph.facebook.com"

type FacebookConfig struct {
	PixelID       string
	AccessToken   string
	APIVersion    string
	TestEventCode string
	ActionSource  string
	DropOlderDays int
	Salt          string
	RetryMax      int
	BackoffBase   time.Duration
	// GraphBase overrides the Graph API host, for tests.
	GraphBase string
}

func (c FacebookConfig) normalized() FacebookConfig {
	if c.APIVersion == "" {
		c.APIVersion = "v20.0"
	}
	if c.ActionSource == "" {
		c.ActionSource = "website"
	}
	if c.DropOlderDays <= 0 {
		c.DropOlderDays = 7
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.GraphBase == "" {
		c.GraphBase = defaultGraphBase
	}
	return c
}

// FacebookSink posts single-event batches to the Conversions API.
type FacebookSink struct {
	cfg    FacebookConfig
	client httpDoer
	logger *slog.Logger
}

func NewFacebookSink(cfg FacebookConfig, client httpDoer, logger *slog.Logger) *FacebookSink {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FacebookSink{
		cfg:    cfg.normalized(),
		client: client,
		logger: logger.With("component", "sink", "sink", "facebook"),
	}
}

func (s *FacebookSink) Name() string { return "facebook" }

func (s *FacebookSink) Enabled() bool {
	return s.cfg.PixelID != "" && s.cfg.AccessToken != ""
}

func (s *FacebookSink) Send(ctx context.Context, name event.Type, ev *event.DeliveryEvent) Result {
	if !s.Enabled() {
		return Result{Skipped: true, Reason: "missing pixel id or access token"}
	}

	payload, err := s.BuildPayload(name, ev)
	if err != nil {
		return Result{Error: fmt.Sprintf("build payload: %v", err)}
	}

	res := postJSON(ctx, s.client, s.endpoint(), payload, s.cfg.RetryMax, s.cfg.BackoffBase)
	if !res.OK {
		s.logger.Warn("send failed",
			"event", string(name), "event_key", ev.EventKey,
			"status", res.Status, "error", res.Error, "attempts", res.Attempts)
	}
	return res
}

// BuildPayload assembles the CAPI body: clamped event time, the stable
// event_id (reused from the payload when a producer already computed
// one), hashed user data and the custom data block.
func (s *FacebookSink) BuildPayload(name event.Type, ev *event.DeliveryEvent) ([]byte, error) {
	eventTime := identity.ClampEventTime(ev.EventTime, s.cfg.DropOlderDays, time.Now().Unix())
	eventID := ev.EventID
	if eventID == "" {
		eventID = identity.BuildEventID(name, ev, eventTime, s.cfg.Salt)
	}

	data := map[string]any{
		"event_name":    string(name),
		"event_time":    eventTime,
		"event_id":      eventID,
		"action_source": s.cfg.ActionSource,
		"user_data":     s.userData(ev),
	}
	if u := ev.SourceURL(); u != "" {
		data["event_source_url"] = u
	}
	if cd := customData(ev); len(cd) > 0 {
		data["custom_data"] = cd
	}

	return json.Marshal(map[string]any{"data": []any{data}})
}

// userData folds the discrete cookie and client fields into the map and
// normalizes the result; raw PII never leaves this process.
func (s *FacebookSink) userData(ev *event.DeliveryEvent) map[string]string {
	raw := make(map[string]string, len(ev.UserData)+4)
	for k, v := range ev.UserData {
		raw[k] = v
	}
	if raw["fbp"] == "" {
		raw["fbp"] = ev.FBPValue()
	}
	if raw["fbc"] == "" {
		raw["fbc"] = ev.FBCValue()
	}
	if raw["client_ip_address"] == "" {
		raw["client_ip_address"] = ev.IP
	}
	if raw["client_user_agent"] == "" {
		raw["client_user_agent"] = ev.UserAgent
	}
	if raw["external_id"] == "" {
		raw["external_id"] = ev.ExternalIDValue()
	}
	return identity.NormalizeUserData(raw)
}

func (s *FacebookSink) endpoint() string {
	u := fmt.Sprintf("%s/%s/%s/events?access_token=%s",
		s.cfg.GraphBase, s.cfg.APIVersion, s.cfg.PixelID, url.QueryEscape(s.cfg.AccessToken))
	if s.cfg.TestEventCode != "" {
		u += "&test_event_code=" + url.QueryEscape(s.cfg.TestEventCode)
	}
	return u
}

func customData(ev *event.DeliveryEvent) map[string]any {
	cd := map[string]any{
		"currency": defaultString(ev.Currency, "BRL"),
		"value":    ev.Value,
	}
	for k, v := range map[string]string{
		"utm_source":   ev.UTMSource,
		"utm_medium":   ev.UTMMedium,
		"utm_campaign": ev.UTMCampaign,
		"utm_term":     ev.UTMTerm,
		"utm_content":  ev.UTMContent,
		"device":       ev.DeviceInfo["device"],
		"os":           ev.DeviceInfo["os"],
	} {
		if v != "" {
			cd[k] = v
		}
	}
	return cd
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
