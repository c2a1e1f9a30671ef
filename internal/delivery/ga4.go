package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
)

const defaultCollectBase = "https://www.google-analytics.com"

type GA4Config struct {
	MeasurementID  string
	APISecret      string
	ClientIDPrefix string
	RetryMax       int
	BackoffBase    time.Duration
	// CollectBase overrides the Measurement Protocol host, for tests.
	CollectBase string
}

func (c GA4Config) normalized() GA4Config {
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "tlgrm-"
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.CollectBase == "" {
		c.CollectBase = defaultCollectBase
	}
	return c
}

// GA4Sink posts events to the Measurement Protocol.
type GA4Sink struct {
	cfg    GA4Config
	client httpDoer
	logger *slog.Logger
}

func NewGA4Sink(cfg GA4Config, client httpDoer, logger *slog.Logger) *GA4Sink {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GA4Sink{
		cfg:    cfg.normalized(),
		client: client,
		logger: logger.With("component", "sink", "sink", "ga4"),
	}
}

func (s *GA4Sink) Name() string { return "ga4" }

func (s *GA4Sink) Enabled() bool {
	return s.cfg.MeasurementID != "" && s.cfg.APISecret != ""
}

func (s *GA4Sink) Send(ctx context.Context, name event.Type, ev *event.DeliveryEvent) Result {
	if !s.Enabled() {
		return Result{Skipped: true, Reason: "missing measurement id or api secret"}
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

// BuildPayload assembles the Measurement Protocol body. The client_id
// prefers the Google click id so web and bot sessions stitch together;
// leads that only ever existed inside Telegram get a synthetic one
// derived from the telegram id.
func (s *GA4Sink) BuildPayload(name event.Type, ev *event.DeliveryEvent) ([]byte, error) {
	payload := map[string]any{
		"client_id": s.clientID(ev),
		"events": []any{map[string]any{
			"name":   ga4EventName(name),
			"params": ga4Params(ev),
		}},
	}
	if id := ga4UserID(ev); id != "" {
		payload["user_id"] = id
	}
	return json.Marshal(payload)
}

func (s *GA4Sink) clientID(ev *event.DeliveryEvent) string {
	for _, v := range []string{ev.GCLID, ev.ClientID, ev.CID} {
		if v != "" {
			return v
		}
	}
	base := ev.TelegramID.String()
	if base == "" {
		base = ev.ExternalID.String()
	}
	if base == "" {
		base = "anon"
	}
	return s.cfg.ClientIDPrefix + base
}

func (s *GA4Sink) endpoint() string {
	return fmt.Sprintf("%s/mp/collect?measurement_id=%s&api_secret=%s",
		s.cfg.CollectBase, url.QueryEscape(s.cfg.MeasurementID), url.QueryEscape(s.cfg.APISecret))
}

func ga4EventName(name event.Type) string {
	switch e := strings.ToLower(string(name)); e {
	case "lead":
		return "generate_lead"
	default:
		return e
	}
}

// ga4Params mirrors the custom_data block with GA4's parameter names.
// A zero value is omitted rather than reported as a 0-revenue event.
func ga4Params(ev *event.DeliveryEvent) map[string]any {
	params := map[string]any{
		"currency": defaultString(ev.Currency, "BRL"),
	}
	if ev.Value != 0 {
		params["value"] = ev.Value
	}
	for k, v := range map[string]string{
		"source":           ev.UTMSource,
		"medium":           ev.UTMMedium,
		"campaign":         ev.UTMCampaign,
		"term":             ev.UTMTerm,
		"content":          ev.UTMContent,
		"event_source_url": ev.SourceURL(),
		"device":           ev.DeviceInfo["device"],
		"os":               ev.DeviceInfo["os"],
	} {
		if v != "" {
			params[k] = v
		}
	}
	return params
}

func ga4UserID(ev *event.DeliveryEvent) string {
	if id := ev.TelegramID.String(); id != "" {
		return id
	}
	return ev.ExternalID.String()
}
