package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
)

func ga4TestConfig() GA4Config {
	return GA4Config{
		MeasurementID: "G-TEST",
		APISecret:     "s3cret",
		RetryMax:      2,
		BackoffBase:   time.Millisecond,
	}
}

type ga4Payload struct {
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	Events   []struct {
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
	} `json:"events"`
}

func decodeGA4Payload(t *testing.T, body []byte) ga4Payload {
	t.Helper()
	var p ga4Payload
	require.NoError(t, json.Unmarshal(body, &p))
	require.Len(t, p.Events, 1)
	return p
}

func TestGA4BuildPayload(t *testing.T) {
	sink := NewGA4Sink(ga4TestConfig(), nil, nil)

	ev := &event.DeliveryEvent{
		EventKey:    "tg-42-1700000000",
		TelegramID:  "42",
		GCLID:       "g-123",
		Value:       19.9,
		LandingURL:  "https://example.com/botb",
		UTMSource:   "tg",
		UTMCampaign: "vip-launch",
		DeviceInfo:  map[string]string{"os": "android"},
	}

	body, err := sink.BuildPayload(event.TypeLead, ev)
	require.NoError(t, err)
	p := decodeGA4Payload(t, body)

	assert.Equal(t, "g-123", p.ClientID)
	assert.Equal(t, "42", p.UserID)
	assert.Equal(t, "generate_lead", p.Events[0].Name)

	params := p.Events[0].Params
	assert.Equal(t, "BRL", params["currency"])
	assert.InDelta(t, 19.9, params["value"], 0.001)
	assert.Equal(t, "tg", params["source"])
	assert.Equal(t, "vip-launch", params["campaign"])
	assert.Equal(t, "https://example.com/botb", params["event_source_url"])
	assert.Equal(t, "android", params["os"])
	assert.NotContains(t, params, "medium")
}

func TestGA4BuildPayloadOmitsZeroValue(t *testing.T) {
	sink := NewGA4Sink(ga4TestConfig(), nil, nil)

	body, err := sink.BuildPayload(event.TypeSubscribe, testEvent())
	require.NoError(t, err)
	p := decodeGA4Payload(t, body)

	assert.Equal(t, "subscribe", p.Events[0].Name)
	assert.NotContains(t, p.Events[0].Params, "value")
	assert.Equal(t, "BRL", p.Events[0].Params["currency"])
}

func TestGA4ClientIDFallbacks(t *testing.T) {
	sink := NewGA4Sink(ga4TestConfig(), nil, nil)

	cases := []struct {
		name string
		ev   *event.DeliveryEvent
		want string
	}{
		{"gclid wins", &event.DeliveryEvent{GCLID: "g-1", ClientID: "c-1", CID: "x-1", TelegramID: "42"}, "g-1"},
		{"client_id next", &event.DeliveryEvent{ClientID: "c-1", CID: "x-1", TelegramID: "42"}, "c-1"},
		{"cid next", &event.DeliveryEvent{CID: "x-1", TelegramID: "42"}, "x-1"},
		{"telegram id synthesized", &event.DeliveryEvent{TelegramID: "42"}, "tlgrm-42"},
		{"external id synthesized", &event.DeliveryEvent{ExternalID: "ext-9"}, "tlgrm-ext-9"},
		{"anonymous", &event.DeliveryEvent{}, "tlgrm-anon"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sink.clientID(tc.ev))
		})
	}
}

func TestGA4SendSkipsWhenUnconfigured(t *testing.T) {
	sink := NewGA4Sink(GA4Config{MeasurementID: "G-TEST"}, nil, nil)

	res := sink.Send(context.Background(), event.TypeLead, testEvent())

	assert.True(t, res.Skipped)
	assert.Equal(t, "missing measurement id or api secret", res.Reason)
}

func TestGA4SendPostsToCollect(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mp/collect", r.URL.Path)
		assert.Equal(t, "G-TEST", r.URL.Query().Get("measurement_id"))
		assert.Equal(t, "s3cret", r.URL.Query().Get("api_secret"))

		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := ga4TestConfig()
	cfg.CollectBase = srv.URL
	sink := NewGA4Sink(cfg, srv.Client(), nil)

	res := sink.Send(context.Background(), event.TypeLead, testEvent())

	assert.True(t, res.OK)
	assert.Equal(t, http.StatusNoContent, res.Status)
	assert.Equal(t, 1, res.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	p := decodeGA4Payload(t, bodies[0])
	assert.Equal(t, "tlgrm-42", p.ClientID)
	assert.Equal(t, "generate_lead", p.Events[0].Name)
}
