package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
)

func sha256hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func fbTestConfig() FacebookConfig {
	return FacebookConfig{
		PixelID:     "px-1",
		AccessToken: "tok en",
		Salt:        "salt",
		RetryMax:    2,
		BackoffBase: time.Millisecond,
	}
}

func decodeFBPayload(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Data, 1)
	return payload.Data[0]
}

func TestFacebookBuildPayload(t *testing.T) {
	sink := NewFacebookSink(fbTestConfig(), nil, nil)
	now := time.Now().Unix()

	ev := &event.DeliveryEvent{
		EventKey:       "tg-42-1700000000",
		TelegramID:     "42",
		EventSourceURL: "https://example.com/botb",
		FBP:            "fb.1.1700000000.111",
		IP:             "203.0.113.9",
		UserAgent:      "Mozilla/5.0",
		Value:          9.9,
		UTMSource:      "tg",
		UserData:       map[string]string{"em": " Test@Example.com "},
		DeviceInfo:     map[string]string{"device": "mobile", "os": "android"},
	}

	body, err := sink.BuildPayload(event.TypeLead, ev)
	require.NoError(t, err)
	data := decodeFBPayload(t, body)

	assert.Equal(t, "Lead", data["event_name"])
	assert.Equal(t, "website", data["action_source"])
	assert.Equal(t, "https://example.com/botb", data["event_source_url"])
	assert.InDelta(t, now, data["event_time"], 2)
	assert.Len(t, data["event_id"], 64)

	ud, ok := data["user_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, sha256hex("test@example.com"), ud["em"])
	assert.Equal(t, sha256hex("42"), ud["external_id"])
	assert.Equal(t, "fb.1.1700000000.111", ud["fbp"])
	assert.Equal(t, "203.0.113.9", ud["client_ip_address"])
	assert.Equal(t, "Mozilla/5.0", ud["client_user_agent"])

	cd, ok := data["custom_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "BRL", cd["currency"])
	assert.InDelta(t, 9.9, cd["value"], 0.001)
	assert.Equal(t, "tg", cd["utm_source"])
	assert.Equal(t, "mobile", cd["device"])
	assert.Equal(t, "android", cd["os"])
}

func TestFacebookBuildPayloadClampsStaleTime(t *testing.T) {
	sink := NewFacebookSink(fbTestConfig(), nil, nil)

	ev := &event.DeliveryEvent{
		EventKey:   "tg-42-1",
		TelegramID: "42",
		EventTime:  time.Now().Add(-30 * 24 * time.Hour).Unix(),
	}

	body, err := sink.BuildPayload(event.TypeLead, ev)
	require.NoError(t, err)
	data := decodeFBPayload(t, body)

	floor := time.Now().Unix() - 6*86400
	assert.InDelta(t, floor, data["event_time"], 2)
}

func TestFacebookBuildPayloadReusesEventID(t *testing.T) {
	sink := NewFacebookSink(fbTestConfig(), nil, nil)

	ev := &event.DeliveryEvent{
		EventKey:   "tg-42-1700000000",
		EventID:    "precomputed-id",
		TelegramID: "42",
	}

	body, err := sink.BuildPayload(event.TypeSubscribe, ev)
	require.NoError(t, err)
	data := decodeFBPayload(t, body)

	assert.Equal(t, "Subscribe", data["event_name"])
	assert.Equal(t, "precomputed-id", data["event_id"])
}

func TestFacebookEndpoint(t *testing.T) {
	cfg := fbTestConfig()
	cfg.TestEventCode = "TEST123"
	sink := NewFacebookSink(cfg, nil, nil)

	got := sink.endpoint()
	assert.Equal(t,
		"https://graph.facebook.com/v20.0/px-1/events?access_token=tok+en&test_event_code=TEST123",
		got)
}

func TestFacebookSendSkipsWhenUnconfigured(t *testing.T) {
	sink := NewFacebookSink(FacebookConfig{}, nil, nil)

	res := sink.Send(context.Background(), event.TypeLead, testEvent())

	assert.True(t, res.Skipped)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Reason)
}

func TestFacebookSendRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v20.0/px-1/events", r.URL.Path)
		assert.Equal(t, "tok en", r.URL.Query().Get("access_token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"events_received":1}`))
	}))
	defer srv.Close()

	cfg := fbTestConfig()
	cfg.GraphBase = srv.URL
	sink := NewFacebookSink(cfg, srv.Client(), nil)

	res := sink.Send(context.Background(), event.TypeLead, testEvent())

	assert.True(t, res.OK)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), hits.Load())
	assert.Contains(t, res.Body, "events_received")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	data := decodeFBPayload(t, bodies[0])
	assert.Equal(t, "Lead", data["event_name"])
	assert.Equal(t, decodeFBPayload(t, bodies[1])["event_id"], data["event_id"])
}

func TestFacebookSendExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"message":"bad pixel"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := fbTestConfig()
	cfg.GraphBase = srv.URL
	sink := NewFacebookSink(cfg, srv.Client(), nil)

	res := sink.Send(context.Background(), event.TypeLead, testEvent())

	assert.False(t, res.OK)
	assert.Equal(t, 400, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), hits.Load())
	assert.Contains(t, res.Body, "bad pixel")
}
