package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("numeric telegram id", func(t *testing.T) {
		ev, err := Decode([]byte(`{"event_key":"tg-42-1700000000","telegram_id":42}`))
		require.NoError(t, err)
		assert.Equal(t, "42", ev.TelegramID.String())
	})

	t.Run("string telegram id trimmed", func(t *testing.T) {
		ev, err := Decode([]byte(`{"event_key":"k1","telegram_id":" 42 "}`))
		require.NoError(t, err)
		assert.Equal(t, "42", ev.TelegramID.String())
	})

	t.Run("full payload", func(t *testing.T) {
		raw := []byte(`{
			"event_key": "web-abc",
			"telegram_id": "7",
			"event_type": "lead",
			"route_key": "vip_lead",
			"value": 49.9,
			"currency": "BRL",
			"event_time": 1700000000,
			"_fbp": "fb.1.1700000000.111",
			"user_data": {"em": "a@b.c"},
			"custom_data": {"plan": "vip"},
			"subscribe_from_lead": true
		}`)
		ev, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, "vip_lead", ev.RouteKey)
		assert.Equal(t, 49.9, ev.Value)
		assert.Equal(t, int64(1700000000), ev.EventTime)
		assert.Equal(t, "a@b.c", ev.UserData["em"])
		assert.Equal(t, "vip", ev.CustomData["plan"])
		assert.True(t, ev.SubscribeFromLead)
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := Decode(nil)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := Decode([]byte(`{"event_key":`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing event_key", func(t *testing.T) {
		_, err := Decode([]byte(`{"telegram_id":42}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing telegram_id", func(t *testing.T) {
		_, err := Decode([]byte(`{"event_key":"k1"}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("null telegram_id", func(t *testing.T) {
		_, err := Decode([]byte(`{"event_key":"k1","telegram_id":null}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("non-scalar telegram_id", func(t *testing.T) {
		_, err := Decode([]byte(`{"event_key":"k1","telegram_id":true}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestRouteValue(t *testing.T) {
	t.Run("route_key wins", func(t *testing.T) {
		ev := &DeliveryEvent{RouteKey: "vip_lead", LinkKey: "old_link"}
		assert.Equal(t, "vip_lead", ev.RouteValue())
	})

	t.Run("link_key fallback", func(t *testing.T) {
		ev := &DeliveryEvent{LinkKey: "old_link"}
		assert.Equal(t, "old_link", ev.RouteValue())
	})

	t.Run("both empty", func(t *testing.T) {
		assert.Empty(t, (&DeliveryEvent{}).RouteValue())
	})
}

func TestSourceURL(t *testing.T) {
	ev := &DeliveryEvent{
		SrcURL:     "https://src.example",
		LandingURL: "https://landing.example",
	}
	assert.Equal(t, "https://src.example", ev.SourceURL())

	ev.EventSourceURL = "https://primary.example"
	assert.Equal(t, "https://primary.example", ev.SourceURL())

	assert.Empty(t, (&DeliveryEvent{}).SourceURL())
}

func TestCookieValues(t *testing.T) {
	t.Run("top-level fields win", func(t *testing.T) {
		ev := &DeliveryEvent{
			FBP:      "fb.1.1.aaa",
			FBC:      "fb.1.1.bbb",
			UserData: map[string]string{"fbp": "other", "fbc": "other"},
		}
		assert.Equal(t, "fb.1.1.aaa", ev.FBPValue())
		assert.Equal(t, "fb.1.1.bbb", ev.FBCValue())
	})

	t.Run("user_data fallback", func(t *testing.T) {
		ev := &DeliveryEvent{UserData: map[string]string{"fbp": "fb.1.2.ccc", "fbc": "fb.1.2.ddd"}}
		assert.Equal(t, "fb.1.2.ccc", ev.FBPValue())
		assert.Equal(t, "fb.1.2.ddd", ev.FBCValue())
	})
}

func TestExternalIDValue(t *testing.T) {
	t.Run("explicit field wins", func(t *testing.T) {
		ev := &DeliveryEvent{TelegramID: "42", ExternalID: "ext-1"}
		assert.Equal(t, "ext-1", ev.ExternalIDValue())
	})

	t.Run("user_data fallback", func(t *testing.T) {
		ev := &DeliveryEvent{TelegramID: "42", UserData: map[string]string{"external_id": "ext-2"}}
		assert.Equal(t, "ext-2", ev.ExternalIDValue())
	})

	t.Run("telegram id fallback", func(t *testing.T) {
		ev := &DeliveryEvent{TelegramID: "42"}
		assert.Equal(t, "42", ev.ExternalIDValue())
	})
}

func TestCloneForAutoSubscribe(t *testing.T) {
	orig := &DeliveryEvent{
		EventKey:   "tg-42-1700000000",
		TelegramID: "42",
		UserData:   map[string]string{"em": "a@b.c"},
		CustomData: map[string]any{"plan": "vip"},
	}

	clone := orig.CloneForAutoSubscribe()

	assert.True(t, clone.SubscribeFromLead)
	assert.True(t, clone.SuppressAutoSubscribe)
	assert.Equal(t, orig.EventKey, clone.EventKey)

	clone.UserData["em"] = "x@y.z"
	clone.CustomData["plan"] = "basic"
	assert.Equal(t, "a@b.c", orig.UserData["em"])
	assert.Equal(t, "vip", orig.CustomData["plan"])
	assert.False(t, orig.SubscribeFromLead)
}
