package lead

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
)

func TestUpsertCreatesThenMerges(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := &Lead{
		EventKey:   "k1",
		TelegramID: "42",
		EventType:  "lead",
		UserData:   map[string]string{"em": "a@b.c", "fn": "ana"},
		CustomData: map[string]any{"utm_source": "tg"},
	}
	require.NoError(t, repo.Upsert(ctx, first, &HistoryEntry{Event: "Lead", Status: StatusFailed}))

	second := &Lead{
		EventKey: "k1",
		UserData: map[string]string{"em": "new@b.c", "ph": "551199"},
	}
	require.NoError(t, repo.Upsert(ctx, second, &HistoryEntry{Event: "Lead", Status: StatusSuccess}))

	got, err := repo.GetByEventKey(ctx, "k1")
	require.NoError(t, err)

	// one record, key-wise last-writer-wins merge
	assert.Equal(t, "42", got.TelegramID)
	assert.Equal(t, "new@b.c", got.UserData["em"])
	assert.Equal(t, "ana", got.UserData["fn"])
	assert.Equal(t, "551199", got.UserData["ph"])
	assert.Equal(t, "tg", got.CustomData["utm_source"])
	assert.Len(t, got.EventHistory, 2)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestSentIsMonotonic(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	l := &Lead{EventKey: "k1", TelegramID: "42"}
	require.NoError(t, repo.Upsert(ctx, l, &HistoryEntry{Event: "Lead", Status: StatusSuccess}))

	got, err := repo.GetByEventKey(ctx, "k1")
	require.NoError(t, err)
	require.True(t, got.Sent)
	require.NotNil(t, got.LastSentAt)
	sentAt := *got.LastSentAt

	// a later failed attempt must not clear sent or last_sent_at
	require.NoError(t, repo.Upsert(ctx, l, &HistoryEntry{Event: "Subscribe", Status: StatusFailed}))

	got, err = repo.GetByEventKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, got.Sent)
	assert.Equal(t, sentAt, *got.LastSentAt)
	assert.NotNil(t, got.LastAttemptAt)
	assert.Len(t, got.EventHistory, 2)
}

func TestSentPixelsUnion(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	l := &Lead{EventKey: "k1", TelegramID: "42", SentPixels: []string{"facebook"}}
	require.NoError(t, repo.Upsert(ctx, l, &HistoryEntry{Event: "Lead", Status: StatusSuccess}))

	l2 := &Lead{EventKey: "k1", SentPixels: []string{"ga4", "facebook"}}
	require.NoError(t, repo.Upsert(ctx, l2, &HistoryEntry{Event: "Lead", Status: StatusSuccess}))

	got, err := repo.GetByEventKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []string{"facebook", "ga4"}, got.SentPixels)
}

func TestListUnsentClaimsInCreationOrder(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Upsert(ctx, &Lead{EventKey: key, TelegramID: "1"},
			&HistoryEntry{Event: "Lead", Status: StatusFailed}))
	}
	require.NoError(t, repo.Upsert(ctx, &Lead{EventKey: "b", TelegramID: "1"},
		&HistoryEntry{Event: "Lead", Status: StatusSuccess}))

	unsent, err := repo.ListUnsent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsent, 2)
	assert.Equal(t, "a", unsent[0].EventKey)
	assert.Equal(t, "c", unsent[1].EventKey)

	// claim stamped
	assert.NotNil(t, unsent[0].LastAttemptAt)

	limited, err := repo.ListUnsent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestGetReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &Lead{
		EventKey:   "k1",
		TelegramID: "42",
		UserData:   map[string]string{"em": "a@b.c"},
	}, nil))

	got, err := repo.GetByEventKey(ctx, "k1")
	require.NoError(t, err)
	got.UserData["em"] = "mutated"

	again, err := repo.GetByEventKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", again.UserData["em"])
}

func TestGetMissing(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.GetByEventKey(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFromEvent(t *testing.T) {
	ev := &event.DeliveryEvent{
		EventKey:   "tg-42-1700000000",
		TelegramID: "42",
		RouteKey:   "botb_x",
		SrcURL:     "https://example.com/lp",
		Value:      9.9,
		Currency:   "BRL",
		FBP:        "fb.1.2.3",
		UserData:   map[string]string{"username": "ana", "external_id": "42"},
	}

	l := FromEvent(ev, event.TypeLead)
	assert.Equal(t, "lead", l.EventType)
	assert.Equal(t, "botb_x", l.RouteKey)
	assert.Equal(t, "fb.1.2.3", l.Cookies["_fbp"])
	// username(2) + external_id(2)
	assert.Equal(t, 4, l.CustomData["priority_score"])
}

func TestToEventRoundTrip(t *testing.T) {
	l := &Lead{
		EventKey:   "k1",
		TelegramID: "42",
		EventType:  "lead",
		RouteKey:   "botb_x",
		Cookies:    map[string]string{"_fbp": "fb.1.2.3"},
		UserData:   map[string]string{"external_id": "ext-9"},
	}

	ev := l.ToEvent()
	assert.Equal(t, "k1", ev.EventKey)
	assert.Equal(t, event.FlexID("42"), ev.TelegramID)
	assert.Equal(t, "fb.1.2.3", ev.FBP)
	assert.Equal(t, event.FlexID("ext-9"), ev.ExternalID)
	assert.Equal(t, "botb_x", ev.RouteKey)
}

func TestPriorityScore(t *testing.T) {
	score := PriorityScore(
		map[string]string{"username": "u", "first_name": "f", "premium": "true", "country": "br", "external_id": "x"},
		map[string]any{"subscribe_count": float64(2)},
	)
	// 2+1+3+1+2 + 2*3
	assert.Equal(t, 15, score)

	assert.Equal(t, 0, PriorityScore(nil, nil))
}

func TestUpsertWithoutHistory(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &Lead{EventKey: "k1", TelegramID: "42"}, nil))

	got, err := repo.GetByEventKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, got.Sent)
	assert.Empty(t, got.EventHistory)
	assert.Nil(t, got.LastAttemptAt)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), got.CreatedAt)
}
