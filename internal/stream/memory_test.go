package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupStartsAtTail(t *testing.T) {
	s := NewMemoryStream("w1")
	ctx := context.Background()

	_, err := s.Append(ctx, []byte(`{"n":1}`))
	require.NoError(t, err)

	require.NoError(t, s.EnsureGroup(ctx))
	require.NoError(t, s.EnsureGroup(ctx)) // idempotent

	id2, err := s.Append(ctx, []byte(`{"n":2}`))
	require.NoError(t, err)

	got, err := s.Checkout(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id2, got[0].ID)
	assert.JSONEq(t, `{"n":2}`, string(got[0].Payload))
}

func TestCheckoutRequiresGroup(t *testing.T) {
	s := NewMemoryStream("w1")
	_, err := s.Checkout(context.Background(), 1, 0)
	assert.Error(t, err)
}

func TestCheckoutFIFOAndCount(t *testing.T) {
	s := NewMemoryStream("w1")
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx))

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, []byte(`{}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	first, err := s.Checkout(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, ids[0], first[0].ID)
	assert.Equal(t, ids[2], first[2].ID)

	rest, err := s.Checkout(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[3], rest[0].ID)

	// pending entries are not re-delivered by checkout
	again, err := s.Checkout(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, s.Pending(), 5)
}

func TestCheckoutBlockTimeout(t *testing.T) {
	s := NewMemoryStream("w1")
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx))

	start := time.Now()
	got, err := s.Checkout(ctx, 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCheckoutWakesOnAppend(t *testing.T) {
	s := NewMemoryStream("w1")
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx))

	done := make(chan []Entry, 1)
	go func() {
		got, _ := s.Checkout(ctx, 1, 2*time.Second)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := s.Append(ctx, []byte(`{"n":1}`))
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Len(t, got, 1)
	case <-time.After(time.Second):
		t.Fatal("checkout did not wake on append")
	}
}

func TestAckClearsPending(t *testing.T) {
	s := NewMemoryStream("w1")
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx))

	id, err := s.Append(ctx, []byte(`{}`))
	require.NoError(t, err)

	_, err = s.Checkout(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, s.Pending(), 1)

	require.NoError(t, s.Ack(ctx, id))
	assert.Empty(t, s.Pending())
	require.NoError(t, s.Ack(ctx, id)) // idempotent
}

func TestReclaimRespectsIdleThreshold(t *testing.T) {
	s := NewMemoryStream("w1")
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return base })

	id, err := s.Append(ctx, []byte(`{"n":1}`))
	require.NoError(t, err)
	_, err = s.Checkout(ctx, 1, 0)
	require.NoError(t, err)

	// too fresh to claim
	got, next, err := s.Reclaim(ctx, time.Minute, 10, "0-0")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, "0-0", next)

	s.SetNow(func() time.Time { return base.Add(61 * time.Second) })
	got, next, err = s.Reclaim(ctx, time.Minute, 10, "0-0")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "0-0", next)
	assert.Equal(t, 2, s.Deliveries(id))

	// claim reset the idle clock
	got, _, err = s.Reclaim(ctx, time.Minute, 10, "0-0")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReclaimCursorPagination(t *testing.T) {
	s := NewMemoryStream("w1")
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, []byte(`{}`))
		require.NoError(t, err)
	}
	_, err := s.Checkout(ctx, 3, 0)
	require.NoError(t, err)

	s.SetNow(func() time.Time { return base.Add(2 * time.Minute) })

	first, next, err := s.Reclaim(ctx, time.Minute, 2, "0-0")
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEqual(t, "0-0", next)

	second, next, err := s.Reclaim(ctx, time.Minute, 2, next)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "0-0", next)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.NotEqual(t, first[1].ID, second[0].ID)
}
