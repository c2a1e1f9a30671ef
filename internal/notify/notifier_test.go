package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/event"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/infrastructure/kafka"
)

type stubPublisher struct {
	keys   [][]byte
	values [][]byte
	err    error
	closed bool
}

func (s *stubPublisher) SendMessage(_ context.Context, key, value []byte) error {
	s.keys = append(s.keys, key)
	s.values = append(s.values, value)
	return s.err
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}

func TestPublishFillsEnvelopeDefaults(t *testing.T) {
	pub := &stubPublisher{}
	n := New(pub, nil)

	n.Publish(context.Background(), &event.Message{
		Type:     event.MessageDelivered,
		EventKey: "tg-42-1700000000",
		EntryID:  "1-0",
		Status:   "success",
		Producer: "worker-1",
	})

	require.Len(t, pub.values, 1)
	assert.Equal(t, []byte("tg-42-1700000000"), pub.keys[0])

	var got event.Message
	require.NoError(t, json.Unmarshal(pub.values[0], &got))
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.OccurredAt.IsZero())
	assert.Equal(t, event.MessageDelivered, got.Type)
	assert.Equal(t, "worker-1", got.Producer)
}

func TestPublishSwallowsProducerErrors(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker down")}
	n := New(pub, nil)

	n.Publish(context.Background(), &event.Message{EventKey: "k", Type: event.MessageFailed})

	assert.Len(t, pub.values, 1)
}

func TestDisabledNotifierIsNoop(t *testing.T) {
	n := NewFromConfig(kafka.Config{}, nil)

	assert.False(t, n.Enabled())
	n.Publish(context.Background(), &event.Message{EventKey: "k"})
	assert.NoError(t, n.Close())
}
