package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the single stream field carrying the JSON document.
const payloadField = "payload"

// RedisStream implements Stream over a Redis Streams consumer group.
// The group serializes ownership: an entry delivered to one consumer is
// invisible to the others until it idles out and is reclaimed.
type RedisStream struct {
	client   *redis.Client
	name     string
	group    string
	consumer string
}

func NewRedisStream(client *redis.Client, name, group, consumer string) *RedisStream {
	return &RedisStream{
		client:   client,
		name:     name,
		group:    group,
		consumer: consumer,
	}
}

func (s *RedisStream) Append(ctx context.Context, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.name, err)
	}
	return id, nil
}

func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.name, s.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", s.group, s.name, err)
	}
	return nil
}

func (s *RedisStream) Checkout(ctx context.Context, count int, block time.Duration) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.name, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", s.name, err)
	}

	var entries []Entry
	for _, st := range res {
		for _, m := range st.Messages {
			entries = append(entries, toEntry(m))
		}
	}
	return entries, nil
}

func (s *RedisStream) Ack(ctx context.Context, id string) error {
	if err := s.client.XAck(ctx, s.name, s.group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}
	return nil
}

func (s *RedisStream) Reclaim(ctx context.Context, minIdle time.Duration, count int, cursor string) ([]Entry, string, error) {
	if cursor == "" {
		cursor = "0-0"
	}
	msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.name,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Start:    cursor,
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "0-0", nil
		}
		return nil, cursor, fmt.Errorf("xautoclaim %s: %w", s.name, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, toEntry(m))
	}
	return entries, next, nil
}

// toEntry extracts the payload field; entries written without it decode
// to an empty payload and fall out at the malformed-payload gate.
func toEntry(m redis.XMessage) Entry {
	e := Entry{ID: m.ID}
	if v, ok := m.Values[payloadField]; ok {
		if s, ok := v.(string); ok {
			e.Payload = []byte(s)
		}
	}
	return e
}
