// Package stream is the durable work queue: appended entries are owned
// by a consumer group, checked out by consumers, and stay pending until
// acknowledged. Implementations guarantee at-least-once handoff; losing
// a consumer only ever re-delivers, never drops.
package stream

import (
	"context"
	"time"
)

// Entry is one unit of work checked out from the queue.
type Entry struct {
	ID      string
	Payload []byte
}

type Stream interface {
	// Append adds a payload and returns the backend-assigned entry id.
	Append(ctx context.Context, payload []byte) (string, error)

	// EnsureGroup creates the consumer group at the stream tail,
	// tolerating one that already exists. Any other failure is fatal
	// at startup.
	EnsureGroup(ctx context.Context) error

	// Checkout delivers up to count entries to this consumer, blocking
	// up to block when the queue is empty. An empty result is not an
	// error.
	Checkout(ctx context.Context, count int, block time.Duration) ([]Entry, error)

	// Ack removes an entry from the pending list. Nothing else is
	// terminal.
	Ack(ctx context.Context, id string) error

	// Reclaim transfers entries pending longer than minIdle to this
	// consumer, scanning from cursor. The returned cursor resumes the
	// scan; "0-0" restarts it.
	Reclaim(ctx context.Context, minIdle time.Duration, count int, cursor string) ([]Entry, string, error)
}
