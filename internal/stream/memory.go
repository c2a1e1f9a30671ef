package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var errNoGroup = errors.New("consumer group not created")

type memEntry struct {
	seq     int64
	payload []byte
}

type pendingState struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// MemoryStream is a process-local Stream with Redis-like semantics: the
// group starts at the tail, checked-out entries sit in a pending set
// with an idle clock, and reclaim scans that set from a cursor. Tests
// drive it with a swappable clock.
type MemoryStream struct {
	mu       sync.Mutex
	entries  []memEntry
	seq      int64
	group    bool
	readPos  int
	pending  map[int64]*pendingState
	consumer string
	notify   chan struct{}
	now      func() time.Time
}

func NewMemoryStream(consumer string) *MemoryStream {
	return &MemoryStream{
		pending:  make(map[int64]*pendingState),
		consumer: consumer,
		notify:   make(chan struct{}),
		now:      time.Now,
	}
}

// SetNow swaps the clock; tests use it to age pending entries.
func (s *MemoryStream) SetNow(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = f
}

func (s *MemoryStream) Append(_ context.Context, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	p := make([]byte, len(payload))
	copy(p, payload)
	s.entries = append(s.entries, memEntry{seq: s.seq, payload: p})

	// wake blocked checkouts
	close(s.notify)
	s.notify = make(chan struct{})

	return formatID(s.seq), nil
}

func (s *MemoryStream) EnsureGroup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.group {
		s.group = true
		s.readPos = len(s.entries) // group starts at the tail, like "$"
	}
	return nil
}

func (s *MemoryStream) Checkout(ctx context.Context, count int, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		if !s.group {
			s.mu.Unlock()
			return nil, errNoGroup
		}
		entries := s.checkoutLocked(count)
		ch := s.notify
		s.mu.Unlock()

		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *MemoryStream) checkoutLocked(count int) []Entry {
	var out []Entry
	now := s.now()
	for s.readPos < len(s.entries) && len(out) < count {
		e := s.entries[s.readPos]
		s.pending[e.seq] = &pendingState{
			consumer:    s.consumer,
			deliveredAt: now,
			deliveries:  1,
		}
		out = append(out, Entry{ID: formatID(e.seq), Payload: e.payload})
		s.readPos++
	}
	return out
}

func (s *MemoryStream) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, parseID(id))
	return nil
}

func (s *MemoryStream) Reclaim(_ context.Context, minIdle time.Duration, count int, cursor string) ([]Entry, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.group {
		return nil, "0-0", errNoGroup
	}

	start := parseID(cursor)
	seqs := make([]int64, 0, len(s.pending))
	for seq := range s.pending {
		if seq >= start {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	now := s.now()
	var out []Entry
	for i, seq := range seqs {
		if count > 0 && len(out) >= count {
			return out, formatID(seqs[i]), nil
		}
		st := s.pending[seq]
		if now.Sub(st.deliveredAt) < minIdle {
			continue
		}
		st.consumer = s.consumer
		st.deliveredAt = now
		st.deliveries++
		out = append(out, Entry{ID: formatID(seq), Payload: s.entries[seq-1].payload})
	}
	return out, "0-0", nil
}

// Pending returns the ids still awaiting acknowledgment, in order.
func (s *MemoryStream) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make([]int64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	ids := make([]string, len(seqs))
	for i, seq := range seqs {
		ids[i] = formatID(seq)
	}
	return ids
}

// Deliveries reports how many times an entry has been handed out; zero
// once acknowledged or never delivered.
func (s *MemoryStream) Deliveries(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.pending[parseID(id)]; ok {
		return st.deliveries
	}
	return 0
}

// Len is the total number of entries ever appended.
func (s *MemoryStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func formatID(seq int64) string {
	return fmt.Sprintf("%d-0", seq)
}

func parseID(id string) int64 {
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
