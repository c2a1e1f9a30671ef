package lead

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryRepository keeps records in process memory with the same merge
// semantics as the Postgres store. Tests use it directly; deployments
// without a DATABASE_URL fall back to it so the worker still runs.
type MemoryRepository struct {
	mu    sync.RWMutex
	leads map[string]*Lead
	order []string

	// Now is swappable in tests.
	Now func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		leads: make(map[string]*Lead),
		Now:   time.Now,
	}
}

func (r *MemoryRepository) Upsert(_ context.Context, l *Lead, rec *HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	success := rec != nil && rec.Status == StatusSuccess

	cur, ok := r.leads[l.EventKey]
	if !ok {
		cur = &Lead{EventKey: l.EventKey, CreatedAt: now}
		r.leads[l.EventKey] = cur
		r.order = append(r.order, l.EventKey)
	}

	if l.TelegramID != "" {
		cur.TelegramID = l.TelegramID
	}
	if l.EventType != "" {
		cur.EventType = l.EventType
	}
	if l.RouteKey != "" {
		cur.RouteKey = l.RouteKey
	}
	if l.SrcURL != "" {
		cur.SrcURL = l.SrcURL
	}
	if l.Value != 0 {
		cur.Value = l.Value
	}
	if l.Currency != "" {
		cur.Currency = l.Currency
	}

	cur.UserData = mergeStringMap(cur.UserData, l.UserData)
	cur.CustomData = mergeAnyMap(cur.CustomData, l.CustomData)
	cur.Cookies = mergeStringMap(cur.Cookies, l.Cookies)
	cur.SessionMetadata = mergeAnyMap(cur.SessionMetadata, l.SessionMetadata)
	if l.DeviceInfo != nil {
		cur.DeviceInfo = maps.Clone(l.DeviceInfo)
	}

	if len(l.SentPixels) > 0 {
		cur.SentPixels = mergePixels(cur.SentPixels, l.SentPixels)
	}

	if rec != nil {
		entry := *rec
		if entry.TS.IsZero() {
			entry.TS = now
		}
		cur.EventHistory = append(cur.EventHistory, entry)
		if success {
			cur.Sent = true
			t := now
			cur.LastSentAt = &t
		} else {
			t := now
			cur.LastAttemptAt = &t
		}
	}

	return nil
}

func (r *MemoryRepository) GetByEventKey(_ context.Context, eventKey string) (*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cur, ok := r.leads[eventKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cur.clone(), nil
}

func (r *MemoryRepository) ListUnsent(_ context.Context, limit int) ([]*Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	var out []*Lead
	for _, key := range r.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		cur := r.leads[key]
		if cur.Sent {
			continue
		}
		t := now
		cur.LastAttemptAt = &t
		out = append(out, cur.clone())
	}
	return out, nil
}

func (r *MemoryRepository) ListRecent(_ context.Context, limit int) ([]*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Lead
	for i := len(r.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.leads[r.order[i]].clone())
	}
	return out, nil
}

func (r *MemoryRepository) Stats(_ context.Context) (*Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &Stats{Total: int64(len(r.order))}
	for _, cur := range r.leads {
		if cur.Sent {
			s.Sent++
		}
	}
	s.Pending = s.Total - s.Sent
	return s, nil
}

func (l *Lead) clone() *Lead {
	c := *l
	c.UserData = maps.Clone(l.UserData)
	c.CustomData = maps.Clone(l.CustomData)
	c.Cookies = maps.Clone(l.Cookies)
	c.DeviceInfo = maps.Clone(l.DeviceInfo)
	c.SessionMetadata = maps.Clone(l.SessionMetadata)
	c.SentPixels = slices.Clone(l.SentPixels)
	c.EventHistory = slices.Clone(l.EventHistory)
	if l.LastAttemptAt != nil {
		t := *l.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if l.LastSentAt != nil {
		t := *l.LastSentAt
		c.LastSentAt = &t
	}
	return &c
}

func mergeStringMap(dst, src map[string]string) map[string]string {
	if src == nil {
		return dst
	}
	if dst == nil {
		return maps.Clone(src)
	}
	maps.Copy(dst, src)
	return dst
}

func mergeAnyMap(dst, src map[string]any) map[string]any {
	if src == nil {
		return dst
	}
	if dst == nil {
		return maps.Clone(src)
	}
	maps.Copy(dst, src)
	return dst
}

// mergePixels unions sink names, sorted, matching the jsonb DISTINCT
// aggregation in the Postgres store.
func mergePixels(cur, add []string) []string {
	seen := make(map[string]bool, len(cur)+len(add))
	out := make([]string, 0, len(cur)+len(add))
	for _, lists := range [][]string{cur, add} {
		for _, p := range lists {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
