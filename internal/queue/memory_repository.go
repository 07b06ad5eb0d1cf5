package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps entries in process. A single mutex makes Claim
// exclusive.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[uuid.UUID]Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: map[uuid.UUID]Entry{}}
}

func (m *MemoryRepository) Enqueue(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	e.Variables = cloneVars(e.Variables)
	m.entries[e.ID] = e
	return e, nil
}

func (m *MemoryRepository) Claim(_ context.Context, now time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  Entry
		found bool
	)
	for _, e := range m.entries {
		if !e.Due(now) {
			continue
		}
		if !found || e.NextRetryAt.Before(best.NextRetryAt) ||
			(e.NextRetryAt.Equal(best.NextRetryAt) && e.CreatedAt.Before(best.CreatedAt)) {
			best, found = e, true
		}
	}
	if !found {
		return Entry{}, ErrNoDueEntry
	}
	best.Status = StatusProcessing
	best.UpdatedAt = now
	m.entries[best.ID] = best
	best.Variables = cloneVars(best.Variables)
	return best, nil
}

func (m *MemoryRepository) transition(id uuid.UUID, apply func(*Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusProcessing {
		return ErrNotProcessing
	}
	apply(&e)
	m.entries[id] = e
	return nil
}

func (m *MemoryRepository) Complete(_ context.Context, id uuid.UUID, now time.Time) error {
	return m.transition(id, func(e *Entry) {
		e.Status = StatusCompleted
		e.UpdatedAt = now
	})
}

func (m *MemoryRepository) Retry(_ context.Context, id uuid.UUID, next time.Time, lastErr string, now time.Time) error {
	return m.transition(id, func(e *Entry) {
		e.Status = StatusPending
		e.RetryCount++
		e.NextRetryAt = next
		e.LastError = lastErr
		e.UpdatedAt = now
	})
}

func (m *MemoryRepository) Fail(_ context.Context, id uuid.UUID, lastErr string, now time.Time) error {
	return m.transition(id, func(e *Entry) {
		e.Status = StatusFailed
		e.RetryCount++
		e.LastError = lastErr
		e.UpdatedAt = now
	})
}

func (m *MemoryRepository) Release(_ context.Context, id uuid.UUID, now time.Time) error {
	return m.transition(id, func(e *Entry) {
		e.Status = StatusPending
		e.UpdatedAt = now
	})
}

func (m *MemoryRepository) RevertStale(_ context.Context, cutoff, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.Status == StatusProcessing && e.UpdatedAt.Before(cutoff) {
			e.Status = StatusPending
			e.UpdatedAt = now
			m.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) PurgeFailed(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.Status == StatusFailed && e.UpdatedAt.Before(cutoff) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Variables = cloneVars(e.Variables)
	return e, nil
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if f.Status == "" || e.Status == f.Status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func cloneVars(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
