package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/park285/chess-arena/internal/domain"
)

type memEntry struct {
	snap      domain.Snapshot
	moves     []domain.MoveRecord
	expiresAt time.Time
}

// MemoryStore is the single-process backend used when REDIS_URL is empty
// and in tests. Expiry is evaluated lazily against the injected clock.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	active  map[string]struct{}
	now     func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		active:  make(map[string]struct{}),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for TTL evaluation.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) live(id string) (*memEntry, bool) {
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, id)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Put(_ context.Context, snap domain.Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(snap.ID)
	if !ok {
		e = &memEntry{}
		m.entries[snap.ID] = e
	}
	if snap.Second != nil {
		second := *snap.Second
		snap.Second = &second
	}
	e.snap = snap
	e.expiresAt = m.expiry(ttl)
	if snap.Status.Terminal() {
		delete(m.active, snap.ID)
	} else {
		m.active[snap.ID] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	out := e.snap
	if out.Second != nil {
		second := *out.Second
		out.Second = &second
	}
	return &out, nil
}

func (m *MemoryStore) RefreshTTL(_ context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(id)
	if !ok {
		return ErrNotFound
	}
	e.expiresAt = m.expiry(ttl)
	return nil
}

func (m *MemoryStore) AppendMove(_ context.Context, id string, rec domain.MoveRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(id)
	if !ok {
		e = &memEntry{}
		m.entries[id] = e
	}
	n := len(e.moves)
	switch {
	case rec.Ply >= 1 && rec.Ply <= n:
		if e.moves[rec.Ply-1].Same(rec) {
			return nil
		}
		return fmt.Errorf("%w: ply %d holds %s, got %s", ErrLogConflict, rec.Ply, e.moves[rec.Ply-1].UCI, rec.UCI)
	case rec.Ply != n+1:
		return fmt.Errorf("%w: ply %d is not next", ErrLogConflict, rec.Ply)
	}
	e.moves = append(e.moves, rec)
	e.expiresAt = m.expiry(ttl)
	return nil
}

func (m *MemoryStore) ListMoves(_ context.Context, id string) ([]domain.MoveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(id)
	if !ok {
		return []domain.MoveRecord{}, nil
	}
	return append([]domain.MoveRecord(nil), e.moves...), nil
}

func (m *MemoryStore) ActiveIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
	return nil
}
