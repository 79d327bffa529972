package matchmaking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/park285/chess-arena/internal/domain"
)

type lane struct {
	mu      sync.Mutex
	entries []Entry
}

// MemoryQueue keeps one lock per category and a player index under its own
// lock. Lock order is always lane then index.
type MemoryQueue struct {
	lanes map[domain.Category]*lane

	idxMu sync.Mutex
	index map[string]domain.Category
}

func NewMemory() *MemoryQueue {
	q := &MemoryQueue{
		lanes: make(map[domain.Category]*lane),
		index: make(map[string]domain.Category),
	}
	for _, c := range domain.Categories() {
		q.lanes[c] = &lane{}
	}
	return q
}

func (q *MemoryQueue) lane(c domain.Category) (*lane, error) {
	l, ok := q.lanes[c]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", c)
	}
	return l, nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, e Entry) error {
	l, err := q.lane(e.Category)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	q.idxMu.Lock()
	if _, ok := q.index[e.Player.ID]; ok {
		q.idxMu.Unlock()
		return ErrAlreadyQueued
	}
	q.index[e.Player.ID] = e.Category
	q.idxMu.Unlock()

	// keep FIFO order when an entry is put back with its original timestamp
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].EnqueuedAt.After(e.EnqueuedAt) })
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, playerID string, category domain.Category) (bool, error) {
	q.idxMu.Lock()
	cat, ok := q.index[playerID]
	q.idxMu.Unlock()
	if !ok || (category != "" && category != cat) {
		return false, nil
	}
	l := q.lanes[cat]
	l.mu.Lock()
	defer l.mu.Unlock()

	q.idxMu.Lock()
	if q.index[playerID] != cat {
		q.idxMu.Unlock()
		return false, nil
	}
	delete(q.index, playerID)
	q.idxMu.Unlock()

	for i, e := range l.entries {
		if e.Player.ID == playerID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) TryMatch(_ context.Context, category domain.Category) (*Pair, error) {
	l, err := q.lane(category)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) < 2 {
		return nil, nil
	}
	a, b := l.entries[0], l.entries[1]
	l.entries = append([]Entry(nil), l.entries[2:]...)

	q.idxMu.Lock()
	delete(q.index, a.Player.ID)
	delete(q.index, b.Player.ID)
	q.idxMu.Unlock()
	return &Pair{A: a, B: b, Category: category}, nil
}

func (q *MemoryQueue) Len(_ context.Context, category domain.Category) (int, error) {
	l, err := q.lane(category)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries), nil
}

// Touch is a no-op: in-memory entries live and die with the process.
func (q *MemoryQueue) Touch(context.Context, string) error { return nil }

func (q *MemoryQueue) Categories() []domain.Category { return domain.Categories() }
