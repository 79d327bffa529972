// Package sink writes the permanent record of finished games. Every
// implementation is append-only per session: recording the same session id
// twice keeps the first record.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/park285/chess-arena/internal/domain"
)

var (
	ErrClosed     = errors.New("sink closed")
	ErrBufferFull = errors.New("sink buffer full")
)

type Sink interface {
	Record(ctx context.Context, rec domain.FinalRecord) error
}

// Discard drops records. Used when no sink is configured for a component.
type Discard struct{}

func (Discard) Record(context.Context, domain.FinalRecord) error { return nil }

// Open picks a backend from a DATABASE_URL value: postgres:// and
// postgresql:// go to Postgres, sqlite:<path> to SQLite, empty to memory.
func Open(ctx context.Context, databaseURL string) (Sink, func() error, error) {
	u := strings.TrimSpace(databaseURL)
	switch {
	case u == "":
		return NewMemory(), func() error { return nil }, nil
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		r, err := NewPostgres(ctx, u)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case strings.HasPrefix(u, "sqlite:"):
		r, err := NewSQLite(ctx, strings.TrimPrefix(u, "sqlite:"))
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported DATABASE_URL: %s", u)
	}
}

// Memory keeps records in process. Tests and single-node development use it.
type Memory struct {
	mu      sync.Mutex
	order   []string
	records map[string]domain.FinalRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]domain.FinalRecord)}
}

func (m *Memory) Record(_ context.Context, rec domain.FinalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.SessionID]; ok {
		return nil
	}
	rec = withPGN(rec)
	m.records[rec.SessionID] = rec
	m.order = append(m.order, rec.SessionID)
	return nil
}

func (m *Memory) Get(sessionID string) (domain.FinalRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	return rec, ok
}

// Records returns every record in write order.
func (m *Memory) Records() []domain.FinalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.FinalRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out
}

// Multi fans a record out to every sink and joins their errors. A failing
// sink does not stop the others.
type Multi []Sink

func (ms Multi) Record(ctx context.Context, rec domain.FinalRecord) error {
	rec = withPGN(rec)
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
