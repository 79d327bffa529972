package sink

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/obslog"
)

// Retrying retries a failing sink with exponential backoff. A record that
// still fails after the last attempt is logged in full, PGN included, so it
// can be replayed by hand.
type Retrying struct {
	inner    Sink
	tries    uint
	interval time.Duration
}

func NewRetrying(inner Sink, tries int, interval time.Duration) *Retrying {
	if tries < 1 {
		tries = 1
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Retrying{inner: inner, tries: uint(tries), interval: interval}
}

func (r *Retrying) Record(ctx context.Context, rec domain.FinalRecord) error {
	rec = withPGN(rec)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.interval
	eb.MaxInterval = 2 * time.Second
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := r.inner.Record(ctx, rec)
		if err != nil {
			obslog.Session(rec.SessionID).Warn("arena_sink_retry", zap.Int("attempt", attempt), zap.Error(err))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(r.tries))
	if err != nil {
		obslog.Session(rec.SessionID).Error("arena_sink_record_lost",
			zap.Int("attempts", attempt),
			zap.String("result", string(rec.Result)),
			zap.String("pgn", rec.PGN),
			zap.Error(err),
		)
	}
	return err
}

// Async hands records to a background worker so slow consumers never hold up
// the caller. Record only fails when the buffer is full or Async is closed.
type Async struct {
	inner Sink
	ch    chan domain.FinalRecord
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsync(inner Sink, buffer int) *Async {
	if buffer < 1 {
		buffer = 64
	}
	a := &Async{inner: inner, ch: make(chan domain.FinalRecord, buffer), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for rec := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.inner.Record(ctx, rec); err != nil {
			obslog.Session(rec.SessionID).Warn("arena_async_sink_failed", zap.Error(err))
		}
		cancel()
	}
}

func (a *Async) Record(_ context.Context, rec domain.FinalRecord) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.ch <- withPGN(rec):
		return nil
	default:
		obslog.Session(rec.SessionID).Warn("arena_async_sink_full", zap.Int("buffer", cap(a.ch)))
		return ErrBufferFull
	}
}

// Close stops accepting records and waits for the queued ones until ctx is
// done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
