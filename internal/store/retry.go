package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/obslog"
)

// Retrying bounds every call of the wrapped Store: each attempt gets its own
// timeout, attempts back off exponentially, and exhausted failures surface
// as ErrUnavailable. ErrNotFound and ErrLogConflict are never retried.
type Retrying struct {
	inner    Store
	tries    uint
	timeout  time.Duration
	interval time.Duration
}

func NewRetrying(inner Store, tries int, timeout time.Duration) *Retrying {
	if tries < 1 {
		tries = 1
	}
	return &Retrying{inner: inner, tries: uint(tries), timeout: timeout, interval: 50 * time.Millisecond}
}

func do[T any](ctx context.Context, r *Retrying, op string, fn func(context.Context) (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.interval
	eb.MaxInterval = 1 * time.Second
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrLogConflict) {
			return v, backoff.Permanent(err)
		}
		obslog.L().Warn("arena_store_retry",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return v, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(r.tries))
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrLogConflict) {
		return res, err
	}
	return res, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (r *Retrying) Put(ctx context.Context, snap domain.Snapshot, ttl time.Duration) error {
	_, err := do(ctx, r, "put", func(c context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Put(c, snap, ttl)
	})
	return err
}

func (r *Retrying) Get(ctx context.Context, id string) (*domain.Snapshot, error) {
	return do(ctx, r, "get", func(c context.Context) (*domain.Snapshot, error) {
		return r.inner.Get(c, id)
	})
}

func (r *Retrying) RefreshTTL(ctx context.Context, id string, ttl time.Duration) error {
	_, err := do(ctx, r, "refresh_ttl", func(c context.Context) (struct{}, error) {
		return struct{}{}, r.inner.RefreshTTL(c, id, ttl)
	})
	return err
}

func (r *Retrying) AppendMove(ctx context.Context, id string, rec domain.MoveRecord, ttl time.Duration) error {
	_, err := do(ctx, r, "append_move", func(c context.Context) (struct{}, error) {
		return struct{}{}, r.inner.AppendMove(c, id, rec, ttl)
	})
	return err
}

func (r *Retrying) ListMoves(ctx context.Context, id string) ([]domain.MoveRecord, error) {
	return do(ctx, r, "list_moves", func(c context.Context) ([]domain.MoveRecord, error) {
		return r.inner.ListMoves(c, id)
	})
}

func (r *Retrying) ActiveIDs(ctx context.Context) ([]string, error) {
	return do(ctx, r, "active_ids", func(c context.Context) ([]string, error) {
		return r.inner.ActiveIDs(c)
	})
}

func (r *Retrying) Deactivate(ctx context.Context, id string) error {
	_, err := do(ctx, r, "deactivate", func(c context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Deactivate(c, id)
	})
	return err
}
