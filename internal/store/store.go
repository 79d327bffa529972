// Package store keeps live game sessions: a snapshot per session, an
// append-only move log, and an index of non-terminal sessions used to
// rehydrate after a restart.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

var (
	ErrNotFound = errors.New("session not found in store")
	// ErrLogConflict means the stored log disagrees with the record being
	// appended: a different move at that ply, or a gap.
	ErrLogConflict = errors.New("move log conflict")
	ErrUnavailable = arenaproto.NewError(arenaproto.CodeStoreUnavailable, "session store unavailable, try again", true)
)

type Store interface {
	Put(ctx context.Context, snap domain.Snapshot, ttl time.Duration) error
	Get(ctx context.Context, id string) (*domain.Snapshot, error)
	RefreshTTL(ctx context.Context, id string, ttl time.Duration) error
	// AppendMove is idempotent per ply: appending a record identical to the
	// stored one at that ply succeeds without writing.
	AppendMove(ctx context.Context, id string, rec domain.MoveRecord, ttl time.Duration) error
	ListMoves(ctx context.Context, id string) ([]domain.MoveRecord, error)
	ActiveIDs(ctx context.Context) ([]string, error)
	Deactivate(ctx context.Context, id string) error
}
