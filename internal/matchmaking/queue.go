// Package matchmaking holds waiting players per time-control category and
// pairs them first-in first-out.
package matchmaking

import (
	"context"
	"time"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

var (
	ErrAlreadyQueued    = arenaproto.NewError(arenaproto.CodeAlreadyQueued, "already waiting in a queue", false)
	ErrQueueUnavailable = arenaproto.NewError(arenaproto.CodeQueueUnavailable, "matchmaking unavailable, try again", true)
	ErrInGame           = arenaproto.NewError(arenaproto.CodeInvalidState, "finish your current game first", false)
)

// Entry is a waiting player's request to be matched. Skill is carried for
// future compatibility filtering; pairing ignores it.
type Entry struct {
	Player     domain.PlayerRef `json:"player"`
	Category   domain.Category  `json:"category"`
	Skill      int              `json:"skill"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
}

// Pair holds the two earliest entries removed from one category, in
// enqueue order. Sides are assigned later by the Matcher.
type Pair struct {
	A, B     Entry
	Category domain.Category
}

type Queue interface {
	// Enqueue fails with ErrAlreadyQueued if the player waits in any category.
	Enqueue(ctx context.Context, e Entry) error
	// Dequeue removes the player's entry. An empty category matches any.
	// Removing an absent entry is not an error.
	Dequeue(ctx context.Context, playerID string, category domain.Category) (bool, error)
	// TryMatch atomically removes the two earliest entries of category, or
	// returns nil when fewer than two wait.
	TryMatch(ctx context.Context, category domain.Category) (*Pair, error)
	Len(ctx context.Context, category domain.Category) (int, error)
	// Touch keeps a waiting player's entry alive. Queues whose entries do
	// not expire treat it as a no-op.
	Touch(ctx context.Context, playerID string) error
	// Categories lists the lanes this queue serves.
	Categories() []domain.Category
}
