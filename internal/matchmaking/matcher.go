package matchmaking

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/obslog"
)

// SessionCreator opens a game session for a freshly matched pair.
type SessionCreator interface {
	CreateMatched(ctx context.Context, first, second domain.PlayerRef, category domain.Category) (string, error)
}

// ActiveLookup reports whether a player already sits in a live session.
type ActiveLookup interface {
	ActiveSessionOf(playerID string) (string, bool)
}

// Notifier delivers match results to the two players' connections.
type Notifier interface {
	Matched(m Match)
}

type NotifierFunc func(m Match)

func (f NotifierFunc) Matched(m Match) { f(m) }

// Match is a pairing after side assignment.
type Match struct {
	SessionID string
	First     domain.PlayerRef
	Second    domain.PlayerRef
	Category  domain.Category
}

type Options struct {
	DefaultSkill  int
	SweepInterval time.Duration
	// CoinFlip decides sides; true keeps the earlier entry as first mover.
	CoinFlip func() bool
	Now      func() time.Time
}

type Matcher struct {
	queue    Queue
	creator  SessionCreator
	active   ActiveLookup
	notifier Notifier
	opts     Options
}

func NewMatcher(q Queue, creator SessionCreator, active ActiveLookup, notifier Notifier, opts Options) *Matcher {
	if opts.DefaultSkill <= 0 {
		opts.DefaultSkill = 1200
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 2 * time.Second
	}
	if opts.CoinFlip == nil {
		opts.CoinFlip = cryptoCoin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = NotifierFunc(func(Match) {})
	}
	return &Matcher{queue: q, creator: creator, active: active, notifier: notifier, opts: opts}
}

// Join enqueues the player and immediately attempts a pairing in that
// category. A nil Match with nil error means the player is waiting.
func (m *Matcher) Join(ctx context.Context, player domain.PlayerRef, category domain.Category, skill int) (*Match, error) {
	if err := m.Enqueue(ctx, player, category, skill); err != nil {
		return nil, err
	}
	return m.TryMatch(ctx, category)
}

// Enqueue adds the player without attempting a pairing.
func (m *Matcher) Enqueue(ctx context.Context, player domain.PlayerRef, category domain.Category, skill int) error {
	if m.active != nil {
		if id, ok := m.active.ActiveSessionOf(player.ID); ok {
			return fmt.Errorf("%w: session %s", ErrInGame, id)
		}
	}
	if skill <= 0 {
		skill = m.opts.DefaultSkill
	}
	entry := Entry{Player: player, Category: category, Skill: skill, EnqueuedAt: m.opts.Now()}
	if err := m.queue.Enqueue(ctx, entry); err != nil {
		return err
	}
	obslog.L().Info("arena_queue_join",
		zap.String("player_id", player.ID),
		zap.String("category", string(category)),
		zap.Int("skill", skill),
	)
	return nil
}

// Leave is idempotent; an empty category removes the player from any queue.
func (m *Matcher) Leave(ctx context.Context, playerID string, category domain.Category) error {
	removed, err := m.queue.Dequeue(ctx, playerID, category)
	if err != nil {
		return err
	}
	if removed {
		obslog.L().Info("arena_queue_leave",
			zap.String("player_id", playerID),
			zap.String("category", string(category)),
		)
	}
	return nil
}

// Touch marks the player as still connected so a queue with expiring
// entries keeps them waiting.
func (m *Matcher) Touch(ctx context.Context, playerID string) error {
	return m.queue.Touch(ctx, playerID)
}

// TryMatch pairs the two earliest waiters of category, if any. When the
// session cannot be created both entries go back to the queue with their
// original timestamps and ErrQueueUnavailable is returned.
func (m *Matcher) TryMatch(ctx context.Context, category domain.Category) (*Match, error) {
	pair, err := m.queue.TryMatch(ctx, category)
	if err != nil || pair == nil {
		return nil, err
	}
	first, second := pair.A, pair.B
	if !m.opts.CoinFlip() {
		first, second = second, first
	}
	id, err := m.creator.CreateMatched(ctx, first.Player, second.Player, category)
	if err != nil {
		m.requeue(ctx, pair)
		obslog.L().Warn("arena_match_create_failed",
			zap.String("category", string(category)),
			zap.String("first_id", first.Player.ID),
			zap.String("second_id", second.Player.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	match := &Match{SessionID: id, First: first.Player, Second: second.Player, Category: category}
	obslog.L().Info("arena_match",
		zap.String("session_id", id),
		zap.String("category", string(category)),
		zap.String("first_id", first.Player.ID),
		zap.String("second_id", second.Player.ID),
	)
	m.notifier.Matched(*match)
	return match, nil
}

func (m *Matcher) requeue(ctx context.Context, pair *Pair) {
	for _, e := range []Entry{pair.A, pair.B} {
		if err := m.queue.Enqueue(ctx, e); err != nil && !errors.Is(err, ErrAlreadyQueued) {
			obslog.L().Error("arena_requeue_failed",
				zap.String("player_id", e.Player.ID),
				zap.String("category", string(e.Category)),
				zap.Error(err),
			)
		}
	}
}

// Sweep drains every category until no more pairs form.
func (m *Matcher) Sweep(ctx context.Context) int {
	matched := 0
	for _, c := range m.queue.Categories() {
		for ctx.Err() == nil {
			match, err := m.TryMatch(ctx, c)
			if err != nil || match == nil {
				break
			}
			matched++
		}
	}
	return matched
}

// Run sweeps periodically until ctx is done.
func (m *Matcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func cryptoCoin() bool {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()&1 == 0
	}
	return b[0]&1 == 0
}
