package matchmaking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/obslog"
)

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('HSET', KEYS[2], 'category', ARGV[3], 'entry', ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
return 1
`)

var dequeueScript = redis.NewScript(`
local cat = redis.call('HGET', KEYS[1], 'category')
if not cat then
  return 0
end
if ARGV[3] ~= '' and ARGV[3] ~= cat then
  return 0
end
redis.call('ZREM', ARGV[1] .. cat, ARGV[2])
redis.call('DEL', KEYS[1])
return 1
`)

// tryMatchScript walks the lane in score order, dropping members whose
// entry hash expired or belongs to another lane, and pops the first two live
// ones. It returns {id1, entry1, id2, entry2} or an empty array.
var tryMatchScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local out = {}
for _, id in ipairs(ids) do
  local pk = ARGV[1] .. id
  local entry = redis.call('HGET', pk, 'entry')
  local cat = redis.call('HGET', pk, 'category')
  if not entry or cat ~= ARGV[2] then
    redis.call('ZREM', KEYS[1], id)
  else
    out[#out + 1] = id
    out[#out + 1] = entry
    if #out == 4 then
      break
    end
  end
end
if #out < 4 then
  return {}
end
for i = 1, 3, 2 do
  redis.call('ZREM', KEYS[1], out[i])
  redis.call('DEL', ARGV[1] .. out[i])
end
return out
`)

const defaultEntryTTL = 90 * time.Second

// RedisQueue keeps a sorted set per category scored by enqueue time plus a
// hash per waiting player. Every mutation is a Lua script so the membership
// check and the removal happen atomically on the server. Player hashes
// expire unless their connection keeps touching them, so a process that
// dies does not leave its players queued forever.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisQueue)

// WithEntryTTL sets how long an entry survives without a Touch.
func WithEntryTTL(ttl time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

func NewRedis(rdb *redis.Client, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{rdb: rdb, prefix: "mm", ttl: defaultEntryTTL}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) keyQueuePrefix() string            { return q.prefix + ":queue:" }
func (q *RedisQueue) keyQueue(c domain.Category) string { return q.keyQueuePrefix() + string(c) }
func (q *RedisQueue) keyPlayerPrefix() string           { return q.prefix + ":player:" }
func (q *RedisQueue) keyPlayer(id string) string        { return q.keyPlayerPrefix() + strings.TrimSpace(id) }

func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) error {
	if _, err := domain.ParseCategory(string(e.Category)); err != nil {
		return err
	}
	raw, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	score := float64(e.EnqueuedAt.UnixMicro())
	n, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.keyQueue(e.Category), q.keyPlayer(e.Player.ID)},
		raw, score, string(e.Category), e.Player.ID, q.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if n == 0 {
		return ErrAlreadyQueued
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, playerID string, category domain.Category) (bool, error) {
	n, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.keyPlayer(playerID)},
		q.keyQueuePrefix(), playerID, string(category),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) TryMatch(ctx context.Context, category domain.Category) (*Pair, error) {
	vals, err := tryMatchScript.Run(ctx, q.rdb,
		[]string{q.keyQueue(category)},
		q.keyPlayerPrefix(), string(category),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if len(vals) < 4 {
		return nil, nil
	}
	a, errA := decodeEntry(vals[0], vals[1])
	b, errB := decodeEntry(vals[2], vals[3])
	if errA != nil || errB != nil {
		// both were popped; put the readable one back and drop the other
		for _, bad := range []error{errA, errB} {
			if bad != nil {
				obslog.L().Error("arena_queue_entry_corrupt", zap.String("category", string(category)), zap.Error(bad))
			}
		}
		if errA == nil {
			return nil, q.Enqueue(ctx, a)
		}
		if errB == nil {
			return nil, q.Enqueue(ctx, b)
		}
		return nil, nil
	}
	return &Pair{A: a, B: b, Category: category}, nil
}

// Touch extends the player's entry TTL. A player who is not queued is left
// alone.
func (q *RedisQueue) Touch(ctx context.Context, playerID string) error {
	if err := q.rdb.PExpire(ctx, q.keyPlayer(playerID), q.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Len counts lane members, including any whose entry has expired but which
// TryMatch has not yet dropped.
func (q *RedisQueue) Len(ctx context.Context, category domain.Category) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.keyQueue(category)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return int(n), nil
}

func decodeEntry(id, raw string) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	if e.Player.ID != id {
		return Entry{}, fmt.Errorf("entry %s: holds player %q", id, e.Player.ID)
	}
	return e, nil
}

func (q *RedisQueue) Categories() []domain.Category { return domain.Categories() }
