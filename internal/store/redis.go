package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-arena/internal/domain"
)

// appendScript returns 0 when the record was appended, 1 when an identical
// record already sits at that ply, -2 on a gap, or the stored JSON at that
// ply when it differs byte-wise so the caller can compare semantically.
var appendScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
local ply = tonumber(ARGV[1])
if ply <= n then
  local existing = redis.call('LINDEX', KEYS[1], ply - 1)
  if existing == ARGV[2] then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
    return 1
  end
  return existing
end
if ply ~= n + 1 then
  return -2
end
redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 0
`)

type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb, prefix: "arena"} }

func (s *RedisStore) keySession(id string) string {
	return s.prefix + ":session:" + strings.TrimSpace(id)
}
func (s *RedisStore) keyMoves(id string) string { return s.prefix + ":moves:" + strings.TrimSpace(id) }
func (s *RedisStore) keyActive() string         { return s.prefix + ":active" }

func (s *RedisStore) Put(ctx context.Context, snap domain.Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keySession(snap.ID), raw, ttl)
	pipe.Expire(ctx, s.keyMoves(snap.ID), ttl)
	if snap.Status.Terminal() {
		pipe.SRem(ctx, s.keyActive(), snap.ID)
	} else {
		pipe.SAdd(ctx, s.keyActive(), snap.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Snapshot, error) {
	raw, err := s.rdb.Get(ctx, s.keySession(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func (s *RedisStore) RefreshTTL(ctx context.Context, id string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	sessionExp := pipe.Expire(ctx, s.keySession(id), ttl)
	pipe.Expire(ctx, s.keyMoves(id), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if !sessionExp.Val() {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) AppendMove(ctx context.Context, id string, rec domain.MoveRecord, ttl time.Duration) error {
	raw, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode move: %w", err)
	}
	res, err := appendScript.Run(ctx, s.rdb, []string{s.keyMoves(id)}, rec.Ply, raw, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	switch v := res.(type) {
	case int64:
		switch v {
		case 0, 1:
			return nil
		default:
			return fmt.Errorf("%w: ply %d is not next", ErrLogConflict, rec.Ply)
		}
	case string:
		var existing domain.MoveRecord
		if err := json.Unmarshal([]byte(v), &existing); err != nil {
			return fmt.Errorf("decode stored ply %d: %w", rec.Ply, err)
		}
		if existing.Same(rec) {
			return nil
		}
		return fmt.Errorf("%w: ply %d holds %s, got %s", ErrLogConflict, rec.Ply, existing.UCI, rec.UCI)
	default:
		return fmt.Errorf("append move: unexpected script result %T", res)
	}
}

func (s *RedisStore) ListMoves(ctx context.Context, id string) ([]domain.MoveRecord, error) {
	items, err := s.rdb.LRange(ctx, s.keyMoves(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.MoveRecord, 0, len(items))
	for i, it := range items {
		var rec domain.MoveRecord
		if err := json.Unmarshal([]byte(it), &rec); err != nil {
			return nil, fmt.Errorf("decode move %d of %s: %w", i+1, id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) ActiveIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyActive()).Result()
}

func (s *RedisStore) Deactivate(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyActive(), id).Err()
}

// ParseRedisURL accepts redis:// URLs and bare host:port addresses.
func ParseRedisURL(raw string) (*redis.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty redis url")
	}
	if strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://") {
		return redis.ParseURL(raw)
	}
	return &redis.Options{Addr: raw}, nil
}
