package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-arena/internal/domain"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	q, _ := newRedisQueueTTL(t, 0)
	return q
}

func newRedisQueueTTL(t *testing.T, ttl time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, WithEntryTTL(ttl)), mr
}

// backends runs fn against both queue implementations.
func backends(t *testing.T, fn func(t *testing.T, q Queue)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisQueue(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id string, c domain.Category, offset time.Duration) Entry {
	return Entry{
		Player:     domain.PlayerRef{ID: id, Name: "name-" + id},
		Category:   c,
		Skill:      1200,
		EnqueuedAt: base.Add(offset),
	}
}

func TestEnqueueRejectsSecondQueue(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		if err := q.Enqueue(ctx, entry("p1", domain.CategoryBlitz, 0)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := q.Enqueue(ctx, entry("p1", domain.CategoryRapid, time.Second)); !errors.Is(err, ErrAlreadyQueued) {
			t.Fatalf("expected ErrAlreadyQueued across categories, got %v", err)
		}
		if err := q.Enqueue(ctx, entry("p1", domain.CategoryBlitz, time.Second)); !errors.Is(err, ErrAlreadyQueued) {
			t.Fatalf("expected ErrAlreadyQueued, got %v", err)
		}
	})
}

func TestDequeueIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		if err := q.Enqueue(ctx, entry("p1", domain.CategoryBlitz, 0)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		removed, err := q.Dequeue(ctx, "p1", domain.CategoryBlitz)
		if err != nil || !removed {
			t.Fatalf("first leave: removed=%v err=%v", removed, err)
		}
		removed, err = q.Dequeue(ctx, "p1", domain.CategoryBlitz)
		if err != nil || removed {
			t.Fatalf("second leave: removed=%v err=%v", removed, err)
		}
		if n, _ := q.Len(ctx, domain.CategoryBlitz); n != 0 {
			t.Fatalf("queue should be empty, has %d", n)
		}
		// may queue again after leaving
		if err := q.Enqueue(ctx, entry("p1", domain.CategoryRapid, time.Second)); err != nil {
			t.Fatalf("re-enqueue: %v", err)
		}
	})
}

func TestDequeueWrongCategoryKeepsEntry(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Enqueue(ctx, entry("p1", domain.CategoryBlitz, 0))
		removed, err := q.Dequeue(ctx, "p1", domain.CategoryBullet)
		if err != nil || removed {
			t.Fatalf("unexpected removal: %v %v", removed, err)
		}
		removed, err = q.Dequeue(ctx, "p1", "")
		if err != nil || !removed {
			t.Fatalf("any-category leave: %v %v", removed, err)
		}
	})
}

func TestTryMatchFIFO(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Enqueue(ctx, entry("late", domain.CategoryBlitz, 3*time.Second))
		_ = q.Enqueue(ctx, entry("early", domain.CategoryBlitz, time.Second))
		_ = q.Enqueue(ctx, entry("mid", domain.CategoryBlitz, 2*time.Second))

		pair, err := q.TryMatch(ctx, domain.CategoryBlitz)
		if err != nil || pair == nil {
			t.Fatalf("TryMatch: %v %v", pair, err)
		}
		if pair.A.Player.ID != "early" || pair.B.Player.ID != "mid" {
			t.Fatalf("expected early+mid, got %s+%s", pair.A.Player.ID, pair.B.Player.ID)
		}
		if pair.A.Player.Name != "name-early" {
			t.Fatalf("entry payload lost: %+v", pair.A)
		}
		pair, err = q.TryMatch(ctx, domain.CategoryBlitz)
		if err != nil || pair != nil {
			t.Fatalf("one waiter left, expected no match: %v %v", pair, err)
		}
		// matched players are free to queue again
		if err := q.Enqueue(ctx, entry("early", domain.CategoryBlitz, 4*time.Second)); err != nil {
			t.Fatalf("re-enqueue after match: %v", err)
		}
	})
}

func TestTryMatchCategoriesIsolated(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Enqueue(ctx, entry("a", domain.CategoryBlitz, 0))
		_ = q.Enqueue(ctx, entry("b", domain.CategoryRapid, time.Second))
		for _, c := range []domain.Category{domain.CategoryBlitz, domain.CategoryRapid} {
			if pair, err := q.TryMatch(ctx, c); err != nil || pair != nil {
				t.Fatalf("%s: expected no match: %v %v", c, pair, err)
			}
		}
	})
}

func TestTryMatchExclusiveUnderConcurrency(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Enqueue(ctx, entry("a", domain.CategoryBlitz, 0))
		_ = q.Enqueue(ctx, entry("b", domain.CategoryBlitz, time.Second))

		const n = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		var pairs []*Pair
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				pair, err := q.TryMatch(ctx, domain.CategoryBlitz)
				if err != nil {
					t.Errorf("TryMatch: %v", err)
					return
				}
				if pair != nil {
					mu.Lock()
					pairs = append(pairs, pair)
					mu.Unlock()
				}
			}()
		}
		close(start)
		wg.Wait()
		if len(pairs) != 1 {
			t.Fatalf("expected exactly one pairing, got %d", len(pairs))
		}
		if pairs[0].A.Player.ID == pairs[0].B.Player.ID {
			t.Fatalf("self pairing: %+v", pairs[0])
		}
	})
}

func TestTryMatchManyWaitersNoDoubleClaim(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		const players = 20
		for i := 0; i < players; i++ {
			_ = q.Enqueue(ctx, entry(fmt.Sprintf("p%02d", i), domain.CategoryBullet, time.Duration(i)*time.Millisecond))
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := map[string]int{}
		for i := 0; i < players; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pair, err := q.TryMatch(ctx, domain.CategoryBullet)
				if err != nil || pair == nil {
					return
				}
				mu.Lock()
				seen[pair.A.Player.ID]++
				seen[pair.B.Player.ID]++
				mu.Unlock()
			}()
		}
		wg.Wait()
		if len(seen) != players {
			t.Fatalf("expected all %d players matched, got %d", players, len(seen))
		}
		for id, c := range seen {
			if c != 1 {
				t.Fatalf("%s claimed %d times", id, c)
			}
		}
	})
}

func TestExpiredEntryIsNotMatched(t *testing.T) {
	q, mr := newRedisQueueTTL(t, time.Minute)
	ctx := context.Background()
	if err := q.Enqueue(ctx, entry("ghost", domain.CategoryBlitz, 0)); err != nil {
		t.Fatalf("Enqueue ghost: %v", err)
	}
	mr.FastForward(40 * time.Second)
	if err := q.Enqueue(ctx, entry("p2", domain.CategoryBlitz, time.Second)); err != nil {
		t.Fatalf("Enqueue p2: %v", err)
	}
	mr.FastForward(30 * time.Second)

	pair, err := q.TryMatch(ctx, domain.CategoryBlitz)
	if err != nil || pair != nil {
		t.Fatalf("expired entry must not be paired: %v %v", pair, err)
	}
	if n, _ := q.Len(ctx, domain.CategoryBlitz); n != 1 {
		t.Fatalf("expired member should be dropped from the lane, len=%d", n)
	}

	if err := q.Enqueue(ctx, entry("p3", domain.CategoryBlitz, 2*time.Second)); err != nil {
		t.Fatalf("Enqueue p3: %v", err)
	}
	pair, err = q.TryMatch(ctx, domain.CategoryBlitz)
	if err != nil || pair == nil {
		t.Fatalf("TryMatch: %v %v", pair, err)
	}
	if pair.A.Player.ID != "p2" || pair.B.Player.ID != "p3" {
		t.Fatalf("expected p2+p3, got %s+%s", pair.A.Player.ID, pair.B.Player.ID)
	}
}

func TestTouchKeepsEntryQueued(t *testing.T) {
	q, mr := newRedisQueueTTL(t, time.Minute)
	ctx := context.Background()
	if err := q.Enqueue(ctx, entry("p1", domain.CategoryRapid, 0)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mr.FastForward(40 * time.Second)
	if err := q.Touch(ctx, "p1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	mr.FastForward(40 * time.Second)
	if err := q.Enqueue(ctx, entry("p2", domain.CategoryRapid, time.Second)); err != nil {
		t.Fatalf("Enqueue p2: %v", err)
	}
	pair, err := q.TryMatch(ctx, domain.CategoryRapid)
	if err != nil || pair == nil || pair.A.Player.ID != "p1" {
		t.Fatalf("touched entry should still match: %v %v", pair, err)
	}

	if err := q.Touch(ctx, "nobody"); err != nil {
		t.Fatalf("Touch absent: %v", err)
	}
	if mr.Exists("mm:player:nobody") {
		t.Fatal("Touch must not create entries")
	}
}

func TestExpiredEntryInOtherLaneIsSkipped(t *testing.T) {
	q, mr := newRedisQueueTTL(t, time.Minute)
	ctx := context.Background()
	_ = q.Enqueue(ctx, entry("mover", domain.CategoryBlitz, 0))
	mr.FastForward(2 * time.Minute)
	// the stale blitz member is still in its lane when the player queues again
	if err := q.Enqueue(ctx, entry("mover", domain.CategoryRapid, time.Second)); err != nil {
		t.Fatalf("re-enqueue after expiry: %v", err)
	}
	_ = q.Enqueue(ctx, entry("p2", domain.CategoryBlitz, 2*time.Second))

	if pair, err := q.TryMatch(ctx, domain.CategoryBlitz); err != nil || pair != nil {
		t.Fatalf("player waiting for rapid was paired in blitz: %v %v", pair, err)
	}
	if ok, err := q.Dequeue(ctx, "mover", domain.CategoryRapid); err != nil || !ok {
		t.Fatalf("rapid entry should be intact: %v %v", ok, err)
	}
}
