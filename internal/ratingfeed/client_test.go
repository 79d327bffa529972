package ratingfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/chess-arena/internal/domain"
)

func finished() domain.FinalRecord {
	return domain.FinalRecord{
		SessionID: "g1",
		First:     domain.PlayerRef{ID: "a"},
		Second:    domain.PlayerRef{ID: "b"},
		Category:  domain.CategoryBlitz,
		Status:    domain.StatusCompleted,
		Result:    domain.ResultFirstMoverWins,
		Reason:    domain.ReasonResignation,
		MovesUCI:  []string{"e2e4"},
		Duration:  3 * time.Second,
	}
}

func TestRecordPostsAndRetries(t *testing.T) {
	var calls atomic.Int32
	var got GameResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/games", r.URL.Path)
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithBackoffBase(time.Millisecond), WithHeaderProvider(func() map[string]string {
		return map[string]string{"Authorization": "Bearer svc"}
	}))
	require.NoError(t, c.Record(context.Background(), finished()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "g1", got.SessionID)
	assert.Equal(t, "first_mover_wins", got.Result)
	assert.Equal(t, 1, got.MoveCount)
	assert.Equal(t, int64(3000), got.DurationMS)
}

func TestRecordClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithBackoffBase(time.Millisecond))
	require.Error(t, c.Record(context.Background(), finished()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecordSkipsAborted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	rec := finished()
	rec.Status = domain.StatusAborted
	rec.Result = domain.ResultNone
	require.NoError(t, NewClient(srv.URL).Record(context.Background(), rec))
	assert.Equal(t, int32(0), calls.Load())
}
