package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/sink"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

type mockBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (mb *mockBroadcaster) broadcastFn(ev Event) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.events = append(mb.events, ev)
}

func (mb *mockBroadcaster) kinds() []EventKind {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]EventKind, len(mb.events))
	for i, ev := range mb.events {
		out[i] = ev.Kind
	}
	return out
}

// faultyStore injects AppendMove failures into a working store. With lostAck
// set, the next append is written but reported as failed.
type faultyStore struct {
	store.Store
	mu        sync.Mutex
	appendErr error
	lostAck   bool
}

func (f *faultyStore) AppendMove(ctx context.Context, id string, rec domain.MoveRecord, ttl time.Duration) error {
	f.mu.Lock()
	err := f.appendErr
	lost := f.lostAck
	f.lostAck = false
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if werr := f.Store.AppendMove(ctx, id, rec, ttl); werr != nil || !lost {
		return werr
	}
	return fmt.Errorf("%w: i/o timeout", store.ErrUnavailable)
}

// gatedSink blocks Record until release is closed.
type gatedSink struct {
	entered chan struct{}
	release chan struct{}
	inner   *sink.Memory
}

func (g *gatedSink) Record(ctx context.Context, rec domain.FinalRecord) error {
	close(g.entered)
	<-g.release
	return g.inner.Record(ctx, rec)
}

var (
	alice = domain.PlayerRef{ID: "alice", Name: "Alice"}
	bob   = domain.PlayerRef{ID: "bob", Name: "Bob"}
)

type fixture struct {
	deps  Deps
	store *faultyStore
	mem   *store.MemoryStore
	sink  *sink.Memory
	bc    *mockBroadcaster
}

func newFixture() *fixture {
	mem := store.NewMemory()
	fs := &faultyStore{Store: mem}
	sk := sink.NewMemory()
	bc := &mockBroadcaster{}
	n := 0
	return &fixture{
		deps: Deps{
			Store:     fs,
			Oracle:    rules.NewChess(),
			Sink:      sk,
			Broadcast: bc.broadcastFn,
			TTL:       time.Hour,
			NewID: func() string {
				n++
				return fmt.Sprintf("game-%d", n)
			},
		},
		store: fs,
		mem:   mem,
		sink:  sk,
		bc:    bc,
	}
}

func (f *fixture) active(t *testing.T) *Session {
	t.Helper()
	second := bob
	s, err := New(context.Background(), f.deps, alice, &second, domain.CategoryBlitz, "")
	require.NoError(t, err)
	return s
}

func play(t *testing.T, s *Session, moves ...string) {
	t.Helper()
	for i, mv := range moves {
		player := alice.ID
		if s.Snapshot().MoveCount%2 == 1 {
			player = bob.ID
		}
		_, err := s.SubmitMove(context.Background(), player, MoveRequest{From: mv[:2], To: mv[2:4], Promotion: mv[4:]})
		require.NoError(t, err, "move %d %s", i+1, mv)
	}
}

func TestNewActiveAndWaiting(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	assert.Equal(t, domain.StatusActive, s.Snapshot().Status)
	assert.Equal(t, rules.StartFEN, s.Snapshot().Position)

	w, err := New(context.Background(), f.deps, alice, nil, domain.CategoryRapid, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, w.Snapshot().Status)

	stored, err := f.mem.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, stored.Status)
}

func TestBindSecondMover(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	w, err := New(ctx, f.deps, alice, nil, domain.CategoryRapid, "")
	require.NoError(t, err)

	_, err = w.SubmitMove(ctx, alice.ID, MoveRequest{From: "e2", To: "e4"})
	assert.True(t, errors.Is(err, ErrNotActive), "waiting sessions take no moves")

	assert.True(t, errors.Is(w.BindSecondMover(ctx, alice), ErrInvalidState))
	require.NoError(t, w.BindSecondMover(ctx, bob))
	assert.Equal(t, domain.StatusActive, w.Snapshot().Status)
	assert.True(t, errors.Is(w.BindSecondMover(ctx, domain.PlayerRef{ID: "carol"}), ErrSessionFull))
}

func TestTurnAlternationFromParity(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	ctx := context.Background()

	_, err := s.SubmitMove(ctx, bob.ID, MoveRequest{From: "e7", To: "e5"})
	assert.True(t, errors.Is(err, ErrWrongTurn))

	out, err := s.SubmitMove(ctx, alice.ID, MoveRequest{From: "e2", To: "e4"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.MoveCount)
	assert.Equal(t, domain.SideFirst, out.Move.By)
	assert.Equal(t, "e4", out.Move.SAN)

	_, err = s.SubmitMove(ctx, alice.ID, MoveRequest{From: "d2", To: "d4"})
	assert.True(t, errors.Is(err, ErrWrongTurn))

	_, err = s.SubmitMove(ctx, "mallory", MoveRequest{From: "e7", To: "e5"})
	assert.True(t, errors.Is(err, ErrNotAParticipant))

	out, err = s.SubmitMove(ctx, bob.ID, MoveRequest{From: "e7", To: "e5"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.MoveCount)
	assert.Equal(t, domain.SideSecond, out.Move.By)
}

func TestIllegalMoveLeavesStateUntouched(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	before := s.Snapshot()

	_, err := s.SubmitMove(context.Background(), alice.ID, MoveRequest{From: "e2", To: "e5"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalMove))
	assert.Contains(t, err.Error(), "legal from e2: ")
	assert.Contains(t, err.Error(), "e4")
	code, _ := arenaproto.CodeOf(err)
	assert.Equal(t, arenaproto.CodeIllegalMove, code)

	assert.Equal(t, before, s.Snapshot())
	assert.Empty(t, f.bc.kinds())
	moves, _ := f.mem.ListMoves(context.Background(), s.ID())
	assert.Empty(t, moves)
}

func TestConcurrentDuplicateSubmitAcceptsOnce(t *testing.T) {
	f := newFixture()
	s := f.active(t)

	const n = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, wrongTurn := 0, 0
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.SubmitMove(context.Background(), alice.ID, MoveRequest{From: "e2", To: "e4"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrWrongTurn):
				wrongTurn++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, wrongTurn)
	moves, err := f.mem.ListMoves(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Len(t, moves, 1)
	assert.Equal(t, []EventKind{EventMoveApplied}, f.bc.kinds())
}

func TestCheckmateCompletesAndRecords(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	play(t, s, "f2f3", "e7e5", "g2g4")

	out, err := s.SubmitMove(context.Background(), bob.ID, MoveRequest{From: "d8", To: "h4"})
	require.NoError(t, err)
	assert.True(t, out.Terminal)
	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Equal(t, domain.ResultSecondMoverWins, out.Result)
	assert.Equal(t, domain.ReasonCheckmate, out.Reason)
	assert.Equal(t, "Qh4#", out.Move.SAN)

	kinds := f.bc.kinds()
	require.Len(t, kinds, 5)
	assert.Equal(t, EventMoveApplied, kinds[3])
	assert.Equal(t, EventEnded, kinds[4])

	rec, ok := f.sink.Get(s.ID())
	require.True(t, ok)
	assert.Equal(t, []string{"f2f3", "e7e5", "g2g4", "d8h4"}, rec.MovesUCI)
	assert.Equal(t, alice, rec.First)
	assert.Contains(t, rec.PGN, "0-1")

	_, err = s.SubmitMove(context.Background(), alice.ID, MoveRequest{From: "a2", To: "a3"})
	assert.True(t, errors.Is(err, ErrNotActive))

	stored, err := f.mem.Get(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestResign(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	ctx := context.Background()

	_, err := s.Resign(ctx, "mallory")
	assert.True(t, errors.Is(err, ErrNotAParticipant))

	snap, err := s.Resign(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, snap.Status)
	assert.Equal(t, domain.ResultSecondMoverWins, snap.Result)
	assert.Equal(t, domain.ReasonResignation, snap.Reason)
	assert.Equal(t, []EventKind{EventEnded}, f.bc.kinds())

	_, err = s.Resign(ctx, bob.ID)
	assert.True(t, errors.Is(err, ErrNotActive))
	_, ok := f.sink.Get(s.ID())
	assert.True(t, ok)
}

func TestAbortHasNoWinner(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	ctx := context.Background()

	require.NoError(t, s.Abort(ctx, domain.ReasonTimeout))
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusAborted, snap.Status)
	assert.Equal(t, domain.ResultNone, snap.Result)
	assert.Equal(t, domain.ReasonTimeout, snap.Reason)
	assert.True(t, errors.Is(s.Abort(ctx, domain.ReasonTimeout), ErrInvalidState))

	ids, _ := f.mem.ActiveIDs(ctx)
	assert.NotContains(t, ids, s.ID())
}

func TestStoreFailureRejectsWithoutBroadcast(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	f.store.appendErr = fmt.Errorf("%w: redis timeout", store.ErrUnavailable)

	_, err := s.SubmitMove(context.Background(), alice.ID, MoveRequest{From: "e2", To: "e4"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	code, retry := arenaproto.CodeOf(err)
	assert.Equal(t, arenaproto.CodeStoreUnavailable, code)
	assert.True(t, retry)
	assert.Equal(t, 0, s.Snapshot().MoveCount)
	assert.Empty(t, f.bc.kinds())

	// the client retries once the store is back
	f.store.appendErr = nil
	_, err = s.SubmitMove(context.Background(), alice.ID, MoveRequest{From: "e2", To: "e4"})
	require.NoError(t, err)
}

func TestLostAppendAckKeepsGameGoing(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	ctx := context.Background()
	f.store.lostAck = true

	out, err := s.SubmitMove(ctx, alice.ID, MoveRequest{From: "e2", To: "e4"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.MoveCount)

	_, err = s.SubmitMove(ctx, bob.ID, MoveRequest{From: "d7", To: "d5"})
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.Equal(t, 2, snap.MoveCount)
	assert.Equal(t, []EventKind{EventMoveApplied, EventMoveApplied}, f.bc.kinds())

	logged, err := f.mem.ListMoves(ctx, s.ID())
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Equal(t, "e2e4", logged[0].UCI)
}

func TestSinkWriteDoesNotHoldSession(t *testing.T) {
	f := newFixture()
	gs := &gatedSink{entered: make(chan struct{}), release: make(chan struct{}), inner: f.sink}
	f.deps.Sink = gs
	s := f.active(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Resign(context.Background(), alice.ID)
		done <- err
	}()

	select {
	case <-gs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never called")
	}
	// the session answers while the sink is still busy
	assert.Equal(t, domain.StatusCompleted, s.Snapshot().Status)
	assert.Equal(t, []EventKind{EventEnded}, f.bc.kinds())

	close(gs.release)
	require.NoError(t, <-done)
	_, ok := f.sink.Get(s.ID())
	assert.True(t, ok)
}

func TestNewRejectsSecondMoverOnMove(t *testing.T) {
	f := newFixture()
	second := bob
	_, err := New(context.Background(), f.deps, alice, &second, domain.CategoryBlitz,
		"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1")
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestLogConflictAbortsSession(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	ctx := context.Background()
	// another writer already put a different first move in the log
	require.NoError(t, f.mem.AppendMove(ctx, s.ID(), domain.MoveRecord{Ply: 1, UCI: "d2d4", By: domain.SideFirst}, time.Hour))

	_, err := s.SubmitMove(ctx, alice.ID, MoveRequest{From: "e2", To: "e4"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConsistency))
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusAborted, snap.Status)
	assert.Equal(t, domain.ReasonAbandonment, snap.Reason)
	assert.Equal(t, []EventKind{EventEnded}, f.bc.kinds())
}

func TestReplayReproducesStoredPosition(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	play(t, s, "e2e4", "c7c5", "g1f3", "d7d6", "d2d4", "c5d4", "f3d4", "g8f6")

	pos, err := s.Replay()
	require.NoError(t, err)
	ctx := context.Background()
	stored, err := f.mem.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, stored.Position, pos)

	moves, err := f.mem.ListMoves(ctx, s.ID())
	require.NoError(t, err)
	ucis := make([]string, len(moves))
	for i, m := range moves {
		ucis[i] = m.UCI
	}
	replayed, err := rules.NewChess().Replay(rules.Line{Start: stored.InitialPosition, Moves: ucis})
	require.NoError(t, err)
	assert.Equal(t, stored.Position, replayed)
}

func TestRestore(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	play(t, s, "e2e4", "e7e5", "g1f3")
	ctx := context.Background()

	snap, err := f.mem.Get(ctx, s.ID())
	require.NoError(t, err)
	moves, err := f.mem.ListMoves(ctx, s.ID())
	require.NoError(t, err)

	restored, err := Restore(ctx, f.deps, *snap, moves)
	require.NoError(t, err)
	assert.Equal(t, s.Snapshot().Position, restored.Snapshot().Position)
	_, err = restored.SubmitMove(ctx, bob.ID, MoveRequest{From: "b8", To: "c6"})
	require.NoError(t, err)
}

func TestRestoreCatchesUpLaggingSnapshot(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	ctx := context.Background()
	stale, err := f.mem.Get(ctx, s.ID())
	require.NoError(t, err)
	play(t, s, "e2e4", "e7e5")
	moves, _ := f.mem.ListMoves(ctx, s.ID())

	restored, err := Restore(ctx, f.deps, *stale, moves)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Snapshot().MoveCount)
	assert.Equal(t, s.Snapshot().Position, restored.Snapshot().Position)
}

func TestRestoreRejectsDivergence(t *testing.T) {
	f := newFixture()
	s := f.active(t)
	play(t, s, "e2e4")
	ctx := context.Background()
	snap, _ := f.mem.Get(ctx, s.ID())
	moves, _ := f.mem.ListMoves(ctx, s.ID())

	snap.Position = rules.StartFEN
	_, err := Restore(ctx, f.deps, *snap, moves)
	assert.True(t, errors.Is(err, ErrConsistency))

	bad := append([]domain.MoveRecord{}, moves...)
	bad[0].By = domain.SideSecond
	snap, _ = f.mem.Get(ctx, s.ID())
	_, err = Restore(ctx, f.deps, *snap, bad)
	assert.True(t, errors.Is(err, ErrConsistency))
}
