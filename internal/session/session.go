// Package session implements the authoritative game state machine. Every
// state transition of one session runs under that session's mutex: read,
// validate, apply, persist and broadcast happen as one step.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/sink"
	"github.com/park285/chess-arena/internal/store"
)

type EventKind string

const (
	EventMoveApplied EventKind = "moveApplied"
	EventEnded       EventKind = "ended"
)

// Event is what a session hands to its broadcaster after a transition was
// persisted.
type Event struct {
	Kind      EventKind
	SessionID string
	Outcome   *MoveOutcome
	Snapshot  domain.Snapshot
}

// BroadcastFn is invoked under the session lock, after persistence. It must
// not block and must not call back into the session.
type BroadcastFn func(ev Event)

// MoveOutcome is the result of an accepted move, sent verbatim to every
// participant and observer.
type MoveOutcome struct {
	SessionID string
	Move      domain.MoveRecord
	Position  string
	MoveCount int
	Terminal  bool
	Status    domain.Status
	Result    domain.Result
	Reason    domain.Reason
}

type MoveRequest struct {
	From      string
	To        string
	Promotion string
}

type Deps struct {
	Store     store.Store
	Oracle    rules.Oracle
	Sink      sink.Sink
	Broadcast BroadcastFn
	TTL       time.Duration
	Now       func() time.Time
	NewID     func() string
}

func (d *Deps) defaults() {
	if d.TTL <= 0 {
		d.TTL = 24 * time.Hour
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Broadcast == nil {
		d.Broadcast = func(Event) {}
	}
	if d.Sink == nil {
		d.Sink = sink.Discard{}
	}
	if d.Oracle == nil {
		d.Oracle = rules.NewChess()
	}
}

type Session struct {
	mu    sync.Mutex
	deps  Deps
	snap  domain.Snapshot
	moves []domain.MoveRecord
	log   *zap.Logger

	// final is set by finishLocked and written to the sink by unlock, so
	// sink I/O never runs under mu.
	final *domain.FinalRecord
}

// New allocates a session and persists its first snapshot. The session is
// active when both sides are bound, waiting otherwise. An empty
// initialPosition means the standard start.
func New(ctx context.Context, deps Deps, first domain.PlayerRef, second *domain.PlayerRef, category domain.Category, initialPosition string) (*Session, error) {
	deps.defaults()
	if initialPosition == "" {
		initialPosition = deps.Oracle.StartPosition()
	}
	if second != nil && second.ID == first.ID {
		return nil, fmt.Errorf("%w: a player cannot take both sides", ErrInvalidState)
	}
	// turn order is derived from log parity, so the first mover must be on move
	side, err := deps.Oracle.SideToMove(initialPosition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if side != domain.SideFirst {
		return nil, fmt.Errorf("%w: initial position must have the first mover on move", ErrInvalidState)
	}
	now := deps.Now()
	snap := domain.Snapshot{
		ID:              deps.NewID(),
		First:           first,
		Category:        category,
		InitialPosition: initialPosition,
		Position:        initialPosition,
		Status:          domain.StatusWaiting,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	if second != nil {
		s := *second
		snap.Second = &s
		snap.Status = domain.StatusActive
	}
	if err := deps.Store.Put(ctx, snap, deps.TTL); err != nil {
		return nil, storeErr(err)
	}
	s := &Session{deps: deps, snap: snap, moves: []domain.MoveRecord{}, log: obslog.Session(snap.ID)}
	s.log.Info("arena_session_create",
		zap.String("first_id", first.ID),
		zap.String("category", string(category)),
		zap.String("status", string(snap.Status)),
	)
	return s, nil
}

// Restore rebuilds a session from its stored snapshot and move log. The log
// wins over the snapshot: a snapshot that lags behind the log is brought up
// to date, one that contradicts it is rejected with ErrConsistency.
func Restore(ctx context.Context, deps Deps, snap domain.Snapshot, moves []domain.MoveRecord) (*Session, error) {
	deps.defaults()
	s := &Session{deps: deps, snap: snap, moves: append([]domain.MoveRecord{}, moves...), log: obslog.Session(snap.ID)}
	position, err := s.replayLocked()
	if err != nil {
		return nil, err
	}
	switch {
	case len(moves) == snap.MoveCount && position == snap.Position:
		return s, nil
	case len(moves) > snap.MoveCount && !snap.Status.Terminal():
		lastMove := moves[len(moves)-1]
		s.snap.Position = position
		s.snap.MoveCount = len(moves)
		if lastMove.At.After(s.snap.LastActivityAt) {
			s.snap.LastActivityAt = lastMove.At
		}
		if err := s.evaluateTerminalLocked(lastMove.By); err != nil {
			return nil, err
		}
		s.log.Info("arena_session_restore_catchup", zap.Int("move_count", len(moves)))
		s.flushLocked(ctx)
		if s.snap.Status.Terminal() {
			s.finishLocked()
			s.recordFinal(ctx)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: snapshot has %d moves at %q, log replays %d to %q",
			ErrConsistency, snap.MoveCount, snap.Position, len(moves), position)
	}
}

func (s *Session) ID() string { return s.snap.ID }

func (s *Session) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copySnapLocked()
}

func (s *Session) Moves() []domain.MoveRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MoveRecord{}, s.moves...)
}

// State returns snapshot and move log read under one lock acquisition.
func (s *Session) State() (domain.Snapshot, []domain.MoveRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copySnapLocked(), append([]domain.MoveRecord{}, s.moves...)
}

func (s *Session) copySnapLocked() domain.Snapshot {
	out := s.snap
	if out.Second != nil {
		second := *out.Second
		out.Second = &second
	}
	return out
}

// BindSecondMover seats player as second mover and starts the game.
func (s *Session) BindSecondMover(ctx context.Context, player domain.PlayerRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Second != nil {
		return ErrSessionFull
	}
	if s.snap.Status != domain.StatusWaiting {
		return ErrInvalidState
	}
	if player.ID == s.snap.First.ID {
		return fmt.Errorf("%w: a player cannot take both sides", ErrInvalidState)
	}
	next := s.copySnapLocked()
	p := player
	next.Second = &p
	next.Status = domain.StatusActive
	next.LastActivityAt = s.deps.Now()
	if err := s.deps.Store.Put(ctx, next, s.deps.TTL); err != nil {
		return storeErr(err)
	}
	s.snap = next
	s.log.Info("arena_session_bind", zap.String("second_id", player.ID))
	return nil
}

// SubmitMove validates and applies requester's move. The move is durable in
// the store's log before anyone is told about it.
func (s *Session) SubmitMove(ctx context.Context, requester string, req MoveRequest) (*MoveOutcome, error) {
	s.mu.Lock()
	defer s.unlock(ctx)

	if s.snap.Status != domain.StatusActive {
		return nil, ErrNotActive
	}
	side, ok := s.snap.SideOf(requester)
	if !ok {
		return nil, ErrNotAParticipant
	}
	if side != domain.SideToMoveAt(len(s.moves)) {
		return nil, ErrWrongTurn
	}
	applied, err := s.deps.Oracle.ApplyMove(s.snap.Position, rules.Move{From: req.From, To: req.To, Promotion: req.Promotion})
	if err != nil {
		s.log.Debug("arena_move_rejected", zap.String("player_id", requester), zap.String("from", req.From), zap.String("to", req.To), zap.Error(err))
		if errors.Is(err, rules.ErrIllegalMove) {
			return nil, fmt.Errorf("%w: %s%s (%s)", ErrIllegalMove, req.From, req.To, s.legalFromLocked(req.From))
		}
		return nil, err
	}

	now := s.deps.Now()
	rec := domain.MoveRecord{
		Ply:       len(s.moves) + 1,
		UCI:       applied.UCI,
		SAN:       applied.SAN,
		From:      req.From,
		To:        req.To,
		Promotion: applied.Promotion,
		By:        side,
		At:        now,
	}
	if err := s.deps.Store.AppendMove(ctx, s.snap.ID, rec, s.deps.TTL); err != nil {
		if errors.Is(err, store.ErrLogConflict) {
			s.log.Error("arena_session_log_conflict", zap.Int("ply", rec.Ply), zap.Error(err))
			s.abortLocked(ctx, domain.ReasonAbandonment)
			return nil, fmt.Errorf("%w: %v", ErrConsistency, err)
		}
		stored, ok := s.committedLocked(ctx, rec)
		if !ok {
			s.log.Warn("arena_move_store_failed", zap.Int("ply", rec.Ply), zap.Error(err))
			return nil, storeErr(err)
		}
		s.log.Warn("arena_move_ack_lost", zap.Int("ply", rec.Ply), zap.Error(err))
		rec = stored
		now = stored.At
	}

	s.moves = append(s.moves, rec)
	s.snap.Position = applied.Position
	s.snap.MoveCount = len(s.moves)
	s.snap.LastActivityAt = now
	if err := s.evaluateTerminalLocked(side); err != nil {
		// the move is already durable; report it and leave the game open
		s.log.Error("arena_terminal_check_failed", zap.Error(err))
	}
	s.flushLocked(ctx)

	out := &MoveOutcome{
		SessionID: s.snap.ID,
		Move:      rec,
		Position:  s.snap.Position,
		MoveCount: s.snap.MoveCount,
		Terminal:  s.snap.Status.Terminal(),
		Status:    s.snap.Status,
		Result:    s.snap.Result,
		Reason:    s.snap.Reason,
	}
	s.log.Info("arena_move",
		zap.String("player_id", requester),
		zap.Int("ply", rec.Ply),
		zap.String("uci", rec.UCI),
		zap.String("san", rec.SAN),
	)
	s.deps.Broadcast(Event{Kind: EventMoveApplied, SessionID: s.snap.ID, Outcome: out, Snapshot: s.copySnapLocked()})
	if out.Terminal {
		s.finishLocked()
	}
	return out, nil
}

// legalFromLocked describes where the piece on from may go.
func (s *Session) legalFromLocked(from string) string {
	targets, err := s.deps.Oracle.LegalMoves(s.snap.Position, from)
	if err != nil || len(targets) == 0 {
		return "no legal moves from " + from
	}
	to := make([]string, len(targets))
	for i, t := range targets {
		to[i] = t.To
	}
	return "legal from " + from + ": " + strings.Join(to, " ")
}

// Resign ends the game; the other side wins.
func (s *Session) Resign(ctx context.Context, requester string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.unlock(ctx)

	if s.snap.Status != domain.StatusActive {
		return domain.Snapshot{}, ErrNotActive
	}
	side, ok := s.snap.SideOf(requester)
	if !ok {
		return domain.Snapshot{}, ErrNotAParticipant
	}
	next := s.copySnapLocked()
	now := s.deps.Now()
	next.Status = domain.StatusCompleted
	next.Result = domain.WinFor(side.Other())
	next.Reason = domain.ReasonResignation
	next.LastActivityAt = now
	next.EndedAt = now
	if err := s.deps.Store.Put(ctx, next, s.deps.TTL); err != nil {
		return domain.Snapshot{}, storeErr(err)
	}
	s.snap = next
	s.log.Info("arena_resign", zap.String("player_id", requester))
	s.finishLocked()
	return s.copySnapLocked(), nil
}

// Abort ends the game without a winner. Aborting a finished session fails
// with ErrInvalidState.
func (s *Session) Abort(ctx context.Context, reason domain.Reason) error {
	s.mu.Lock()
	defer s.unlock(ctx)
	if s.snap.Status.Terminal() {
		return ErrInvalidState
	}
	s.abortLocked(ctx, reason)
	return nil
}

// abortLocked always transitions, even if the store is down: an abort is
// what happens when the store can no longer be trusted.
func (s *Session) abortLocked(ctx context.Context, reason domain.Reason) {
	if s.snap.Status.Terminal() {
		return
	}
	now := s.deps.Now()
	s.snap.Status = domain.StatusAborted
	s.snap.Result = domain.ResultNone
	s.snap.Reason = reason
	s.snap.EndedAt = now
	s.log.Info("arena_abort", zap.String("reason", string(reason)), zap.Int("move_count", len(s.moves)))
	s.flushLocked(ctx)
	s.finishLocked()
}

// Flush rewrites the snapshot and refreshes the TTL of both keys.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Store.Put(ctx, s.snap, s.deps.TTL)
}

// Replay recomputes the position from the in-memory log and reports
// ErrConsistency if it disagrees with the current position.
func (s *Session) Replay() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, err := s.replayLocked()
	if err != nil {
		return "", err
	}
	if pos != s.snap.Position {
		return pos, fmt.Errorf("%w: replay gives %q, session holds %q", ErrConsistency, pos, s.snap.Position)
	}
	return pos, nil
}

func (s *Session) replayLocked() (string, error) {
	for i, m := range s.moves {
		if m.Ply != i+1 || m.By != domain.SideToMoveAt(i) {
			return "", fmt.Errorf("%w: log entry %d out of sequence", ErrConsistency, i+1)
		}
	}
	pos, err := s.deps.Oracle.Replay(s.line())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConsistency, err)
	}
	return pos, nil
}

func (s *Session) line() rules.Line {
	ucis := make([]string, len(s.moves))
	for i, m := range s.moves {
		ucis[i] = m.UCI
	}
	return rules.Line{Start: s.snap.InitialPosition, Moves: ucis}
}

func (s *Session) evaluateTerminalLocked(mover domain.Side) error {
	kind, err := s.deps.Oracle.Terminal(s.line())
	if err != nil {
		return err
	}
	if kind == rules.TerminalNone {
		return nil
	}
	result, reason := kind.Outcome(mover)
	s.snap.Status = domain.StatusCompleted
	s.snap.Result = result
	s.snap.Reason = reason
	s.snap.EndedAt = s.snap.LastActivityAt
	s.log.Info("arena_terminal", zap.String("kind", string(kind)), zap.String("result", string(result)))
	return nil
}

// flushLocked writes the snapshot after the log already holds the truth, so
// a failure here is logged and left for the next write or a restore.
func (s *Session) flushLocked(ctx context.Context) {
	if err := s.deps.Store.Put(ctx, s.snap, s.deps.TTL); err != nil {
		s.log.Warn("arena_snapshot_put_failed", zap.Error(err))
	}
}

// finishLocked tells everyone the session ended and queues its final
// record for the sink.
func (s *Session) finishLocked() {
	rec := domain.NewFinalRecord(s.copySnapLocked(), s.moves)
	s.final = &rec
	s.deps.Broadcast(Event{Kind: EventEnded, SessionID: s.snap.ID, Snapshot: s.copySnapLocked()})
}

// unlock releases mu and then writes a pending final record.
func (s *Session) unlock(ctx context.Context) {
	s.mu.Unlock()
	s.recordFinal(ctx)
}

func (s *Session) recordFinal(ctx context.Context) {
	s.mu.Lock()
	rec := s.final
	s.final = nil
	s.mu.Unlock()
	if rec == nil {
		return
	}
	if err := s.deps.Sink.Record(ctx, *rec); err != nil {
		s.log.Error("arena_sink_record_failed",
			zap.String("status", string(rec.Status)),
			zap.String("result", string(rec.Result)),
			zap.Strings("moves", rec.MovesUCI),
			zap.Error(err),
		)
	}
}

// committedLocked checks whether a failed append reached the log anyway.
// The stored entry is returned when it is the same move.
func (s *Session) committedLocked(ctx context.Context, rec domain.MoveRecord) (domain.MoveRecord, bool) {
	stored, err := s.deps.Store.ListMoves(ctx, s.snap.ID)
	if err != nil || len(stored) < rec.Ply {
		return domain.MoveRecord{}, false
	}
	if got := stored[rec.Ply-1]; got.Same(rec) {
		return got, true
	}
	return domain.MoveRecord{}, false
}

func storeErr(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
