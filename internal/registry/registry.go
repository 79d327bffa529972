// Package registry owns the live game sessions of this process: it routes
// client events by session id, keeps each session's broadcast group, and
// runs the timers that end abandoned or idle games.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/internal/sink"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

var ErrNotFound = arenaproto.NewError(arenaproto.CodeNotFound, "no such game", false)

// Conn is one client connection. Send must never block; a connection that
// cannot keep up drops frames and is closed by its owner.
type Conn interface {
	ID() string
	PlayerID() string
	Send(env arenaproto.Envelope) bool
}

type Options struct {
	Store  store.Store
	Oracle rules.Oracle
	Sink   sink.Sink
	TTL    time.Duration
	Grace  time.Duration
	Now    func() time.Time
}

type entry struct {
	sess *session.Session

	mu     sync.Mutex
	conns  map[string]Conn
	timers map[string]*time.Timer
}

type Registry struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*entry
	byPlayer map[string]map[string]struct{}
	byConn   map[string]map[string]struct{}
}

func New(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Grace <= 0 {
		opts.Grace = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Oracle == nil {
		opts.Oracle = rules.NewChess()
	}
	if opts.Sink == nil {
		opts.Sink = sink.Discard{}
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*entry),
		byPlayer: make(map[string]map[string]struct{}),
		byConn:   make(map[string]map[string]struct{}),
	}
}

func (r *Registry) deps() session.Deps {
	return session.Deps{
		Store:     r.opts.Store,
		Oracle:    r.opts.Oracle,
		Sink:      r.opts.Sink,
		Broadcast: r.onEvent,
		TTL:       r.opts.TTL,
		Now:       r.opts.Now,
	}
}

// Create opens a session. second may be nil for a session that waits for an
// opponent.
func (r *Registry) Create(ctx context.Context, first domain.PlayerRef, second *domain.PlayerRef, category domain.Category) (*session.Session, error) {
	sess, err := session.New(ctx, r.deps(), first, second, category, "")
	if err != nil {
		return nil, err
	}
	r.insert(sess)
	return sess, nil
}

// CreateMatched satisfies matchmaking.SessionCreator. Neither player is
// connected to the new session yet, so both start on a grace timer.
func (r *Registry) CreateMatched(ctx context.Context, first, second domain.PlayerRef, category domain.Category) (string, error) {
	sess, err := session.New(ctx, r.deps(), first, &second, category, "")
	if err != nil {
		return "", err
	}
	e := r.insert(sess)
	e.mu.Lock()
	for _, p := range []string{first.ID, second.ID} {
		if !e.hasPlayerLocked(p) {
			r.startGraceLocked(e, sess.ID(), p)
		}
	}
	e.mu.Unlock()
	return sess.ID(), nil
}

// ActiveSessionOf satisfies matchmaking.ActiveLookup.
func (r *Registry) ActiveSessionOf(playerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byPlayer[playerID] {
		return id, true
	}
	return "", false
}

// Get returns the live session or ErrNotFound.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e.sess, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// insert returns the entry that ends up registered, which is an existing
// one if another goroutine restored the same session first.
func (r *Registry) insert(sess *session.Session) *entry {
	snap := sess.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[snap.ID]; ok {
		return e
	}
	e := &entry{sess: sess, conns: make(map[string]Conn), timers: make(map[string]*time.Timer)}
	r.sessions[snap.ID] = e
	r.indexPlayerLocked(snap.First.ID, snap.ID)
	if snap.Second != nil {
		r.indexPlayerLocked(snap.Second.ID, snap.ID)
	}
	return e
}

func (r *Registry) indexPlayerLocked(playerID, sessionID string) {
	set, ok := r.byPlayer[playerID]
	if !ok {
		set = make(map[string]struct{})
		r.byPlayer[playerID] = set
	}
	set[sessionID] = struct{}{}
}

// load returns the live entry, restoring it from the store when this
// process does not hold it. Finished sessions are returned as a snapshot
// only.
func (r *Registry) load(ctx context.Context, id string) (*entry, *domain.Snapshot, []domain.MoveRecord, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return e, nil, nil, nil
	}
	snap, err := r.opts.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, nil, err
	}
	moves, err := r.opts.Store.ListMoves(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if snap.Status.Terminal() {
		return nil, snap, moves, nil
	}
	sess, err := session.Restore(ctx, r.deps(), *snap, moves)
	if err != nil {
		r.markBroken(ctx, *snap, moves, err)
		return nil, nil, nil, err
	}
	if sess.Snapshot().Status.Terminal() {
		final, finalMoves := sess.State()
		return nil, &final, finalMoves, nil
	}
	return r.insert(sess), nil, nil, nil
}

// markBroken aborts a stored session whose log cannot be trusted, hands
// what is left of it to the sink and drops it from the active index.
func (r *Registry) markBroken(ctx context.Context, snap domain.Snapshot, moves []domain.MoveRecord, cause error) {
	log := obslog.Session(snap.ID)
	log.Error("arena_session_restore_failed", zap.Error(cause))
	if !errors.Is(cause, session.ErrConsistency) {
		return
	}
	snap.Status = domain.StatusAborted
	snap.Result = domain.ResultNone
	snap.Reason = domain.ReasonAbandonment
	snap.EndedAt = r.opts.Now()
	if err := r.opts.Store.Put(ctx, snap, r.opts.TTL); err != nil {
		log.Warn("arena_session_mark_broken_failed", zap.Error(err))
	}
	if err := r.opts.Store.Deactivate(ctx, snap.ID); err != nil {
		log.Warn("arena_deactivate_failed", zap.Error(err))
	}
	if err := r.opts.Sink.Record(ctx, domain.NewFinalRecord(snap, moves)); err != nil {
		log.Error("arena_sink_record_failed", zap.Error(err))
	}
}

// Join attaches conn to the session's broadcast group and returns the full
// state for resync. Anyone may observe; participants also cancel their
// reconnection timer.
func (r *Registry) Join(ctx context.Context, id string, player domain.PlayerRef, conn Conn) (arenaproto.SessionState, error) {
	e, final, finalMoves, err := r.load(ctx, id)
	if err != nil {
		return arenaproto.SessionState{}, err
	}
	if e == nil {
		return StateOf(*final, finalMoves, player.ID), nil
	}

	e.mu.Lock()
	e.conns[conn.ID()] = conn
	if t, ok := e.timers[player.ID]; ok {
		t.Stop()
		delete(e.timers, player.ID)
	}
	e.mu.Unlock()

	r.mu.Lock()
	set, ok := r.byConn[conn.ID()]
	if !ok {
		set = make(map[string]struct{})
		r.byConn[conn.ID()] = set
	}
	set[id] = struct{}{}
	r.mu.Unlock()

	snap, moves := e.sess.State()
	if _, participant := snap.SideOf(player.ID); participant {
		if err := r.opts.Store.RefreshTTL(ctx, id, r.opts.TTL); err != nil {
			obslog.Session(id).Warn("arena_refresh_ttl_failed", zap.Error(err))
		}
	}
	obslog.Session(id).Info("arena_session_join",
		zap.String("player_id", player.ID),
		zap.String("conn_id", conn.ID()),
		zap.Int("move_count", len(moves)),
	)
	return StateOf(snap, moves, player.ID), nil
}

// Bind seats player as second mover of a waiting session.
func (r *Registry) Bind(ctx context.Context, id string, player domain.PlayerRef) error {
	e, final, _, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		if final != nil && final.Second != nil {
			return session.ErrSessionFull
		}
		return session.ErrInvalidState
	}
	if err := e.sess.BindSecondMover(ctx, player); err != nil {
		return err
	}
	r.mu.Lock()
	r.indexPlayerLocked(player.ID, id)
	r.mu.Unlock()
	return nil
}

func (r *Registry) SubmitMove(ctx context.Context, id, playerID string, req session.MoveRequest) (*session.MoveOutcome, error) {
	e, _, _, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, session.ErrNotActive
	}
	return e.sess.SubmitMove(ctx, playerID, req)
}

func (r *Registry) Resign(ctx context.Context, id, playerID string) (domain.Snapshot, error) {
	e, _, _, err := r.load(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if e == nil {
		return domain.Snapshot{}, session.ErrNotActive
	}
	return e.sess.Resign(ctx, playerID)
}

// Disconnect detaches conn from every session it joined. A participant left
// with no connection gets a grace timer; if it fires before they come back
// and the game has not really started, the game is aborted.
func (r *Registry) Disconnect(conn Conn) {
	r.mu.Lock()
	ids := r.byConn[conn.ID()]
	delete(r.byConn, conn.ID())
	entries := make([]*entry, 0, len(ids))
	for id := range ids {
		if e, ok := r.sessions[id]; ok {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	playerID := conn.PlayerID()
	for _, e := range entries {
		snap := e.sess.Snapshot()
		e.mu.Lock()
		delete(e.conns, conn.ID())
		if _, participant := snap.SideOf(playerID); participant && !e.hasPlayerLocked(playerID) {
			r.startGraceLocked(e, snap.ID, playerID)
		}
		e.mu.Unlock()
	}
}

func (e *entry) hasPlayerLocked(playerID string) bool {
	for _, c := range e.conns {
		if c.PlayerID() == playerID {
			return true
		}
	}
	return false
}

func (r *Registry) startGraceLocked(e *entry, sessionID, playerID string) {
	if t, ok := e.timers[playerID]; ok {
		t.Stop()
	}
	obslog.Session(sessionID).Info("arena_disconnect_grace",
		zap.String("player_id", playerID),
		zap.Duration("grace", r.opts.Grace),
	)
	e.timers[playerID] = time.AfterFunc(r.opts.Grace, func() {
		r.graceExpired(e, sessionID, playerID)
	})
}

func (r *Registry) graceExpired(e *entry, sessionID, playerID string) {
	e.mu.Lock()
	delete(e.timers, playerID)
	back := e.hasPlayerLocked(playerID)
	e.mu.Unlock()
	if back {
		return
	}
	snap := e.sess.Snapshot()
	if snap.Status != domain.StatusWaiting && !(snap.Status == domain.StatusActive && snap.MoveCount == 0) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.sess.Abort(ctx, domain.ReasonAbandonment); err != nil && !errors.Is(err, session.ErrInvalidState) {
		obslog.Session(sessionID).Warn("arena_grace_abort_failed", zap.Error(err))
	}
}

// onEvent is every live session's broadcaster. It runs under the session
// lock and only touches registry state.
func (r *Registry) onEvent(ev session.Event) {
	r.mu.RLock()
	e, ok := r.sessions[ev.SessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	var env arenaproto.Envelope
	switch ev.Kind {
	case session.EventMoveApplied:
		env = moveAppliedEnvelope(ev.Outcome)
	case session.EventEnded:
		env = endedEnvelope(ev.Snapshot)
	default:
		return
	}

	e.mu.Lock()
	for _, c := range e.conns {
		if !c.Send(env) {
			obslog.Session(ev.SessionID).Warn("arena_broadcast_dropped", zap.String("conn_id", c.ID()))
		}
	}
	if ev.Kind == session.EventEnded {
		for id, t := range e.timers {
			t.Stop()
			delete(e.timers, id)
		}
	}
	e.mu.Unlock()

	if ev.Kind == session.EventEnded {
		r.remove(ev.Snapshot)
	}
}

func (r *Registry) remove(snap domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, snap.ID)
	for _, p := range []string{snap.First.ID, secondID(snap)} {
		if set, ok := r.byPlayer[p]; ok {
			delete(set, snap.ID)
			if len(set) == 0 {
				delete(r.byPlayer, p)
			}
		}
	}
	for connID, set := range r.byConn {
		delete(set, snap.ID)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
}

func secondID(snap domain.Snapshot) string {
	if snap.Second == nil {
		return ""
	}
	return snap.Second.ID
}

func (r *Registry) liveEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	return out
}

// Sweep aborts every live session idle for longer than the session TTL and
// returns how many it ended.
func (r *Registry) Sweep(ctx context.Context, now time.Time) int {
	ended := 0
	for _, e := range r.liveEntries() {
		snap := e.sess.Snapshot()
		if snap.Status.Terminal() || now.Sub(snap.LastActivityAt) < r.opts.TTL {
			continue
		}
		if err := e.sess.Abort(ctx, domain.ReasonTimeout); err == nil {
			ended++
		}
	}
	if ended > 0 {
		obslog.L().Info("arena_idle_sweep", zap.Int("aborted", ended))
	}
	return ended
}

// Run drives Sweep until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx, r.opts.Now())
		}
	}
}

// Rehydrate loads every session in the store's active index. Participants
// start with a grace timer since nobody is connected after a restart.
func (r *Registry) Rehydrate(ctx context.Context) (int, error) {
	ids, err := r.opts.Store.ActiveIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	loaded := 0
	for _, id := range ids {
		e, final, _, err := r.load(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			r.deactivate(ctx, id)
			continue
		case err != nil:
			obslog.Session(id).Warn("arena_rehydrate_skip", zap.Error(err))
			continue
		case e == nil:
			if final != nil {
				r.deactivate(ctx, id)
			}
			continue
		}
		snap := e.sess.Snapshot()
		e.mu.Lock()
		for _, p := range []string{snap.First.ID, secondID(snap)} {
			if p != "" && !e.hasPlayerLocked(p) {
				r.startGraceLocked(e, id, p)
			}
		}
		e.mu.Unlock()
		loaded++
	}
	obslog.L().Info("arena_rehydrate", zap.Int("sessions", loaded), zap.Int("indexed", len(ids)))
	return loaded, nil
}

func (r *Registry) deactivate(ctx context.Context, id string) {
	if err := r.opts.Store.Deactivate(ctx, id); err != nil {
		obslog.Session(id).Warn("arena_deactivate_failed", zap.Error(err))
	}
}

// Shutdown stops every timer and writes a fresh snapshot of each live
// session so another process can pick them up.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, e := range r.liveEntries() {
		e.mu.Lock()
		for id, t := range e.timers {
			t.Stop()
			delete(e.timers, id)
		}
		e.mu.Unlock()
		if err := e.sess.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", e.sess.ID(), err))
		}
	}
	return errors.Join(errs...)
}
