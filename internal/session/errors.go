package session

import (
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

var (
	ErrNotActive        = arenaproto.NewError(arenaproto.CodeNotActive, "game is not active", false)
	ErrNotAParticipant  = arenaproto.NewError(arenaproto.CodeNotAParticipant, "you are not playing in this game", false)
	ErrWrongTurn        = arenaproto.NewError(arenaproto.CodeWrongTurn, "not your turn", false)
	ErrIllegalMove      = arenaproto.NewError(arenaproto.CodeIllegalMove, "illegal move", false)
	ErrSessionFull      = arenaproto.NewError(arenaproto.CodeSessionFull, "both seats are taken", false)
	ErrInvalidState     = arenaproto.NewError(arenaproto.CodeInvalidState, "operation not allowed in the current state", false)
	ErrStoreUnavailable = store.ErrUnavailable
	// ErrConsistency means the durable move log disagrees with this session.
	// The session is aborted when it is raised.
	ErrConsistency = arenaproto.NewError(arenaproto.CodeInternal, "game state diverged from its record; game aborted", false)
)
