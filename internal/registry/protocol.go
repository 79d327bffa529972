package registry

import (
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

func protoMove(m domain.MoveRecord) arenaproto.Move {
	return arenaproto.Move{
		Ply:       m.Ply,
		UCI:       m.UCI,
		SAN:       m.SAN,
		From:      m.From,
		To:        m.To,
		Promotion: m.Promotion,
		By:        string(m.By),
		At:        m.At,
	}
}

func protoPlayer(p domain.PlayerRef) arenaproto.Player {
	return arenaproto.Player{ID: p.ID, Name: p.Name}
}

// StateOf builds the resync payload for viewer (empty for observers).
func StateOf(snap domain.Snapshot, moves []domain.MoveRecord, viewer string) arenaproto.SessionState {
	st := arenaproto.SessionState{
		SessionID:    snap.ID,
		Category:     string(snap.Category),
		FirstMover:   protoPlayer(snap.First),
		Status:       string(snap.Status),
		Position:     snap.Position,
		SideToMove:   string(domain.SideToMoveAt(len(moves))),
		MoveLog:      make([]arenaproto.Move, len(moves)),
		Result:       string(snap.Result),
		ResultReason: string(snap.Reason),
	}
	if snap.Second != nil {
		p := protoPlayer(*snap.Second)
		st.SecondMover = &p
	}
	for i, m := range moves {
		st.MoveLog[i] = protoMove(m)
	}
	if side, ok := snap.SideOf(viewer); ok {
		st.YourSide = string(side)
	}
	return st
}

func moveAppliedEnvelope(out *session.MoveOutcome) arenaproto.Envelope {
	payload := arenaproto.MoveApplied{
		SessionID: out.SessionID,
		Move:      protoMove(out.Move),
		Position:  out.Position,
		MoveCount: out.MoveCount,
		Terminal:  out.Terminal,
	}
	if out.Terminal {
		payload.Result = string(out.Result)
		payload.ResultReason = string(out.Reason)
	}
	return arenaproto.Event(arenaproto.TypeSessionMoveApplied, payload)
}

func endedEnvelope(snap domain.Snapshot) arenaproto.Envelope {
	return arenaproto.Event(arenaproto.TypeSessionEnded, arenaproto.SessionEnded{
		SessionID:    snap.ID,
		Status:       string(snap.Status),
		Result:       string(snap.Result),
		ResultReason: string(snap.Reason),
	})
}

// StartedEnvelope announces a new pairing to both players.
func StartedEnvelope(sessionID string, first, second domain.PlayerRef, category domain.Category) arenaproto.Envelope {
	return arenaproto.Event(arenaproto.TypeSessionStarted, arenaproto.SessionStarted{
		SessionID:     sessionID,
		FirstMoverID:  first.ID,
		SecondMoverID: second.ID,
		Category:      string(category),
	})
}
