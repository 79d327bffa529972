package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/matchmaking"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

func (s *Server) dispatch(ctx context.Context, c *client, req *arenaproto.Request) {
	switch req.Type {
	case arenaproto.TypePing:
		c.Send(arenaproto.Event(arenaproto.TypePong, nil))

	case arenaproto.TypeQueueJoin:
		cat, err := parseCategory(req.Join.Category)
		if err != nil {
			s.sendError(c, "", err)
			return
		}
		if err := s.opts.Matcher.Enqueue(ctx, c.player, cat, c.skill); err != nil {
			// point the client back at the game it is still seated in
			var current string
			if errors.Is(err, matchmaking.ErrInGame) {
				current, _ = s.opts.Registry.ActiveSessionOf(c.player.ID)
			}
			s.sendError(c, current, err)
			return
		}
		c.Send(arenaproto.Event(arenaproto.TypeQueueJoined, arenaproto.QueueStatus{Category: string(cat)}))
		// a failed pairing leaves the entry queued for the sweeper
		if _, err := s.opts.Matcher.TryMatch(ctx, cat); err != nil {
			s.sendError(c, "", err)
		}

	case arenaproto.TypeQueueLeave:
		cat, err := parseCategory(req.Leave.Category)
		if err != nil {
			s.sendError(c, "", err)
			return
		}
		if err := s.opts.Matcher.Leave(ctx, c.player.ID, cat); err != nil {
			s.sendError(c, "", err)
			return
		}
		c.Send(arenaproto.Event(arenaproto.TypeQueueLeft, arenaproto.QueueStatus{Category: string(cat)}))

	case arenaproto.TypeSessionJoin:
		id := req.Enter.SessionID
		state, err := s.opts.Registry.Join(ctx, id, c.player, c)
		if err != nil {
			s.sendError(c, id, err)
			return
		}
		c.Send(arenaproto.Event(arenaproto.TypeSessionState, state))

	case arenaproto.TypeSessionMove:
		m := req.Move
		_, err := s.opts.Registry.SubmitMove(ctx, m.SessionID, c.player.ID, session.MoveRequest{
			From:      m.From,
			To:        m.To,
			Promotion: m.Promotion,
		})
		if err != nil {
			obslog.Session(m.SessionID).Debug("arena_move_rejected",
				zap.String("player_id", c.player.ID),
				zap.String("from", m.From),
				zap.String("to", m.To),
				zap.Error(err),
			)
			s.sendError(c, m.SessionID, err)
		}

	case arenaproto.TypeSessionResign:
		id := req.Resign.SessionID
		if _, err := s.opts.Registry.Resign(ctx, id, c.player.ID); err != nil {
			s.sendError(c, id, err)
		}
	}
}

func parseCategory(raw string) (domain.Category, error) {
	cat, err := domain.ParseCategory(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", arenaproto.ErrBadRequest, err)
	}
	return cat, nil
}
