// Package gateway serves the client event protocol over WebSocket and routes
// each event to the matchmaker or the session registry.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/matchmaking"
	"github.com/park285/chess-arena/internal/msgcat"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/registry"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

type Options struct {
	Matcher  *matchmaking.Matcher
	Registry *registry.Registry
	Hub      *Hub
	// Verifier is nil when authentication is disabled; the player is then
	// taken from the player and name query parameters.
	Verifier       *auth.Verifier
	Catalog        *msgcat.Catalog
	AllowedOrigins []string
	PingInterval   time.Duration
	// Health reports backend reachability for /healthz.
	Health func(ctx context.Context) error
}

type Server struct {
	opts Options

	base    context.Context
	stopAll context.CancelFunc
}

func New(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	base, stop := context.WithCancel(context.Background())
	return &Server{opts: opts, base: base, stopAll: stop}
}

// Shutdown closes every open socket. Hijacked connections are not tracked
// by http.Server, so this must run before its Shutdown.
func (s *Server) Shutdown() {
	s.stopAll()
}

func (s *Server) Hub() *Hub { return s.opts.Hub }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := map[string]any{"status": "ok", "sessions": s.opts.Registry.Len()}
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	if s.opts.Verifier == nil {
		id := strings.TrimSpace(r.URL.Query().Get("player"))
		if id == "" {
			return auth.Identity{}, auth.ErrUnauthorized
		}
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			name = id
		}
		return auth.Identity{Player: domain.PlayerRef{ID: id, Name: name}}, nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	return s.opts.Verifier.Verify(token)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ident, err := s.authenticate(r)
	if err != nil {
		obslog.L().Debug("arena_auth_rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.opts.AllowedOrigins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("arena_ws_accept_failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(s.base, cancel)()

	c := newClient(uuid.NewString(), ident.Player, ident.Skill, ws)
	s.opts.Hub.add(c)
	obslog.L().Info("arena_conn_open",
		zap.String("conn_id", c.id),
		zap.String("player_id", c.player.ID),
	)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()
	go c.pingLoop(ctx, s.opts.PingInterval, func() { s.touchQueue(ctx, c) })

	s.readLoop(ctx, c)

	c.close("closed")
	<-writerDone
	s.cleanup(c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for !c.closed() {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway && !c.closed() {
				obslog.L().Debug("arena_conn_read_end", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			s.sendError(c, "", arenaproto.ErrBadRequest)
			continue
		}
		req, err := arenaproto.Decode(data)
		if err != nil {
			s.sendError(c, "", err)
			continue
		}
		s.dispatch(ctx, c, req)
	}
}

// touchQueue keeps the player's queue entry alive while the socket answers
// pings.
func (s *Server) touchQueue(ctx context.Context, c *client) {
	if s.opts.Matcher == nil {
		return
	}
	if err := s.opts.Matcher.Touch(ctx, c.player.ID); err != nil {
		obslog.L().Debug("arena_queue_touch_failed", zap.String("player_id", c.player.ID), zap.Error(err))
	}
}

func (s *Server) cleanup(c *client) {
	remaining := s.opts.Hub.remove(c)
	if remaining == 0 && s.opts.Matcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.opts.Matcher.Leave(ctx, c.player.ID, ""); err != nil {
			obslog.L().Warn("arena_queue_leave_failed", zap.String("player_id", c.player.ID), zap.Error(err))
		}
		cancel()
	}
	s.opts.Registry.Disconnect(c)
	obslog.L().Info("arena_conn_close",
		zap.String("conn_id", c.id),
		zap.String("player_id", c.player.ID),
		zap.String("reason", c.reason),
	)
}

func (s *Server) sendError(c *client, sessionID string, err error) {
	code, retryable := arenaproto.CodeOf(err)
	fallback := err.Error()
	var de *arenaproto.DomainError
	if !errors.As(err, &de) {
		fallback = "internal error"
		obslog.L().Error("arena_unexpected_error",
			zap.String("conn_id", c.id),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	c.Send(arenaproto.ErrorEvent(sessionID, code, s.opts.Catalog.ErrorText(code, sessionID, fallback), retryable))
}
