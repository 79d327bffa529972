package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	drainTimeout = time.Second
	readLimit    = 32 << 10

	reasonSlow        = "slow consumer"
	reasonWriteFailed = "write failed"
)

// client is one accepted socket. Outbound frames go through a bounded
// channel drained by writeLoop, so Send never blocks the caller.
type client struct {
	id     string
	player domain.PlayerRef
	skill  int

	ws  *websocket.Conn
	out chan arenaproto.Envelope

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newClient(id string, player domain.PlayerRef, skill int, ws *websocket.Conn) *client {
	return &client{
		id:     id,
		player: player,
		skill:  skill,
		ws:     ws,
		out:    make(chan arenaproto.Envelope, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *client) ID() string       { return c.id }
func (c *client) PlayerID() string { return c.player.ID }

// Send queues env. A full buffer means the peer is not reading; the
// connection is closed rather than letting game broadcasts wait on it.
func (c *client) Send(env arenaproto.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- env:
		return true
	default:
		obslog.L().Warn("arena_conn_slow",
			zap.String("conn_id", c.id),
			zap.String("player_id", c.player.ID),
		)
		c.close(reasonSlow)
		return false
	}
}

func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) {
	defer func() {
		status := websocket.StatusNormalClosure
		if c.reason == reasonSlow {
			status = websocket.StatusPolicyViolation
		}
		_ = c.ws.Close(status, c.reason)
	}()
	for {
		select {
		case <-c.done:
			c.drain()
			return
		case <-ctx.Done():
			c.close("shutdown")
			c.drain()
			return
		case env := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, env)
			cancel()
			if err != nil {
				c.close(reasonWriteFailed)
				return
			}
		}
	}
}

// drain writes whatever is still buffered, such as a final session.ended,
// before the socket closes. A peer that stopped reading gets nothing more.
func (c *client) drain() {
	if c.reason == reasonSlow || c.reason == reasonWriteFailed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case env := <-c.out:
			if err := wsjson.Write(ctx, c.ws, env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// pingLoop closes the connection after two missed pongs. onPong runs after
// every answered ping.
func (c *client) pingLoop(ctx context.Context, interval time.Duration, onPong func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					c.close("ping failure")
					return
				}
				continue
			}
			failures = 0
			if onPong != nil {
				onPong()
			}
		}
	}
}
