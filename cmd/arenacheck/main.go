package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

// arenacheck plays one short game between two throwaway players against a
// running server: queue, pair, one move, resignation.
func main() {
	baseURL := strings.TrimRight(os.Getenv("ARENA_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	secret := os.Getenv("JWT_SECRET")
	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = "chess-platform"
	}
	category := os.Getenv("ARENA_CATEGORY")
	if category == "" {
		category = string(domain.CategoryBlitz)
	}

	status, body, err := fasthttp.GetTimeout(nil, baseURL+"/healthz", 5*time.Second)
	if err != nil {
		log.Fatalf("/healthz error: %v", err)
	}
	log.Printf("/healthz status=%d body=%s", status, strings.TrimSpace(string(body)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	a := dial(ctx, baseURL, secret, issuer, domain.PlayerRef{ID: "check-a-" + suffix, Name: "check A"})
	defer a.Close(websocket.StatusNormalClosure, "done")
	b := dial(ctx, baseURL, secret, issuer, domain.PlayerRef{ID: "check-b-" + suffix, Name: "check B"})
	defer b.Close(websocket.StatusNormalClosure, "done")

	for _, ws := range []*websocket.Conn{a, b} {
		write(ctx, ws, arenaproto.TypeQueueJoin, arenaproto.QueueJoin{Category: category})
		await(ctx, ws, arenaproto.TypeQueueJoined, nil)
	}
	var started arenaproto.SessionStarted
	await(ctx, a, arenaproto.TypeSessionStarted, &started)
	await(ctx, b, arenaproto.TypeSessionStarted, nil)
	log.Printf("paired session=%s first=%s second=%s", started.SessionID, started.FirstMoverID, started.SecondMoverID)

	for _, ws := range []*websocket.Conn{a, b} {
		write(ctx, ws, arenaproto.TypeSessionJoin, arenaproto.SessionJoin{SessionID: started.SessionID})
		await(ctx, ws, arenaproto.TypeSessionState, nil)
	}

	first, second := a, b
	if started.FirstMoverID != "check-a-"+suffix {
		first, second = b, a
	}
	write(ctx, first, arenaproto.TypeSessionMove, arenaproto.SessionMove{SessionID: started.SessionID, From: "e2", To: "e4"})
	var applied arenaproto.MoveApplied
	await(ctx, second, arenaproto.TypeSessionMoveApplied, &applied)
	log.Printf("move applied san=%s position=%s", applied.Move.SAN, applied.Position)

	write(ctx, second, arenaproto.TypeSessionResign, arenaproto.SessionResign{SessionID: started.SessionID})
	var ended arenaproto.SessionEnded
	await(ctx, first, arenaproto.TypeSessionEnded, &ended)
	log.Printf("ended result=%s reason=%s", ended.Result, ended.ResultReason)
}

func dial(ctx context.Context, baseURL, secret, issuer string, player domain.PlayerRef) *websocket.Conn {
	q := url.Values{}
	if secret != "" {
		token, err := auth.Sign(secret, issuer, player, 0, 10*time.Minute, time.Now())
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
		q.Set("token", token)
	} else {
		q.Set("player", player.ID)
		q.Set("name", player.Name)
	}
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws?" + q.Encode()
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(dctx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		log.Fatalf("WS connect error (%s): %v", player.ID, err)
	}
	return ws
}

func write(ctx context.Context, ws *websocket.Conn, typ arenaproto.EventType, payload any) {
	if err := wsjson.Write(ctx, ws, arenaproto.Event(typ, payload)); err != nil {
		log.Fatalf("write %s: %v", typ, err)
	}
}

func await(ctx context.Context, ws *websocket.Conn, typ arenaproto.EventType, out any) {
	for {
		var env arenaproto.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			log.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type == arenaproto.TypeSessionError {
			log.Fatalf("server error while waiting for %s: %s", typ, string(env.Data))
		}
		if env.Type != typ {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				log.Fatalf("decode %s: %v", typ, err)
			}
		}
		return
	}
}
