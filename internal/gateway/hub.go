package gateway

import (
	"sync"

	"github.com/park285/chess-arena/internal/matchmaking"
	"github.com/park285/chess-arena/internal/registry"
)

// Hub indexes open connections by player so that match results, which are
// produced outside any session, can reach the players.
type Hub struct {
	mu       sync.RWMutex
	byPlayer map[string]map[string]*client
}

func NewHub() *Hub {
	return &Hub{byPlayer: make(map[string]map[string]*client)}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byPlayer[c.player.ID]
	if !ok {
		set = make(map[string]*client)
		h.byPlayer[c.player.ID] = set
	}
	set[c.id] = c
}

// remove returns how many connections the player still has.
func (h *Hub) remove(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byPlayer[c.player.ID]
	delete(set, c.id)
	if len(set) == 0 {
		delete(h.byPlayer, c.player.ID)
		return 0
	}
	return len(set)
}

func (h *Hub) conns(playerID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.byPlayer[playerID]
	out := make([]*client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Matched satisfies matchmaking.Notifier.
func (h *Hub) Matched(m matchmaking.Match) {
	env := registry.StartedEnvelope(m.SessionID, m.First, m.Second, m.Category)
	for _, id := range []string{m.First.ID, m.Second.ID} {
		for _, c := range h.conns(id) {
			c.Send(env)
		}
	}
}
