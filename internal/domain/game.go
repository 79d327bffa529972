package domain

import (
	"fmt"
	"strings"
	"time"
)

// PlayerRef identifies a player. ID is opaque and comes from the identity
// provider; Name is a display label only.
type PlayerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Category string

const (
	CategoryBullet    Category = "bullet"
	CategoryBlitz     Category = "blitz"
	CategoryRapid     Category = "rapid"
	CategoryClassical Category = "classical"
)

// Categories lists every known time-control category in sweep order.
func Categories() []Category {
	return []Category{CategoryBullet, CategoryBlitz, CategoryRapid, CategoryClassical}
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range Categories() {
		if c == k {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

type Side string

const (
	SideFirst  Side = "first"
	SideSecond Side = "second"
)

func (s Side) Other() Side {
	if s == SideFirst {
		return SideSecond
	}
	return SideFirst
}

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

func (s Status) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusActive:
		return 1
	default:
		return 2
	}
}

// CanTransition enforces waiting -> active -> {completed, aborted} and
// waiting -> aborted.
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() {
		return false
	}
	return to.rank() > s.rank()
}

type Result string

const (
	ResultNone            Result = ""
	ResultFirstMoverWins  Result = "first_mover_wins"
	ResultSecondMoverWins Result = "second_mover_wins"
	ResultDraw            Result = "draw"
)

// WinFor returns the result in which side wins.
func WinFor(side Side) Result {
	if side == SideFirst {
		return ResultFirstMoverWins
	}
	return ResultSecondMoverWins
}

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonCheckmate   Reason = "checkmate"
	ReasonResignation Reason = "resignation"
	ReasonTimeout     Reason = "timeout"
	ReasonStalemate   Reason = "stalemate"
	ReasonDrawByRule  Reason = "draw_by_rule"
	ReasonAbandonment Reason = "abandonment"
)

// MoveRecord is one accepted half-move in the session log.
type MoveRecord struct {
	Ply       int       `json:"ply"`
	UCI       string    `json:"uci"`
	SAN       string    `json:"san"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Promotion string    `json:"promotion,omitempty"`
	By        Side      `json:"by"`
	At        time.Time `json:"at"`
}

// Same reports whether two records describe the same move at the same ply.
func (m MoveRecord) Same(o MoveRecord) bool {
	return m.Ply == o.Ply && m.UCI == o.UCI && m.By == o.By
}

// FinalRecord is written once per session when it reaches a terminal status.
type FinalRecord struct {
	SessionID string
	First     PlayerRef
	Second    PlayerRef
	Category  Category
	Status    Status
	Result    Result
	Reason    Reason
	MovesUCI  []string
	MovesSAN  []string
	PGN       string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

// Snapshot is the persisted form of a game session. The move log is stored
// separately and is the source of truth for Position.
type Snapshot struct {
	ID              string     `json:"id"`
	First           PlayerRef  `json:"first"`
	Second          *PlayerRef `json:"second,omitempty"`
	Category        Category   `json:"category"`
	InitialPosition string     `json:"initialPosition"`
	Position        string     `json:"position"`
	Status          Status     `json:"status"`
	Result          Result     `json:"result,omitempty"`
	Reason          Reason     `json:"reason,omitempty"`
	MoveCount       int        `json:"moveCount"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
	EndedAt         time.Time  `json:"endedAt,omitempty"`
}

// SideOf returns the side playerID plays in this session.
func (s *Snapshot) SideOf(playerID string) (Side, bool) {
	if s.First.ID == playerID {
		return SideFirst, true
	}
	if s.Second != nil && s.Second.ID == playerID {
		return SideSecond, true
	}
	return "", false
}

// SideToMoveAt derives the turn from move-log parity.
func SideToMoveAt(moveCount int) Side {
	if moveCount%2 == 0 {
		return SideFirst
	}
	return SideSecond
}

// NewFinalRecord builds the permanent record of a session from its terminal
// snapshot and move log.
func NewFinalRecord(snap Snapshot, moves []MoveRecord) FinalRecord {
	rec := FinalRecord{
		SessionID: snap.ID,
		First:     snap.First,
		Category:  snap.Category,
		Status:    snap.Status,
		Result:    snap.Result,
		Reason:    snap.Reason,
		MovesUCI:  make([]string, len(moves)),
		MovesSAN:  make([]string, len(moves)),
		StartedAt: snap.CreatedAt,
		EndedAt:   snap.EndedAt,
	}
	if snap.Second != nil {
		rec.Second = *snap.Second
	}
	for i, m := range moves {
		rec.MovesUCI[i] = m.UCI
		rec.MovesSAN[i] = m.SAN
	}
	if !rec.EndedAt.IsZero() && rec.EndedAt.After(rec.StartedAt) {
		rec.Duration = rec.EndedAt.Sub(rec.StartedAt)
	}
	return rec
}
