package arenaproto

import "time"

type QueueStatus struct {
	Category string `json:"category"`
}

type SessionStarted struct {
	SessionID     string `json:"sessionId"`
	FirstMoverID  string `json:"firstMoverId"`
	SecondMoverID string `json:"secondMoverId"`
	Category      string `json:"category"`
}

type Move struct {
	Ply       int       `json:"ply"`
	UCI       string    `json:"uci"`
	SAN       string    `json:"san"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Promotion string    `json:"promotion,omitempty"`
	By        string    `json:"by"`
	At        time.Time `json:"at"`
}

type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SessionState is the full resync payload sent on session.join.
type SessionState struct {
	SessionID    string  `json:"sessionId"`
	Category     string  `json:"category"`
	FirstMover   Player  `json:"firstMover"`
	SecondMover  *Player `json:"secondMover,omitempty"`
	Status       string  `json:"status"`
	Position     string  `json:"position"`
	SideToMove   string  `json:"sideToMove"`
	MoveLog      []Move  `json:"moveLog"`
	Result       string  `json:"result,omitempty"`
	ResultReason string  `json:"resultReason,omitempty"`
	YourSide     string  `json:"yourSide,omitempty"`
}

type MoveApplied struct {
	SessionID    string `json:"sessionId"`
	Move         Move   `json:"move"`
	Position     string `json:"position"`
	MoveCount    int    `json:"moveCount"`
	Terminal     bool   `json:"terminal,omitempty"`
	Result       string `json:"result,omitempty"`
	ResultReason string `json:"resultReason,omitempty"`
}

type SessionEnded struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	ResultReason string `json:"resultReason"`
}

type SessionError struct {
	SessionID string `json:"sessionId,omitempty"`
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
