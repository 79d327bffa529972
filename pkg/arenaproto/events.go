package arenaproto

import "encoding/json"

type EventType string

// client -> server
const (
	TypeQueueJoin     EventType = "queue.join"
	TypeQueueLeave    EventType = "queue.leave"
	TypeSessionJoin   EventType = "session.join"
	TypeSessionMove   EventType = "session.move"
	TypeSessionResign EventType = "session.resign"
	TypePing          EventType = "ping"
)

// server -> client
const (
	TypeQueueJoined        EventType = "queue.joined"
	TypeQueueLeft          EventType = "queue.left"
	TypeSessionStarted     EventType = "session.started"
	TypeSessionState       EventType = "session.state"
	TypeSessionMoveApplied EventType = "session.moveApplied"
	TypeSessionEnded       EventType = "session.ended"
	TypeSessionError       EventType = "session.error"
	TypePong               EventType = "pong"
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event builds an outbound envelope. Payloads are plain structs, so the
// marshal error can only come from a programming mistake.
func Event(t EventType, payload any) Envelope {
	if payload == nil {
		return Envelope{Type: t}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ErrorEvent("", CodeInternal, "encode failed", false)
	}
	return Envelope{Type: t, Data: raw}
}

func ErrorEvent(sessionID string, code Code, message string, retryable bool) Envelope {
	raw, _ := json.Marshal(SessionError{SessionID: sessionID, Code: code, Message: message, Retryable: retryable})
	return Envelope{Type: TypeSessionError, Data: raw}
}
