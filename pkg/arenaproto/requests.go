package arenaproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var squarePattern = regexp.MustCompile(`^[a-h][1-8]$`)

type QueueJoin struct {
	Category string `json:"category"`
}

type QueueLeave struct {
	Category string `json:"category"`
}

type SessionJoin struct {
	SessionID string `json:"sessionId"`
}

type SessionMove struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

type SessionResign struct {
	SessionID string `json:"sessionId"`
}

// Request is a decoded, validated client event. Exactly one pointer field is
// set, matching Type.
type Request struct {
	Type   EventType
	Join   *QueueJoin
	Leave  *QueueLeave
	Enter  *SessionJoin
	Move   *SessionMove
	Resign *SessionResign
}

// ErrBadRequest wraps every decoding and validation failure.
var ErrBadRequest = NewError(CodeBadRequest, "malformed event", false)

// Decode parses a raw frame into a Request and validates it. Unknown fields
// and unknown event types are rejected.
func Decode(raw []byte) (*Request, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	req := &Request{Type: env.Type}
	var err error
	switch env.Type {
	case TypePing:
		return req, nil
	case TypeQueueJoin:
		req.Join = &QueueJoin{}
		err = decodeStrict(env.Data, req.Join)
		if err == nil {
			err = requireField("category", req.Join.Category)
		}
	case TypeQueueLeave:
		req.Leave = &QueueLeave{}
		err = decodeStrict(env.Data, req.Leave)
		if err == nil {
			err = requireField("category", req.Leave.Category)
		}
	case TypeSessionJoin:
		req.Enter = &SessionJoin{}
		err = decodeStrict(env.Data, req.Enter)
		if err == nil {
			err = requireField("sessionId", req.Enter.SessionID)
		}
	case TypeSessionMove:
		req.Move = &SessionMove{}
		err = decodeStrict(env.Data, req.Move)
		if err == nil {
			err = req.Move.normalize()
		}
	case TypeSessionResign:
		req.Resign = &SessionResign{}
		err = decodeStrict(env.Data, req.Resign)
		if err == nil {
			err = requireField("sessionId", req.Resign.SessionID)
		}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrBadRequest, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (m *SessionMove) normalize() error {
	if err := requireField("sessionId", m.SessionID); err != nil {
		return err
	}
	m.From = strings.ToLower(strings.TrimSpace(m.From))
	m.To = strings.ToLower(strings.TrimSpace(m.To))
	m.Promotion = strings.ToLower(strings.TrimSpace(m.Promotion))
	if !squarePattern.MatchString(m.From) {
		return fmt.Errorf("%w: bad from square %q", ErrBadRequest, m.From)
	}
	if !squarePattern.MatchString(m.To) {
		return fmt.Errorf("%w: bad to square %q", ErrBadRequest, m.To)
	}
	if m.From == m.To {
		return fmt.Errorf("%w: from equals to", ErrBadRequest)
	}
	switch m.Promotion {
	case "", "q", "r", "b", "n":
	default:
		return fmt.Errorf("%w: bad promotion %q", ErrBadRequest, m.Promotion)
	}
	return nil
}

func decodeStrict(data json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing data", ErrBadRequest)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func requireField(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrBadRequest, name)
	}
	return nil
}
