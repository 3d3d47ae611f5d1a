// Package protocol defines the messages exchanged over the realtime transport.
//
// Every frame on the wire is an Envelope: the event type, the session id of
// the sender (filled in by the server, never trusted from clients) and a body
// whose Go type is selected by the event type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType names a kind of message.
type EventType string

const (
	TypeAutomergeProtocol EventType = "AUTOMERGE_PROTOCOL"
	TypeSignal            EventType = "SIGNAL"
	TypeKeyDown           EventType = "KEY_DOWN"
	TypeKeyUp             EventType = "KEY_UP"
	TypeUserUpdate        EventType = "USER_UPDATE"
	TypeUserConnect       EventType = "USER_CONNECT"
	TypeUserDisconnect    EventType = "USER_DISCONNECT"
	TypeRoomJoin          EventType = "ROOM_JOIN"
	TypeNewerConnection   EventType = "NEWER_CONNECTION"
)

// MaxTargets bounds the number of recipients of one targeted message.
const MaxTargets = 50

var (
	// ErrUnknownEvent is returned when decoding a frame of an unknown type.
	ErrUnknownEvent = errors.New("protocol: unknown event type")
	// ErrMissingBody is returned when encoding an envelope without a body.
	ErrMissingBody = errors.New("protocol: envelope has no body")
)

// Body is the payload of an Envelope.
type Body interface {
	EventType() EventType
}

// Targeted is implemented by bodies addressed to a subset of the room.
type Targeted interface {
	Body
	Targets() []string
}

// Envelope is one frame on the wire.
type Envelope struct {
	SenderID string
	Body     Body
}

// Type returns the event type of the body, or "" if there is none.
func (e Envelope) Type() EventType {
	if e.Body == nil {
		return ""
	}
	return e.Body.EventType()
}

type wireEnvelope struct {
	Type     EventType       `json:"type"`
	SenderID string          `json:"senderId,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Body == nil {
		return nil, ErrMissingBody
	}
	body, err := json.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", e.Body.EventType(), err)
	}
	return json.Marshal(wireEnvelope{Type: e.Body.EventType(), SenderID: e.SenderID, Body: body})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := newBody(w.Type)
	if err != nil {
		return err
	}
	if len(w.Body) > 0 {
		if err := json.Unmarshal(w.Body, body); err != nil {
			return fmt.Errorf("decode %s body: %w", w.Type, err)
		}
	}
	e.SenderID = w.SenderID
	e.Body = deref(body)
	return nil
}

// Encode returns the wire form of env.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses one frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func newBody(t EventType) (any, error) {
	switch t {
	case TypeAutomergeProtocol:
		return &AutomergeProtocol{}, nil
	case TypeSignal:
		return &Signal{}, nil
	case TypeKeyDown:
		return &KeyDown{}, nil
	case TypeKeyUp:
		return &KeyUp{}, nil
	case TypeUserUpdate:
		return &UserUpdate{}, nil
	case TypeUserConnect:
		return &UserConnect{}, nil
	case TypeUserDisconnect:
		return &UserDisconnect{}, nil
	case TypeRoomJoin:
		return &RoomJoin{}, nil
	case TypeNewerConnection:
		return &NewerConnection{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, t)
}

// deref turns the decode target back into the value type stored in
// Envelope.Body so that type switches match on values only.
func deref(v any) Body {
	switch b := v.(type) {
	case *AutomergeProtocol:
		return *b
	case *Signal:
		return *b
	case *KeyDown:
		return *b
	case *KeyUp:
		return *b
	case *UserUpdate:
		return *b
	case *UserConnect:
		return *b
	case *UserDisconnect:
		return *b
	case *RoomJoin:
		return *b
	case *NewerConnection:
		return *b
	}
	panic(fmt.Sprintf("protocol: unhandled body %T", v))
}
