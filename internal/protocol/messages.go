package protocol

import "encoding/json"

// User is a room member as seen by other members.
type User struct {
	ID          string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
	Instrument  string `json:"instrument,omitempty"`
}

// Room is a snapshot of a room and its members.
type Room struct {
	ID    string          `json:"roomId"`
	Users map[string]User `json:"users"`
}

// Normalize returns r with a non-nil Users map.
func (r Room) Normalize() Room {
	if r.Users == nil {
		r.Users = make(map[string]User)
	}
	return r
}

// AutomergeProtocol carries one binary sync message between two replicas.
type AutomergeProtocol struct {
	TargetUserIDs []string `json:"targetUserIds"`
	Data          []byte   `json:"data"`
}

func (AutomergeProtocol) EventType() EventType { return TypeAutomergeProtocol }
func (m AutomergeProtocol) Targets() []string  { return m.TargetUserIDs }

// Signal relays an opaque WebRTC signaling payload to one user. On the way
// out the server replaces UserID with the sender.
type Signal struct {
	UserID     string          `json:"userId"`
	SignalData json.RawMessage `json:"signalData"`
}

func (Signal) EventType() EventType { return TypeSignal }

// KeyDown is a note-on event.
type KeyDown struct {
	Note          int      `json:"note"`
	Velocity      int      `json:"velocity"`
	TargetUserIDs []string `json:"targetUserIds,omitempty"`
}

func (KeyDown) EventType() EventType { return TypeKeyDown }
func (m KeyDown) Targets() []string  { return m.TargetUserIDs }

// KeyUp is a note-off event.
type KeyUp struct {
	Note          int      `json:"note"`
	TargetUserIDs []string `json:"targetUserIds,omitempty"`
}

func (KeyUp) EventType() EventType { return TypeKeyUp }
func (m KeyUp) Targets() []string  { return m.TargetUserIDs }

// UserUpdate changes the profile of a room member.
type UserUpdate struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
	Instrument  string `json:"instrument,omitempty"`
	Room        *Room  `json:"room,omitempty"`
}

func (UserUpdate) EventType() EventType { return TypeUserUpdate }

// User returns the profile carried by the update.
func (m UserUpdate) User() User {
	return User{ID: m.UserID, DisplayName: m.DisplayName, Color: m.Color, Instrument: m.Instrument}
}

// UserConnect announces a new member to the rest of the room.
type UserConnect struct {
	UserID string `json:"userId"`
	Room   Room   `json:"room"`
}

func (UserConnect) EventType() EventType { return TypeUserConnect }

// UserDisconnect announces that a member left.
type UserDisconnect struct {
	UserID string `json:"userId"`
	Room   Room   `json:"room"`
}

func (UserDisconnect) EventType() EventType { return TypeUserDisconnect }

// RoomJoin confirms the join to the joining socket only. UserID is the
// session id the server knows the socket by.
type RoomJoin struct {
	UserID string `json:"userId"`
	Room   Room   `json:"room"`
}

func (RoomJoin) EventType() EventType { return TypeRoomJoin }

// NewerConnection is sent to a socket right before it is superseded.
type NewerConnection struct{}

func (NewerConnection) EventType() EventType { return TypeNewerConnection }
