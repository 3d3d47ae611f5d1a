package gateway

import (
	"errors"
	"fmt"
)

// State is a step of the connection lifecycle.
type State int

const (
	Connecting State = iota
	Authenticated
	// Reconnecting is entered when the session already had a record. The
	// connection moves on to Joining once the prior socket is superseded.
	Reconnecting
	Joining
	Joined
	Rejected
	Failed
	Closed
)

var stateNames = [...]string{
	Connecting:    "connecting",
	Authenticated: "authenticated",
	Reconnecting:  "reconnecting",
	Joining:       "joining",
	Joined:        "joined",
	Rejected:      "rejected",
	Failed:        "failed",
	Closed:        "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Rejected || s == Failed || s == Closed
}

// ErrMissingRoom rejects a handshake without a room id.
var ErrMissingRoom = errors.New("gateway: missing room id")

// JoinError is returned when the room join is still failing after the last
// attempt.
type JoinError struct {
	RoomID    string
	SessionID string
	Attempts  int
	Err       error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join room %s for session %s failed after %d attempts: %v", e.RoomID, e.SessionID, e.Attempts, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
