// Package rooms persists rooms and their members.
//
// The realtime core only calls Join, Leave and UpdateUser and forwards the
// returned snapshot to clients as is.
package rooms

import (
	"context"
	"errors"

	"jamsync/internal/protocol"
)

var (
	// ErrRoomNotFound is returned when joining a room that does not exist
	// (yet). Callers treat it as transient.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrRoomExists is returned by Create for an existing room.
	ErrRoomExists = errors.New("rooms: room already exists")
	// ErrNotMember is returned by UpdateUser for a user not in the room.
	ErrNotMember = errors.New("rooms: user is not a member")
)

// DefaultDisplayName is used for members that join without a name.
const DefaultDisplayName = "Anonymous"

// Store is implemented by the room persistence backends.
type Store interface {
	Create(ctx context.Context, roomID string) (protocol.Room, error)
	Join(ctx context.Context, roomID, sessionID, displayName string) (protocol.Room, error)
	Leave(ctx context.Context, roomID, sessionID string) (protocol.Room, error)
	UpdateUser(ctx context.Context, roomID string, user protocol.User) (protocol.Room, error)
	Close() error
}

func displayNameOr(name string) string {
	if name == "" {
		return DefaultDisplayName
	}
	return name
}
