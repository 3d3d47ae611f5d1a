package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"jamsync/internal/protocol"
)

var roomsBucket = []byte("rooms")

// BoltStore keeps rooms in a local bbolt file. It suits a single instance;
// use PostgresStore when several instances share rooms.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create adds an empty room.
func (s *BoltStore) Create(_ context.Context, roomID string) (protocol.Room, error) {
	room := protocol.Room{ID: roomID}.Normalize()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(roomsBucket)
		if b.Get([]byte(roomID)) != nil {
			return ErrRoomExists
		}
		return put(b, room)
	})
	if err != nil {
		return protocol.Room{}, err
	}
	return room, nil
}

// Join adds or refreshes sessionID as a member of roomID.
func (s *BoltStore) Join(_ context.Context, roomID, sessionID, displayName string) (protocol.Room, error) {
	return s.modify(roomID, func(room *protocol.Room) error {
		user := room.Users[sessionID]
		user.ID = sessionID
		user.DisplayName = displayNameOr(displayName)
		room.Users[sessionID] = user
		return nil
	})
}

// Leave removes sessionID from roomID.
func (s *BoltStore) Leave(_ context.Context, roomID, sessionID string) (protocol.Room, error) {
	return s.modify(roomID, func(room *protocol.Room) error {
		delete(room.Users, sessionID)
		return nil
	})
}

// UpdateUser replaces the profile of an existing member.
func (s *BoltStore) UpdateUser(_ context.Context, roomID string, user protocol.User) (protocol.Room, error) {
	return s.modify(roomID, func(room *protocol.Room) error {
		if _, ok := room.Users[user.ID]; !ok {
			return ErrNotMember
		}
		user.DisplayName = displayNameOr(user.DisplayName)
		room.Users[user.ID] = user
		return nil
	})
}

func (s *BoltStore) modify(roomID string, fn func(*protocol.Room) error) (protocol.Room, error) {
	var room protocol.Room
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(roomsBucket)
		raw := b.Get([]byte(roomID))
		if raw == nil {
			return ErrRoomNotFound
		}
		if err := json.Unmarshal(raw, &room); err != nil {
			return fmt.Errorf("decode room %s: %w", roomID, err)
		}
		room = room.Normalize()
		if err := fn(&room); err != nil {
			return err
		}
		return put(b, room)
	})
	if err != nil {
		return protocol.Room{}, err
	}
	return room, nil
}

func put(b *bolt.Bucket, room protocol.Room) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.ID, err)
	}
	return b.Put([]byte(room.ID), raw)
}
