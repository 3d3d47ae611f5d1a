package rooms

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"jamsync/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         text PRIMARY KEY,
	created_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS room_users (
	room_id      text NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id      text NOT NULL,
	display_name text NOT NULL,
	color        text NOT NULL DEFAULT '',
	instrument   text NOT NULL DEFAULT '',
	PRIMARY KEY (room_id, user_id)
);`

const uniqueViolation = "23505"

// PostgresStore keeps rooms in Postgres so that every instance sees the
// same membership.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Create adds an empty room.
func (s *PostgresStore) Create(ctx context.Context, roomID string) (protocol.Room, error) {
	_, err := s.pool.Exec(ctx, `INSERT INTO rooms (id) VALUES ($1)`, roomID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return protocol.Room{}, ErrRoomExists
	}
	if err != nil {
		return protocol.Room{}, fmt.Errorf("create room %s: %w", roomID, err)
	}
	return protocol.Room{ID: roomID}.Normalize(), nil
}

// Join adds or refreshes sessionID as a member of roomID.
func (s *PostgresStore) Join(ctx context.Context, roomID, sessionID, displayName string) (protocol.Room, error) {
	return s.inRoom(ctx, roomID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO room_users (room_id, user_id, display_name) VALUES ($1, $2, $3)
			ON CONFLICT (room_id, user_id) DO UPDATE SET display_name = EXCLUDED.display_name`,
			roomID, sessionID, displayNameOr(displayName))
		return err
	})
}

// Leave removes sessionID from roomID.
func (s *PostgresStore) Leave(ctx context.Context, roomID, sessionID string) (protocol.Room, error) {
	return s.inRoom(ctx, roomID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM room_users WHERE room_id = $1 AND user_id = $2`, roomID, sessionID)
		return err
	})
}

// UpdateUser replaces the profile of an existing member.
func (s *PostgresStore) UpdateUser(ctx context.Context, roomID string, user protocol.User) (protocol.Room, error) {
	return s.inRoom(ctx, roomID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE room_users SET display_name = $3, color = $4, instrument = $5
			WHERE room_id = $1 AND user_id = $2`,
			roomID, user.ID, displayNameOr(user.DisplayName), user.Color, user.Instrument)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotMember
		}
		return nil
	})
}

// inRoom runs fn in a transaction holding a lock on the room row and
// returns the snapshot read in the same transaction.
func (s *PostgresStore) inRoom(ctx context.Context, roomID string, fn func(pgx.Tx) error) (protocol.Room, error) {
	var room protocol.Room
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM rooms WHERE id = $1 FOR UPDATE`, roomID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		room, err = loadRoom(ctx, tx, roomID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrNotMember) {
			return protocol.Room{}, err
		}
		return protocol.Room{}, fmt.Errorf("room %s: %w", roomID, err)
	}
	return room, nil
}

type userRow struct {
	UserID      string `db:"user_id"`
	DisplayName string `db:"display_name"`
	Color       string `db:"color"`
	Instrument  string `db:"instrument"`
}

func loadRoom(ctx context.Context, tx pgx.Tx, roomID string) (protocol.Room, error) {
	rows, err := tx.Query(ctx, `
		SELECT user_id, display_name, color, instrument FROM room_users
		WHERE room_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return protocol.Room{}, err
	}
	users, err := pgx.CollectRows(rows, pgx.RowToStructByName[userRow])
	if err != nil {
		return protocol.Room{}, err
	}
	room := protocol.Room{ID: roomID}.Normalize()
	for _, u := range users {
		room.Users[u.UserID] = protocol.User{
			ID:          u.UserID,
			DisplayName: u.DisplayName,
			Color:       u.Color,
			Instrument:  u.Instrument,
		}
	}
	return room, nil
}
