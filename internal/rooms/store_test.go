package rooms

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jamsync/internal/protocol"
)

// exercise runs the same behavior checks against every backend.
func exercise(t *testing.T, s Store) {
	ctx := context.Background()
	roomID := "room-" + uuid.NewString()

	t.Run("join before create", func(t *testing.T) {
		_, err := s.Join(ctx, roomID, "s1", "Ada")
		require.ErrorIs(t, err, ErrRoomNotFound)
	})

	t.Run("create", func(t *testing.T) {
		room, err := s.Create(ctx, roomID)
		require.NoError(t, err)
		assert.Equal(t, roomID, room.ID)
		assert.NotNil(t, room.Users)

		_, err = s.Create(ctx, roomID)
		require.ErrorIs(t, err, ErrRoomExists)
	})

	t.Run("join", func(t *testing.T) {
		room, err := s.Join(ctx, roomID, "s1", "Ada")
		require.NoError(t, err)
		assert.Equal(t, protocol.User{ID: "s1", DisplayName: "Ada"}, room.Users["s1"])

		room, err = s.Join(ctx, roomID, "s2", "")
		require.NoError(t, err)
		assert.Len(t, room.Users, 2)
		assert.Equal(t, DefaultDisplayName, room.Users["s2"].DisplayName)
	})

	t.Run("update user", func(t *testing.T) {
		room, err := s.UpdateUser(ctx, roomID, protocol.User{ID: "s1", DisplayName: "Ada L", Color: "#f00", Instrument: "piano"})
		require.NoError(t, err)
		assert.Equal(t, "piano", room.Users["s1"].Instrument)
		assert.Equal(t, "Ada L", room.Users["s1"].DisplayName)

		_, err = s.UpdateUser(ctx, roomID, protocol.User{ID: "stranger"})
		require.ErrorIs(t, err, ErrNotMember)
	})

	t.Run("leave", func(t *testing.T) {
		room, err := s.Leave(ctx, roomID, "s1")
		require.NoError(t, err)
		assert.NotContains(t, room.Users, "s1")
		assert.Contains(t, room.Users, "s2")

		_, err = s.Leave(ctx, "missing-"+roomID, "s2")
		require.ErrorIs(t, err, ErrRoomNotFound)
	})
}

func TestBoltStore(t *testing.T) {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exercise(t, s)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.db")
	ctx := context.Background()

	s, err := OpenBolt(path)
	require.NoError(t, err)
	_, err = s.Create(ctx, "r1")
	require.NoError(t, err)
	_, err = s.Join(ctx, "r1", "s1", "Ada")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	room, err := s.Join(ctx, "r1", "s2", "Grace")
	require.NoError(t, err)
	assert.Len(t, room.Users, 2)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("JAMSYNC_TEST_POSTGRES")
	if url == "" {
		t.Skip("JAMSYNC_TEST_POSTGRES not set")
	}
	s, err := OpenPostgres(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exercise(t, s)
}
