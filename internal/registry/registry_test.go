package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, opts...), mr
}

func TestRegisterLookupRemove(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reg, _ := newTestRegistry(t, WithClock(clockwork.NewFakeClockAt(now)))

	require.NoError(t, reg.Register(ctx, "s", "A", "sock1"))
	rec, ok, err := reg.Lookup(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", rec.ServerInstanceID)
	assert.Equal(t, "sock1", rec.SocketID)
	assert.True(t, now.Equal(rec.RegisteredAt), "registeredAt %v", rec.RegisteredAt)

	require.NoError(t, reg.Remove(ctx, "s"))
	_, ok, err = reg.Lookup(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterSupersedesPreviousRecord(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Register(ctx, "s", "A", "sock1"))
	require.NoError(t, reg.Register(ctx, "s", "A", "sock2"))

	rec, ok, err := reg.Lookup(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sock2", rec.SocketID)
}

func TestRegisterRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	reg, mr := newTestRegistry(t)

	require.NoError(t, reg.Register(ctx, "s", "A", "sock1"))
	assert.Equal(t, DefaultTTL, mr.TTL("session:s"))

	mr.FastForward(time.Hour)
	assert.Equal(t, DefaultTTL-time.Hour, mr.TTL("session:s"))

	require.NoError(t, reg.Register(ctx, "s", "A", "sock1"))
	assert.Equal(t, DefaultTTL, mr.TTL("session:s"))

	mr.FastForward(DefaultTTL + time.Second)
	_, ok, err := reg.Lookup(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok, "record expires once the TTL passes")
}

func TestCustomTTL(t *testing.T) {
	reg, mr := newTestRegistry(t, WithTTL(time.Minute))
	require.NoError(t, reg.Register(context.Background(), "s", "A", "sock1"))
	assert.Equal(t, time.Minute, mr.TTL("session:s"))
}

func TestPartialRecordIsAbsent(t *testing.T) {
	ctx := context.Background()
	reg, mr := newTestRegistry(t)

	mr.HSet("session:only-instance", "serverInstanceId", "A")
	mr.HSet("session:only-socket", "socketId", "sock1")

	for _, id := range []string{"only-instance", "only-socket", "never-registered"} {
		_, ok, err := reg.Lookup(ctx, id)
		require.NoError(t, err, id)
		assert.False(t, ok, id)
	}
}

func TestRemoveIfSocket(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.Register(ctx, "s", "A", "sock2"))

	removed, err := reg.RemoveIfSocket(ctx, "s", "sock1")
	require.NoError(t, err)
	assert.False(t, removed, "stale socket must not remove the newer record")
	rec, ok, err := reg.Lookup(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sock2", rec.SocketID)

	removed, err = reg.RemoveIfSocket(ctx, "s", "sock2")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok, err = reg.Lookup(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err = reg.RemoveIfSocket(ctx, "missing", "sock2")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestIsLocal(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.Register(ctx, "s", "A", "sock1"))

	local, err := reg.IsLocal(ctx, "s", "A")
	require.NoError(t, err)
	assert.True(t, local)

	local, err = reg.IsLocal(ctx, "s", "B")
	require.NoError(t, err)
	assert.False(t, local)

	local, err = reg.IsLocal(ctx, "unknown", "A")
	require.NoError(t, err)
	assert.False(t, local)
}

func TestMissingSessionID(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	require.ErrorIs(t, reg.Register(ctx, "", "A", "sock"), ErrMissingSession)
	_, _, err := reg.Lookup(ctx, "")
	require.ErrorIs(t, err, ErrMissingSession)
	require.ErrorIs(t, reg.Remove(ctx, ""), ErrMissingSession)
	_, err = reg.RemoveIfSocket(ctx, "", "sock")
	require.ErrorIs(t, err, ErrMissingSession)
}
