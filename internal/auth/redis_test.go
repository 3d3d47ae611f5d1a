package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newProvider(t *testing.T, opts ...RedisOption) (*RedisProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisProvider(rdb, opts...), mr
}

func requestFor(sessionID, remote string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws?roomId=r1&sessionId="+sessionID, nil)
	r.RemoteAddr = remote
	return r
}

func TestIssueThenAuthenticate(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	p, mr := newProvider(t, WithClock(clock))

	sess, err := p.Issue(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, DefaultSessionTTL, mr.TTL("auth:"+sess.ID))

	clock.Advance(time.Minute)
	got, err := p.Authenticate(ctx, requestFor(sess.ID, "10.0.0.1:5555"))
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "10.0.0.1", got.IPAddress)
	assert.True(t, start.Equal(got.CreatedAt))
	assert.True(t, start.Add(time.Minute).Equal(got.LastActivity))
	assert.Equal(t, "1714554060000", mr.HGet("auth:"+sess.ID, "lastActivity"))
}

func TestAuthenticateFromCookie(t *testing.T) {
	ctx := context.Background()
	p, _ := newProvider(t)
	sess, err := p.Issue(ctx, "192.0.2.7")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.7:1234"
	r.AddCookie(&http.Cookie{Name: CookieName, Value: sess.ID})

	got, err := p.Authenticate(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestAuthenticateRejectsUnknownOrMissing(t *testing.T) {
	p, _ := newProvider(t)

	_, err := p.Authenticate(context.Background(), requestFor("", "10.0.0.1:1"))
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = p.Authenticate(context.Background(), requestFor("nope", "10.0.0.1:1"))
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAddressMismatchIsOnlyLogged(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	p, _ := newProvider(t, WithLogger(zap.New(core)), WithProduction(true))
	sess, err := p.Issue(ctx, "10.0.0.1")
	require.NoError(t, err)

	got, err := p.Authenticate(ctx, requestFor(sess.ID, "10.9.9.9:80"))
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, 1, logs.FilterMessage("session used from a different address").Len())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:443"
	assert.Equal(t, "198.51.100.4", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}
