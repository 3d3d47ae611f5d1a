// Package registry maps logical sessions to the server instance and socket
// currently serving them.
//
// The directory lives in Redis so that every instance of a horizontally
// scaled deployment sees the same mapping. Each session is one hash,
//
//	session:<sessionId> -> {serverInstanceId, socketId, registeredAt}
//
// written with single-key atomic operations. The TTL is refreshed on every
// registration and only bounds the lifetime of records whose cleanup was
// missed; sockets remove their own record when they close.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds the lifetime of a record that was never removed.
const DefaultTTL = 24 * time.Hour

const (
	keyPrefix         = "session:"
	fieldInstance     = "serverInstanceId"
	fieldSocket       = "socketId"
	fieldRegisteredAt = "registeredAt"
)

// ErrMissingSession is returned for calls without a session id.
var ErrMissingSession = errors.New("registry: missing session id")

// removeIfSocket deletes the record only when it still points at the given
// socket. Returns 1 when the record was deleted.
var removeIfSocket = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Record is the location of the live socket of one session.
type Record struct {
	ServerInstanceID string
	SocketID         string
	RegisteredAt     time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithClock sets the clock used for RegisteredAt.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry is the Redis backed session directory.
type Registry struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

// New returns a registry on top of rdb.
func New(rdb redis.Cmdable, opts ...Option) *Registry {
	r := &Registry{
		rdb:    rdb,
		ttl:    DefaultTTL,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}

// Register stores the location of sessionID's socket, replacing any previous
// record, and refreshes the TTL.
func (r *Registry) Register(ctx context.Context, sessionID, instanceID, socketID string) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	k := key(sessionID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k,
			fieldInstance, instanceID,
			fieldSocket, socketID,
			fieldRegisteredAt, strconv.FormatInt(r.clock.Now().UnixMilli(), 10),
		)
		pipe.Expire(ctx, k, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register session %s: %w", sessionID, err)
	}
	r.logger.Debug("registered session",
		zap.String("session", sessionID),
		zap.String("instance", instanceID),
		zap.String("socket", socketID),
	)
	return nil
}

// Lookup returns the record for sessionID. Records missing the instance or
// the socket are reported as absent.
func (r *Registry) Lookup(ctx context.Context, sessionID string) (Record, bool, error) {
	if sessionID == "" {
		return Record{}, false, ErrMissingSession
	}
	fields, err := r.rdb.HGetAll(ctx, key(sessionID)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup session %s: %w", sessionID, err)
	}
	rec := Record{
		ServerInstanceID: fields[fieldInstance],
		SocketID:         fields[fieldSocket],
	}
	if rec.ServerInstanceID == "" || rec.SocketID == "" {
		if len(fields) > 0 {
			r.logger.Debug("ignoring partial session record", zap.String("session", sessionID))
		}
		return Record{}, false, nil
	}
	if ms, err := strconv.ParseInt(fields[fieldRegisteredAt], 10, 64); err == nil {
		rec.RegisteredAt = time.UnixMilli(ms)
	}
	return rec, true, nil
}

// Remove deletes the record for sessionID.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	if err := r.rdb.Del(ctx, key(sessionID)).Err(); err != nil {
		return fmt.Errorf("remove session %s: %w", sessionID, err)
	}
	return nil
}

// RemoveIfSocket deletes the record for sessionID only if it still points at
// socketID, and reports whether it did. A record that moved to another
// socket is left alone.
func (r *Registry) RemoveIfSocket(ctx context.Context, sessionID, socketID string) (bool, error) {
	if sessionID == "" {
		return false, ErrMissingSession
	}
	n, err := removeIfSocket.Run(ctx, r.rdb, []string{key(sessionID)}, fieldSocket, socketID).Int()
	if err != nil {
		return false, fmt.Errorf("remove session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// IsLocal reports whether sessionID is currently served by selfInstanceID.
func (r *Registry) IsLocal(ctx context.Context, sessionID, selfInstanceID string) (bool, error) {
	rec, ok, err := r.Lookup(ctx, sessionID)
	if err != nil || !ok {
		return false, err
	}
	return rec.ServerInstanceID == selfInstanceID, nil
}
