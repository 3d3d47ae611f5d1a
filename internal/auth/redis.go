package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultSessionTTL is how long an idle session stays valid.
const DefaultSessionTTL = 24 * time.Hour

const (
	sessionPrefix     = "auth:"
	fieldIP           = "ipAddress"
	fieldCreatedAt    = "createdAt"
	fieldLastActivity = "lastActivity"
)

// RedisOption configures a RedisProvider.
type RedisOption func(*RedisProvider)

// WithSessionTTL overrides DefaultSessionTTL.
func WithSessionTTL(ttl time.Duration) RedisOption {
	return func(p *RedisProvider) { p.ttl = ttl }
}

// WithClock sets the clock used for activity timestamps.
func WithClock(clock clockwork.Clock) RedisOption {
	return func(p *RedisProvider) { p.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) RedisOption {
	return func(p *RedisProvider) { p.logger = logger }
}

// WithProduction marks the provider as running in production.
func WithProduction(production bool) RedisOption {
	return func(p *RedisProvider) { p.production = production }
}

// RedisProvider reads sessions stored as auth:<sessionId> hashes.
type RedisProvider struct {
	rdb        redis.Cmdable
	ttl        time.Duration
	clock      clockwork.Clock
	production bool
	logger     *zap.Logger
}

// NewRedisProvider returns a provider backed by rdb.
func NewRedisProvider(rdb redis.Cmdable, opts ...RedisOption) *RedisProvider {
	p := &RedisProvider{
		rdb:    rdb,
		ttl:    DefaultSessionTTL,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authenticate resolves the session referenced by r and refreshes its
// activity timestamp.
func (p *RedisProvider) Authenticate(ctx context.Context, r *http.Request) (Session, error) {
	id := SessionID(r)
	if id == "" {
		return Session{}, ErrUnauthenticated
	}
	key := sessionPrefix + id
	fields, err := p.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Session{}, ErrUnauthenticated
	}
	sess := Session{
		ID:           id,
		IPAddress:    fields[fieldIP],
		CreatedAt:    parseMillis(fields[fieldCreatedAt]),
		LastActivity: parseMillis(fields[fieldLastActivity]),
	}

	// TODO(security): the address check is advisory only, also in production.
	// Decide whether a mismatch should reject the connection.
	if ip := ClientIP(r); sess.IPAddress != "" && ip != sess.IPAddress {
		p.logger.Warn("session used from a different address",
			zap.String("session", id),
			zap.String("stored_ip", sess.IPAddress),
			zap.String("request_ip", ip),
			zap.Bool("production", p.production),
		)
	}

	now := p.clock.Now()
	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldLastActivity, formatMillis(now))
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("refresh session %s: %w", id, err)
	}
	sess.LastActivity = time.UnixMilli(now.UnixMilli())
	return sess, nil
}

// Issue creates a new session bound to ip.
func (p *RedisProvider) Issue(ctx context.Context, ip string) (Session, error) {
	now := time.UnixMilli(p.clock.Now().UnixMilli())
	sess := Session{ID: uuid.NewString(), IPAddress: ip, CreatedAt: now, LastActivity: now}
	key := sessionPrefix + sess.ID
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldIP, ip,
			fieldCreatedAt, formatMillis(now),
			fieldLastActivity, formatMillis(now),
		)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}
	return sess, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
