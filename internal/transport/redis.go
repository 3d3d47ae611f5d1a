package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChannelPrefix is prepended to channel names on Redis.
const ChannelPrefix = "jamsync:chan:"

type redisFrame struct {
	Except string          `json:"except,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// RedisBackplane fans frames out through Redis pub/sub.
type RedisBackplane struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisBackplane returns a backplane publishing on rdb.
func NewRedisBackplane(rdb *redis.Client, logger *zap.Logger) *RedisBackplane {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackplane{rdb: rdb, logger: logger}
}

// Publish implements Backplane.
func (b *RedisBackplane) Publish(ctx context.Context, f Frame) error {
	payload, err := json.Marshal(redisFrame{Except: f.Except, Data: f.Data})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, ChannelPrefix+f.Channel, payload).Err()
}

// Subscribe implements Backplane. It returns once Redis has confirmed the
// subscription.
func (b *RedisBackplane) Subscribe(ctx context.Context, deliver func(Frame)) (func() error, error) {
	ps := b.rdb.PSubscribe(ctx, ChannelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var rf redisFrame
			if err := json.Unmarshal([]byte(msg.Payload), &rf); err != nil {
				b.logger.Warn("dropping malformed frame", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			deliver(Frame{
				Channel: strings.TrimPrefix(msg.Channel, ChannelPrefix),
				Except:  rf.Except,
				Data:    rf.Data,
			})
		}
	}()
	return func() error {
		err := ps.Close()
		<-done
		return err
	}, nil
}
