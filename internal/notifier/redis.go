package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

// DefaultRedisChannel is used when no channel is configured.
const DefaultRedisChannel = "extguard:audit"

// RedisConfig configures the pub/sub publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Redis publishes audit summaries as JSON on a pub/sub channel.
type Redis struct {
	rdb     *redis.Client
	channel string
	log     logger.Logger
}

// NewRedis creates a publisher. The connection is established lazily.
func NewRedis(cfg RedisConfig, log logger.Logger) *Redis {
	ch := cfg.Channel
	if ch == "" {
		ch = DefaultRedisChannel
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return &Redis{rdb: rdb, channel: ch, log: logger.OrNop(log)}
}

// Channel returns the channel summaries are published on.
func (r *Redis) Channel() string {
	return r.channel
}

func (r *Redis) Ping(ctx context.Context) error {
	err := r.rdb.Ping(ctx).Err()
	if err != nil {
		r.log.Warn("redis ping failed", logger.Err(err))
	}
	return err
}

func (r *Redis) Broadcast(ctx context.Context, s core.AuditSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	n, err := r.rdb.Publish(ctx, r.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	r.log.Debug("audit summary published",
		logger.F("channel", r.channel),
		logger.F("receivers", n))
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

var _ core.Broadcaster = (*Redis)(nil)
