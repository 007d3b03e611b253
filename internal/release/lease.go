package release

import (
	"context"
	"errors"
	"log/slog"
	"time"

	platformredis "heirloom/internal/platform/redis"
)

// RedisLease backs the release lease with Redis SET NX, the same primitive
// the monitor uses for its sweep lease. The TTL bounds how long a crashed
// replica can block a claim's release.
type RedisLease struct {
	client *platformredis.Client
	logger *slog.Logger
}

func NewRedisLease(client *platformredis.Client, logger *slog.Logger) *RedisLease {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLease{client: client, logger: logger}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, "held", ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context, key string) {
	if err := l.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.WarnContext(ctx, "release lease cleanup failed", "key", key, "error", err)
	}
}
