package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps rate windows in Redis so several relay instances share
// them. A key exists exactly while its window is open, so expiry replaces the
// collector.
type RedisWindow struct {
	Client redis.UniversalClient
	Prefix string
}

func NewRedisWindow(client redis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "duster:ratelimit:"
	}
	return &RedisWindow{Client: client, Prefix: prefix}
}

func (w *RedisWindow) key(deviceID string) string { return w.Prefix + deviceID }

// TryReserve relies on SET NX PX, which is atomic on the server.
func (w *RedisWindow) TryReserve(ctx context.Context, deviceID string, period time.Duration) (bool, error) {
	if period <= 0 {
		return true, nil
	}
	return w.Client.SetNX(ctx, w.key(deviceID), 1, period).Result()
}

func (w *RedisWindow) Reserve(ctx context.Context, deviceID string, period time.Duration) error {
	if period <= 0 {
		return nil
	}
	return w.Client.Set(ctx, w.key(deviceID), 1, period).Err()
}

func (w *RedisWindow) Ping(ctx context.Context) error {
	return w.Client.Ping(ctx).Err()
}
