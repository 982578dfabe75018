package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"
)

// Defaults for Redis locks.
const (
	DefaultTTL   = 30 * time.Second
	DefaultRetry = 50 * time.Millisecond
	keyPrefix    = "riskwatch:lock:"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lease expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based distributed lock built on SET NX PX.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger log.Logger
}

// NewRedis creates a Redis locker. Non-positive ttl or retry use the defaults.
func NewRedis(client *redis.Client, ttl, retry time.Duration, logger log.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retry <= 0 {
		retry = DefaultRetry
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Redis{client: client, ttl: ttl, retry: retry, logger: logger}
}

// Lock polls until key is acquired or ctx is done. The lease expires after
// the configured TTL even if the holder never releases it.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis setnx %s: %w", k, err)
		}
		if ok {
			return r.unlocker(k, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlocker(k, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, r.client, []string{k}, token).Int()
		switch {
		case err != nil && !errors.Is(err, redis.Nil):
			r.logger.Warn(ctx, "lock release failed", "key", k, "err", err)
		case n == 0:
			r.logger.Warn(ctx, "lock lease expired before release", "key", k)
		}
	}
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
