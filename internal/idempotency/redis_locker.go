package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
)

const lockKeyPrefix = "sentinel:idem:lock:"

// releaseLock deletes the lock only if it still holds our token.
var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker is a single-instance Redis lock (SET NX PX with a random
// token). The lease must outlast OperationTimeout plus the persist step.
type RedisLocker struct {
	client *redis.Client
	lease  time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a lock with the given lease. Lock waits up to
// wait for a held lock to be released.
func NewRedisLocker(client *redis.Client, lease, wait time.Duration) *RedisLocker {
	if lease <= 0 {
		lease = time.Minute
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisLocker{client: client, lease: lease, wait: wait, poll: 25 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := idgen.Hex(16)
	redisKey := lockKeyPrefix + key

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, errors.New("lock held by another process")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	return func() {
		// Released on a fresh context; the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseLock.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
			logging.L(ctx).Warn("failed to release idempotency lock; it expires with its lease", "error", err)
		}
	}, nil
}
