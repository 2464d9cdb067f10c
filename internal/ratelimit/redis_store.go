package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sentinel/internal/idgen"
)

const redisKeyPrefix = "sentinel:ratelimit:"

// slidingWindow trims the identifier's sorted set to the window, counts it
// and conditionally adds the new attempt, all in one atomic step.
//
// KEYS[1] sorted set, score = attempt time in ms
// ARGV    now_ms, since_ms, max, record_rejected, member, ttl_ms
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[3]) or ARGV[4] == '1' then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
return count
`)

// RedisStore keeps one sorted set per identifier and window length, since
// the script trims to the window it is called with. Suitable when several
// processes share a limit and Postgres round-trips are too costly. Keys
// expire on their own, so Purge is a no-op.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed attempt store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CountAndRecord(ctx context.Context, a Attempt, since time.Time, max int, recordRejected bool) (int, error) {
	nowMs := a.OccurredAt.UnixMilli()
	sinceMs := since.UnixMilli()
	window := nowMs - sinceMs
	if window <= 0 {
		window = 1
	}
	rejected := "0"
	if recordRejected {
		rejected = "1"
	}
	member := strconv.FormatInt(nowMs, 10) + ":" + idgen.Hex(8)

	count, err := slidingWindow.Run(ctx, s.client,
		[]string{redisKey(a.Identifier, window)},
		nowMs, sinceMs, max, rejected, member, window,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis sliding window: %w", err)
	}
	return count, nil
}

func redisKey(identifier string, windowMs int64) string {
	return redisKeyPrefix + identifier + ":" + strconv.FormatInt(windowMs, 10)
}

func (s *RedisStore) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}
