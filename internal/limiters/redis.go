package limiters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] = record hash
// ARGV = now_ms, threshold, lockout_ms, window_ms
// Returns {count, locked_until_ms, triggered}.
var incrementScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local lockout = tonumber(ARGV[3])
local window = tonumber(ARGV[4])

local locked = tonumber(redis.call("HGET", KEYS[1], "locked") or "0")
local exp = tonumber(redis.call("HGET", KEYS[1], "exp") or "0")

if locked > 0 and now < locked then
	local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
	return {count, locked, 0}
end
if exp <= now then
	redis.call("DEL", KEYS[1])
end

local count = redis.call("HINCRBY", KEYS[1], "count", 1)
if threshold > 0 and count >= threshold then
	local untilMs = now + lockout
	redis.call("HSET", KEYS[1], "locked", untilMs, "exp", untilMs)
	redis.call("PEXPIRE", KEYS[1], lockout)
	return {count, untilMs, 1}
end

redis.call("HSET", KEYS[1], "exp", now + window)
redis.call("PEXPIRE", KEYS[1], window)
return {count, 0, 0}
`)

// RedisStore keeps one hash per user under prefix. Increment runs as a
// single Lua script so concurrent failures from several processes are
// counted exactly once each.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mfl"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + ":" + userID
}

func (s *RedisStore) Increment(ctx context.Context, key string, now time.Time, threshold int, lockout, window time.Duration) (State, bool, error) {
	if s == nil || s.redis == nil {
		return State{}, false, ErrLockoutUnavailable
	}
	res, err := incrementScript.Run(ctx, s.redis, []string{s.key(key)},
		now.UnixMilli(),
		threshold,
		lockout.Milliseconds(),
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return State{}, false, err
	}
	if len(res) != 3 {
		return State{}, false, fmt.Errorf("unexpected lockout script reply length %d", len(res))
	}

	st := State{FailedCount: int(res[0])}
	if res[1] > 0 {
		st.LockedUntil = time.UnixMilli(res[1])
	}
	return st, res[2] == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string, now time.Time) (State, error) {
	if s == nil || s.redis == nil {
		return State{}, ErrLockoutUnavailable
	}
	vals, err := s.redis.HMGet(ctx, s.key(key), "count", "locked", "exp").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, nil
		}
		return State{}, err
	}

	count := parseHashInt(vals, 0)
	locked := parseHashInt(vals, 1)
	exp := parseHashInt(vals, 2)
	if exp <= now.UnixMilli() {
		return State{}, nil
	}

	st := State{FailedCount: int(count)}
	if locked > 0 {
		st.LockedUntil = time.UnixMilli(locked)
	}
	return st, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if s == nil || s.redis == nil {
		return ErrLockoutUnavailable
	}
	return s.redis.Del(ctx, s.key(key)).Err()
}

func parseHashInt(vals []interface{}, i int) int64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	str, ok := vals[i].(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
