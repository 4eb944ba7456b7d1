// Package redislock implements lock.Lock over Redis. Acquire is SET key
// owner NX PX ttl; Release/Extend are Lua scripts that compare the stored
// owner token before mutating, so a caller that lost ownership (e.g. after
// a TTL expiry and reacquisition by another instance) can never release or
// extend another owner's lock.
package redislock

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "fleetrun:lock:"

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  local pttl = redis.call("PTTL", KEYS[1])
  if pttl < 0 then
    pttl = 0
  end
  return redis.call("PEXPIRE", KEYS[1], pttl + tonumber(ARGV[2]))
end
return 0
`)

// Lock is a Redis-backed lock.Lock.
type Lock struct {
	client *goredis.Client
}

// New constructs a Lock using client for storage.
func New(client *goredis.Client) *Lock {
	return &Lock{client: client}
}

func key(k string) string { return keyPrefix + k }

func (l *Lock) Acquire(ctx context.Context, k, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key(k), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (l *Lock) Release(ctx context.Context, k, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{key(k)}, owner).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Lock) Extend(ctx context.Context, k, owner string, additional time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{key(k)}, owner, additional.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
