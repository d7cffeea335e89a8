package watcher

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisLease implements Lease with SET NX and a token-checked delete.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLease creates a lease backed by the given client.
func NewRedisLease(client redis.UniversalClient) *RedisLease {
	return &RedisLease{client: client, prefix: "admarket:lease:"}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := l.prefix + key
	token := strconv.FormatInt(time.Now().UnixNano(), 36)

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}

	release := func() {
		// The poll context may already be cancelled at release time.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.client.Eval(rctx, releaseScript, []string{fullKey}, token).Err()
	}
	return release, true, nil
}
