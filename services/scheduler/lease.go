package scheduler

import (
	"context"
	"time"

	"smallbiznis-autopost/pkg/gen"
	"smallbiznis-autopost/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// Lease keeps ticks from overlapping across worker instances.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease holds the tick lock with SET NX PX. Only the holder's token can
// release it; an expired lease is free for any instance.
type RedisLease struct {
	rdb   redis.UniversalClient
	key   string
	token string
	ttl   time.Duration
}

func NewRedisLease(rdb redis.UniversalClient, name string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		rdb:   rdb,
		key:   rediskey.BuildTickLeaseKey(name),
		token: gen.EventID(),
		ttl:   ttl,
	}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
