package turnlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// redisAPI is the subset of *goredis.Client used by RedisLocker.
type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd
}

// RedisLocker holds turn locks in Redis so they hold across Lambda
// containers. The TTL bounds how long a crashed invocation blocks a session.
type RedisLocker struct {
	rdb    redisAPI
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(rdb redisAPI, ttl time.Duration) (*RedisLocker, error) {
	if rdb == nil {
		return nil, errors.New("turnlock: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, prefix: defaultPrefix}, nil
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("turnlock: redis ping: %w", err)
	}
	return rdb, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, sessionID string) (ReleaseFunc, error) {
	key, err := lockKey(l.prefix, sessionID)
	if err != nil {
		return nil, err
	}
	token := newToken()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("turnlock: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		if err := l.rdb.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("turnlock: release %q: %w", key, err)
		}
		return nil
	}, nil
}

var _ Locker = (*RedisLocker)(nil)
