package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"tokoledger/backend/internal/domain"
)

// releaseScript deletes the key only while it still carries our token, so an
// expired lock taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker shares keyed locks between server instances. The lease bounds
// how long a crashed holder can block a key.
type RedisLocker struct {
	client  *redis.Client
	timeout time.Duration
	lease   time.Duration
	retry   time.Duration
}

func NewRedisLocker(client *redis.Client, timeout time.Duration, lease time.Duration) *RedisLocker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &RedisLocker{client: client, timeout: timeout, lease: lease, retry: 15 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)
	wait := l.retry

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, &domain.ConcurrencyConflictError{Resource: key, Err: fmt.Errorf("redis setnx: %w", err)}
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}

		if time.Now().Add(wait).After(deadline) {
			return nil, &domain.ConcurrencyConflictError{Resource: key, Err: fmt.Errorf("lock wait exceeded %s", l.timeout)}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, &domain.ConcurrencyConflictError{Resource: key, Err: ctx.Err()}
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
