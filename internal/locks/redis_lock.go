// internal/locks/redis_lock.go
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the lock only if this holder still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker serializes work on a single resource (one invoice) across concurrent
// webhook deliveries. The dedup-log insert remains the final arbiter; the
// lock just bounds wasted concurrent work.
type Locker struct {
	client *redis.Client
	prefix string
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client, prefix: "billing:lock:"}
}

// Acquire takes the lock, returning an owner token for release.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := ulid.Make().String()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

// Release frees the lock if token still owns it.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	return l.client.Eval(ctx, releaseScript, []string{l.prefix + key}, token).Err()
}

// WithLock runs fn under the lock, polling briefly when contended.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	var token string
	var err error

	for {
		token, err = l.Acquire(ctx, key, ttl)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNotAcquired) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, key, token)
	}()

	return fn(ctx)
}
