/*
redislock.go - Short-lived per-key locks over redis

PURPOSE:
  Keeps two scheduler instances from expanding the same recurring series
  at the same moment. The (series, instance date) unique key already makes
  a double run harmless; the lock only saves the wasted work.

PROTOCOL:
  Acquire: SET key token NX PX ttl
  Release: delete the key only if it still holds our token (Lua), so a
           lock that expired and was re-acquired elsewhere is left alone

SEE ALSO:
  - api/scheduler.go: Wraps each series expansion in TryLock
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the key is held by someone else.
var ErrNotAcquired = errors.New("lock not acquired")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out locks under a key prefix.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func New(client redis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Lock is a held lock.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

func (l *Locker) key(name string) string {
	if l.prefix == "" {
		return "lock:" + name
	}
	return l.prefix + ":lock:" + name
}

// Acquire takes the lock for name or returns ErrNotAcquired.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	key := l.key(name)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{locker: l, key: key, token: token}, nil
}

// Release frees the lock if it is still ours. It reports whether the key
// was deleted.
func (lk *Lock) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release %s: %w", lk.key, err)
	}
	return n == 1, nil
}

// TryLock runs fn while holding the lock for name. It returns false without
// calling fn when the lock is taken.
func (l *Locker) TryLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	lk, err := l.Acquire(ctx, name)
	if errors.Is(err, ErrNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _, _ = lk.Release(context.WithoutCancel(ctx)) }()
	return true, fn(ctx)
}
