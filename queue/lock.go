package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("resource is locked")

// KEYS[1] lock, ARGV[1] token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks keyed by an arbitrary string
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockDuration
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

type Lock struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lock for key or returns ErrLocked if someone else holds it
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{locker: l, key: full, token: token}, nil
}

// Refresh pushes the expiry out by another TTL
func (lk *Lock) Refresh(ctx context.Context) error {
	n, err := extendScript.Run(ctx, lk.locker.client, []string{lk.key},
		lk.token, lk.locker.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lock %s: %w", lk.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release drops the lock if it is still ours
func (lk *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lk.key, err)
	}
	return nil
}
