// Package lock provides a redis-backed run lock so two sync passes never
// race on the same bucket marker.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another run owns the lock
var ErrLockHeld = errors.New("lock held by another run")

// ErrNotHeld is returned when releasing a lock this instance does not own
var ErrNotHeld = errors.New("lock not held")

// Deletes the key only while it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a single-key mutex with a TTL. The TTL bounds how long a
// crashed run can block the next one.
type RedisLock struct {
	rdb   redis.UniversalClient
	key   string
	ttl   time.Duration
	token string
}

// New creates a lock on key. Nothing is sent to redis until Acquire.
func New(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: key, ttl: ttl}
}

// Key returns the redis key guarded by the lock
func (l *RedisLock) Key() string {
	return l.key
}

// Acquire takes the lock or fails with ErrLockHeld
func (l *RedisLock) Acquire(ctx context.Context) error {
	token, err := newToken()
	if err != nil {
		return err
	}

	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.key, ErrLockHeld)
	}

	l.token = token
	return nil
}

// Release drops the lock if it is still ours. A lock that expired and was
// taken by another run is left alone and reported as ErrNotHeld.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.token == "" {
		return ErrNotHeld
	}

	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	l.token = ""
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrNotHeld)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
