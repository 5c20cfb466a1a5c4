package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another holder owns the lease
var ErrLeaseHeld = errors.New("lease is held by another owner")

// Lease is a try-lock that keeps one import running at a time
type Lease interface {
	TryAcquire(ctx context.Context) (token string, err error)
	Release(ctx context.Context, token string) error
}

// LocalLease serializes imports inside one process
type LocalLease struct {
	mu    sync.Mutex
	token string
}

// NewLocalLease creates an in-memory lease
func NewLocalLease() *LocalLease {
	return &LocalLease{}
}

// TryAcquire takes the lease or returns ErrLeaseHeld
func (l *LocalLease) TryAcquire(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return "", ErrLeaseHeld
	}
	l.token = uuid.NewString()
	return l.token, nil
}

// Release frees the lease if token still owns it
func (l *LocalLease) Release(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != token {
		return ErrLeaseHeld
	}
	l.token = ""
	return nil
}

// releaseScript deletes the key only when it still holds our token
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// redisCommander is the subset of the Redis client the lease uses
type redisCommander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd
}

// RedisLease serializes imports across processes with SET NX PX.
// The TTL bounds how long a crashed holder can block other runs.
type RedisLease struct {
	client redisCommander
	key    string
	ttl    time.Duration
}

// NewRedisLease creates a lease on key that expires after ttl
func NewRedisLease(client redisCommander, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: key, ttl: ttl}
}

// TryAcquire takes the lease or returns ErrLeaseHeld
func (l *RedisLease) TryAcquire(ctx context.Context) (string, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return "", ErrLeaseHeld
	}
	return token, nil
}

// Release frees the lease if token still owns it
func (l *RedisLease) Release(ctx context.Context, token string) error {
	deleted, err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	if deleted == 0 {
		return ErrLeaseHeld
	}
	return nil
}
