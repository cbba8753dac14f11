// Package redislock serializes gateway calls across replicas with a Redis lease.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/R3E-Network/relay_gateway/internal/gateway"
)

// ErrNotAcquired is returned when the lease could not be taken before the context expired.
var ErrNotAcquired = errors.New("redis lock not acquired")

const (
	DefaultKey   = "relay_gateway:call_lock"
	DefaultTTL   = 30 * time.Second
	DefaultRetry = 25 * time.Millisecond
)

// Release only deletes the key while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Config configures a Lock.
type Config struct {
	Key   string
	TTL   time.Duration
	Retry time.Duration
}

// Lock is a gateway.Serializer backed by a single Redis key.
type Lock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	retry  time.Duration
}

var _ gateway.Serializer = (*Lock)(nil)

// New creates a lock using client.
func New(client redis.UniversalClient, cfg Config) *Lock {
	l := &Lock{client: client, key: cfg.Key, ttl: cfg.TTL, retry: cfg.Retry}
	if l.key == "" {
		l.key = DefaultKey
	}
	if l.ttl <= 0 {
		l.ttl = DefaultTTL
	}
	if l.retry <= 0 {
		l.retry = DefaultRetry
	}
	return l
}

// Serialize runs fn while holding the lease. The lease expires after the configured TTL even
// if the holder dies, so fn must finish well within it.
func (l *Lock) Serialize(ctx context.Context, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	if err := l.acquire(ctx, token); err != nil {
		return err
	}
	defer l.release(token)

	ctx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()
	return fn(ctx)
}

func (l *Lock) acquire(ctx context.Context, token string) error {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
			}
			return fmt.Errorf("acquire %s: %w", l.key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Lock) release(token string) {
	// The caller's context may already be done; release on a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
}
