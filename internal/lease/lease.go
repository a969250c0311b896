// Package lease holds a Redis lock so that only one worker process drives a given state store.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/overseer/internal/metrics"
	"github.com/nadmax/overseer/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultKey = "overseer:worker:lease"
	DefaultTTL = 15 * time.Second
)

var (
	ErrHeld    = errors.New("lease is held by another worker")
	ErrNotHeld = errors.New("lease is not held")
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
	log    *zap.Logger

	mu   sync.Mutex
	held bool
}

func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// New builds a lease identified by owner. An empty key or non-positive ttl uses the defaults.
func New(client *redis.Client, key, owner string, ttl time.Duration, logger *zap.Logger) *Lease {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if owner == "" {
		owner = task.NewID()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Lease{
		client: client,
		key:    key,
		owner:  owner,
		ttl:    ttl,
		log:    logger.Named("lease"),
	}
}

func (l *Lease) Owner() string {
	return l.owner
}

func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.held
}

func (l *Lease) setHeld(held bool) {
	l.mu.Lock()
	l.held = held
	l.mu.Unlock()

	metrics.SetWorkerLeaseHeld(held)
}

// Acquire takes the lease with SET NX PX. It returns ErrHeld when another owner has it.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, l.key).Result()
		l.log.Warn("lease_busy", zap.String("key", l.key), zap.String("holder", task.ShortID(holder)))
		return ErrHeld
	}

	l.setHeld(true)
	l.log.Info("lease_acquired", zap.String("key", l.key), zap.Duration("ttl", l.ttl))

	return nil
}

// Refresh extends the lease if this owner still holds it.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lease: %w", err)
	}
	if n == 0 {
		l.setHeld(false)
		return ErrNotHeld
	}

	return nil
}

// Release deletes the key only if this owner holds it.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int()
	l.setHeld(false)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}

	l.log.Info("lease_released", zap.String("key", l.key))
	return nil
}

// Keep refreshes the lease every ttl/3 until ctx ends. onLost is called once if the
// lease cannot be kept, and Keep returns.
func (l *Lease) Keep(ctx context.Context, onLost func(error)) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}

				l.log.Error("lease_lost", zap.String("key", l.key), zap.Error(err))
				if onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}
}
