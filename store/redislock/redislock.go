/*
Package redislock is a ledger.Locker backed by Redis, for running several
ledger processes against one shared database.

PROTOCOL:
  Lock:   SET key token NX PX ttl, retried every RetryInterval until ctx is done
  Unlock: Lua compare-and-delete, so a holder whose lease expired never
          releases somebody else's lock

LEASES:
  The TTL bounds how long a crashed holder blocks a partition. It must be
  longer than the slowest append; the database's no-fork index remains the
  last line of defence if a lease does expire mid-append.
*/
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultRetryInterval = 25 * time.Millisecond
	DefaultPrefix        = "pharmaledger:lock:"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type Locker struct {
	client        redis.UniversalClient
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

type Option func(*Locker)

func WithTTL(d time.Duration) Option {
	return func(l *Locker) { l.ttl = d }
}

func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) { l.retryInterval = d }
}

func WithPrefix(p string) Option {
	return func(l *Locker) { l.prefix = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:        client,
		prefix:        DefaultPrefix,
		ttl:           DefaultTTL,
		retryInterval: DefaultRetryInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock implements ledger.Locker.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}, nil
}

func (l *Locker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	switch {
	case err != nil:
		l.logger.Error("failed to release lock", "key", redisKey, "error", err)
	case n == 0:
		l.logger.Warn("lock lease expired before release", "key", redisKey)
	}
}
