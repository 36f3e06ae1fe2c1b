// Package lock provides per-key mutual exclusion for conversation turns,
// in process or across instances through Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context ended.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker takes an exclusive lock on key. The returned function releases it.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Defaults for RedisLocker.
const (
	DefaultLockTTL   = 30 * time.Second
	DefaultRetryWait = 50 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker locks keys with SET NX PX and a random token. Release deletes
// the key only while it still holds this holder's token.
type RedisLocker struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets how long a lock survives a crashed holder.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryWait sets the polling interval while waiting for a held lock.
func WithRetryWait(wait time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if wait > 0 {
			l.retryWait = wait
		}
	}
}

// NewRedisLocker creates a RedisLocker. prefix namespaces lock keys.
func NewRedisLocker(rdb *redis.Client, prefix string, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{rdb: rdb, prefix: prefix, ttl: DefaultLockTTL, retryWait: DefaultRetryWait}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TTL reports how long a held lock survives without release.
func (l *RedisLocker) TTL() time.Duration { return l.ttl }

// Acquire implements Locker. It polls until the lock is free or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(fullKey, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-time.After(l.retryWait):
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	// The turn's context may already be done.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int()
	if err != nil {
		slog.Error("RedisLocker.release: failed to release lock", "key", key, "error", err)
		return
	}
	if n == 0 {
		slog.Warn("RedisLocker.release: lock expired before release", "key", key)
	}
}

// LocalLocker locks keys within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.unref(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
