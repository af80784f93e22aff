// Package lock serializes work per key, within one process and across replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when a lock could not be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Locker grants exclusive access to a key until the returned release func is called
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker with one mutex per key.
// Entries are dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	wait  time.Duration
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an in-process locker. wait bounds Acquire; zero waits on ctx only.
func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock), wait: wait}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	var timeout <-chan time.Time
	if m.wait > 0 {
		timer := time.NewTimer(m.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.unref(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key, l)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	case <-timeout:
		m.unref(key, l)
		return nil, fmt.Errorf("lock %s: %w", key, ErrLockTimeout)
	}
}

func (m *KeyedMutex) unref(key string, l *keyLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Held returns the number of keys currently tracked
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

const lockKeyPrefix = "subscription:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a cross-replica Locker built on SET NX with a TTL.
// The TTL bounds how long a crashed holder can block the key.
type RedisLock struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	logger *logrus.Logger
}

// NewRedisLock creates a distributed locker. Release failures and locks that lapsed
// while held are logged to logger.
func NewRedisLock(rdb redis.UniversalClient, ttl, wait time.Duration, logger *logrus.Logger) *RedisLock {
	return &RedisLock{rdb: rdb, ttl: ttl, wait: wait, retry: 25 * time.Millisecond, logger: logger}
}

func (r *RedisLock) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := lockKeyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire redis lock %s: %w", key, err)
		}
		if ok {
			return func() { r.release(redisKey, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-time.After(r.retry):
		}
	}
}

func (r *RedisLock) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deleted, err := releaseScript.Run(ctx, r.rdb, []string{redisKey}, token).Int()
	if err != nil {
		r.logger.WithError(err).WithField("key", redisKey).Error("Failed to release redis lock")
		return
	}
	// the TTL ran out while held, so another replica may have run concurrently
	if deleted == 0 {
		r.logger.WithFields(logrus.Fields{
			"key": redisKey,
			"ttl": r.ttl.String(),
		}).Warn("Redis lock expired before release")
	}
}

// Chain acquires every locker in order and releases them in reverse
type Chain []Locker

func (c Chain) Acquire(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		release, err := l.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// TenantKey is the lock key shared by every mutation of one tenant's assignments
func TenantKey(tenantID string) string {
	return "tenant:" + tenantID
}

// JobKey is the lock key of a scheduled job
func JobKey(name string) string {
	return "job:" + name
}
