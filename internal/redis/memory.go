package redis

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const memoryEntries = 100000

// MemoryLedger is the single-replica event ledger used when Redis is disabled
type MemoryLedger struct {
	cache *lru.LRU[string, struct{}]
}

// NewMemoryLedger creates an in-process ledger whose entries expire after ttl
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{cache: lru.NewLRU[string, struct{}](memoryEntries, nil, ttl)}
}

func (l *MemoryLedger) Seen(_ context.Context, eventID string) (bool, error) {
	_, ok := l.cache.Peek(eventID)
	return ok, nil
}

func (l *MemoryLedger) Remember(_ context.Context, eventID string) error {
	l.cache.Add(eventID, struct{}{})
	return nil
}

// MemoryThrottle is the single-replica alert throttle used when Redis is disabled
type MemoryThrottle struct {
	mu    sync.Mutex
	cache *lru.LRU[string, struct{}]
}

// NewMemoryThrottle creates an in-process throttle with the given cool-down
func NewMemoryThrottle(ttl time.Duration) *MemoryThrottle {
	return &MemoryThrottle{cache: lru.NewLRU[string, struct{}](memoryEntries, nil, ttl)}
}

func (t *MemoryThrottle) ShouldThrottle(_ context.Context, alertKey string) (bool, error) {
	key := ThrottleKey(alertKey)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cache.Peek(key); ok {
		return true, nil
	}
	t.cache.Add(key, struct{}{})
	return false, nil
}
