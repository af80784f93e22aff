package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"subscription-service/internal/config"
)

// Key prefixes
const (
	WebhookEventPrefix  = "webhook:event:"
	AlertThrottlePrefix = "alert_throttle:"
)

// Client wraps the Redis client with the service's short-lived bookkeeping
type Client struct {
	rdb *redis.Client
}

// NewClient connects using a redis:// URL and verifies the connection
func NewClient(cfg config.RedisConfig) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewClientFromRDB wraps an existing go-redis client
func NewClientFromRDB(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection to Redis
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// RDB exposes the raw client for the distributed lock
func (c *Client) RDB() *redis.Client {
	return c.rdb
}

// EventLedger remembers applied webhook event ids for the dedupe window
type EventLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

// EventLedger returns a ledger whose entries expire after ttl
func (c *Client) EventLedger(ttl time.Duration) *EventLedger {
	return &EventLedger{rdb: c.rdb, ttl: ttl}
}

// Seen reports whether the event id was already applied
func (l *EventLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, WebhookEventPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event ledger: %w", err)
	}
	return n > 0, nil
}

// Remember records the event id as applied
func (l *EventLedger) Remember(ctx context.Context, eventID string) error {
	if err := l.rdb.Set(ctx, WebhookEventPrefix+eventID, time.Now().UTC().Unix(), l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record event in ledger: %w", err)
	}
	return nil
}

// AlertThrottle enforces a cool-down per alert key
type AlertThrottle struct {
	rdb *redis.Client
	ttl time.Duration
}

// AlertThrottle returns a throttle with the given cool-down
func (c *Client) AlertThrottle(ttl time.Duration) *AlertThrottle {
	return &AlertThrottle{rdb: c.rdb, ttl: ttl}
}

// ShouldThrottle records the key and returns false the first time it is seen within
// the cool-down, and returns true without extending the window afterwards.
func (t *AlertThrottle) ShouldThrottle(ctx context.Context, alertKey string) (bool, error) {
	set, err := t.rdb.SetNX(ctx, ThrottleKey(alertKey), 1, t.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check alert throttle: %w", err)
	}
	return !set, nil
}

// ThrottleKey hashes an alert key into a bounded Redis key
func ThrottleKey(alertKey string) string {
	sum := sha256.Sum256([]byte(alertKey))
	return AlertThrottlePrefix + hex.EncodeToString(sum[:16])
}
