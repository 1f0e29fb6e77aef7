// Package cache provides the Redis-backed cache/broker dependency.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotOpen is returned when the client is used before Connect.
var ErrNotOpen = errors.New("redis client not initialized")

// KeyPrefix namespaces every key written by this service.
const KeyPrefix = "analyticsd:"

// Cache implements dependency.Driver over a go-redis client.
type Cache struct {
	opts *redis.Options

	mu  sync.RWMutex
	rdb *redis.Client
}

// New builds a cache from a redis:// or rediss:// URL. Nothing is dialled
// until Connect.
func New(url string) (*Cache, error) {
	u := strings.TrimSpace(url)
	if u == "" {
		return nil, errors.New("empty redis url")
	}
	opts, err := redis.ParseURL(u)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Cache{opts: opts}, nil
}

// Connect creates the client and pings it; on failure the client is closed.
func (c *Cache) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		return nil
	}
	rdb := redis.NewClient(c.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return err
	}
	c.rdb = rdb
	return nil
}

func (c *Cache) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	return err
}

func (c *Cache) Ping(ctx context.Context) error {
	rdb, err := c.Client()
	if err != nil {
		return err
	}
	return rdb.Ping(ctx).Err()
}

// Client returns the live client.
func (c *Cache) Client() (*redis.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rdb == nil {
		return nil, ErrNotOpen
	}
	return c.rdb, nil
}

// SetJSON stores v under the prefixed key. A ttl of 0 keeps the key forever.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	rdb, err := c.Client()
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, KeyPrefix+key, b, ttl).Err()
}

// GetJSON loads the prefixed key into dst. found is false when the key does
// not exist.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (found bool, err error) {
	rdb, err := c.Client()
	if err != nil {
		return false, err
	}
	b, err := rdb.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, dst)
}

// Incr increments the prefixed counter key and returns the new value.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	rdb, err := c.Client()
	if err != nil {
		return 0, err
	}
	return rdb.Incr(ctx, KeyPrefix+key).Result()
}
