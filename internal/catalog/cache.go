package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

const activeOfferingsKey = "catalog:active_offerings"

// Cache stores the active offerings list. A miss returns nil, false, nil.
type Cache interface {
	GetOfferings(ctx context.Context) ([]models.Offering, bool, error)
	SetOfferings(ctx context.Context, offerings []models.Offering) error
	Invalidate(ctx context.Context) error
}

// RedisCache keeps the active offerings in Redis so every instance shares one
// copy.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a RedisCache. prefix namespaces the key.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) key() string {
	return c.prefix + activeOfferingsKey
}

// GetOfferings implements Cache.
func (c *RedisCache) GetOfferings(ctx context.Context) ([]models.Offering, bool, error) {
	data, err := c.rdb.Get(ctx, c.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read catalog cache: %w", err)
	}
	var offerings []models.Offering
	if err := json.Unmarshal(data, &offerings); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal catalog cache: %w", err)
	}
	return offerings, true, nil
}

// SetOfferings implements Cache.
func (c *RedisCache) SetOfferings(ctx context.Context, offerings []models.Offering) error {
	data, err := json.Marshal(offerings)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog cache: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write catalog cache: %w", err)
	}
	return nil
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.key()).Err(); err != nil {
		return fmt.Errorf("failed to invalidate catalog cache: %w", err)
	}
	return nil
}

// MemoryCache is a process-local Cache for single-instance deployments.
type MemoryCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	offerings []models.Offering
	expires   time.Time
	now       func() time.Time
}

// NewMemoryCache creates a MemoryCache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now}
}

// GetOfferings implements Cache.
func (c *MemoryCache) GetOfferings(ctx context.Context) ([]models.Offering, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offerings == nil || !c.now().Before(c.expires) {
		return nil, false, nil
	}
	return append([]models.Offering(nil), c.offerings...), true, nil
}

// SetOfferings implements Cache.
func (c *MemoryCache) SetOfferings(ctx context.Context, offerings []models.Offering) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offerings = append(make([]models.Offering, 0, len(offerings)), offerings...)
	c.expires = c.now().Add(c.ttl)
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offerings = nil
	return nil
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
