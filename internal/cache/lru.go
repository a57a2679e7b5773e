// Package cache provides report caching implementations for Claimscope.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/claimscope/internal/domain"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu      sync.RWMutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, portfolioID string, key string) ([]byte, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("portfolioID is required")
	}

	fullKey := c.makeKey(portfolioID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, portfolioID string, key string, value []byte, ttl time.Duration) error {
	if portfolioID == "" {
		return fmt.Errorf("portfolioID is required")
	}

	fullKey := c.makeKey(portfolioID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return nil
	}

	entry := &cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	elem := c.order.PushFront(entry)
	c.items[fullKey] = elem

	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, portfolioID string, key string) error {
	if portfolioID == "" {
		return fmt.Errorf("portfolioID is required")
	}

	fullKey := c.makeKey(portfolioID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	return nil
}

// GetReport retrieves a cached report.
func (c *LRUCache) GetReport(ctx context.Context, portfolioID string, key string) (*domain.CachedReport, error) {
	return getReport(ctx, c, portfolioID, key)
}

// SetReport caches a computed report.
func (c *LRUCache) SetReport(ctx context.Context, portfolioID string, key string, report *domain.CachedReport, ttl time.Duration) error {
	return setReport(ctx, c, portfolioID, key, report, ttl)
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) makeKey(portfolioID, key string) string {
	return portfolioID + ":" + key
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

// byteStore is the raw key/value part of domain.Cache.
type byteStore interface {
	Get(ctx context.Context, portfolioID string, key string) ([]byte, error)
	Set(ctx context.Context, portfolioID string, key string, value []byte, ttl time.Duration) error
}

func getReport(ctx context.Context, s byteStore, portfolioID, key string) (*domain.CachedReport, error) {
	data, err := s.Get(ctx, portfolioID, "report:"+key)
	if err != nil || data == nil {
		return nil, err
	}

	var report domain.CachedReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func setReport(ctx context.Context, s byteStore, portfolioID, key string, report *domain.CachedReport, ttl time.Duration) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.Set(ctx, portfolioID, "report:"+key, data, ttl)
}
