// Package cache is a typed TTL cache over go-cache.
package cache

import (
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const DefaultTTL = time.Hour

type Config struct {
	TTL time.Duration
}

// Cache maps K to V. keyToString must be injective for K.
type Cache[K comparable, V any] struct {
	cache       *gocache.Cache
	keyToString func(K) string
	logger      *slog.Logger
}

func New[K comparable, V any](cfg Config, keyToString func(K) string) *Cache[K, V] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Cache[K, V]{
		cache:       gocache.New(cfg.TTL, cfg.TTL/2),
		keyToString: keyToString,
		logger:      slog.Default().With("component", "cache"),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	value, found := c.cache.Get(c.keyToString(key))
	if !found {
		var zero V
		return zero, false
	}
	typed, ok := value.(V)
	return typed, ok
}

func (c *Cache[K, V]) Set(key K, value V) {
	k := c.keyToString(key)
	c.cache.SetDefault(k, value)
	c.logger.Debug("Cached entry", "key", k)
}

// GetOrLoad returns the cached value or stores the result of load. Load
// errors are not cached.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

func (c *Cache[K, V]) Invalidate(key K) {
	c.cache.Delete(c.keyToString(key))
}

func (c *Cache[K, V]) Len() int {
	return c.cache.ItemCount()
}
