package config

import (
	"context"
	"strings"
	"sync"
)

// Cache memoizes resolved configs by source set. It replaces process-wide
// memoization: whoever wants reuse puts one on the context.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Config
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Config)}
}

func (c *Cache) get(key string) (*Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.entries[key]
	return cfg, ok
}

func (c *Cache) put(key string, cfg *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cfg
}

// Invalidate drops every cached config, e.g. after a watched file changed.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Config)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type cacheCtxKey struct{}

func WithCache(ctx context.Context, c *Cache) context.Context {
	return context.WithValue(ctx, cacheCtxKey{}, c)
}

func CacheFrom(ctx context.Context) *Cache {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(cacheCtxKey{}).(*Cache)
	return c
}

func cacheKey(sources []string) string {
	return strings.Join(sources, "\x00")
}
