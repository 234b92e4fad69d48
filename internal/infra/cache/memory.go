package cache

import (
	"context"
	"sync"
	"time"

	"issueindex/internal/domain"
)

// MemoryCache реализует domain.Cache в памяти процесса.
type MemoryCache struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

var _ domain.Cache = (*MemoryCache)(nil)

// NewMemory создаёт кэш.
func NewMemory() *MemoryCache {
	return &MemoryCache{keys: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryCache) Once(_ context.Context, key string, ttl time.Duration, fn func() error) (bool, error) {
	c.mu.Lock()
	if exp, ok := c.keys[key]; ok && c.now().Before(exp) {
		c.mu.Unlock()
		return false, nil
	}
	c.keys[key] = c.now().Add(ttl)
	c.mu.Unlock()

	if err := fn(); err != nil {
		c.mu.Lock()
		delete(c.keys, key)
		c.mu.Unlock()
		return true, err
	}
	return true, nil
}
