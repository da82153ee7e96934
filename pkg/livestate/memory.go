package livestate

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache for tests and embedded
// deployments. Expiry is checked lazily on read.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	fields    map[string]string
	expiresAt time.Time
}

// NewMemoryCache creates an empty cache. Zero ttl means DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for expiry tests.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) Merge(ctx context.Context, key string, fields map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	e, ok := c.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = &memoryEntry{fields: make(map[string]string, len(fields))}
		c.entries[key] = e
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	e.expiresAt = now.Add(c.ttl)
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if c.clock().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out, nil
}
