package cache

import (
	"context"
	"sync"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/pkg/metrics"
)

// MemoryCache is the in-process fallback used when Redis is not configured,
// and by tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]interfaces.SubAccountAddress
}

// NewMemoryCache builds an empty in-memory address cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]interfaces.SubAccountAddress)}
}

// Get implements interfaces.AddressCache.
func (c *MemoryCache) Get(_ context.Context, key string) (*interfaces.SubAccountAddress, bool) {
	c.mu.RLock()
	addr, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		metrics.AddressCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.AddressCacheHits.WithLabelValues("hit").Inc()
	out := addr
	return &out, true
}

// Set implements interfaces.AddressCache.
func (c *MemoryCache) Set(_ context.Context, key string, addr *interfaces.SubAccountAddress) {
	c.mu.Lock()
	c.entries[key] = *addr
	c.mu.Unlock()
}
