package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ammiranda/treeext/models"
)

type memoryEntry struct {
	class  string
	tree   []*models.TreeNode
	expiry time.Time
}

// MemoryCache implements Provider using in-memory storage
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates a new in-memory cache provider
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		ttl:     DefaultTTL,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Initialize performs any necessary setup for the cache provider
func (c *MemoryCache) Initialize(ctx context.Context) error {
	return nil
}

// GetHierarchy retrieves a hierarchy from cache if available
func (c *MemoryCache) GetHierarchy(ctx context.Context, key Key) ([]*models.TreeNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key.String()]
	if !ok || c.now().After(e.expiry) {
		return nil, false
	}
	return e.tree, true
}

// SetHierarchy stores a hierarchy in cache
func (c *MemoryCache) SetHierarchy(ctx context.Context, key Key, tree []*models.TreeNode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key.String()] = memoryEntry{class: key.Class, tree: tree, expiry: c.now().Add(c.ttl)}
}

// InvalidateClass removes the hierarchies of class
func (c *MemoryCache) InvalidateClass(ctx context.Context, class string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if e.class == class {
			delete(c.entries, k)
		}
	}
	return nil
}

// SetCacheTTL sets the cache time-to-live duration
func (c *MemoryCache) SetCacheTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ttl = ttl
	// Update all existing expiries
	now := c.now()
	for k, e := range c.entries {
		e.expiry = now.Add(ttl)
		c.entries[k] = e
	}
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	now := c.now()
	for _, e := range c.entries {
		if !now.After(e.expiry) {
			n++
		}
	}
	return n
}
