package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ammiranda/treeext/models"
)

// MockCache is a cache provider that can be used for testing
type MockCache struct {
	mu              sync.RWMutex
	data            map[string][]*models.TreeNode
	classes         map[string]string
	ttl             time.Duration
	GetCalls        int
	SetCalls        int
	InvalidateCalls int
	SetTTLCalls     int
	InitCalls       int
	Invalidated     []string
	ShouldFail      bool
}

// NewMockCache creates a new mock cache provider
func NewMockCache() *MockCache {
	return &MockCache{
		ttl:     DefaultTTL,
		data:    make(map[string][]*models.TreeNode),
		classes: make(map[string]string),
	}
}

// Initialize performs any necessary setup for the cache provider
func (c *MockCache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InitCalls++
	if c.ShouldFail {
		return ErrCacheInitialization
	}
	return nil
}

// GetHierarchy retrieves a hierarchy from cache if available
func (c *MockCache) GetHierarchy(ctx context.Context, key Key) ([]*models.TreeNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GetCalls++

	if c.ShouldFail {
		return nil, false
	}
	tree, ok := c.data[key.String()]
	return tree, ok
}

// SetHierarchy stores a hierarchy in cache
func (c *MockCache) SetHierarchy(ctx context.Context, key Key, tree []*models.TreeNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetCalls++

	if !c.ShouldFail {
		c.data[key.String()] = tree
		c.classes[key.String()] = key.Class
	}
}

// InvalidateClass removes the hierarchies of class
func (c *MockCache) InvalidateClass(ctx context.Context, class string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InvalidateCalls++
	c.Invalidated = append(c.Invalidated, class)

	if c.ShouldFail {
		return ErrCacheInvalidation
	}
	for k, cl := range c.classes {
		if cl == class {
			delete(c.data, k)
			delete(c.classes, k)
		}
	}
	return nil
}

// SetCacheTTL sets the cache time-to-live duration
func (c *MockCache) SetCacheTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetTTLCalls++

	if !c.ShouldFail {
		c.ttl = ttl
	}
}

// Reset resets all counters and state
func (c *MockCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GetCalls = 0
	c.SetCalls = 0
	c.InvalidateCalls = 0
	c.SetTTLCalls = 0
	c.InitCalls = 0
	c.Invalidated = nil
	c.ShouldFail = false
	c.data = make(map[string][]*models.TreeNode)
	c.classes = make(map[string]string)
}

// GetCallCounts returns the number of times each method was called
func (c *MockCache) GetCallCounts() (get, set, invalidate, setTTL, init int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.GetCalls, c.SetCalls, c.InvalidateCalls, c.SetTTLCalls, c.InitCalls
}

// SetShouldFail makes the mock cache fail all operations
func (c *MockCache) SetShouldFail(shouldFail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ShouldFail = shouldFail
}

var (
	// ErrCacheInitialization is returned when the mock cache is configured to fail
	ErrCacheInitialization = errors.New("mock cache initialization failed")
	// ErrCacheInvalidation is returned by InvalidateClass when the mock cache is configured to fail
	ErrCacheInvalidation = errors.New("mock cache invalidation failed")
)
