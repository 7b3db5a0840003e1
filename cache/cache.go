// Package cache keeps assembled tree hierarchies between requests. Entries
// are grouped by tree class so that a committed structural change can drop
// every hierarchy of its class at once.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ammiranda/treeext/models"
)

// DefaultTTL is the lifetime of a cached hierarchy unless configured.
const DefaultTTL = 5 * time.Minute

// Key identifies one hierarchy listing.
type Key struct {
	Class       string
	NodeID      int64
	Direct      bool
	IncludeNode bool
	SortField   string
	SortDir     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%t:%t:%s:%s", k.Class, k.NodeID, k.Direct, k.IncludeNode, k.SortField, strings.ToLower(k.SortDir))
}

// Provider defines the interface for cache implementations.
// It provides methods for caching and retrieving tree hierarchies.
type Provider interface {
	// GetHierarchy retrieves a hierarchy from cache if available.
	// Returns the hierarchy and whether it was found.
	GetHierarchy(ctx context.Context, key Key) ([]*models.TreeNode, bool)

	// SetHierarchy stores a hierarchy in cache.
	SetHierarchy(ctx context.Context, key Key, tree []*models.TreeNode)

	// InvalidateClass removes every cached hierarchy of class.
	// This is called after a transaction changed the structure of the class.
	InvalidateClass(ctx context.Context, class string) error

	// SetCacheTTL sets the duration after which cached data expires.
	SetCacheTTL(ttl time.Duration)

	// Initialize performs any necessary setup for the cache provider,
	// such as checking connections or creating tables.
	Initialize(ctx context.Context) error
}

// NopCache caches nothing.
type NopCache struct{}

func (NopCache) GetHierarchy(context.Context, Key) ([]*models.TreeNode, bool) { return nil, false }
func (NopCache) SetHierarchy(context.Context, Key, []*models.TreeNode)        {}
func (NopCache) InvalidateClass(context.Context, string) error                { return nil }
func (NopCache) SetCacheTTL(time.Duration)                                    {}
func (NopCache) Initialize(context.Context) error                             { return nil }
