package store

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// DefaultCacheSize is the number of histories kept by NewCached when size
// is not positive.
const DefaultCacheSize = 256

// Cached is a read-through LRU in front of another Store. Every append
// attempt evicts the context, successful or not, so the cache never
// outlives the backing log. A read that overlapped an append attempt is
// not cached.
type Cached struct {
	next  Store
	cache *lru.Cache[string, []task.Entry]

	mu  sync.Mutex
	gen map[string]uint64
}

// NewCached wraps next with an LRU holding up to size histories.
func NewCached(next Store, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []task.Entry](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache, gen: map[string]uint64{}}, nil
}

// Append forwards to the backing store and invalidates the cached history.
func (c *Cached) Append(ctx context.Context, contextID string, entry task.Entry) error {
	c.invalidate(contextID)
	defer c.invalidate(contextID)
	return c.next.Append(ctx, contextID, entry)
}

func (c *Cached) invalidate(contextID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[contextID]++
	c.cache.Remove(contextID)
}

// Read serves from cache when possible.
func (c *Cached) Read(ctx context.Context, contextID string) ([]task.Entry, error) {
	if history, ok := c.cache.Get(contextID); ok {
		return cloneHistory(history), nil
	}
	c.mu.Lock()
	gen := c.gen[contextID]
	c.mu.Unlock()

	history, err := c.next.Read(ctx, contextID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen[contextID] == gen {
		c.cache.Add(contextID, cloneHistory(history))
	}
	c.mu.Unlock()
	return history, nil
}

// List is never cached.
func (c *Cached) List(ctx context.Context) ([]string, error) {
	return c.next.List(ctx)
}

// Len reports the number of cached histories.
func (c *Cached) Len() int {
	return c.cache.Len()
}

func cloneHistory(h []task.Entry) []task.Entry {
	out := make([]task.Entry, len(h))
	copy(out, h)
	return out
}
