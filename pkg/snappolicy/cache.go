package snappolicy

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// Cache memoizes Parse() results by the exact source text. datasets overwhelmingly share a
// handful of distinct policies, so a run parses each of them once.
type Cache struct {
	parsed *lru.Cache
	mu     sync.Mutex
}

func NewCache() *Cache {
	return &Cache{
		parsed: lru.New(0), // 0 = no eviction
	}
}

// failures are cached too, a bad spec stays bad
func (c *Cache) Parse(spec string) (Policy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, found := c.parsed.Get(spec); found {
		entry := cached.(*cacheEntry)
		return entry.policy, entry.err
	}

	policy, err := Parse(spec)

	c.parsed.Add(spec, &cacheEntry{policy, err})

	return policy, err
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.parsed.Len()
}

func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.parsed.Clear()
}

type cacheEntry struct {
	policy Policy
	err    error
}
