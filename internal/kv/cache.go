package kv

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache holds recently used values in memory.
type Cache interface {
	Get(key string) ([]byte, bool)
	Add(key string, value []byte)
	Has(key string) bool
	Remove(key string)
	Clear()
}

// LRUCache evicts the least recently used entry once full.
type LRUCache struct {
	items *lru.Cache[string, []byte]
}

// NewLRUCache creates a cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	items, err := lru.New[string, []byte](maxSize)
	if err != nil {
		// Only returned for a non-positive size, excluded above.
		panic(err)
	}
	return &LRUCache{items: items}
}

func (c *LRUCache) Get(key string) ([]byte, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	return clone(v), true
}

func (c *LRUCache) Add(key string, value []byte) {
	c.items.Add(key, clone(value))
}

func (c *LRUCache) Has(key string) bool {
	return c.items.Contains(key)
}

func (c *LRUCache) Remove(key string) {
	c.items.Remove(key)
}

func (c *LRUCache) Clear() {
	c.items.Purge()
}
