package layerdb

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryTier is the process-local bounded cache in front of disk and durable storage.
type memoryTier[V any] struct {
	db    string
	cache *lru.Cache[string, V]
}

func newMemoryTier[V any](db string, size int) (*memoryTier[V], error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	cache, err := lru.New[string, V](size)
	if err != nil {
		return nil, err
	}
	return &memoryTier[V]{db: db, cache: cache}, nil
}

func (m *memoryTier[V]) get(key string) (V, bool) {
	return m.cache.Get(key)
}

func (m *memoryTier[V]) add(key string, v V) {
	if m.cache.Add(key, v) {
		memoryEvictionsTotal.WithLabelValues(m.db, evictCapacity).Inc()
	}
}

// remove drops key on an explicit or replicated evict.
func (m *memoryTier[V]) remove(key string) {
	if m.cache.Remove(key) {
		memoryEvictionsTotal.WithLabelValues(m.db, evictRemoved).Inc()
	}
}

func (m *memoryTier[V]) contains(key string) bool {
	return m.cache.Contains(key)
}

func (m *memoryTier[V]) len() int {
	return m.cache.Len()
}
