package rebaser

import (
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/dgraph-io/ristretto"
)

const (
	defaultGraphCacheBytes = 256 << 20
	nodeCost               = 256
	edgeCost               = 64
)

// graphCache keeps decoded snapshots by address. Snapshots are immutable
// once addressed, so entries never go stale.
type graphCache struct {
	cache *ristretto.Cache
}

func newGraphCache(maxBytes int64) (*graphCache, error) {
	if maxBytes <= 0 {
		maxBytes = defaultGraphCacheBytes
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &graphCache{cache: c}, nil
}

func cost(g *graph.Graph) int64 {
	return int64(g.NodeCount())*nodeCost + int64(g.EdgeCount())*edgeCost
}

// get hands out a working copy so callers may mutate it.
func (c *graphCache) get(address hash.ContentHash) (*graph.Graph, bool) {
	v, ok := c.cache.Get(address.String())
	if !ok {
		return nil, false
	}
	g, ok := v.(*graph.Graph)
	if !ok {
		return nil, false
	}
	return g.WorkingCopy(), true
}

func (c *graphCache) add(address hash.ContentHash, g *graph.Graph) {
	c.cache.Set(address.String(), g.WorkingCopy(), cost(g))
}

func (c *graphCache) wait() { c.cache.Wait() }

func (c *graphCache) close() { c.cache.Close() }
