package layerdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/strata/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const DefaultMemoryEntries = 4096

const diskLookupConcurrency = 8

// LayerCache reads one db through memory, disk and durable storage. Lower
// tier hits backfill the tiers above them.
type LayerCache[V any] struct {
	name    string
	memory  *memoryTier[V]
	disk    *DiskCache
	durable Durable
	codec   Codec[V]

	backfill sync.WaitGroup
}

func newLayerCache[V any](name string, memoryEntries int, disk *DiskCache, durable Durable, codec Codec[V]) (*LayerCache[V], error) {
	mem, err := newMemoryTier[V](name, memoryEntries)
	if err != nil {
		return nil, fmt.Errorf("create memory tier for %s: %w", name, err)
	}
	return &LayerCache[V]{
		name:    name,
		memory:  mem,
		disk:    disk,
		durable: durable,
		codec:   codec,
	}, nil
}

func (c *LayerCache[V]) Name() string {
	return c.name
}

// Get returns (zero, false, nil) when no tier has key. Durable store errors
// are returned as errors, never as a miss.
func (c *LayerCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if v, ok := c.memory.get(key); ok {
		lookupsTotal.WithLabelValues(c.name, tierMemory, "hit").Inc()
		return v, true, nil
	}

	stored, ok, err := c.disk.Get(c.name, key)
	if err != nil {
		logger.Warn("[LayerDb] Disk read failed, falling through to durable store", "db", c.name, "key", key, "err", err)
	}
	if ok {
		v, err := c.decode(key, stored)
		if err != nil {
			return zero, false, err
		}
		lookupsTotal.WithLabelValues(c.name, tierDisk, "hit").Inc()
		c.memory.add(key, v)
		return v, true, nil
	}

	stored, ok, err = c.durable.Read(ctx, c.name, key)
	if err != nil {
		lookupsTotal.WithLabelValues(c.name, tierDurable, "error").Inc()
		return zero, false, fmt.Errorf("read %s/%s from durable store: %w", c.name, key, err)
	}
	if !ok {
		lookupsTotal.WithLabelValues(c.name, tierDurable, "miss").Inc()
		return zero, false, nil
	}
	v, err := c.decode(key, stored)
	if err != nil {
		return zero, false, err
	}
	lookupsTotal.WithLabelValues(c.name, tierDurable, "hit").Inc()
	c.memory.add(key, v)
	c.spawnDiskWrite(key, stored)
	return v, true, nil
}

// GetBulk returns the values found for keys. Keys missed by memory and disk
// are fetched from the durable store in one batch.
func (c *LayerCache[V]) GetBulk(ctx context.Context, keys []string) (map[string]V, error) {
	found := make(map[string]V, len(keys))
	var afterMemory []string
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if v, ok := c.memory.get(k); ok {
			lookupsTotal.WithLabelValues(c.name, tierMemory, "hit").Inc()
			found[k] = v
			continue
		}
		afterMemory = append(afterMemory, k)
	}
	if len(afterMemory) == 0 {
		return found, nil
	}

	var mu sync.Mutex
	var afterDisk []string
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(diskLookupConcurrency)
	for _, k := range afterMemory {
		g.Go(func() error {
			stored, ok, err := c.disk.Get(c.name, k)
			if err != nil {
				logger.Warn("[LayerDb] Disk read failed, falling through to durable store", "db", c.name, "key", k, "err", err)
			}
			if !ok {
				mu.Lock()
				afterDisk = append(afterDisk, k)
				mu.Unlock()
				return nil
			}
			v, err := c.decode(k, stored)
			if err != nil {
				return err
			}
			lookupsTotal.WithLabelValues(c.name, tierDisk, "hit").Inc()
			c.memory.add(k, v)
			mu.Lock()
			found[k] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(afterDisk) == 0 {
		return found, nil
	}

	rows, err := c.durable.ReadMany(ctx, c.name, afterDisk)
	if err != nil {
		lookupsTotal.WithLabelValues(c.name, tierDurable, "error").Inc()
		return nil, fmt.Errorf("bulk read %d keys of %s from durable store: %w", len(afterDisk), c.name, err)
	}
	for _, k := range afterDisk {
		stored, ok := rows[k]
		if !ok {
			lookupsTotal.WithLabelValues(c.name, tierDurable, "miss").Inc()
			continue
		}
		v, err := c.decode(k, stored)
		if err != nil {
			return nil, err
		}
		lookupsTotal.WithLabelValues(c.name, tierDurable, "hit").Inc()
		c.memory.add(k, v)
		c.spawnDiskWrite(k, stored)
		found[k] = v
	}
	return found, nil
}

// Insert puts v into the memory tier only. Persistence goes through the persister.
func (c *LayerCache[V]) Insert(key string, v V) {
	c.memory.add(key, v)
}

// InMemory reports whether key is currently held by the memory tier.
func (c *LayerCache[V]) InMemory(key string) bool {
	return c.memory.contains(key)
}

func (c *LayerCache[V]) memoryGet(key string) (V, bool) {
	return c.memory.get(key)
}

// RemoveFromMemory drops key from this process only.
func (c *LayerCache[V]) RemoveFromMemory(key string) {
	c.memory.remove(key)
}

func (c *LayerCache[V]) decode(key string, stored []byte) (V, error) {
	v, err := decodeStored(c.codec, c.name, key, stored)
	if err != nil {
		logger.Error("[LayerDb] Stored value failed integrity check", "db", c.name, "key", key, "err", err)
	}
	return v, err
}

func (c *LayerCache[V]) spawnDiskWrite(key string, stored []byte) {
	c.backfill.Add(1)
	go func() {
		defer c.backfill.Done()
		if err := c.disk.Put(c.name, key, stored); err != nil {
			logger.Warn("[LayerDb] Disk backfill failed", "db", c.name, "key", key, "err", err)
		}
	}()
}

// applyRemoteWrite mirrors a write made by another instance.
func (c *LayerCache[V]) applyRemoteWrite(key string, stored []byte) error {
	v, err := c.decode(key, stored)
	if err != nil {
		return err
	}
	c.memory.add(key, v)
	if err := c.disk.Put(c.name, key, stored); err != nil {
		logger.Warn("[LayerDb] Disk mirror failed", "db", c.name, "key", key, "err", err)
	}
	return nil
}

func (c *LayerCache[V]) applyRemoteEvict(key string) {
	c.memory.remove(key)
	if err := c.disk.Delete(c.name, key); err != nil {
		logger.Warn("[LayerDb] Disk evict failed", "db", c.name, "key", key, "err", err)
	}
}

func (c *LayerCache[V]) waitBackfill() {
	c.backfill.Wait()
}
