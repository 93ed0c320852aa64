package layerdb

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/hash"
)

// graphStore is shared by the workspace and split snapshot dbs. Cached graphs
// are never handed out directly: readers get a copy-on-write working copy.
type graphStore struct {
	cache *LayerCache[*graph.Graph]
	src   *eventSource
}

func (s *graphStore) write(ctx context.Context, g *graph.Graph, tenancy Tenancy, actor string) (hash.ContentHash, *StatusReader, error) {
	h, data, err := g.Address()
	if err != nil {
		return hash.ContentHash{}, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	key := h.String()
	s.cache.Insert(key, g.WorkingCopy())
	status, err := s.src.submit(ctx, EventSnapshotWrite, s.cache.name, key, pack(data), tenancy, actor)
	if err != nil {
		return h, nil, err
	}
	return h, status, nil
}

func (s *graphStore) read(ctx context.Context, h hash.ContentHash) (*graph.Graph, bool, error) {
	g, ok, err := s.cache.Get(ctx, h.String())
	if err != nil || !ok {
		return nil, ok, err
	}
	return g.WorkingCopy(), true, nil
}

func (s *graphStore) evict(ctx context.Context, h hash.ContentHash, tenancy Tenancy, actor string) (*StatusReader, error) {
	key := h.String()
	s.cache.RemoveFromMemory(key)
	return s.src.submit(ctx, EventSnapshotEvict, s.cache.name, key, nil, tenancy, actor)
}

// WorkspaceSnapshotDb stores whole workspace snapshot graphs by address.
type WorkspaceSnapshotDb struct {
	graphStore
}

// Write stores g and returns its snapshot address. The caller keeps ownership of g.
func (d *WorkspaceSnapshotDb) Write(ctx context.Context, g *graph.Graph, tenancy Tenancy, actor string) (hash.ContentHash, *StatusReader, error) {
	return d.write(ctx, g, tenancy, actor)
}

// Read returns a private working copy of the snapshot at address.
func (d *WorkspaceSnapshotDb) Read(ctx context.Context, address hash.ContentHash) (*graph.Graph, bool, error) {
	return d.read(ctx, address)
}

func (d *WorkspaceSnapshotDb) Evict(ctx context.Context, address hash.ContentHash, tenancy Tenancy, actor string) (*StatusReader, error) {
	return d.evict(ctx, address, tenancy, actor)
}

func (d *WorkspaceSnapshotDb) Cache() *LayerCache[*graph.Graph] {
	return d.cache
}

// SplitSnapshotDb stores subgraphs of large snapshots. Big payloads are
// offloaded to object storage by the durable tier.
type SplitSnapshotDb struct {
	graphStore
	pollInterval time.Duration
	pollAttempts int
}

func (d *SplitSnapshotDb) Write(ctx context.Context, g *graph.Graph, tenancy Tenancy, actor string) (hash.ContentHash, *StatusReader, error) {
	return d.write(ctx, g, tenancy, actor)
}

func (d *SplitSnapshotDb) Read(ctx context.Context, address hash.ContentHash) (*graph.Graph, bool, error) {
	return d.read(ctx, address)
}

// ReadWaitForMemory polls the memory tier for a short while before falling
// back to a full read. It absorbs a replicated write whose event has not
// arrived yet; it does not guarantee the write is ever seen.
func (d *SplitSnapshotDb) ReadWaitForMemory(ctx context.Context, address hash.ContentHash) (*graph.Graph, bool, error) {
	key := address.String()
	t := time.NewTicker(d.pollInterval)
	defer t.Stop()
	for attempt := 0; attempt < d.pollAttempts; attempt++ {
		if g, ok := d.cache.memoryGet(key); ok {
			lookupsTotal.WithLabelValues(d.cache.name, tierMemory, "hit").Inc()
			return g.WorkingCopy(), true, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-t.C:
		}
	}
	return d.read(ctx, address)
}

func (d *SplitSnapshotDb) Evict(ctx context.Context, address hash.ContentHash, tenancy Tenancy, actor string) (*StatusReader, error) {
	return d.evict(ctx, address, tenancy, actor)
}

func (d *SplitSnapshotDb) Cache() *LayerCache[*graph.Graph] {
	return d.cache
}
