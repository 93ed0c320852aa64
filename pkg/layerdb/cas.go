package layerdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
)

const (
	CasDBName               = "cas"
	WorkspaceSnapshotDBName = "workspace_snapshots"
	SplitSnapshotDBName     = "split_snapshot_subgraphs"
)

// eventSource stamps events with this instance's id.
type eventSource struct {
	instanceID string
	gen        *ident.Generator
	persister  *Persister
}

func (s *eventSource) submit(ctx context.Context, kind EventKind, db, key string, payload []byte, tenancy Tenancy, actor string) (*StatusReader, error) {
	id, err := s.gen.New()
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = SystemActor
	}
	return s.persister.Enqueue(ctx, Event{
		ID:        id,
		Kind:      kind,
		DB:        db,
		Key:       key,
		Payload:   payload,
		Tenancy:   tenancy,
		Actor:     actor,
		Source:    s.instanceID,
		CreatedAt: time.Now().UTC(),
	})
}

// CasDb is the content-addressed store. Values are kept as canonical JSON and
// keyed by the hash of those bytes, so writing the same value twice is a no-op
// past the first write.
type CasDb struct {
	cache *LayerCache[json.RawMessage]
	src   *eventSource
}

// Write stores value and returns its content hash. The value is readable from
// this process as soon as Write returns; the StatusReader reports durability.
func (d *CasDb) Write(ctx context.Context, value any, tenancy Tenancy, actor string) (hash.ContentHash, *StatusReader, error) {
	canonical, err := hash.CanonicalJSON(value)
	if err != nil {
		return hash.ContentHash{}, nil, fmt.Errorf("encode cas value: %w", err)
	}
	h := hash.Compute(canonical)
	key := h.String()
	d.cache.Insert(key, json.RawMessage(canonical))
	status, err := d.src.submit(ctx, EventWrite, d.cache.name, key, pack(canonical), tenancy, actor)
	if err != nil {
		return h, nil, err
	}
	return h, status, nil
}

func (d *CasDb) Read(ctx context.Context, h hash.ContentHash) (json.RawMessage, bool, error) {
	return d.cache.Get(ctx, h.String())
}

func (d *CasDb) ReadMany(ctx context.Context, hashes []hash.ContentHash) (map[hash.ContentHash]json.RawMessage, error) {
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = h.String()
	}
	found, err := d.cache.GetBulk(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[hash.ContentHash]json.RawMessage, len(found))
	for _, h := range hashes {
		if v, ok := found[h.String()]; ok {
			out[h] = v
		}
	}
	return out, nil
}

// Evict drops h from memory here and, through the bus, on every other instance.
func (d *CasDb) Evict(ctx context.Context, h hash.ContentHash, tenancy Tenancy, actor string) (*StatusReader, error) {
	key := h.String()
	d.cache.RemoveFromMemory(key)
	return d.src.submit(ctx, EventEvict, d.cache.name, key, nil, tenancy, actor)
}

// Cache exposes the underlying tiers, mostly for tests and tooling.
func (d *CasDb) Cache() *LayerCache[json.RawMessage] {
	return d.cache
}

// ReadAs reads h from d and decodes it into T.
func ReadAs[T any](ctx context.Context, d *CasDb, h hash.ContentHash) (T, bool, error) {
	var zero T
	raw, ok, err := d.Read(ctx, h)
	if err != nil || !ok {
		return zero, ok, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, &IntegrityError{DB: d.cache.name, Key: h.String(), Err: err}
	}
	return v, true, nil
}
