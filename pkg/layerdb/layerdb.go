// Package layerdb is a replicated multi-tier cache over the content-addressed
// store and workspace snapshots.
//
// Reads go memory, then disk (badger), then the durable store (Postgres or
// object storage), backfilling faster tiers on the way out. Writes land in
// memory synchronously and reach disk, the durable store and the event bus
// through a journaled background persister. Other instances subscribed to the
// bus mirror writes and evictions into their own tiers.
package layerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Config struct {
	// InstanceID identifies this process on the bus. Generated when empty.
	InstanceID string
	// MemoryEntries bounds each db's memory tier.
	MemoryEntries int
	Persister     PersisterConfig

	SplitReadPollInterval time.Duration
	SplitReadPollAttempts int
}

func (c Config) withDefaults() (Config, error) {
	if c.InstanceID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return c, err
		}
		c.InstanceID = id
	}
	if c.MemoryEntries <= 0 {
		c.MemoryEntries = DefaultMemoryEntries
	}
	if c.SplitReadPollInterval <= 0 {
		c.SplitReadPollInterval = 10 * time.Millisecond
	}
	if c.SplitReadPollAttempts <= 0 {
		c.SplitReadPollAttempts = 20
	}
	return c, nil
}

// remoteSink is implemented by every LayerCache so events can be routed by db name.
type remoteSink interface {
	applyRemoteWrite(key string, stored []byte) error
	applyRemoteEvict(key string)
	waitBackfill()
}

type LayerDb struct {
	cfg       Config
	disk      *DiskCache
	durable   Durable
	bus       Bus
	persister *Persister
	sinks     map[string]remoteSink

	Cas               *CasDb
	WorkspaceSnapshot *WorkspaceSnapshotDb
	SplitSnapshot     *SplitSnapshotDb
}

// New wires the tiers together and starts the persister. The LayerDb owns disk
// from here on and closes it in Shutdown.
func New(cfg Config, disk *DiskCache, durable Durable, bus Bus) (*LayerDb, error) {
	if disk == nil || durable == nil || bus == nil {
		return nil, errors.New("layerdb needs a disk cache, a durable store and a bus")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("layerdb config: %w", err)
	}

	l := &LayerDb{
		cfg:       cfg,
		disk:      disk,
		durable:   durable,
		bus:       bus,
		persister: newPersister(cfg.Persister, durable, disk, bus),
		sinks:     make(map[string]remoteSink, 3),
	}
	src := &eventSource{instanceID: cfg.InstanceID, gen: ident.NewGenerator(), persister: l.persister}

	cas, err := newLayerCache[json.RawMessage](CasDBName, cfg.MemoryEntries, disk, durable, JSONCodec[json.RawMessage]{})
	if err != nil {
		return nil, err
	}
	snapshots, err := newLayerCache[*graph.Graph](WorkspaceSnapshotDBName, cfg.MemoryEntries, disk, durable, GraphCodec{})
	if err != nil {
		return nil, err
	}
	split, err := newLayerCache[*graph.Graph](SplitSnapshotDBName, cfg.MemoryEntries, disk, durable, GraphCodec{})
	if err != nil {
		return nil, err
	}

	l.Cas = &CasDb{cache: cas, src: src}
	l.WorkspaceSnapshot = &WorkspaceSnapshotDb{graphStore{cache: snapshots, src: src}}
	l.SplitSnapshot = &SplitSnapshotDb{
		graphStore:   graphStore{cache: split, src: src},
		pollInterval: cfg.SplitReadPollInterval,
		pollAttempts: cfg.SplitReadPollAttempts,
	}
	l.sinks[CasDBName] = cas
	l.sinks[WorkspaceSnapshotDBName] = snapshots
	l.sinks[SplitSnapshotDBName] = split

	if err := l.persister.start(); err != nil {
		_ = l.persister.shutdown(context.Background())
		return nil, err
	}
	logger.Info("[LayerDb] Started", "instance", cfg.InstanceID, "partitions", l.persister.cfg.Partitions)
	return l, nil
}

func (l *LayerDb) InstanceID() string {
	return l.cfg.InstanceID
}

// Subscribe mirrors events from other instances until ctx is done.
func (l *LayerDb) Subscribe(ctx context.Context) error {
	return l.bus.Subscribe(ctx, l.handleEvent)
}

func (l *LayerDb) handleEvent(e Event) {
	if e.Source == l.cfg.InstanceID {
		return
	}
	sink, ok := l.sinks[e.DB]
	if !ok {
		remoteEventsTotal.WithLabelValues(string(e.Kind), "unknown_db").Inc()
		logger.Warn("[LayerDb] Event for unknown db", "db", e.DB, "kind", e.Kind)
		return
	}
	switch {
	case e.Kind.IsWrite():
		if err := sink.applyRemoteWrite(e.Key, e.Payload); err != nil {
			remoteEventsTotal.WithLabelValues(string(e.Kind), "rejected").Inc()
			logger.Error("[LayerDb] Rejected replicated write", "db", e.DB, "key", e.Key, "source", e.Source, "err", err)
			return
		}
	case e.Kind.IsEvict():
		sink.applyRemoteEvict(e.Key)
	default:
		remoteEventsTotal.WithLabelValues(string(e.Kind), "unknown_kind").Inc()
		return
	}
	remoteEventsTotal.WithLabelValues(string(e.Kind), "applied").Inc()
}

// Shutdown drains the persister, waits for disk backfills and closes the disk tier.
func (l *LayerDb) Shutdown(ctx context.Context) error {
	drainErr := l.persister.shutdown(ctx)
	for _, s := range l.sinks {
		s.waitBackfill()
	}
	if err := l.disk.Close(); err != nil {
		return errors.Join(drainErr, fmt.Errorf("close disk cache: %w", err))
	}
	logger.Info("[LayerDb] Shut down", "instance", l.cfg.InstanceID)
	return drainErr
}
