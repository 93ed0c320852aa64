package layerdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPersisterPartitions = 8
	DefaultPersisterQueueSize  = 1024
)

type PersisterConfig struct {
	// Partitions is the number of FIFO workers. Events for the same key always
	// land on the same partition.
	Partitions int
	// QueueSize bounds each partition. Producers block when it is full.
	QueueSize int
	Backoff   util.Backoff
}

func (c PersisterConfig) withDefaults() PersisterConfig {
	if c.Partitions <= 0 {
		c.Partitions = DefaultPersisterPartitions
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultPersisterQueueSize
	}
	if c.Backoff.MaxTries <= 0 {
		c.Backoff = util.Backoff{MaxTries: 8, Initial: 50 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
	}
	return c
}

// StatusReader reports when an event has reached the durable tier and the bus.
type StatusReader struct {
	done chan struct{}
	err  error
}

func newStatusReader() *StatusReader {
	return &StatusReader{done: make(chan struct{})}
}

func (s *StatusReader) finish(err error) {
	s.err = err
	close(s.done)
}

// Done is closed once the event is acknowledged or has failed for good.
func (s *StatusReader) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the event is persisted, it fails, or ctx is done.
func (s *StatusReader) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type persistTask struct {
	seq    uint64
	event  Event
	status *StatusReader
}

// Persister moves accepted events to the durable tier, the disk tier and the
// bus, in that order. Every event is journaled on disk before it is queued and
// the journal entry is removed only after the bus acknowledged it.
type Persister struct {
	cfg     PersisterConfig
	durable Durable
	disk    *DiskCache
	bus     Bus

	queues []chan persistTask
	seq    atomic.Uint64

	mu     sync.RWMutex
	closed bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	workers   errgroup.Group
}

func newPersister(cfg PersisterConfig, durable Durable, disk *DiskCache, bus Bus) *Persister {
	cfg = cfg.withDefaults()
	p := &Persister{
		cfg:     cfg,
		durable: durable,
		disk:    disk,
		bus:     bus,
		queues:  make([]chan persistTask, cfg.Partitions),
	}
	for i := range p.queues {
		p.queues[i] = make(chan persistTask, cfg.QueueSize)
	}
	return p
}

// start launches the partition workers and re-queues journaled events left
// over from a previous run.
func (p *Persister) start() error {
	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
	for _, q := range p.queues {
		p.workers.Go(func() error {
			for t := range q {
				persisterQueueDepth.Dec()
				p.process(t)
			}
			return nil
		})
	}

	entries, err := p.disk.journal()
	if err != nil {
		return fmt.Errorf("read persister journal: %w", err)
	}
	var last uint64
	for _, e := range entries {
		last = max(last, e.Seq)
	}
	p.seq.Store(last)

	for _, entry := range entries {
		var ev Event
		if err := json.Unmarshal(entry.Data, &ev); err != nil {
			logger.Error("[LayerDb][Persister] Dropping unreadable journal entry", "seq", entry.Seq, "err", err)
			_ = p.disk.deleteJournal(entry.Seq)
			continue
		}
		logger.Info("[LayerDb][Persister] Replaying journaled event", "seq", entry.Seq, "db", ev.DB, "key", ev.Key, "kind", ev.Kind)
		persisterQueueDepth.Inc()
		p.queues[p.partition(ev)] <- persistTask{seq: entry.Seq, event: ev, status: newStatusReader()}
	}
	return nil
}

func (p *Persister) partition(e Event) int {
	h := hash.Compute([]byte(e.DB + "\x00" + e.Key))
	return int(binary.BigEndian.Uint32(h[:4]) % uint32(len(p.queues)))
}

// Enqueue journals e and hands it to its partition, blocking while the
// partition is full.
func (p *Persister) Enqueue(ctx context.Context, e Event) (*StatusReader, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrShutdown
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	seq := p.seq.Add(1)
	if err := p.disk.putJournal(seq, data); err != nil {
		return nil, fmt.Errorf("journal event: %w", err)
	}

	t := persistTask{seq: seq, event: e, status: newStatusReader()}
	select {
	case p.queues[p.partition(e)] <- t:
		persisterQueueDepth.Inc()
		return t.status, nil
	case <-ctx.Done():
		_ = p.disk.deleteJournal(seq)
		return nil, ctx.Err()
	}
}

func (p *Persister) process(t persistTask) {
	start := time.Now()
	kind := string(t.event.Kind)
	err := util.RetryWithBackoff(p.runCtx, p.cfg.Backoff, func(ctx context.Context) error {
		return p.apply(ctx, t.event)
	})
	persisterTaskDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		// the journal entry stays behind and is replayed on the next start
		persisterTasksTotal.WithLabelValues(kind, "failed").Inc()
		logger.Error("[LayerDb][Persister] Giving up on event", "db", t.event.DB, "key", t.event.Key, "kind", kind, "err", err)
		t.status.finish(err)
		return
	}
	if err := p.disk.deleteJournal(t.seq); err != nil {
		logger.Warn("[LayerDb][Persister] Failed to clear journal entry", "seq", t.seq, "err", err)
	}
	persisterTasksTotal.WithLabelValues(kind, "ok").Inc()
	t.status.finish(nil)
}

func (p *Persister) apply(ctx context.Context, e Event) error {
	switch {
	case e.Kind.IsWrite():
		if err := p.durable.Write(ctx, e.DB, e.Key, e.Payload); err != nil {
			return fmt.Errorf("durable write %s/%s: %w", e.DB, e.Key, err)
		}
		if err := p.disk.Put(e.DB, e.Key, e.Payload); err != nil {
			logger.Warn("[LayerDb][Persister] Disk write failed", "db", e.DB, "key", e.Key, "err", err)
		}
	case e.Kind.IsEvict():
		if err := p.disk.Delete(e.DB, e.Key); err != nil {
			logger.Warn("[LayerDb][Persister] Disk delete failed", "db", e.DB, "key", e.Key, "err", err)
		}
	default:
		return util.Permanent(fmt.Errorf("unknown event kind %q", e.Kind))
	}
	if err := p.bus.Publish(ctx, e); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

// shutdown stops accepting events and drains the queues. If ctx expires first,
// in-flight work is aborted and stays in the journal.
func (p *Persister) shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancelRun()
		return nil
	case <-ctx.Done():
		p.cancelRun()
		<-done
		return ctx.Err()
	}
}
