package layerdb

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/dgraph-io/badger/v4"
)

// DiskConfig configures the embedded on-disk tier.
type DiskConfig struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool

	// GCInterval of zero disables value log garbage collection.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultDiskConfig(path string) DiskConfig {
	return DiskConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryDiskConfig is for tests: nothing touches the filesystem.
func InMemoryDiskConfig() DiskConfig {
	return DiskConfig{InMemory: true}
}

const (
	cachePrefix   = "c/"
	journalPrefix = "j/"
)

// DiskCache is the badger-backed tier. It also holds the persister journal,
// so events accepted before a crash are replayed on the next start.
type DiskCache struct {
	db     *badger.DB
	stopGC chan struct{}
	gcDone chan struct{}
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error("[LayerDb][Disk] " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn("[LayerDb][Disk] " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}

func OpenDisk(cfg DiskConfig) (*DiskCache, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("disk cache path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create disk cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open disk cache: %w", err)
	}

	d := &DiskCache{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.stopGC = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return d, nil
}

func (d *DiskCache) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-t.C:
			if err := d.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger.Warn("[LayerDb][Disk] Value log GC failed", "err", err)
			}
		}
	}
}

func cacheKey(db, key string) []byte {
	return []byte(cachePrefix + db + "/" + key)
}

func (d *DiskCache) Get(db, key string) ([]byte, bool, error) {
	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(db, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (d *DiskCache) Put(db, key string, value []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(db, key), value)
	})
}

func (d *DiskCache) Delete(db, key string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(db, key))
	})
}

// JournalEntry is an event accepted by the persister and not yet acknowledged.
type JournalEntry struct {
	Seq  uint64
	Data []byte
}

func journalKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%spending:%016d", journalPrefix, seq))
}

func (d *DiskCache) putJournal(seq uint64, data []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(seq), data)
	})
}

func (d *DiskCache) deleteJournal(seq uint64) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(journalKey(seq))
	})
}

// journal returns pending entries in acceptance order.
func (d *DiskCache) journal() ([]JournalEntry, error) {
	var entries []JournalEntry
	prefix := []byte(journalPrefix + "pending:")
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			seq, err := strconv.ParseUint(strings.TrimPrefix(string(item.Key()), string(prefix)), 10, 64)
			if err != nil {
				return fmt.Errorf("parse journal key %q: %w", item.Key(), err)
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, JournalEntry{Seq: seq, Data: data})
		}
		return nil
	})
	return entries, err
}

func (d *DiskCache) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
	}
	return d.db.Close()
}
