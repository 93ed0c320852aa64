package layerdb

import (
	"context"
	"sync"
)

// Durable is the source-of-truth tier. Writes are idempotent per key: a
// second write of an existing key keeps the first copy.
type Durable interface {
	Read(ctx context.Context, table, key string) ([]byte, bool, error)
	// ReadMany returns only the keys that exist.
	ReadMany(ctx context.Context, table string, keys []string) (map[string][]byte, error)
	Write(ctx context.Context, table, key string, value []byte) error
}

// ObjectStore holds payloads too large for a table row.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
}

// MemoryDurable is an in-process Durable. It backs tests and single-node
// tooling where no database is available.
type MemoryDurable struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte

	// readErr and writeErr, when set, are returned by every call.
	readErr  error
	writeErr error
	writes   int
}

func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{tables: make(map[string]map[string][]byte)}
}

func (m *MemoryDurable) Read(_ context.Context, table, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readErr != nil {
		return nil, false, m.readErr
	}
	v, ok := m.tables[table][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryDurable) ReadMany(ctx context.Context, table string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := m.Read(ctx, table, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryDurable) Write(_ context.Context, table, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes++
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string][]byte)
		m.tables[table] = t
	}
	if _, exists := t[key]; exists {
		return nil
	}
	t[key] = append([]byte(nil), value...)
	return nil
}

// SetErrors makes every following Read or Write fail with the given errors. Nil clears.
func (m *MemoryDurable) SetErrors(read, write error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = read
	m.writeErr = write
}

// Rows is the number of distinct keys stored in table.
func (m *MemoryDurable) Rows(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}

// Writes counts accepted write calls, including ones that found the key present.
func (m *MemoryDurable) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
