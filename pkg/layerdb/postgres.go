package layerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the subset of pgx used by the durable tier. *pgxpool.Pool satisfies it.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

const readManyChunk = 500

// Tables known to the durable tier. Each has the columns
// (key text primary key, value bytea, object_key text, size_bytes bigint, created_at).
var durableTables = map[string]struct{}{
	CasDBName:               {},
	WorkspaceSnapshotDBName: {},
	SplitSnapshotDBName:     {},
}

type tableSQL struct {
	read     string
	readMany string
	write    string
}

func sqlFor(table string) tableSQL {
	return tableSQL{
		read:     fmt.Sprintf(`SELECT value, object_key FROM %s WHERE key = $1`, table),
		readMany: fmt.Sprintf(`SELECT key, value, object_key FROM %s WHERE key = ANY($1)`, table),
		write: fmt.Sprintf(`INSERT INTO %s (key, value, object_key, size_bytes)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO NOTHING`, table),
	}
}

// PostgresDurable stores values in one table per db. Values above the
// object threshold go to object storage and the row keeps only the object key.
type PostgresDurable struct {
	db        Conn
	sql       map[string]tableSQL
	objects   ObjectStore
	threshold int
	prefix    string
}

type PostgresOption func(*PostgresDurable)

// WithObjectStore offloads values larger than threshold bytes to store under
// "{prefix}/{key}". Keys are content hashes, so tables can share objects.
func WithObjectStore(store ObjectStore, threshold int, prefix string) PostgresOption {
	return func(p *PostgresDurable) {
		p.objects = store
		p.threshold = threshold
		p.prefix = prefix
	}
}

func NewPostgresDurable(db Conn, opts ...PostgresOption) *PostgresDurable {
	p := &PostgresDurable{db: db, sql: make(map[string]tableSQL, len(durableTables))}
	for t := range durableTables {
		p.sql[t] = sqlFor(t)
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(p)
	}
	return p
}

func (p *PostgresDurable) statements(table string) (tableSQL, error) {
	s, ok := p.sql[table]
	if !ok {
		return tableSQL{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return s, nil
}

func (p *PostgresDurable) objectKey(key string) string {
	if p.prefix == "" {
		return key
	}
	return p.prefix + "/" + key
}

func (p *PostgresDurable) resolve(ctx context.Context, table, key string, value []byte, objectKey *string) ([]byte, error) {
	if objectKey == nil || *objectKey == "" {
		return value, nil
	}
	if p.objects == nil {
		return nil, fmt.Errorf("%s/%s is stored in object storage but no object store is configured", table, key)
	}
	data, ok, err := p.objects.Get(ctx, *objectKey)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", *objectKey, err)
	}
	if !ok {
		return nil, &IntegrityError{DB: table, Key: key, Err: fmt.Errorf("row references missing object %s", *objectKey)}
	}
	return data, nil
}

func (p *PostgresDurable) Read(ctx context.Context, table, key string) ([]byte, bool, error) {
	s, err := p.statements(table)
	if err != nil {
		return nil, false, err
	}
	var value []byte
	var objectKey *string
	if err := p.db.QueryRow(ctx, s.read, key).Scan(&value, &objectKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	data, err := p.resolve(ctx, table, key, value, objectKey)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (p *PostgresDurable) ReadMany(ctx context.Context, table string, keys []string) (map[string][]byte, error) {
	s, err := p.statements(table)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for start := 0; start < len(keys); start += readManyChunk {
		end := min(start+readManyChunk, len(keys))
		if err := p.readChunk(ctx, s, table, keys[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresDurable) readChunk(ctx context.Context, s tableSQL, table string, keys []string, out map[string][]byte) error {
	rows, err := p.db.Query(ctx, s.readMany, keys)
	if err != nil {
		return err
	}
	defer rows.Close()

	type pending struct {
		key       string
		value     []byte
		objectKey *string
	}
	var found []pending
	for rows.Next() {
		var r pending
		if err := rows.Scan(&r.key, &r.value, &r.objectKey); err != nil {
			return err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, r := range found {
		data, err := p.resolve(ctx, table, r.key, r.value, r.objectKey)
		if err != nil {
			return err
		}
		out[r.key] = data
	}
	return nil
}

func (p *PostgresDurable) Write(ctx context.Context, table, key string, value []byte) error {
	s, err := p.statements(table)
	if err != nil {
		return err
	}
	var objectKey *string
	rowValue := value
	if p.objects != nil && p.threshold > 0 && len(value) > p.threshold {
		k := p.objectKey(key)
		if err := p.objects.Put(ctx, k, value); err != nil {
			return fmt.Errorf("put object %s: %w", k, err)
		}
		logger.Debug("[LayerDb][Postgres] Offloaded value to object storage", "table", table, "key", key, "bytes", len(value))
		objectKey = &k
		rowValue = nil
	}
	_, err = p.db.Exec(ctx, s.write, key, rowValue, objectKey, int64(len(value)))
	return err
}
