package rebaser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrChangeSetNotFound = errors.New("change set not found")
	// ErrPointerMoved means the change set was updated while a rebase of it
	// was running.
	ErrPointerMoved = errors.New("change set pointer moved")
)

// Pointer records which snapshot a change set currently points at.
type Pointer struct {
	WorkspaceID   ident.ID
	ChangeSetID   ident.ID
	VectorClockID ident.ID
	Address       hash.ContentHash
}

// PointerStore reads and moves change set pointers.
type PointerStore interface {
	Get(ctx context.Context, workspaceID, changeSetID ident.ID) (Pointer, bool, error)
	Put(ctx context.Context, p Pointer) error
	// CompareAndSwap moves the pointer to next only if it still points at prev.
	CompareAndSwap(ctx context.Context, workspaceID, changeSetID ident.ID, prev, next hash.ContentHash) (bool, error)
}

// Conn is the subset of pgxpool.Pool the pointer store needs.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	getPointerSQL = `
SELECT vector_clock_id, snapshot_address
FROM change_set_pointers
WHERE workspace_id = $1 AND change_set_id = $2`

	putPointerSQL = `
INSERT INTO change_set_pointers (workspace_id, change_set_id, vector_clock_id, snapshot_address, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (workspace_id, change_set_id)
DO UPDATE SET vector_clock_id = EXCLUDED.vector_clock_id,
              snapshot_address = EXCLUDED.snapshot_address,
              updated_at = now()`

	swapPointerSQL = `
UPDATE change_set_pointers
SET snapshot_address = $4, updated_at = now()
WHERE workspace_id = $1 AND change_set_id = $2 AND snapshot_address = $3`
)

// PostgresPointers keeps pointers in the change_set_pointers table.
type PostgresPointers struct {
	db Conn
}

func NewPostgresPointers(db Conn) *PostgresPointers {
	return &PostgresPointers{db: db}
}

func (s *PostgresPointers) Get(ctx context.Context, workspaceID, changeSetID ident.ID) (Pointer, bool, error) {
	var vcID, address string
	err := s.db.QueryRow(ctx, getPointerSQL, workspaceID.String(), changeSetID.String()).Scan(&vcID, &address)
	if errors.Is(err, pgx.ErrNoRows) {
		return Pointer{}, false, nil
	}
	if err != nil {
		return Pointer{}, false, fmt.Errorf("read change set pointer: %w", err)
	}

	p := Pointer{WorkspaceID: workspaceID, ChangeSetID: changeSetID}
	if p.VectorClockID, err = ident.Parse(vcID); err != nil {
		return Pointer{}, false, fmt.Errorf("change set %s: vector clock id: %w", changeSetID, err)
	}
	if p.Address, err = hash.Parse(address); err != nil {
		return Pointer{}, false, fmt.Errorf("change set %s: snapshot address: %w", changeSetID, err)
	}
	return p, true, nil
}

func (s *PostgresPointers) Put(ctx context.Context, p Pointer) error {
	_, err := s.db.Exec(ctx, putPointerSQL,
		p.WorkspaceID.String(), p.ChangeSetID.String(), p.VectorClockID.String(), p.Address.String())
	if err != nil {
		return fmt.Errorf("write change set pointer: %w", err)
	}
	return nil
}

func (s *PostgresPointers) CompareAndSwap(ctx context.Context, workspaceID, changeSetID ident.ID, prev, next hash.ContentHash) (bool, error) {
	tag, err := s.db.Exec(ctx, swapPointerSQL,
		workspaceID.String(), changeSetID.String(), prev.String(), next.String())
	if err != nil {
		return false, fmt.Errorf("move change set pointer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type pointerKey struct {
	workspace, changeSet ident.ID
}

// MemoryPointers is an in-process PointerStore.
type MemoryPointers struct {
	mu       sync.Mutex
	pointers map[pointerKey]Pointer
}

func NewMemoryPointers() *MemoryPointers {
	return &MemoryPointers{pointers: map[pointerKey]Pointer{}}
}

func (s *MemoryPointers) Get(_ context.Context, workspaceID, changeSetID ident.ID) (Pointer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pointers[pointerKey{workspaceID, changeSetID}]
	return p, ok, nil
}

func (s *MemoryPointers) Put(_ context.Context, p Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[pointerKey{p.WorkspaceID, p.ChangeSetID}] = p
	return nil
}

func (s *MemoryPointers) CompareAndSwap(_ context.Context, workspaceID, changeSetID ident.ID, prev, next hash.ContentHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pointerKey{workspaceID, changeSetID}
	p, ok := s.pointers[k]
	if !ok || p.Address != prev {
		return false, nil
	}
	p.Address = next
	s.pointers[k] = p
	return true, nil
}
