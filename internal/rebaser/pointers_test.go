package rebaser

import (
	"context"
	"testing"

	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pointerTable emulates change_set_pointers for the statements PostgresPointers issues.
type pointerTable struct {
	rows map[[2]string][2]string
}

type pointerRow struct {
	vals [2]string
	err  error
}

func (r pointerRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.vals[0]
	*(dest[1].(*string)) = r.vals[1]
	return nil
}

func (p *pointerTable) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	vals, ok := p.rows[[2]string{args[0].(string), args[1].(string)}]
	if !ok {
		return pointerRow{err: pgx.ErrNoRows}
	}
	return pointerRow{vals: vals}
}

func (p *pointerTable) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	k := [2]string{args[0].(string), args[1].(string)}
	switch sql {
	case putPointerSQL:
		p.rows[k] = [2]string{args[2].(string), args[3].(string)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case swapPointerSQL:
		cur, ok := p.rows[k]
		if !ok || cur[1] != args[2].(string) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		p.rows[k] = [2]string{cur[0], args[3].(string)}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, nil
}

func TestPointerStores_CompareAndSwap(t *testing.T) {
	stores := map[string]PointerStore{
		"memory":   NewMemoryPointers(),
		"postgres": NewPostgresPointers(&pointerTable{rows: map[[2]string][2]string{}}),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gen := ident.NewGenerator()
			ws, cs, vc := gen.MustNew(), gen.MustNew(), gen.MustNew()
			first, second, third := hash.Compute([]byte("1")), hash.Compute([]byte("2")), hash.Compute([]byte("3"))

			_, ok, err := store.Get(ctx, ws, cs)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Put(ctx, Pointer{WorkspaceID: ws, ChangeSetID: cs, VectorClockID: vc, Address: first}))

			moved, err := store.CompareAndSwap(ctx, ws, cs, first, second)
			require.NoError(t, err)
			assert.True(t, moved)

			moved, err = store.CompareAndSwap(ctx, ws, cs, first, third)
			require.NoError(t, err)
			assert.False(t, moved)

			p, ok, err := store.Get(ctx, ws, cs)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, second, p.Address)
			assert.Equal(t, vc, p.VectorClockID)
		})
	}
}
