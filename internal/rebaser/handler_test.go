package rebaser

import (
	"context"
	"testing"
	"time"

	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/layerdb"
	"github.com/OFFIS-RIT/strata/pkg/rebase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	db        *layerdb.LayerDb
	pointers  *MemoryPointers
	handler   *Handler
	workspace ident.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	disk, err := layerdb.OpenDisk(layerdb.InMemoryDiskConfig())
	require.NoError(t, err)
	db, err := layerdb.New(layerdb.Config{
		InstanceID: "rebaser-test",
		Persister: layerdb.PersisterConfig{
			Partitions: 2,
			QueueSize:  16,
			Backoff:    util.Backoff{MaxTries: 2, Initial: time.Millisecond, Max: time.Millisecond},
		},
	}, disk, layerdb.NewMemoryDurable(), layerdb.NewMemoryBus())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Shutdown(ctx)
	})

	pointers := NewMemoryPointers()
	h, err := NewHandler(db.WorkspaceSnapshot, pointers, HandlerConfig{GraphCacheBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(h.Close)

	return &fixture{
		t:         t,
		ctx:       context.Background(),
		db:        db,
		pointers:  pointers,
		handler:   h,
		workspace: ident.NewGenerator().MustNew(),
	}
}

// commit stores g as the snapshot of cs.
func (f *fixture) commit(cs *changeset.ChangeSet, g *graph.Graph) hash.ContentHash {
	f.t.Helper()
	addr, status, err := f.db.WorkspaceSnapshot.Write(f.ctx, g, layerdb.Tenancy{WorkspaceID: f.workspace, ChangeSetID: cs.ID}, "")
	require.NoError(f.t, err)
	require.NoError(f.t, status.Wait(f.ctx))
	require.NoError(f.t, f.pointers.Put(f.ctx, Pointer{
		WorkspaceID:   f.workspace,
		ChangeSetID:   cs.ID,
		VectorClockID: cs.VectorClockID,
		Address:       addr,
	}))
	return addr
}

func (f *fixture) request(toRebase, onto *changeset.ChangeSet) Request {
	return Request{ToRebaseChangeSetID: toRebase.ID, OntoChangeSetID: onto.ID, WorkspaceID: f.workspace}
}

func (f *fixture) snapshotOf(cs *changeset.ChangeSet) *graph.Graph {
	f.t.Helper()
	p, ok, err := f.pointers.Get(f.ctx, f.workspace, cs.ID)
	require.NoError(f.t, err)
	require.True(f.t, ok)
	g, ok, err := f.db.WorkspaceSnapshot.Read(f.ctx, p.Address)
	require.NoError(f.t, err)
	require.True(f.t, ok)
	return g
}

func newChangeSet(t *testing.T) *changeset.ChangeSet {
	t.Helper()
	cs, err := changeset.New(nil)
	require.NoError(t, err)
	return cs
}

func addFunc(t *testing.T, g *graph.Graph, cs *changeset.ChangeSet, name string) ident.ID {
	t.Helper()
	w, err := graph.NewFunc(cs, name, "JsAttribute", hash.Compute([]byte(name)))
	require.NoError(t, err)
	idx, err := g.AddNode(w)
	require.NoError(t, err)
	cat, err := g.GetCategoryNodeIndex(graph.CategoryFunc)
	require.NoError(t, err)
	require.NoError(t, g.AddOrderedEdge(cs, cat, graph.Use(), idx))
	return w.ID()
}

// branches returns a base workspace committed for two change sets.
func (f *fixture) branches() (base *graph.Graph, mine, theirs *changeset.ChangeSet) {
	f.t.Helper()
	baseCS := newChangeSet(f.t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(f.t, err)
	mine, theirs = newChangeSet(f.t), newChangeSet(f.t)
	f.commit(mine, base)
	f.commit(theirs, base)
	return base, mine, theirs
}

func TestRebase_AppliesUpdatesAndMovesPointer(t *testing.T) {
	f := newFixture(t)
	base, mine, theirs := f.branches()

	onto := base.WorkingCopy()
	fn := addFunc(t, onto, theirs, "si:identity")
	f.commit(theirs, onto)
	before, _, _ := f.pointers.Get(f.ctx, f.workspace, mine.ID)

	resp, err := f.handler.Rebase(f.ctx, f.request(mine, theirs))
	require.NoError(t, err)
	assert.True(t, resp.UpdatesApplied)
	assert.Empty(t, resp.Conflicts)
	require.NotNil(t, resp.NewSnapshotAddress)

	after, _, _ := f.pointers.Get(f.ctx, f.workspace, mine.ID)
	assert.NotEqual(t, before.Address, after.Address)
	assert.Equal(t, *resp.NewSnapshotAddress, after.Address)
	assert.True(t, f.snapshotOf(mine).HasNode(fn))
}

func TestRebase_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	base, mine, theirs := f.branches()

	onto := base.WorkingCopy()
	addFunc(t, onto, theirs, "f")
	f.commit(theirs, onto)

	_, err := f.handler.Rebase(f.ctx, f.request(mine, theirs))
	require.NoError(t, err)
	pointer, _, _ := f.pointers.Get(f.ctx, f.workspace, mine.ID)

	resp, err := f.handler.Rebase(f.ctx, f.request(mine, theirs))
	require.NoError(t, err)
	assert.False(t, resp.UpdatesApplied)
	assert.Nil(t, resp.NewSnapshotAddress)
	again, _, _ := f.pointers.Get(f.ctx, f.workspace, mine.ID)
	assert.Equal(t, pointer.Address, again.Address)
}

func TestRebase_ConflictsLeaveTargetUntouched(t *testing.T) {
	f := newFixture(t)
	baseCS := newChangeSet(t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)
	fn := addFunc(t, base, baseCS, "shared")

	mine, theirs := newChangeSet(t), newChangeSet(t)
	mineGraph := base.WorkingCopy()
	require.NoError(t, mineGraph.UpdateContent(mine, fn, hash.Compute([]byte("mine"))))
	mineAddr := f.commit(mine, mineGraph)
	theirGraph := base.WorkingCopy()
	require.NoError(t, theirGraph.UpdateContent(theirs, fn, hash.Compute([]byte("theirs"))))
	f.commit(theirs, theirGraph)

	resp, err := f.handler.Rebase(f.ctx, f.request(mine, theirs))
	require.NoError(t, err)
	assert.False(t, resp.UpdatesApplied)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, rebase.KindNodeContent, resp.Conflicts[0].Kind)

	p, _, _ := f.pointers.Get(f.ctx, f.workspace, mine.ID)
	assert.Equal(t, mineAddr, p.Address)
}

func TestRebase_UnknownChangeSetIsPermanent(t *testing.T) {
	f := newFixture(t)
	_, mine, _ := f.branches()

	_, err := f.handler.Rebase(f.ctx, f.request(mine, newChangeSet(t)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChangeSetNotFound)
	assert.True(t, util.IsPermanent(err))
}

func TestRebase_MissingSnapshotIsPermanent(t *testing.T) {
	f := newFixture(t)
	_, mine, theirs := f.branches()
	require.NoError(t, f.pointers.Put(f.ctx, Pointer{
		WorkspaceID:   f.workspace,
		ChangeSetID:   theirs.ID,
		VectorClockID: theirs.VectorClockID,
		Address:       hash.Compute([]byte("nowhere")),
	}))

	_, err := f.handler.Rebase(f.ctx, f.request(mine, theirs))
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.True(t, util.IsPermanent(err))
}

// racingPointers moves the target pointer just before the rebaser swaps it.
type racingPointers struct {
	*MemoryPointers
}

func (r racingPointers) CompareAndSwap(ctx context.Context, ws, cs ident.ID, prev, next hash.ContentHash) (bool, error) {
	p, _, _ := r.MemoryPointers.Get(ctx, ws, cs)
	p.Address = hash.Compute([]byte("concurrent write"))
	_ = r.MemoryPointers.Put(ctx, p)
	return r.MemoryPointers.CompareAndSwap(ctx, ws, cs, prev, next)
}

func TestRebase_MovedPointerIsRetryable(t *testing.T) {
	f := newFixture(t)
	base, mine, theirs := f.branches()
	onto := base.WorkingCopy()
	addFunc(t, onto, theirs, "f")
	f.commit(theirs, onto)

	h, err := NewHandler(f.db.WorkspaceSnapshot, racingPointers{f.pointers}, HandlerConfig{})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Rebase(f.ctx, f.request(mine, theirs))
	assert.ErrorIs(t, err, ErrPointerMoved)
	assert.False(t, util.IsPermanent(err))
}

func TestGraphCache_HandsOutPrivateCopies(t *testing.T) {
	c, err := newGraphCache(1 << 20)
	require.NoError(t, err)
	defer c.close()

	cs := newChangeSet(t)
	g, err := graph.NewWorkspace(cs)
	require.NoError(t, err)
	addr, _, err := g.Address()
	require.NoError(t, err)
	c.add(addr, g)
	c.wait()

	first, ok := c.get(addr)
	require.True(t, ok)
	nodes := first.NodeCount()
	addFunc(t, first, cs, "local")

	second, ok := c.get(addr)
	require.True(t, ok)
	assert.Equal(t, nodes, second.NodeCount())
}
