package rebase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
)

func newChangeSet(t *testing.T) *changeset.ChangeSet {
	t.Helper()
	cs, err := changeset.New(nil)
	require.NoError(t, err)
	return cs
}

func category(t *testing.T, g *graph.Graph, kind graph.CategoryNodeKind) graph.NodeIndex {
	t.Helper()
	idx, err := g.GetCategoryNodeIndex(kind)
	require.NoError(t, err)
	return idx
}

func byID(t *testing.T, g *graph.Graph, id ident.ID) graph.NodeIndex {
	t.Helper()
	idx, err := g.GetNodeIndexByID(id)
	require.NoError(t, err)
	return idx
}

func addFunc(t *testing.T, g *graph.Graph, cs *changeset.ChangeSet, name string) ident.ID {
	t.Helper()
	w, err := graph.NewFunc(cs, name, "JsAttribute", hash.Compute([]byte(name)))
	require.NoError(t, err)
	_, err = g.AddNode(w)
	require.NoError(t, err)
	return w.ID()
}

func addContent(t *testing.T, g *graph.Graph, cs *changeset.ChangeSet, kind hash.ContentKind, body string, ordered bool) ident.ID {
	t.Helper()
	w, err := graph.NewContent(cs, hash.NewAddress(kind, hash.Compute([]byte(body))))
	require.NoError(t, err)
	if ordered {
		_, err = g.AddOrderedNode(cs, w)
	} else {
		_, err = g.AddNode(w)
	}
	require.NoError(t, err)
	return w.ID()
}

func link(t *testing.T, g *graph.Graph, cs *changeset.ChangeSet, source, destination ident.ID) {
	t.Helper()
	require.NoError(t, g.AddOrderedEdge(cs, byID(t, g, source), graph.Use(), byID(t, g, destination)))
}

func linkFromCategory(t *testing.T, g *graph.Graph, cs *changeset.ChangeSet, kind graph.CategoryNodeKind, destination ident.ID) {
	t.Helper()
	require.NoError(t, g.AddOrderedEdge(cs, category(t, g, kind), graph.Use(), byID(t, g, destination)))
}

func rootMerkle(g *graph.Graph) hash.ContentHash {
	return g.Merkle().Hash(g.Root())
}

func detect(t *testing.T, toRebase, onto *graph.Graph) Result {
	t.Helper()
	res, err := DetectConflictsAndUpdates(toRebase, onto)
	require.NoError(t, err)
	return res
}

func TestDetect_SimpleRebase(t *testing.T) {
	baseCS := newChangeSet(t)
	toRebase, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)

	onto := toRebase.WorkingCopy()
	ontoCS := newChangeSet(t)
	fn := addFunc(t, onto, ontoCS, "si:resourcePayloadToValue")
	schema := addContent(t, onto, ontoCS, hash.KindSchema, "Docker Image", false)
	variant, err := graph.NewSchemaVariant(ontoCS, hash.Compute([]byte("v1")))
	require.NoError(t, err)
	_, err = onto.AddNode(variant)
	require.NoError(t, err)

	link(t, onto, ontoCS, schema, variant.ID())
	link(t, onto, ontoCS, variant.ID(), fn)
	linkFromCategory(t, onto, ontoCS, graph.CategoryFunc, fn)
	linkFromCategory(t, onto, ontoCS, graph.CategorySchema, schema)

	res := detect(t, toRebase, onto)
	assert.Empty(t, res.Conflicts)
	require.Len(t, res.Updates, 2)

	funcCat, _ := toRebase.GetCategoryNode(graph.CategoryFunc)
	schemaCat, _ := toRebase.GetCategoryNode(graph.CategorySchema)
	sources := map[ident.ID]ident.ID{}
	for _, u := range res.Updates {
		ne, ok := u.(NewEdge)
		require.True(t, ok, "unexpected update %#v", u)
		sources[ne.SourceID] = ne.DestinationID
	}
	assert.Equal(t, map[ident.ID]ident.ID{funcCat: fn, schemaCat: schema}, sources)

	require.NoError(t, PerformUpdates(toRebase, newChangeSet(t), onto, res.Updates))
	assert.Equal(t, rootMerkle(onto), rootMerkle(toRebase))
	assert.Equal(t, onto.NodeCount(), toRebase.NodeCount())
	assert.Equal(t, onto.EdgeCount(), toRebase.EdgeCount())

	again := detect(t, toRebase, onto)
	assert.Empty(t, again.Conflicts)
	assert.Empty(t, again.Updates)
}

func TestDetect_SymmetricEditIsOneConflict(t *testing.T) {
	baseCS := newChangeSet(t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)
	fn := addFunc(t, base, baseCS, "shared")
	linkFromCategory(t, base, baseCS, graph.CategoryFunc, fn)
	lineage, err := base.GetNodeWeightByID(fn)
	require.NoError(t, err)

	toRebase := base.WorkingCopy()
	onto := base.WorkingCopy()
	require.NoError(t, toRebase.UpdateContent(newChangeSet(t), fn, hash.Compute([]byte("mine"))))
	require.NoError(t, onto.UpdateContent(newChangeSet(t), fn, hash.Compute([]byte("theirs"))))

	res := detect(t, toRebase, onto)
	assert.Empty(t, res.Updates)
	require.Len(t, res.Conflicts, 1)
	c, ok := res.Conflicts[0].(NodeContentConflict)
	require.True(t, ok)
	assert.Equal(t, lineage.LineageID(), c.Lineage())
	assert.Equal(t, KindNodeContent, c.ConflictKind())
}

func TestDetect_OneSidedEdit(t *testing.T) {
	baseCS := newChangeSet(t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)
	fn := addFunc(t, base, baseCS, "f")
	linkFromCategory(t, base, baseCS, graph.CategoryFunc, fn)

	t.Run("onto edit is replayed", func(t *testing.T) {
		toRebase, onto := base.WorkingCopy(), base.WorkingCopy()
		require.NoError(t, onto.UpdateContent(newChangeSet(t), fn, hash.Compute([]byte("theirs"))))

		res := detect(t, toRebase, onto)
		assert.Empty(t, res.Conflicts)
		assert.Equal(t, []Update{ReplaceSubgraph{OntoID: fn, ToRebaseID: fn}}, res.Updates)

		require.NoError(t, PerformUpdates(toRebase, newChangeSet(t), onto, res.Updates))
		w, err := toRebase.GetNodeWeightByID(fn)
		require.NoError(t, err)
		assert.Equal(t, hash.Compute([]byte("theirs")), graph.ContentHash(w))
		assert.Equal(t, rootMerkle(onto), rootMerkle(toRebase))
	})

	t.Run("to_rebase edit stands", func(t *testing.T) {
		toRebase, onto := base.WorkingCopy(), base.WorkingCopy()
		require.NoError(t, toRebase.UpdateContent(newChangeSet(t), fn, hash.Compute([]byte("mine"))))

		res := detect(t, toRebase, onto)
		assert.Empty(t, res.Conflicts)
		assert.Empty(t, res.Updates)
	})
}

func TestDetect_RemovedEdges(t *testing.T) {
	baseCS := newChangeSet(t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)
	fn := addFunc(t, base, baseCS, "f")
	linkFromCategory(t, base, baseCS, graph.CategoryFunc, fn)
	funcCat, _ := base.GetCategoryNode(graph.CategoryFunc)

	remove := func(t *testing.T, g *graph.Graph) {
		require.NoError(t, g.RemoveEdge(newChangeSet(t), category(t, g, graph.CategoryFunc), byID(t, g, fn), graph.EdgeUse))
	}
	edit := func(t *testing.T, g *graph.Graph) {
		require.NoError(t, g.UpdateContent(newChangeSet(t), fn, hash.Compute([]byte(t.Name()))))
	}

	tests := []struct {
		name      string
		toRebase  func(*testing.T, *graph.Graph)
		onto      func(*testing.T, *graph.Graph)
		updates   []Update
		conflicts []ConflictKind
	}{
		{
			name:    "onto removes",
			onto:    remove,
			updates: []Update{RemoveEdge{SourceID: funcCat, DestinationID: fn, EdgeKind: graph.EdgeUse}},
		},
		{
			name:      "onto removes what to_rebase modified",
			toRebase:  edit,
			onto:      remove,
			conflicts: []ConflictKind{KindModifyRemovedItem},
		},
		{
			name:      "to_rebase removes what onto modified",
			toRebase:  remove,
			onto:      edit,
			conflicts: []ConflictKind{KindRemoveModifiedItem},
		},
		{
			name:     "to_rebase removes",
			toRebase: remove,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toRebase, onto := base.WorkingCopy(), base.WorkingCopy()
			if tt.toRebase != nil {
				tt.toRebase(t, toRebase)
			}
			if tt.onto != nil {
				tt.onto(t, onto)
			}
			res := detect(t, toRebase, onto)
			assert.Equal(t, tt.updates, res.Updates)
			var kinds []ConflictKind
			for _, c := range res.Conflicts {
				kinds = append(kinds, c.ConflictKind())
				assert.Equal(t, fn, c.Lineage())
			}
			assert.Equal(t, tt.conflicts, kinds)
		})
	}

	t.Run("applied removal leaves node for cleanup", func(t *testing.T) {
		toRebase, onto := base.WorkingCopy(), base.WorkingCopy()
		remove(t, onto)
		res := detect(t, toRebase, onto)
		require.NoError(t, PerformUpdates(toRebase, newChangeSet(t), onto, res.Updates))
		toRebase.Cleanup()
		onto.Cleanup()
		assert.False(t, toRebase.HasNode(fn))
		assert.Equal(t, onto.NodeCount(), toRebase.NodeCount())
		assert.Equal(t, rootMerkle(onto), rootMerkle(toRebase))
	})
}

func TestDetect_CleanupInvariance(t *testing.T) {
	baseCS := newChangeSet(t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)
	shared := addFunc(t, base, baseCS, "shared")
	gone := addFunc(t, base, baseCS, "gone")
	linkFromCategory(t, base, baseCS, graph.CategoryFunc, shared)
	linkFromCategory(t, base, baseCS, graph.CategoryFunc, gone)

	toRebase, onto := base.WorkingCopy(), base.WorkingCopy()
	rebaseCS, ontoCS := newChangeSet(t), newChangeSet(t)

	addFunc(t, toRebase, rebaseCS, "orphan-left")
	require.NoError(t, toRebase.UpdateContent(rebaseCS, shared, hash.Compute([]byte("left"))))

	addFunc(t, onto, ontoCS, "orphan-right")
	require.NoError(t, onto.RemoveNodeByID(ontoCS, gone))
	added := addContent(t, onto, ontoCS, hash.KindModule, "module", true)
	linkFromCategory(t, onto, ontoCS, graph.CategoryModule, added)
	inner := addFunc(t, onto, ontoCS, "inner")
	link(t, onto, ontoCS, added, inner)
	require.NoError(t, onto.UpdateContent(ontoCS, shared, hash.Compute([]byte("right"))))

	before := detect(t, toRebase, onto)
	require.NotEmpty(t, before.Updates)
	require.NotEmpty(t, before.Conflicts)

	toRebase.Cleanup()
	onto.Cleanup()
	after := detect(t, toRebase, onto)
	assert.Equal(t, before, after)
}

func TestDetect_NoDuplicateUpdates(t *testing.T) {
	baseCS := newChangeSet(t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)
	schema := addContent(t, base, baseCS, hash.KindSchema, "schema", false)
	linkFromCategory(t, base, baseCS, graph.CategorySchema, schema)
	linkFromCategory(t, base, baseCS, graph.CategoryModule, schema)

	toRebase, onto := base.WorkingCopy(), base.WorkingCopy()
	ontoCS := newChangeSet(t)
	fn := addFunc(t, onto, ontoCS, "f")
	link(t, onto, ontoCS, schema, fn)
	linkFromCategory(t, onto, ontoCS, graph.CategoryFunc, fn)
	other := addFunc(t, onto, ontoCS, "g")
	link(t, onto, ontoCS, schema, other)

	res := detect(t, toRebase, onto)
	assert.Empty(t, res.Conflicts)
	keys := map[string]struct{}{}
	for _, u := range res.Updates {
		keys[u.key()] = struct{}{}
	}
	assert.Len(t, keys, len(res.Updates))
	assert.Len(t, res.Updates, 3)

	require.NoError(t, PerformUpdates(toRebase, newChangeSet(t), onto, res.Updates))
	assert.Equal(t, rootMerkle(onto), rootMerkle(toRebase))
}

func TestPerformUpdates_NodeCountFixture(t *testing.T) {
	baseCS := newChangeSet(t)
	toRebase, err := graph.New(baseCS)
	require.NoError(t, err)
	for _, kind := range []graph.CategoryNodeKind{
		graph.CategoryAction,
		graph.CategoryComponent,
		graph.CategoryFunc,
		graph.CategorySchema,
		graph.CategoryDependentValueRoots,
	} {
		_, err := toRebase.AddCategoryNode(baseCS, kind)
		require.NoError(t, err)
	}
	require.Equal(t, 6, toRebase.NodeCount())

	onto := toRebase.WorkingCopy()
	ontoCS := newChangeSet(t)
	schema := addContent(t, onto, ontoCS, hash.KindSchema, "schema", false)
	variant, err := graph.NewSchemaVariant(ontoCS, hash.Compute([]byte("variant")))
	require.NoError(t, err)
	_, err = onto.AddNode(variant)
	require.NoError(t, err)
	fn := addFunc(t, onto, ontoCS, "f")
	linkFromCategory(t, onto, ontoCS, graph.CategorySchema, schema)
	link(t, onto, ontoCS, schema, variant.ID())
	link(t, onto, ontoCS, variant.ID(), fn)
	linkFromCategory(t, onto, ontoCS, graph.CategoryFunc, fn)
	onto.Cleanup()
	require.Equal(t, 9, onto.NodeCount())

	res := detect(t, toRebase, onto)
	require.Empty(t, res.Conflicts)
	require.NoError(t, PerformUpdates(toRebase, newChangeSet(t), onto, res.Updates))
	toRebase.Cleanup()
	assert.Equal(t, 9, toRebase.NodeCount())
}

func TestOrderedContainer_ConcurrentAdds(t *testing.T) {
	baseCS := newChangeSet(t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)
	container := addContent(t, base, baseCS, hash.KindView, "view", true)
	linkFromCategory(t, base, baseCS, graph.CategoryView, container)
	a := addFunc(t, base, baseCS, "a")
	link(t, base, baseCS, container, a)

	toRebase, onto := base.WorkingCopy(), base.WorkingCopy()
	ontoCS, rebaseCS := newChangeSet(t), newChangeSet(t)
	b := addFunc(t, onto, ontoCS, "b")
	link(t, onto, ontoCS, container, b)
	c := addFunc(t, toRebase, rebaseCS, "c")
	link(t, toRebase, rebaseCS, container, c)

	res := detect(t, toRebase, onto)
	assert.Empty(t, res.Conflicts)
	require.Len(t, res.Updates, 2)
	assert.IsType(t, NewEdge{}, res.Updates[0])
	assert.IsType(t, ReplaceSubgraph{}, res.Updates[1])

	require.NoError(t, PerformUpdates(toRebase, rebaseCS, onto, res.Updates))
	require.NoError(t, toRebase.ValidateOrdering())
	assert.Equal(t, []ident.ID{a, b, c}, orderedIDs(t, toRebase, container))
}

func TestOrderedContainer_OntoReorders(t *testing.T) {
	baseCS := newChangeSet(t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)
	container := addContent(t, base, baseCS, hash.KindView, "view", true)
	linkFromCategory(t, base, baseCS, graph.CategoryView, container)
	a := addFunc(t, base, baseCS, "a")
	b := addFunc(t, base, baseCS, "b")
	link(t, base, baseCS, container, a)
	link(t, base, baseCS, container, b)

	toRebase, onto := base.WorkingCopy(), base.WorkingCopy()
	require.NoError(t, onto.ReorderChildren(newChangeSet(t), byID(t, onto, container), []ident.ID{b, a}))

	res := detect(t, toRebase, onto)
	assert.Empty(t, res.Conflicts)
	require.Len(t, res.Updates, 1)
	require.NoError(t, PerformUpdates(toRebase, newChangeSet(t), onto, res.Updates))
	require.NoError(t, toRebase.ValidateOrdering())
	assert.Equal(t, []ident.ID{b, a}, orderedIDs(t, toRebase, container))
	assert.Equal(t, rootMerkle(onto), rootMerkle(toRebase))
}

func TestDetect_IsPure(t *testing.T) {
	baseCS := newChangeSet(t)
	base, err := graph.NewWorkspace(baseCS)
	require.NoError(t, err)
	toRebase, onto := base.WorkingCopy(), base.WorkingCopy()
	ontoCS := newChangeSet(t)
	fn := addFunc(t, onto, ontoCS, "f")
	linkFromCategory(t, onto, ontoCS, graph.CategoryFunc, fn)

	leftBefore, _, err := toRebase.Address()
	require.NoError(t, err)
	rightBefore, _, err := onto.Address()
	require.NoError(t, err)

	first := detect(t, toRebase, onto)
	second := detect(t, toRebase, onto)
	assert.Equal(t, first, second)

	leftAfter, _, err := toRebase.Address()
	require.NoError(t, err)
	rightAfter, _, err := onto.Address()
	require.NoError(t, err)
	assert.Equal(t, leftBefore, leftAfter)
	assert.Equal(t, rightBefore, rightAfter)
}

func TestDetect_UnrelatedGraphs(t *testing.T) {
	left, err := graph.NewWorkspace(newChangeSet(t))
	require.NoError(t, err)
	right, err := graph.NewWorkspace(newChangeSet(t))
	require.NoError(t, err)

	_, err = DetectConflictsAndUpdates(left, right)
	assert.ErrorIs(t, err, ErrUnrelatedGraphs)
}

func TestPerformUpdates_ForeignUpdateFails(t *testing.T) {
	g, err := graph.NewWorkspace(newChangeSet(t))
	require.NoError(t, err)
	missing := ident.NewGenerator().MustNew()

	err = PerformUpdates(g, newChangeSet(t), g.WorkingCopy(), []Update{RemoveEdge{SourceID: missing, DestinationID: missing, EdgeKind: graph.EdgeUse}})
	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 0, ue.Index)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestConflictRecord_RoundTrip(t *testing.T) {
	gen := ident.NewGenerator()
	info := NodeInfo{ID: gen.MustNew(), LineageID: gen.MustNew(), Kind: graph.KindFunc}
	for _, c := range []Conflict{
		NodeContentConflict{Onto: info, ToRebase: info},
		ModifyRemovedItemConflict{Container: info, Item: info},
		RemoveModifiedItemConflict{Container: info, Item: info},
	} {
		back, err := Record(c).Conflict()
		require.NoError(t, err)
		assert.Equal(t, c, back)
	}
	_, err := ConflictRecord{Kind: KindNodeContent}.Conflict()
	assert.Error(t, err)
}

func orderedIDs(t *testing.T, g *graph.Graph, container ident.ID) []ident.ID {
	t.Helper()
	children, ok, err := g.OrderedChildrenForNode(byID(t, g, container))
	require.NoError(t, err)
	require.True(t, ok)
	out := make([]ident.ID, 0, len(children))
	for _, c := range children {
		w, err := g.GetNodeWeight(c)
		require.NoError(t, err)
		out = append(out, w.ID())
	}
	return out
}

func TestPerformUpdates_ImportedCategoryIsIndexed(t *testing.T) {
	toRebase, err := graph.New(newChangeSet(t))
	require.NoError(t, err)

	onto := toRebase.WorkingCopy()
	module, err := onto.AddCategoryNode(newChangeSet(t), graph.CategoryModule)
	require.NoError(t, err)

	res := detect(t, toRebase, onto)
	assert.Empty(t, res.Conflicts)
	require.NoError(t, PerformUpdates(toRebase, newChangeSet(t), onto, res.Updates))
	toRebase.Cleanup()

	got, ok := toRebase.GetCategoryNode(graph.CategoryModule)
	require.True(t, ok)
	assert.Equal(t, module, got)

	_, err = toRebase.AddCategoryNode(newChangeSet(t), graph.CategoryModule)
	assert.ErrorIs(t, err, graph.ErrCategoryExists)

	data, err := toRebase.Encode()
	require.NoError(t, err)
	decoded, err := graph.Decode(data)
	require.NoError(t, err)
	got, ok = decoded.GetCategoryNode(graph.CategoryModule)
	require.True(t, ok)
	assert.Equal(t, module, got)
}
