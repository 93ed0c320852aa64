// Package graph implements the workspace snapshot graph: an arena of node
// weights addressed by NodeIndex, with structural sharing between working
// copies. A Graph has exactly one mutating owner at a time; concurrent
// editors each take their own WorkingCopy.
package graph

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/vclock"
)

const (
	segmentShift = 6
	segmentSize  = 1 << segmentShift
	segmentMask  = segmentSize - 1
	shardCount   = 32
)

// NodeIndex addresses a node inside one Graph. Indices are invalidated by
// Cleanup and mean nothing in another graph; use ids or lineage ids there.
type NodeIndex uint32

var owners atomic.Uint64

func nextOwner() uint64 { return owners.Add(1) }

var rootContentHash = hash.Compute([]byte("workspace-root"))

type outEdge struct {
	target NodeIndex
	weight EdgeWeight
}

// entry is shared between graphs until one of them writes it. Edge weights
// inside out are shared too and must be cloned before their clocks change.
type entry struct {
	owner  uint64
	weight NodeWeight
	out    []outEdge
	in     []NodeIndex
}

func (e *entry) copyFor(owner uint64) *entry {
	return &entry{owner: owner, weight: e.weight, out: slices.Clone(e.out), in: slices.Clone(e.in)}
}

type segment struct {
	owner   uint64
	entries [segmentSize]*entry
}

type shard struct {
	owner uint64
	m     map[ident.ID]NodeIndex
}

type idIndex struct {
	shards [shardCount]*shard
}

func shardOf(id ident.ID) int { return int(id[len(id)-1]) % shardCount }

func (ix *idIndex) get(id ident.ID) (NodeIndex, bool) {
	s := ix.shards[shardOf(id)]
	if s == nil {
		return 0, false
	}
	i, ok := s.m[id]
	return i, ok
}

func (ix *idIndex) mut(owner uint64, id ident.ID) *shard {
	n := shardOf(id)
	s := ix.shards[n]
	switch {
	case s == nil:
		s = &shard{owner: owner, m: make(map[ident.ID]NodeIndex)}
		ix.shards[n] = s
	case s.owner != owner:
		s = &shard{owner: owner, m: maps.Clone(s.m)}
		ix.shards[n] = s
	}
	return s
}

func (ix *idIndex) set(owner uint64, id ident.ID, i NodeIndex) { ix.mut(owner, id).m[id] = i }
func (ix *idIndex) del(owner uint64, id ident.ID) { delete(ix.mut(owner, id).m, id) }

// Edge is an outgoing or incoming edge as seen from outside the arena.
type Edge struct {
	Source NodeIndex
	Target NodeIndex
	Weight EdgeWeight
}

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

type Graph struct {
	owner atomic.Uint64

	segments []*segment
	next     NodeIndex
	nodes    int
	edges    int

	byID       idIndex
	byLineage  idIndex
	categories map[CategoryNodeKind]ident.ID

	root    NodeIndex
	hasRoot bool
}

func newEmpty() *Graph {
	g := &Graph{categories: make(map[CategoryNodeKind]ident.ID)}
	g.owner.Store(nextOwner())
	return g
}

// New creates a graph holding only a root node written by cs.
func New(cs *changeset.ChangeSet) (*Graph, error) {
	root, err := NewContent(cs, hash.NewAddress(hash.KindRoot, rootContentHash))
	if err != nil {
		return nil, err
	}
	g := newEmpty()
	idx, err := g.AddNode(root)
	if err != nil {
		return nil, err
	}
	g.root = idx
	g.hasRoot = true
	return g, nil
}

// NewWorkspace creates a graph with a root and every category node.
func NewWorkspace(cs *changeset.ChangeSet) (*Graph, error) {
	g, err := New(cs)
	if err != nil {
		return nil, err
	}
	for _, kind := range AllCategories {
		if _, err := g.AddCategoryNode(cs, kind); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) Root() NodeIndex { return g.root }

func (g *Graph) RootID() ident.ID {
	e, _ := g.entry(g.root)
	return e.weight.ID()
}

// Knowledge is everything this graph has observed: the recently-seen clock
// of its root, advanced by every mutation.
func (g *Graph) Knowledge() vclock.VectorClock {
	e, _ := g.entry(g.root)
	return e.weight.Clocks().RecentlySeen.Clone()
}

// ObserveKnowledge records that g has seen everything vc covers.
func (g *Graph) ObserveKnowledge(vc vclock.VectorClock) {
	g.observe(vclock.Clocks{RecentlySeen: vc})
}

func (g *Graph) NodeCount() int { return g.nodes }
func (g *Graph) EdgeCount() int { return g.edges }

func (g *Graph) entry(i NodeIndex) (*entry, bool) {
	if i >= g.next {
		return nil, false
	}
	e := g.segments[i>>segmentShift].entries[i&segmentMask]
	return e, e != nil
}

func (g *Graph) mutSegment(si int) *segment {
	owner := g.owner.Load()
	seg := g.segments[si]
	if seg.owner != owner {
		c := *seg
		c.owner = owner
		seg = &c
		g.segments[si] = seg
	}
	return seg
}

// mutEntry returns an entry owned by g. i must be live.
func (g *Graph) mutEntry(i NodeIndex) *entry {
	seg := g.mutSegment(int(i >> segmentShift))
	e := seg.entries[i&segmentMask]
	if owner := g.owner.Load(); e.owner != owner {
		e = e.copyFor(owner)
		seg.entries[i&segmentMask] = e
	}
	return e
}

func (g *Graph) alloc(w NodeWeight) NodeIndex {
	i := g.next
	g.next++
	si := int(i >> segmentShift)
	if si == len(g.segments) {
		g.segments = append(g.segments, &segment{owner: g.owner.Load()})
	}
	seg := g.mutSegment(si)
	seg.entries[i&segmentMask] = &entry{owner: g.owner.Load(), weight: w}
	g.nodes++
	return i
}

func (g *Graph) setWeight(i NodeIndex, w NodeWeight) {
	g.mutEntry(i).weight = w
}

// observe folds the clocks of an inserted item into the root's knowledge.
func (g *Graph) observe(c vclock.Clocks) {
	if !g.hasRoot {
		return
	}
	rootEntry, _ := g.entry(g.root)
	know := rootEntry.weight.Clocks().RecentlySeen
	if !c.RecentlySeen.NewerThan(know) && !c.Write.NewerThan(know) {
		return
	}
	w := rootEntry.weight.clone()
	b := w.base()
	if b.clocks.RecentlySeen == nil {
		b.clocks.RecentlySeen = vclock.New()
	}
	b.clocks.RecentlySeen.Merge(c.RecentlySeen)
	b.clocks.RecentlySeen.Merge(c.Write)
	g.setWeight(g.root, w)
}

func (g *Graph) observeStamp(id vclock.ID, at vclock.Stamp) {
	g.observe(vclock.Clocks{RecentlySeen: vclock.Single(id, at)})
}

// markWrite records a write by cs on the node at i.
func (g *Graph) markWrite(cs *changeset.ChangeSet, i NodeIndex, at vclock.Stamp) {
	e, _ := g.entry(i)
	w := e.weight.clone()
	w.base().clocks.MarkWrite(cs.VectorClockID, at)
	g.setWeight(i, w)
}

// AddNode inserts w. Both its id and its lineage id must be new to g.
func (g *Graph) AddNode(w NodeWeight) (NodeIndex, error) {
	if w == nil {
		return 0, &NodeWeightError{Reason: "nil weight"}
	}
	if ident.IsNil(w.ID()) || ident.IsNil(w.LineageID()) {
		return 0, &NodeWeightError{ID: w.ID(), Reason: "missing id or lineage id"}
	}
	if _, ok := g.byID.get(w.ID()); ok {
		return 0, fmt.Errorf("%w: %s", ErrNodeExists, w.ID())
	}
	if _, ok := g.byLineage.get(w.LineageID()); ok {
		return 0, fmt.Errorf("%w: %s", ErrLineageExists, w.LineageID())
	}
	idx := g.alloc(w)
	owner := g.owner.Load()
	g.byID.set(owner, w.ID(), idx)
	g.byLineage.set(owner, w.LineageID(), idx)
	g.observe(w.Clocks())
	return idx, nil
}

// AddEdge inserts a source -> destination edge. An edge with the same
// identity between the same pair is merged instead of duplicated. Use and
// Contain edges out of an ordered container also extend its ordering.
func (g *Graph) AddEdge(source NodeIndex, ew EdgeWeight, destination NodeIndex) error {
	if _, ok := g.entry(source); !ok {
		return &EdgeWeightError{Source: source, Destination: destination, Err: ErrNodeNotFound}
	}
	if _, ok := g.entry(destination); !ok {
		return &EdgeWeightError{Source: source, Destination: destination, Err: ErrNodeNotFound}
	}
	if ew.Kind.Kind == "" {
		return &EdgeWeightError{Source: source, Destination: destination, Err: fmt.Errorf("edge kind is empty")}
	}
	// A category linked under the root, by AddCategoryNode or by a rebase
	// importing one, joins the index. A second node for a kind is refused.
	if source == g.root && ew.Kind.Kind == EdgeUse {
		de, _ := g.entry(destination)
		if cw, ok := de.weight.(*CategoryNodeWeight); ok {
			if err := g.registerCategory(cw); err != nil {
				return err
			}
		}
	}
	g.insertEdge(source, ew, destination)
	if ew.Kind.Ordered() {
		g.appendToOrdering(source, destination, ew.Clocks)
	}
	g.observe(ew.Clocks)
	return nil
}

func (g *Graph) insertEdge(source NodeIndex, ew EdgeWeight, destination NodeIndex) {
	se := g.mutEntry(source)
	for i, oe := range se.out {
		if oe.target == destination && oe.weight.Kind.Identity() == ew.Kind.Identity() {
			merged := oe.weight.Clone()
			merged.Kind = ew.Kind
			merged.Clocks.Merge(ew.Clocks)
			se.out[i].weight = merged
			return
		}
	}
	se.out = append(se.out, outEdge{target: destination, weight: ew.Clone()})
	de := g.mutEntry(destination)
	de.in = append(de.in, source)
	g.edges++
}

// removeEdges drops every source -> destination edge whose kind matches and
// returns how many went.
func (g *Graph) removeEdges(source, destination NodeIndex, match func(EdgeWeightKind) bool) int {
	se := g.mutEntry(source)
	kept := se.out[:0]
	removed := 0
	for _, oe := range se.out {
		if oe.target == destination && match(oe.weight.Kind) {
			removed++
			continue
		}
		kept = append(kept, oe)
	}
	if removed == 0 {
		return 0
	}
	clear(se.out[len(kept):])
	se.out = kept
	de := g.mutEntry(destination)
	for n := 0; n < removed; n++ {
		if i := slices.Index(de.in, source); i >= 0 {
			de.in = slices.Delete(de.in, i, i+1)
		}
	}
	g.edges -= removed
	return removed
}

// RemoveEdge removes every edge of kind between source and destination.
// The source counts as written by cs.
func (g *Graph) RemoveEdge(cs *changeset.ChangeSet, source, destination NodeIndex, kind EdgeKind) error {
	if _, ok := g.entry(source); !ok {
		return &EdgeWeightError{Source: source, Destination: destination, Err: ErrNodeNotFound}
	}
	if _, ok := g.entry(destination); !ok {
		return &EdgeWeightError{Source: source, Destination: destination, Err: ErrNodeNotFound}
	}
	at, err := cs.Stamp()
	if err != nil {
		return err
	}
	n := g.removeEdges(source, destination, func(k EdgeWeightKind) bool { return k.Kind == kind })
	if n == 0 {
		return &EdgeWeightError{Source: source, Destination: destination, Err: ErrEdgeNotFound}
	}
	g.markWrite(cs, source, at)
	if kind.Ordered() && !g.hasOrderedEdge(source, destination) {
		g.removeFromOrdering(cs, source, destination, at)
	}
	g.observeStamp(cs.VectorClockID, at)
	return nil
}

func (g *Graph) hasOrderedEdge(source, destination NodeIndex) bool {
	e, _ := g.entry(source)
	for _, oe := range e.out {
		if oe.target == destination && oe.weight.Kind.Ordered() {
			return true
		}
	}
	return false
}

// RemoveNodeByID detaches the node from every neighbour and drops it.
// Descendants that lose their last incoming reference go at Cleanup.
func (g *Graph) RemoveNodeByID(cs *changeset.ChangeSet, id ident.ID) error {
	idx, err := g.GetNodeIndexByID(id)
	if err != nil {
		return err
	}
	if idx == g.root {
		return ErrRemoveRoot
	}
	at, err := cs.Stamp()
	if err != nil {
		return err
	}
	e, _ := g.entry(idx)
	sources := slices.Clone(e.in)
	slices.Sort(sources)
	sources = slices.Compact(sources)
	targets := make([]NodeIndex, 0, len(e.out))
	for _, oe := range e.out {
		targets = append(targets, oe.target)
	}
	for _, src := range sources {
		if src == idx {
			continue
		}
		g.removeEdges(src, idx, func(EdgeWeightKind) bool { return true })
		g.markWrite(cs, src, at)
		g.removeFromOrdering(cs, src, idx, at)
		if se, _ := g.entry(src); se.weight.Kind() == KindOrdering {
			g.dropFromOrder(cs, src, id, at)
		}
	}
	for _, t := range slices.Compact(slices.Sorted(slices.Values(targets))) {
		g.removeEdges(idx, t, func(EdgeWeightKind) bool { return true })
	}

	w := e.weight
	owner := g.owner.Load()
	g.byID.del(owner, w.ID())
	g.byLineage.del(owner, w.LineageID())
	if cw, ok := w.(*CategoryNodeWeight); ok && g.categories[cw.Category] == w.ID() {
		delete(g.categories, cw.Category)
	}
	seg := g.mutSegment(int(idx >> segmentShift))
	seg.entries[idx&segmentMask] = nil
	g.nodes--
	g.observeStamp(cs.VectorClockID, at)
	return nil
}

// ReplaceNodeWeight swaps the weight at idx for w, keeping every edge. The
// lineage must match. A changed id is propagated to the orderings that
// list the node.
func (g *Graph) ReplaceNodeWeight(idx NodeIndex, w NodeWeight) error {
	e, ok := g.entry(idx)
	if !ok {
		return fmt.Errorf("%w: index %d", ErrNodeNotFound, idx)
	}
	old := e.weight
	if old.LineageID() != w.LineageID() {
		return &NodeWeightError{ID: w.ID(), Reason: "replacement changes lineage"}
	}
	if old.Kind() != w.Kind() {
		return &NodeWeightError{ID: w.ID(), Reason: fmt.Sprintf("replacement changes kind %s -> %s", old.Kind(), w.Kind())}
	}
	if ow, ok := w.(*OrderingNodeWeight); ok {
		if err := g.checkOrder(idx, ow.Order); err != nil {
			return err
		}
	}
	if old.ID() != w.ID() {
		if _, taken := g.byID.get(w.ID()); taken {
			return fmt.Errorf("%w: %s", ErrNodeExists, w.ID())
		}
		owner := g.owner.Load()
		g.byID.del(owner, old.ID())
		g.byID.set(owner, w.ID(), idx)
		for _, src := range e.in {
			se, _ := g.entry(src)
			ow, ok := se.weight.(*OrderingNodeWeight)
			if !ok {
				continue
			}
			c := ow.clone().(*OrderingNodeWeight)
			for i, id := range c.Order {
				if id == old.ID() {
					c.Order[i] = w.ID()
				}
			}
			g.setWeight(src, c)
		}
		if cw, ok := old.(*CategoryNodeWeight); ok {
			g.categories[cw.Category] = w.ID()
		}
	}
	g.setWeight(idx, w)
	g.observe(w.Clocks())
	return nil
}

// UpdateContent points the node at new content, recording a write by cs.
func (g *Graph) UpdateContent(cs *changeset.ChangeSet, id ident.ID, h hash.ContentHash) error {
	idx, err := g.GetNodeIndexByID(id)
	if err != nil {
		return err
	}
	e, _ := g.entry(idx)
	w, err := withContentHash(e.weight, h)
	if err != nil {
		return err
	}
	at, err := cs.Stamp()
	if err != nil {
		return err
	}
	w.base().clocks.MarkWrite(cs.VectorClockID, at)
	g.setWeight(idx, w)
	g.observe(w.Clocks())
	return nil
}

// MarkGraphSeen records that cs has observed every node and edge.
func (g *Graph) MarkGraphSeen(cs *changeset.ChangeSet) error {
	at, err := cs.Stamp()
	if err != nil {
		return err
	}
	for i := NodeIndex(0); i < g.next; i++ {
		if _, ok := g.entry(i); !ok {
			continue
		}
		e := g.mutEntry(i)
		w := e.weight.clone()
		w.base().clocks.MarkSeen(cs.VectorClockID, at)
		e.weight = w
		for j := range e.out {
			ew := e.out[j].weight.Clone()
			ew.Clocks.MarkSeen(cs.VectorClockID, at)
			e.out[j].weight = ew
		}
	}
	return nil
}

// AddCategoryNode creates the singleton category node for kind under the root.
func (g *Graph) AddCategoryNode(cs *changeset.ChangeSet, kind CategoryNodeKind) (ident.ID, error) {
	if _, ok := g.categories[kind]; ok {
		return ident.Nil, fmt.Errorf("%w: %s", ErrCategoryExists, kind)
	}
	w, err := NewCategory(cs, kind)
	if err != nil {
		return ident.Nil, err
	}
	idx, err := g.AddNode(w)
	if err != nil {
		return ident.Nil, err
	}
	ew, err := NewEdgeWeight(cs, Use())
	if err != nil {
		return ident.Nil, err
	}
	if err := g.AddEdge(g.root, ew, idx); err != nil {
		return ident.Nil, err
	}
	return w.ID(), nil
}

// GetCategoryNode returns the id of the category node for kind. A workspace
// that predates the category has none.
func (g *Graph) GetCategoryNode(kind CategoryNodeKind) (ident.ID, bool) {
	id, ok := g.categories[kind]
	return id, ok
}

func (g *Graph) GetCategoryNodeIndex(kind CategoryNodeKind) (NodeIndex, error) {
	id, ok := g.categories[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCategoryNotFound, kind)
	}
	return g.GetNodeIndexByID(id)
}

// registerCategory indexes an existing category node hanging off the root.
func (g *Graph) registerCategory(w *CategoryNodeWeight) error {
	if cur, ok := g.categories[w.Category]; ok && cur != w.ID() {
		return integrityf("duplicate %s category nodes %s and %s", w.Category, cur, w.ID())
	}
	g.categories[w.Category] = w.ID()
	return nil
}

func (g *Graph) GetNodeWeight(idx NodeIndex) (NodeWeight, error) {
	e, ok := g.entry(idx)
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNodeNotFound, idx)
	}
	return e.weight, nil
}

func (g *Graph) GetNodeIndexByID(id ident.ID) (NodeIndex, error) {
	idx, ok := g.byID.get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return idx, nil
}

func (g *Graph) GetNodeIndexByLineage(lineage ident.ID) (NodeIndex, bool) {
	return g.byLineage.get(lineage)
}

func (g *Graph) GetNodeWeightByID(id ident.ID) (NodeWeight, error) {
	idx, err := g.GetNodeIndexByID(id)
	if err != nil {
		return nil, err
	}
	return g.GetNodeWeight(idx)
}

func (g *Graph) HasNode(id ident.ID) bool {
	_, ok := g.byID.get(id)
	return ok
}

// Indices lists every live node index in arena order.
func (g *Graph) Indices() []NodeIndex {
	out := make([]NodeIndex, 0, g.nodes)
	for i := NodeIndex(0); i < g.next; i++ {
		if _, ok := g.entry(i); ok {
			out = append(out, i)
		}
	}
	return out
}

func (g *Graph) EdgesDirected(idx NodeIndex, dir Direction) ([]Edge, error) {
	e, ok := g.entry(idx)
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNodeNotFound, idx)
	}
	if dir == Outgoing {
		out := make([]Edge, 0, len(e.out))
		for _, oe := range e.out {
			out = append(out, Edge{Source: idx, Target: oe.target, Weight: oe.weight})
		}
		return out, nil
	}
	var out []Edge
	for _, src := range g.IncomingSources(idx) {
		se, _ := g.entry(src)
		for _, oe := range se.out {
			if oe.target == idx {
				out = append(out, Edge{Source: src, Target: idx, Weight: oe.weight})
			}
		}
	}
	return out, nil
}

// IncomingSources lists the distinct sources of edges into idx.
func (g *Graph) IncomingSources(idx NodeIndex) []NodeIndex {
	e, ok := g.entry(idx)
	if !ok {
		return nil
	}
	out := slices.Clone(e.in)
	slices.Sort(out)
	return slices.Compact(out)
}

func (g *Graph) OutgoingTargetsForEdgeWeightKind(idx NodeIndex, kind EdgeKind) ([]NodeIndex, error) {
	e, ok := g.entry(idx)
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNodeNotFound, idx)
	}
	var out []NodeIndex
	for _, oe := range e.out {
		if oe.weight.Kind.Kind == kind {
			out = append(out, oe.target)
		}
	}
	return out, nil
}

// FindEdge returns the weight of the edge with kind's identity from source
// to destination.
func (g *Graph) FindEdge(source, destination NodeIndex, kind EdgeWeightKind) (EdgeWeight, bool) {
	e, ok := g.entry(source)
	if !ok {
		return EdgeWeight{}, false
	}
	for _, oe := range e.out {
		if oe.target == destination && oe.weight.Kind.Identity() == kind.Identity() {
			return oe.weight, true
		}
	}
	return EdgeWeight{}, false
}

// WorkingCopy returns a copy sharing every segment and index shard with g.
// Either side copies what it writes. g itself must not be mutated
// concurrently, but may be read-shared and copied from many goroutines.
func (g *Graph) WorkingCopy() *Graph {
	g.owner.Store(nextOwner())
	c := &Graph{
		segments:   slices.Clone(g.segments),
		next:       g.next,
		nodes:      g.nodes,
		edges:      g.edges,
		byID:       g.byID,
		byLineage:  g.byLineage,
		categories: maps.Clone(g.categories),
		root:       g.root,
		hasRoot:    g.hasRoot,
	}
	c.owner.Store(nextOwner())
	return c
}

// RealClone returns a copy that shares nothing with g.
func (g *Graph) RealClone() *Graph {
	c := newEmpty()
	owner := c.owner.Load()
	c.next, c.nodes, c.edges = g.next, g.nodes, g.edges
	c.root, c.hasRoot = g.root, g.hasRoot
	c.categories = maps.Clone(g.categories)
	c.segments = make([]*segment, len(g.segments))
	for si, seg := range g.segments {
		ns := &segment{owner: owner}
		for j, e := range seg.entries {
			if e == nil {
				continue
			}
			ne := e.copyFor(owner)
			ne.weight = e.weight.clone()
			for k := range ne.out {
				ne.out[k].weight = ne.out[k].weight.Clone()
			}
			ns.entries[j] = ne
			idx := NodeIndex(si<<segmentShift | j)
			c.byID.set(owner, ne.weight.ID(), idx)
			c.byLineage.set(owner, ne.weight.LineageID(), idx)
		}
		c.segments[si] = ns
	}
	return c
}

// Cleanup drops every node unreachable from the root and compacts the
// arena. All NodeIndex values taken before the call are invalid after it.
func (g *Graph) Cleanup() {
	reach := make([]bool, g.next)
	reached := 1
	reach[g.root] = true
	stack := []NodeIndex{g.root}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e, _ := g.entry(i)
		for _, oe := range e.out {
			if !reach[oe.target] {
				reach[oe.target] = true
				reached++
				stack = append(stack, oe.target)
			}
		}
	}
	if reached == g.nodes && g.nodes == int(g.next) {
		g.reindexCategories()
		return
	}

	c := newEmpty()
	owner := c.owner.Load()
	remap := make([]NodeIndex, g.next)
	for i := NodeIndex(0); i < g.next; i++ {
		if !reach[i] {
			continue
		}
		e, _ := g.entry(i)
		ni := c.alloc(e.weight)
		remap[i] = ni
		c.byID.set(owner, e.weight.ID(), ni)
		c.byLineage.set(owner, e.weight.LineageID(), ni)
	}
	for i := NodeIndex(0); i < g.next; i++ {
		if !reach[i] {
			continue
		}
		e, _ := g.entry(i)
		src := remap[i]
		se := c.mutEntry(src)
		se.out = make([]outEdge, 0, len(e.out))
		for _, oe := range e.out {
			t := remap[oe.target]
			se.out = append(se.out, outEdge{target: t, weight: oe.weight})
			te := c.mutEntry(t)
			te.in = append(te.in, src)
			c.edges++
		}
	}

	g.owner.Store(owner)
	g.segments = c.segments
	g.next, g.nodes, g.edges = c.next, c.nodes, c.edges
	g.byID, g.byLineage = c.byID, c.byLineage
	g.root = remap[g.root]
	g.reindexCategories()
}

// reindexCategories rebuilds the category index from the root's Use edges.
// When two nodes claim a kind, the one already indexed wins.
func (g *Graph) reindexCategories() {
	idx := make(map[CategoryNodeKind]ident.ID, len(g.categories))
	re, ok := g.entry(g.root)
	if !ok {
		g.categories = idx
		return
	}
	for _, oe := range re.out {
		if oe.weight.Kind.Kind != EdgeUse {
			continue
		}
		te, ok := g.entry(oe.target)
		if !ok {
			continue
		}
		cw, ok := te.weight.(*CategoryNodeWeight)
		if !ok {
			continue
		}
		if cur, taken := idx[cw.Category]; taken && cur == g.categories[cw.Category] {
			continue
		}
		idx[cw.Category] = cw.ID()
	}
	g.categories = idx
}
