package graph

import (
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/vclock"
)

// An ordered container has one Ordering edge to an ordering node. The
// ordering node lists the container's Use/Contain targets by id and holds an
// Ordinal edge to each of them.

// AddOrderedNode inserts w together with an empty ordering node.
func (g *Graph) AddOrderedNode(cs *changeset.ChangeSet, w NodeWeight) (NodeIndex, error) {
	idx, err := g.AddNode(w)
	if err != nil {
		return 0, err
	}
	ord, err := NewOrdering(cs, nil)
	if err != nil {
		return 0, err
	}
	ordIdx, err := g.AddNode(ord)
	if err != nil {
		return 0, err
	}
	ew, err := NewEdgeWeight(cs, Kind(EdgeOrdering))
	if err != nil {
		return 0, err
	}
	if err := g.AddEdge(idx, ew, ordIdx); err != nil {
		return 0, err
	}
	return idx, nil
}

// AddOrderedEdge stamps a new edge for cs and inserts it. When source is
// ordered the destination goes to the end of its ordering.
func (g *Graph) AddOrderedEdge(cs *changeset.ChangeSet, source NodeIndex, kind EdgeWeightKind, destination NodeIndex) error {
	ew, err := NewEdgeWeight(cs, kind)
	if err != nil {
		return err
	}
	return g.AddEdge(source, ew, destination)
}

func (g *Graph) OrderingNodeForContainer(container NodeIndex) (NodeIndex, bool) {
	e, ok := g.entry(container)
	if !ok {
		return 0, false
	}
	for _, oe := range e.out {
		if oe.weight.Kind.Kind == EdgeOrdering {
			return oe.target, true
		}
	}
	return 0, false
}

// OrderedChildrenForNode resolves the explicit child order of idx. The bool
// is false when idx has no ordering.
func (g *Graph) OrderedChildrenForNode(idx NodeIndex) ([]NodeIndex, bool, error) {
	if _, ok := g.entry(idx); !ok {
		return nil, false, fmt.Errorf("%w: index %d", ErrNodeNotFound, idx)
	}
	ordIdx, ok := g.OrderingNodeForContainer(idx)
	if !ok {
		return nil, false, nil
	}
	oe, _ := g.entry(ordIdx)
	ow, ok := oe.weight.(*OrderingNodeWeight)
	if !ok {
		return nil, false, integrityf("ordering edge of %s targets a %s node", g.idOf(idx), oe.weight.Kind())
	}
	out := make([]NodeIndex, 0, len(ow.Order))
	for _, id := range ow.Order {
		child, found := g.byID.get(id)
		if !found {
			return nil, false, integrityf("ordering %s lists missing child %s", ow.ID(), id)
		}
		out = append(out, child)
	}
	return out, true, nil
}

// ReorderChildren replaces the order of container's children. order must be
// a permutation of the current children.
func (g *Graph) ReorderChildren(cs *changeset.ChangeSet, container NodeIndex, order []ident.ID) error {
	ordIdx, ok := g.OrderingNodeForContainer(container)
	if !ok {
		return fmt.Errorf("%w: index %d", ErrNotOrdered, container)
	}
	if err := g.checkOrder(ordIdx, order); err != nil {
		return err
	}
	at, err := cs.Stamp()
	if err != nil {
		return err
	}
	oe, _ := g.entry(ordIdx)
	c := oe.weight.clone()
	ow, ok := c.(*OrderingNodeWeight)
	if !ok {
		return integrityf("ordering edge of %s targets a %s node", g.idOf(container), c.Kind())
	}
	ow.Order = slices.Clone(order)
	ow.base().clocks.MarkWrite(cs.VectorClockID, at)
	g.setWeight(ordIdx, ow)
	g.observeStamp(cs.VectorClockID, at)
	return nil
}

func (g *Graph) appendToOrdering(container, child NodeIndex, clocks vclock.Clocks) {
	ordIdx, ok := g.OrderingNodeForContainer(container)
	if !ok {
		return
	}
	oe, _ := g.entry(ordIdx)
	ow, ok := oe.weight.(*OrderingNodeWeight)
	if !ok {
		return
	}
	ce, _ := g.entry(child)
	childID := ce.weight.ID()
	if slices.Contains(ow.Order, childID) {
		return
	}
	c := ow.clone().(*OrderingNodeWeight)
	c.Order = append(c.Order, childID)
	c.base().clocks.Merge(clocks)
	g.setWeight(ordIdx, c)
	g.insertEdge(ordIdx, EdgeWeight{Kind: Kind(EdgeOrdinal), Clocks: clocks.Clone()}, child)
}

func (g *Graph) removeFromOrdering(cs *changeset.ChangeSet, container, child NodeIndex, at vclock.Stamp) {
	ordIdx, ok := g.OrderingNodeForContainer(container)
	if !ok {
		return
	}
	g.removeEdges(ordIdx, child, func(k EdgeWeightKind) bool { return k.Kind == EdgeOrdinal })
	ce, _ := g.entry(child)
	g.dropFromOrder(cs, ordIdx, ce.weight.ID(), at)
}

func (g *Graph) dropFromOrder(cs *changeset.ChangeSet, ordIdx NodeIndex, id ident.ID, at vclock.Stamp) {
	oe, _ := g.entry(ordIdx)
	ow, ok := oe.weight.(*OrderingNodeWeight)
	if !ok {
		return
	}
	i := slices.Index(ow.Order, id)
	if i < 0 {
		return
	}
	c := ow.clone().(*OrderingNodeWeight)
	c.Order = slices.Delete(c.Order, i, i+1)
	c.base().clocks.MarkWrite(cs.VectorClockID, at)
	g.setWeight(ordIdx, c)
}

// checkOrder verifies order is a permutation of the ordinal targets of the
// ordering node at ordIdx.
func (g *Graph) checkOrder(ordIdx NodeIndex, order []ident.ID) error {
	oe, ok := g.entry(ordIdx)
	if !ok {
		return fmt.Errorf("%w: index %d", ErrNodeNotFound, ordIdx)
	}
	want := make(map[ident.ID]struct{})
	for _, e := range oe.out {
		if e.weight.Kind.Kind == EdgeOrdinal {
			want[g.idOf(e.target)] = struct{}{}
		}
	}
	return sameMembers(oe.weight.ID(), order, want)
}

func sameMembers(ordering ident.ID, order []ident.ID, want map[ident.ID]struct{}) error {
	seen := make(map[ident.ID]struct{}, len(order))
	for _, id := range order {
		if _, dup := seen[id]; dup {
			return integrityf("ordering %s lists %s twice", ordering, id)
		}
		seen[id] = struct{}{}
		if _, ok := want[id]; !ok {
			return integrityf("ordering %s lists %s which is not a child", ordering, id)
		}
	}
	if len(seen) != len(want) {
		for id := range want {
			if _, ok := seen[id]; !ok {
				return integrityf("ordering %s is missing child %s", ordering, id)
			}
		}
	}
	return nil
}

// ValidateOrdering checks every ordered container: its ordering lists
// exactly the targets of its Use/Contain edges, and has an Ordinal edge to
// each of them.
func (g *Graph) ValidateOrdering() error {
	for _, idx := range g.Indices() {
		ordIdx, ok := g.OrderingNodeForContainer(idx)
		if !ok {
			continue
		}
		oe, _ := g.entry(ordIdx)
		ow, ok := oe.weight.(*OrderingNodeWeight)
		if !ok {
			return integrityf("ordering edge of %s targets a %s node", g.idOf(idx), oe.weight.Kind())
		}
		children := make(map[ident.ID]struct{})
		ce, _ := g.entry(idx)
		for _, e := range ce.out {
			if e.weight.Kind.Ordered() {
				children[g.idOf(e.target)] = struct{}{}
			}
		}
		if err := sameMembers(ow.ID(), ow.Order, children); err != nil {
			return err
		}
		if err := g.checkOrder(ordIdx, ow.Order); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) idOf(idx NodeIndex) ident.ID {
	e, ok := g.entry(idx)
	if !ok {
		return ident.Nil
	}
	return e.weight.ID()
}
