package graph

import (
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/ident"
)

// AddDependentValueRoot records that the dependents of valueID need
// recomputation. A value already pending is not added twice.
func (g *Graph) AddDependentValueRoot(cs *changeset.ChangeSet, valueID ident.ID) error {
	cat, err := g.GetCategoryNodeIndex(CategoryDependentValueRoots)
	if err != nil {
		return err
	}
	targets, err := g.OutgoingTargetsForEdgeWeightKind(cat, EdgeUse)
	if err != nil {
		return err
	}
	for _, t := range targets {
		e, _ := g.entry(t)
		if w, ok := e.weight.(*DependentValueRootNodeWeight); ok && w.ValueID == valueID {
			return nil
		}
	}
	w, err := NewDependentValueRoot(cs, valueID)
	if err != nil {
		return err
	}
	idx, err := g.AddNode(w)
	if err != nil {
		return err
	}
	return g.AddOrderedEdge(cs, cat, Use(), idx)
}

// FinishDependentValueRoot swaps the pending marker for valueID with a
// finished one.
func (g *Graph) FinishDependentValueRoot(cs *changeset.ChangeSet, valueID ident.ID) error {
	cat, err := g.GetCategoryNodeIndex(CategoryDependentValueRoots)
	if err != nil {
		return err
	}
	targets, err := g.OutgoingTargetsForEdgeWeightKind(cat, EdgeUse)
	if err != nil {
		return err
	}
	for _, t := range targets {
		e, _ := g.entry(t)
		w, ok := e.weight.(*DependentValueRootNodeWeight)
		if !ok || w.ValueID != valueID {
			continue
		}
		if err := g.RemoveNodeByID(cs, w.ID()); err != nil {
			return err
		}
		fw, err := NewFinishedDependentValueRoot(cs, valueID)
		if err != nil {
			return err
		}
		idx, err := g.AddNode(fw)
		if err != nil {
			return err
		}
		return g.AddOrderedEdge(cs, cat, Use(), idx)
	}
	return fmt.Errorf("%w: dependent value root for %s", ErrNodeNotFound, valueID)
}

// DependentValueRoots lists the value ids with pending or finished markers,
// sorted and without duplicates.
func (g *Graph) DependentValueRoots() (pending, finished []ident.ID, err error) {
	cat, err := g.GetCategoryNodeIndex(CategoryDependentValueRoots)
	if err != nil {
		return nil, nil, err
	}
	targets, err := g.OutgoingTargetsForEdgeWeightKind(cat, EdgeUse)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range targets {
		e, _ := g.entry(t)
		switch w := e.weight.(type) {
		case *DependentValueRootNodeWeight:
			pending = append(pending, w.ValueID)
		case *FinishedDependentValueRootNodeWeight:
			finished = append(finished, w.ValueID)
		}
	}
	return sortIDs(pending), sortIDs(finished), nil
}

// TakeDependentValueRoots removes every marker and returns the value ids
// that were still pending.
func (g *Graph) TakeDependentValueRoots(cs *changeset.ChangeSet) ([]ident.ID, error) {
	cat, err := g.GetCategoryNodeIndex(CategoryDependentValueRoots)
	if err != nil {
		return nil, err
	}
	targets, err := g.OutgoingTargetsForEdgeWeightKind(cat, EdgeUse)
	if err != nil {
		return nil, err
	}
	var pending, remove []ident.ID
	for _, t := range targets {
		e, _ := g.entry(t)
		switch w := e.weight.(type) {
		case *DependentValueRootNodeWeight:
			pending = append(pending, w.ValueID)
			remove = append(remove, w.ID())
		case *FinishedDependentValueRootNodeWeight:
			remove = append(remove, w.ID())
		}
	}
	for _, id := range remove {
		if err := g.RemoveNodeByID(cs, id); err != nil {
			return nil, err
		}
	}
	return sortIDs(pending), nil
}

func sortIDs(ids []ident.ID) []ident.ID {
	slices.SortFunc(ids, func(a, b ident.ID) int { return a.Compare(b) })
	return slices.Compact(ids)
}
