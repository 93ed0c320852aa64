package rebase

import (
	"fmt"

	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/ident"
)

// PerformUpdates applies updates, in order, to toRebase on behalf of cs and
// then records onto's knowledge in toRebase. onto is only read. An error
// means the updates were not computed from these two graphs; toRebase is
// left partially updated and should be discarded.
func PerformUpdates(toRebase *graph.Graph, cs *changeset.ChangeSet, onto *graph.Graph, updates []Update) error {
	for i, u := range updates {
		var err error
		switch u := u.(type) {
		case NewEdge:
			err = applyNewEdge(toRebase, onto, u)
		case RemoveEdge:
			err = applyRemoveEdge(toRebase, cs, u)
		case ReplaceSubgraph:
			err = applyReplaceSubgraph(toRebase, onto, u)
		default:
			err = fmt.Errorf("unhandled update %T", u)
		}
		if err != nil {
			return &UpdateError{Index: i, Update: u, Err: err}
		}
	}
	toRebase.ObserveKnowledge(onto.Knowledge())
	return nil
}

func applyNewEdge(toRebase, onto *graph.Graph, u NewEdge) error {
	src, err := toRebase.GetNodeIndexByID(u.SourceID)
	if err != nil {
		return err
	}
	ontoDst, err := onto.GetNodeIndexByID(u.DestinationID)
	if err != nil {
		return err
	}
	dst, err := importSubgraph(toRebase, onto, ontoDst)
	if err != nil {
		return err
	}
	return toRebase.AddEdge(src, u.EdgeWeight.Clone(), dst)
}

func applyRemoveEdge(toRebase *graph.Graph, cs *changeset.ChangeSet, u RemoveEdge) error {
	src, err := toRebase.GetNodeIndexByID(u.SourceID)
	if err != nil {
		return err
	}
	dst, err := toRebase.GetNodeIndexByID(u.DestinationID)
	if err != nil {
		return err
	}
	return toRebase.RemoveEdge(cs, src, dst, u.EdgeKind)
}

func applyReplaceSubgraph(toRebase, onto *graph.Graph, u ReplaceSubgraph) error {
	ow, err := onto.GetNodeWeightByID(u.OntoID)
	if err != nil {
		return err
	}
	ri, err := toRebase.GetNodeIndexByID(u.ToRebaseID)
	if err != nil {
		return err
	}
	rw, err := toRebase.GetNodeWeight(ri)
	if err != nil {
		return err
	}
	merged := graph.WithMergedClocks(ow, rw.Clocks())
	if ordering, ok := merged.(*graph.OrderingNodeWeight); ok {
		current, ok := rw.(*graph.OrderingNodeWeight)
		if !ok {
			return &graph.NodeWeightError{ID: rw.ID(), Reason: "ordering replaced onto a " + string(rw.Kind()) + " node"}
		}
		ordering.Order = reconcileOrder(toRebase, onto, ordering.Order, current.Order)
	}
	return toRebase.ReplaceNodeWeight(ri, merged)
}

// reconcileOrder keeps onto's relative order for the children both sides
// have and appends the remaining current children in their current order.
func reconcileOrder(toRebase, onto *graph.Graph, ontoOrder, current []ident.ID) []ident.ID {
	present := make(map[ident.ID]bool, len(current))
	for _, id := range current {
		present[id] = true
	}
	out := make([]ident.ID, 0, len(current))
	used := make(map[ident.ID]bool, len(current))
	for _, id := range ontoOrder {
		w, err := onto.GetNodeWeightByID(id)
		if err != nil {
			continue
		}
		ri, ok := toRebase.GetNodeIndexByLineage(w.LineageID())
		if !ok {
			continue
		}
		rw, err := toRebase.GetNodeWeight(ri)
		if err != nil {
			continue
		}
		if rid := rw.ID(); present[rid] && !used[rid] {
			out = append(out, rid)
			used[rid] = true
		}
	}
	for _, id := range current {
		if !used[id] {
			out = append(out, id)
		}
	}
	return out
}

// importSubgraph copies the onto subgraph rooted at root into toRebase and
// returns the toRebase index of root. Nodes whose lineage toRebase already
// has are reused, and the walk does not descend past them.
func importSubgraph(toRebase, onto *graph.Graph, root graph.NodeIndex) (graph.NodeIndex, error) {
	mapping := make(map[graph.NodeIndex]graph.NodeIndex)
	var added []graph.NodeIndex
	stack := []graph.NodeIndex{root}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := mapping[i]; done {
			continue
		}
		w, err := onto.GetNodeWeight(i)
		if err != nil {
			return 0, err
		}
		if existing, ok := toRebase.GetNodeIndexByLineage(w.LineageID()); ok {
			mapping[i] = existing
			continue
		}
		ni, err := toRebase.AddNode(graph.Clone(w))
		if err != nil {
			return 0, err
		}
		mapping[i] = ni
		added = append(added, i)
		edges, err := onto.EdgesDirected(i, graph.Outgoing)
		if err != nil {
			return 0, err
		}
		for j := len(edges) - 1; j >= 0; j-- {
			stack = append(stack, edges[j].Target)
		}
	}
	for _, i := range added {
		edges, err := onto.EdgesDirected(i, graph.Outgoing)
		if err != nil {
			return 0, err
		}
		for _, e := range edges {
			if err := toRebase.AddEdge(mapping[i], e.Weight.Clone(), mapping[e.Target]); err != nil {
				return 0, err
			}
		}
	}
	return mapping[root], nil
}
