package rebase

import (
	"errors"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/vclock"
)

var ErrUnrelatedGraphs = errors.New("graphs do not share a root lineage")

type pair struct {
	onto     graph.NodeIndex
	toRebase graph.NodeIndex
}

type keyedEdge struct {
	key    string
	edge   graph.Edge
	target graph.NodeWeight
}

type detector struct {
	onto, toRebase             *graph.Graph
	ontoKnows, toRebaseKnows   vclock.VectorClock
	ontoMerkle, toRebaseMerkle *graph.Merkle

	visited map[ident.ID]struct{}
	emitted map[string]struct{}
	result  Result
}

// DetectConflictsAndUpdates walks both graphs from their roots, pairing
// nodes by lineage, and decides per node and per edge which side changed.
// Subtrees with equal merkle hashes are skipped. Neither graph is modified,
// and nodes unreachable from the roots play no part, so the result does not
// depend on whether either graph has been cleaned up.
//
// A side's knowledge is its root's recently-seen clock. Given that:
//   - a node whose content differs is taken from onto when only onto wrote
//     it, kept when only to_rebase wrote it, and a conflict otherwise;
//   - an edge only onto has is new unless to_rebase had already seen it, in
//     which case to_rebase removed it;
//   - an edge only to_rebase has was removed by onto if onto had seen it,
//     and is to_rebase's own addition otherwise.
//
// Removing an item the other side changed since is a conflict.
func DetectConflictsAndUpdates(toRebase, onto *graph.Graph) (Result, error) {
	d := &detector{
		onto:           onto,
		toRebase:       toRebase,
		ontoKnows:      onto.Knowledge(),
		toRebaseKnows:  toRebase.Knowledge(),
		ontoMerkle:     onto.Merkle(),
		toRebaseMerkle: toRebase.Merkle(),
		visited:        make(map[ident.ID]struct{}),
		emitted:        make(map[string]struct{}),
	}
	ow, err := onto.GetNodeWeight(onto.Root())
	if err != nil {
		return Result{}, err
	}
	rw, err := toRebase.GetNodeWeight(toRebase.Root())
	if err != nil {
		return Result{}, err
	}
	if ow.LineageID() != rw.LineageID() {
		return Result{}, ErrUnrelatedGraphs
	}

	stack := []pair{{onto: onto.Root(), toRebase: toRebase.Root()}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := d.visit(p)
		if err != nil {
			return Result{}, err
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return d.result, nil
}

func (d *detector) visit(p pair) ([]pair, error) {
	ow, err := d.onto.GetNodeWeight(p.onto)
	if err != nil {
		return nil, err
	}
	rw, err := d.toRebase.GetNodeWeight(p.toRebase)
	if err != nil {
		return nil, err
	}
	if _, seen := d.visited[ow.LineageID()]; seen {
		return nil, nil
	}
	d.visited[ow.LineageID()] = struct{}{}
	if d.ontoMerkle.Hash(p.onto) == d.toRebaseMerkle.Hash(p.toRebase) {
		return nil, nil
	}

	d.compareContent(ow, rw)

	ontoEdges, err := keyedOutgoing(d.onto, p.onto)
	if err != nil {
		return nil, err
	}
	rebaseEdges, err := keyedOutgoing(d.toRebase, p.toRebase)
	if err != nil {
		return nil, err
	}
	var children []pair
	i, j := 0, 0
	for i < len(ontoEdges) || j < len(rebaseEdges) {
		switch {
		case j == len(rebaseEdges) || (i < len(ontoEdges) && ontoEdges[i].key < rebaseEdges[j].key):
			if err := d.onlyInOnto(rw, ontoEdges[i]); err != nil {
				return nil, err
			}
			i++
		case i == len(ontoEdges) || rebaseEdges[j].key < ontoEdges[i].key:
			if err := d.onlyInToRebase(rw, rebaseEdges[j]); err != nil {
				return nil, err
			}
			j++
		default:
			children = append(children, pair{onto: ontoEdges[i].edge.Target, toRebase: rebaseEdges[j].edge.Target})
			i++
			j++
		}
	}
	return children, nil
}

func (d *detector) compareContent(ow, rw graph.NodeWeight) {
	if ow.Kind() == rw.Kind() && graph.NodeHash(ow) == graph.NodeHash(rw) {
		return
	}
	ontoChanged := ow.Clocks().Write.NewerThan(d.toRebaseKnows)
	rebaseChanged := rw.Clocks().Write.NewerThan(d.ontoKnows)
	replace := ReplaceSubgraph{OntoID: ow.ID(), ToRebaseID: rw.ID()}

	if ow.Kind() == graph.KindOrdering && rw.Kind() == graph.KindOrdering {
		// Differing child orders are reconciled on apply, never a conflict.
		if ontoChanged {
			d.update(replace)
		}
		return
	}
	switch {
	case ow.Kind() != rw.Kind():
		d.conflict(NodeContentConflict{Onto: infoOf(ow), ToRebase: infoOf(rw)})
	case ontoChanged && !rebaseChanged:
		d.update(replace)
	case rebaseChanged && !ontoChanged:
		// to_rebase's own edit stands
	default:
		d.conflict(NodeContentConflict{Onto: infoOf(ow), ToRebase: infoOf(rw)})
	}
}

func (d *detector) onlyInOnto(container graph.NodeWeight, e keyedEdge) error {
	if !e.edge.Weight.Clocks.FirstSeen.KnownBy(d.toRebaseKnows) {
		d.update(NewEdge{SourceID: container.ID(), DestinationID: e.target.ID(), EdgeWeight: e.edge.Weight})
		return nil
	}
	changed := e.edge.Weight.Clocks.Write.NewerThan(d.toRebaseKnows)
	if !changed {
		var err error
		if changed, err = subtreeChangedSince(d.onto, e.edge.Target, d.toRebaseKnows); err != nil {
			return err
		}
	}
	if changed {
		d.conflict(RemoveModifiedItemConflict{Container: infoOf(container), Item: infoOf(e.target)})
	}
	return nil
}

func (d *detector) onlyInToRebase(container graph.NodeWeight, e keyedEdge) error {
	if !e.edge.Weight.Clocks.FirstSeen.KnownBy(d.ontoKnows) {
		return nil
	}
	changed := e.edge.Weight.Clocks.Write.NewerThan(d.ontoKnows)
	if !changed {
		var err error
		if changed, err = subtreeChangedSince(d.toRebase, e.edge.Target, d.ontoKnows); err != nil {
			return err
		}
	}
	if changed {
		d.conflict(ModifyRemovedItemConflict{Container: infoOf(container), Item: infoOf(e.target)})
		return nil
	}
	d.update(RemoveEdge{SourceID: container.ID(), DestinationID: e.target.ID(), EdgeKind: e.edge.Weight.Kind.Kind})
	return nil
}

func (d *detector) update(u Update) {
	k := u.key()
	if _, dup := d.emitted[k]; dup {
		return
	}
	d.emitted[k] = struct{}{}
	d.result.Updates = append(d.result.Updates, u)
}

func (d *detector) conflict(c Conflict) {
	d.result.Conflicts = append(d.result.Conflicts, c)
}

// keyedOutgoing lists the outgoing edges of idx by (identity, target
// lineage), leaving out Ordinal edges which mirror the ordering node.
func keyedOutgoing(g *graph.Graph, idx graph.NodeIndex) ([]keyedEdge, error) {
	edges, err := g.EdgesDirected(idx, graph.Outgoing)
	if err != nil {
		return nil, err
	}
	out := make([]keyedEdge, 0, len(edges))
	for _, e := range edges {
		if e.Weight.Kind.Kind == graph.EdgeOrdinal {
			continue
		}
		tw, err := g.GetNodeWeight(e.Target)
		if err != nil {
			return nil, err
		}
		out = append(out, keyedEdge{
			key:    e.Weight.Kind.Identity() + "\x00" + tw.LineageID().String(),
			edge:   e,
			target: tw,
		})
	}
	slices.SortFunc(out, func(a, b keyedEdge) int { return strings.Compare(a.key, b.key) })
	return out, nil
}

// subtreeChangedSince reports whether any node or edge reachable from idx
// carries a write knowledge has not observed.
func subtreeChangedSince(g *graph.Graph, idx graph.NodeIndex, knowledge vclock.VectorClock) (bool, error) {
	seen := map[graph.NodeIndex]struct{}{idx: {}}
	stack := []graph.NodeIndex{idx}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		w, err := g.GetNodeWeight(i)
		if err != nil {
			return false, err
		}
		if w.Clocks().Write.NewerThan(knowledge) {
			return true, nil
		}
		edges, err := g.EdgesDirected(i, graph.Outgoing)
		if err != nil {
			return false, err
		}
		for _, e := range edges {
			if e.Weight.Clocks.Write.NewerThan(knowledge) {
				return true, nil
			}
			if _, ok := seen[e.Target]; !ok {
				seen[e.Target] = struct{}{}
				stack = append(stack, e.Target)
			}
		}
	}
	return false, nil
}
