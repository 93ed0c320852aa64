package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/vclock"
)

const (
	// SnapshotVersion is written by Encode. Version 1 snapshots embedded
	// each node's outgoing edges in the node record.
	SnapshotVersion = 2

	nodeEncodingVersion = 2
)

type nodeRecord struct {
	Version   int             `json:"version,omitempty"`
	Kind      NodeWeightKind  `json:"kind"`
	ID        ident.ID        `json:"id"`
	LineageID ident.ID        `json:"lineage_id"`
	Clocks    vclock.Clocks   `json:"clocks"`
	Data      json.RawMessage `json:"data"`

	Edges []embeddedEdgeRecord `json:"edges,omitempty"`
}

type embeddedEdgeRecord struct {
	Target ident.ID   `json:"target"`
	Weight EdgeWeight `json:"weight"`
}

type edgeRecord struct {
	Source ident.ID   `json:"source"`
	Target ident.ID   `json:"target"`
	Weight EdgeWeight `json:"weight"`
}

type snapshotRecord struct {
	Version int          `json:"version"`
	Root    ident.ID     `json:"root"`
	Nodes   []nodeRecord `json:"nodes"`
	Edges   []edgeRecord `json:"edges"`
}

// Encode serializes every live node and edge, sorted by id, so equal graphs
// encode to equal bytes whatever their arena layout. Run Cleanup first to
// leave out unreachable nodes.
func (g *Graph) Encode() ([]byte, error) {
	rec := snapshotRecord{
		Version: SnapshotVersion,
		Root:    g.RootID(),
		Nodes:   make([]nodeRecord, 0, g.nodes),
		Edges:   make([]edgeRecord, 0, g.edges),
	}
	for _, idx := range g.Indices() {
		e, _ := g.entry(idx)
		w := e.weight
		data, err := json.Marshal(w)
		if err != nil {
			return nil, fmt.Errorf("encode %s weight %s: %w", w.Kind(), w.ID(), err)
		}
		rec.Nodes = append(rec.Nodes, nodeRecord{
			Version:   nodeEncodingVersion,
			Kind:      w.Kind(),
			ID:        w.ID(),
			LineageID: w.LineageID(),
			Clocks:    w.Clocks(),
			Data:      data,
		})
		for _, oe := range e.out {
			rec.Edges = append(rec.Edges, edgeRecord{Source: w.ID(), Target: g.idOf(oe.target), Weight: oe.weight})
		}
	}
	slices.SortFunc(rec.Nodes, func(a, b nodeRecord) int { return a.ID.Compare(b.ID) })
	slices.SortFunc(rec.Edges, func(a, b edgeRecord) int {
		if c := a.Source.Compare(b.Source); c != 0 {
			return c
		}
		if c := a.Target.Compare(b.Target); c != 0 {
			return c
		}
		return strings.Compare(a.Weight.Kind.Identity(), b.Weight.Kind.Identity())
	})
	return json.Marshal(rec)
}

// Address encodes g and returns the content hash of the encoding.
func (g *Graph) Address() (hash.ContentHash, []byte, error) {
	data, err := g.Encode()
	if err != nil {
		return hash.ContentHash{}, nil, err
	}
	return hash.Compute(data), data, nil
}

// Decode rebuilds a graph from Encode output, migrating deprecated
// snapshot and node encodings on the way. Any structural problem is an
// IntegrityError.
func Decode(data []byte) (*Graph, error) {
	var rec snapshotRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&rec); err != nil {
		return nil, &IntegrityError{Reason: "decode snapshot", Err: err}
	}
	switch rec.Version {
	case 0, 1:
		for _, n := range rec.Nodes {
			for _, e := range n.Edges {
				rec.Edges = append(rec.Edges, edgeRecord{Source: n.ID, Target: e.Target, Weight: e.Weight})
			}
		}
	case SnapshotVersion:
	default:
		return nil, integrityf("unsupported snapshot version %d", rec.Version)
	}

	g := newEmpty()
	for _, n := range rec.Nodes {
		w, err := decodeWeight(n)
		if err != nil {
			return nil, err
		}
		if _, err := g.AddNode(w); err != nil {
			return nil, &IntegrityError{Reason: "load node " + n.ID.String(), Err: err}
		}
	}
	root, ok := g.byID.get(rec.Root)
	if !ok {
		return nil, integrityf("root %s is not among the nodes", rec.Root)
	}
	g.root, g.hasRoot = root, true

	for _, e := range rec.Edges {
		src, ok := g.byID.get(e.Source)
		if !ok {
			return nil, integrityf("edge from missing node %s", e.Source)
		}
		dst, ok := g.byID.get(e.Target)
		if !ok {
			return nil, integrityf("edge to missing node %s", e.Target)
		}
		if e.Weight.Kind.Kind == "" {
			return nil, integrityf("edge %s -> %s has no kind", e.Source, e.Target)
		}
		g.insertEdge(src, e.Weight, dst)
	}

	re, _ := g.entry(g.root)
	for _, oe := range re.out {
		te, _ := g.entry(oe.target)
		if cw, ok := te.weight.(*CategoryNodeWeight); ok && oe.weight.Kind.Kind == EdgeUse {
			if err := g.registerCategory(cw); err != nil {
				return nil, err
			}
		}
	}
	if err := g.ValidateOrdering(); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeWeight(n nodeRecord) (NodeWeight, error) {
	kind, data := n.Kind, n.Data
	if n.Version < nodeEncodingVersion {
		var err error
		if kind, data, err = migrateNodeV1(kind, data); err != nil {
			return nil, err
		}
	}
	w, err := newZeroWeight(kind)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, w); err != nil {
			return nil, &IntegrityError{Reason: fmt.Sprintf("decode %s weight %s", kind, n.ID), Err: err}
		}
	}
	if ident.IsNil(n.ID) || ident.IsNil(n.LineageID) {
		return nil, integrityf("%s weight without id or lineage", kind)
	}
	b := w.base()
	b.id, b.lineage, b.clocks = n.ID, n.LineageID, n.Clocks
	return w, nil
}

func newZeroWeight(kind NodeWeightKind) (NodeWeight, error) {
	switch kind {
	case KindAction:
		return &ActionNodeWeight{}, nil
	case KindActionPrototype:
		return &ActionPrototypeNodeWeight{}, nil
	case KindAttributePrototypeArgument:
		return &AttributePrototypeArgumentNodeWeight{}, nil
	case KindAttributeValue:
		return &AttributeValueNodeWeight{}, nil
	case KindCategory:
		return &CategoryNodeWeight{}, nil
	case KindComponent:
		return &ComponentNodeWeight{}, nil
	case KindContent:
		return &ContentNodeWeight{}, nil
	case KindDependentValueRoot:
		return &DependentValueRootNodeWeight{}, nil
	case KindFinishedDependentValueRoot:
		return &FinishedDependentValueRootNodeWeight{}, nil
	case KindFunc:
		return &FuncNodeWeight{}, nil
	case KindFuncArgument:
		return &FuncArgumentNodeWeight{}, nil
	case KindOrdering:
		return &OrderingNodeWeight{}, nil
	case KindProp:
		return &PropNodeWeight{}, nil
	case KindSchemaVariant:
		return &SchemaVariantNodeWeight{}, nil
	case KindSecret:
		return &SecretNodeWeight{}, nil
	default:
		return nil, integrityf("unknown node weight kind %q", kind)
	}
}

// Summary counts the contents of a graph, for inspection tooling.
type Summary struct {
	Nodes      int                         `json:"nodes"`
	Edges      int                         `json:"edges"`
	ByKind     map[NodeWeightKind]int      `json:"by_kind"`
	Categories map[CategoryNodeKind]string `json:"categories"`
	Knowledge  map[string]string           `json:"knowledge"`
}

func (g *Graph) Summary() Summary {
	s := Summary{
		Nodes:      g.nodes,
		Edges:      g.edges,
		ByKind:     make(map[NodeWeightKind]int),
		Categories: make(map[CategoryNodeKind]string, len(g.categories)),
		Knowledge:  make(map[string]string),
	}
	for _, idx := range g.Indices() {
		e, _ := g.entry(idx)
		s.ByKind[e.weight.Kind()]++
	}
	for k, id := range g.categories {
		s.Categories[k] = id.String()
	}
	for id, at := range g.Knowledge() {
		s.Knowledge[id.String()] = at.String()
	}
	return s
}
