package graph

import (
	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/vclock"
)

// EdgeKind is the discriminant of an edge weight.
type EdgeKind string

const (
	EdgeAction                 EdgeKind = "Action"
	EdgeActionPrototype        EdgeKind = "ActionPrototype"
	EdgeContain                EdgeKind = "Contain"
	EdgeFrameContains          EdgeKind = "FrameContains"
	EdgeOrdering               EdgeKind = "Ordering"
	EdgeOrdinal                EdgeKind = "Ordinal"
	EdgeProp                   EdgeKind = "Prop"
	EdgePrototype              EdgeKind = "Prototype"
	EdgePrototypeArgument      EdgeKind = "PrototypeArgument"
	EdgePrototypeArgumentValue EdgeKind = "PrototypeArgumentValue"
	EdgeRepresents             EdgeKind = "Represents"
	EdgeRoot                   EdgeKind = "Root"
	EdgeSocket                 EdgeKind = "Socket"
	EdgeUse                    EdgeKind = "Use"
)

// EdgeWeightKind is the tagged edge kind. Key is meaningful for Contain and
// Prototype; IsDefault for Use.
type EdgeWeightKind struct {
	Kind      EdgeKind `json:"kind"`
	Key       string   `json:"key,omitempty"`
	IsDefault bool     `json:"is_default,omitempty"`
}

func Use() EdgeWeightKind { return EdgeWeightKind{Kind: EdgeUse} }
func UseDefault() EdgeWeightKind { return EdgeWeightKind{Kind: EdgeUse, IsDefault: true} }
func Contain(key string) EdgeWeightKind { return EdgeWeightKind{Kind: EdgeContain, Key: key} }
func Prototype(key string) EdgeWeightKind {
	return EdgeWeightKind{Kind: EdgePrototype, Key: key}
}
func Kind(k EdgeKind) EdgeWeightKind { return EdgeWeightKind{Kind: k} }

// Identity is what distinguishes two edges of the same source towards the
// same target lineage.
func (k EdgeWeightKind) Identity() string {
	if k.Key == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + "/" + k.Key
}

// Ordered reports whether an edge of this kind takes part in its source's
// explicit ordering when one exists.
func (k EdgeKind) Ordered() bool {
	return k == EdgeUse || k == EdgeContain
}

func (k EdgeWeightKind) Ordered() bool { return k.Kind.Ordered() }

// merkleKey is Identity plus the flags that change meaning but not identity.
func (k EdgeWeightKind) merkleKey() string {
	if k.IsDefault {
		return k.Identity() + "#default"
	}
	return k.Identity()
}

// EdgeWeight is a typed, clocked edge.
type EdgeWeight struct {
	Kind   EdgeWeightKind `json:"kind"`
	Clocks vclock.Clocks  `json:"clocks"`
}

// NewEdgeWeight stamps a new edge for cs.
func NewEdgeWeight(cs *changeset.ChangeSet, kind EdgeWeightKind) (EdgeWeight, error) {
	clocks, err := cs.Clocks()
	if err != nil {
		return EdgeWeight{}, err
	}
	return EdgeWeight{Kind: kind, Clocks: clocks}, nil
}

func (e EdgeWeight) Clone() EdgeWeight {
	return EdgeWeight{Kind: e.Kind, Clocks: e.Clocks.Clone()}
}
