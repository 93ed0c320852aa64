// Package rebase reconciles two divergent workspace graphs. Detection is
// pure: it reads both graphs and returns the conflicts that block an
// automatic merge plus the updates that replay onto's changes into
// to_rebase. PerformUpdates applies those updates.
package rebase

import (
	"fmt"

	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/ident"
)

// NodeInfo identifies a node on one side of a rebase.
type NodeInfo struct {
	ID        ident.ID             `json:"id"`
	LineageID ident.ID             `json:"lineage_id"`
	Kind      graph.NodeWeightKind `json:"kind"`
}

func infoOf(w graph.NodeWeight) NodeInfo {
	return NodeInfo{ID: w.ID(), LineageID: w.LineageID(), Kind: w.Kind()}
}

type ConflictKind string

const (
	KindNodeContent        ConflictKind = "NodeContent"
	KindModifyRemovedItem  ConflictKind = "ModifyRemovedItem"
	KindRemoveModifiedItem ConflictKind = "RemoveModifiedItem"
)

// Conflict is one of NodeContentConflict, ModifyRemovedItemConflict or
// RemoveModifiedItemConflict.
type Conflict interface {
	ConflictKind() ConflictKind
	// Lineage is the lineage of the node the disagreement is about.
	Lineage() ident.ID
	conflict()
}

// NodeContentConflict: both sides changed the same node to different content.
type NodeContentConflict struct {
	Onto     NodeInfo `json:"onto"`
	ToRebase NodeInfo `json:"to_rebase"`
}

// ModifyRemovedItemConflict: onto removed an item that to_rebase changed.
type ModifyRemovedItemConflict struct {
	Container NodeInfo `json:"container"`
	Item      NodeInfo `json:"item"`
}

// RemoveModifiedItemConflict: to_rebase removed an item that onto changed.
type RemoveModifiedItemConflict struct {
	Container NodeInfo `json:"container"`
	Item      NodeInfo `json:"item"`
}

func (NodeContentConflict) ConflictKind() ConflictKind { return KindNodeContent }
func (c NodeContentConflict) Lineage() ident.ID { return c.ToRebase.LineageID }
func (NodeContentConflict) conflict() {}
func (ModifyRemovedItemConflict) ConflictKind() ConflictKind { return KindModifyRemovedItem }
func (c ModifyRemovedItemConflict) Lineage() ident.ID { return c.Item.LineageID }
func (ModifyRemovedItemConflict) conflict() {}
func (RemoveModifiedItemConflict) ConflictKind() ConflictKind { return KindRemoveModifiedItem }
func (c RemoveModifiedItemConflict) Lineage() ident.ID { return c.Item.LineageID }
func (RemoveModifiedItemConflict) conflict() {}

type UpdateKind string

const (
	KindNewEdge         UpdateKind = "NewEdge"
	KindRemoveEdge      UpdateKind = "RemoveEdge"
	KindReplaceSubgraph UpdateKind = "ReplaceSubgraph"
)

// Update is one of NewEdge, RemoveEdge or ReplaceSubgraph. Updates refer to
// nodes by id, never by index.
type Update interface {
	UpdateKind() UpdateKind
	key() string
}

// NewEdge attaches the onto subgraph rooted at DestinationID under the
// to_rebase node SourceID.
type NewEdge struct {
	SourceID      ident.ID         `json:"source_id"`
	DestinationID ident.ID         `json:"destination_id"`
	EdgeWeight    graph.EdgeWeight `json:"edge_weight"`
}

// RemoveEdge drops every edge of EdgeKind between two to_rebase nodes.
type RemoveEdge struct {
	SourceID      ident.ID       `json:"source_id"`
	DestinationID ident.ID       `json:"destination_id"`
	EdgeKind      graph.EdgeKind `json:"edge_kind"`
}

// ReplaceSubgraph takes onto's weight for a node both sides share. For an
// ordering node the child order is reconciled rather than copied.
type ReplaceSubgraph struct {
	OntoID     ident.ID `json:"onto_id"`
	ToRebaseID ident.ID `json:"to_rebase_id"`
}

func (NewEdge) UpdateKind() UpdateKind { return KindNewEdge }
func (RemoveEdge) UpdateKind() UpdateKind { return KindRemoveEdge }
func (ReplaceSubgraph) UpdateKind() UpdateKind { return KindReplaceSubgraph }

func (u NewEdge) key() string {
	return fmt.Sprintf("new:%s:%s:%s", u.SourceID, u.DestinationID, u.EdgeWeight.Kind.Identity())
}

func (u RemoveEdge) key() string {
	return fmt.Sprintf("remove:%s:%s:%s", u.SourceID, u.DestinationID, u.EdgeKind)
}

func (u ReplaceSubgraph) key() string {
	return fmt.Sprintf("replace:%s:%s", u.OntoID, u.ToRebaseID)
}

// Result is the outcome of a detection. A non-empty Conflicts is a normal
// outcome, not an error.
type Result struct {
	Conflicts []Conflict
	Updates   []Update
}

func (r Result) HasConflicts() bool { return len(r.Conflicts) > 0 }

// UpdateError reports an update that could not be applied. It only happens
// when the update list does not belong to the graphs it is applied to.
type UpdateError struct {
	Index  int
	Update Update
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("apply update %d (%s): %v", e.Index, e.Update.UpdateKind(), e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
