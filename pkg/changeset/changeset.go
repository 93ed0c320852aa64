// Package changeset models an independently editable branch of a workspace.
package changeset

import (
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/vclock"
)

// ChangeSet stamps every node and edge it mutates with its vector clock id.
// A ChangeSet is not safe to share between goroutines editing different
// graphs; give each editor its own working copy instead.
type ChangeSet struct {
	ID            ident.ID
	VectorClockID vclock.ID

	gen *ident.Generator
}

// New allocates a change set with fresh ids from gen. A nil gen gets a
// private generator.
func New(gen *ident.Generator) (*ChangeSet, error) {
	if gen == nil {
		gen = ident.NewGenerator()
	}
	id, err := gen.New()
	if err != nil {
		return nil, err
	}
	vcID, err := gen.New()
	if err != nil {
		return nil, err
	}
	return &ChangeSet{ID: id, VectorClockID: vcID, gen: gen}, nil
}

// Existing rebuilds a change set loaded from storage.
func Existing(id ident.ID, vcID vclock.ID, gen *ident.Generator) *ChangeSet {
	if gen == nil {
		gen = ident.NewGenerator()
	}
	return &ChangeSet{ID: id, VectorClockID: vcID, gen: gen}
}

// GenerateULID allocates a new node or lineage id. Ids are monotonic per
// change set so they also order causally.
func (cs *ChangeSet) GenerateULID() (ident.ID, error) {
	return cs.gen.New()
}

// Stamp returns the current point in this change set's history.
func (cs *ChangeSet) Stamp() (vclock.Stamp, error) {
	return cs.gen.New()
}

// Clocks returns fresh clocks for an item created by this change set.
func (cs *ChangeSet) Clocks() (vclock.Clocks, error) {
	at, err := cs.Stamp()
	if err != nil {
		return vclock.Clocks{}, err
	}
	return vclock.NewClocks(cs.VectorClockID, at), nil
}
