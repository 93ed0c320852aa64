package graph

import (
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/strata/pkg/ident"
)

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrCategoryNotFound = errors.New("category node not found")
	ErrCategoryExists   = errors.New("category node already exists")
	ErrNodeExists       = errors.New("node already exists")
	ErrLineageExists    = errors.New("lineage already present")
	ErrNoContent        = errors.New("node weight has no content address")
	ErrRemoveRoot       = errors.New("cannot remove the root node")
	ErrNotOrdered       = errors.New("node has no ordering")
)

// EdgeWeightError reports an edge insert whose endpoints are not in the graph.
type EdgeWeightError struct {
	Source      NodeIndex
	Destination NodeIndex
	Err         error
}

func (e *EdgeWeightError) Error() string {
	return fmt.Sprintf("edge %d -> %d: %v", e.Source, e.Destination, e.Err)
}

func (e *EdgeWeightError) Unwrap() error { return e.Err }

// NodeWeightError reports a malformed node weight.
type NodeWeightError struct {
	ID     ident.ID
	Reason string
}

func (e *NodeWeightError) Error() string {
	return fmt.Sprintf("node weight %s: %s", e.ID, e.Reason)
}

// IntegrityError marks a structural violation: an ordering that disagrees
// with the graph, a dangling reference in an encoded snapshot, or a
// deprecated weight that cannot be migrated. It is always fatal for the
// snapshot in question.
type IntegrityError struct {
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return "integrity violation: " + e.Reason + ": " + e.Err.Error()
	}
	return "integrity violation: " + e.Reason
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func integrityf(format string, args ...any) *IntegrityError {
	return &IntegrityError{Reason: fmt.Sprintf(format, args...)}
}

// IsIntegrity reports whether err carries an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
