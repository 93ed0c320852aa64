package rebase

import "fmt"

// ConflictRecord is the flat wire form of a Conflict.
type ConflictRecord struct {
	Kind      ConflictKind `json:"kind"`
	Onto      *NodeInfo    `json:"onto,omitempty"`
	ToRebase  *NodeInfo    `json:"to_rebase,omitempty"`
	Container *NodeInfo    `json:"container,omitempty"`
	Item      *NodeInfo    `json:"item,omitempty"`
}

func Record(c Conflict) ConflictRecord {
	switch c := c.(type) {
	case NodeContentConflict:
		return ConflictRecord{Kind: KindNodeContent, Onto: &c.Onto, ToRebase: &c.ToRebase}
	case ModifyRemovedItemConflict:
		return ConflictRecord{Kind: KindModifyRemovedItem, Container: &c.Container, Item: &c.Item}
	case RemoveModifiedItemConflict:
		return ConflictRecord{Kind: KindRemoveModifiedItem, Container: &c.Container, Item: &c.Item}
	default:
		panic(fmt.Sprintf("rebase: unhandled conflict %T", c))
	}
}

func Records(cs []Conflict) []ConflictRecord {
	out := make([]ConflictRecord, 0, len(cs))
	for _, c := range cs {
		out = append(out, Record(c))
	}
	return out
}

// Conflict converts the record back, failing on missing parts.
func (r ConflictRecord) Conflict() (Conflict, error) {
	switch r.Kind {
	case KindNodeContent:
		if r.Onto == nil || r.ToRebase == nil {
			return nil, fmt.Errorf("%s conflict record needs onto and to_rebase", r.Kind)
		}
		return NodeContentConflict{Onto: *r.Onto, ToRebase: *r.ToRebase}, nil
	case KindModifyRemovedItem, KindRemoveModifiedItem:
		if r.Container == nil || r.Item == nil {
			return nil, fmt.Errorf("%s conflict record needs container and item", r.Kind)
		}
		if r.Kind == KindModifyRemovedItem {
			return ModifyRemovedItemConflict{Container: *r.Container, Item: *r.Item}, nil
		}
		return RemoveModifiedItemConflict{Container: *r.Container, Item: *r.Item}, nil
	default:
		return nil, fmt.Errorf("unknown conflict kind %q", r.Kind)
	}
}
