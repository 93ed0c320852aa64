// Package vclock implements the vector clocks stamped on node and edge
// weights. A clock maps a change set's vector clock id to the latest stamp
// (a ULID from that change set's generator) recorded for it.
package vclock

import (
	"sort"

	"github.com/OFFIS-RIT/strata/pkg/ident"
)

// ID identifies the writer of a clock entry. Every change set owns one.
type ID = ident.ID

// Stamp is a point in one writer's history. Stamps from the same writer are
// totally ordered; stamps from different writers are never compared.
type Stamp = ident.ID

// VectorClock is owned by its holder. Mutating methods change the receiver;
// call Clone before mutating a clock reachable from a shared weight.
type VectorClock map[ID]Stamp

func New() VectorClock {
	return make(VectorClock)
}

// Single returns a clock with one entry.
func Single(id ID, at Stamp) VectorClock {
	return VectorClock{id: at}
}

func (vc VectorClock) Clone() VectorClock {
	result := make(VectorClock, len(vc))
	for k, v := range vc {
		result[k] = v
	}
	return result
}

func (vc VectorClock) Get(id ID) (Stamp, bool) {
	s, ok := vc[id]
	return s, ok
}

// Observe records at for id unless a later stamp is already present.
func (vc VectorClock) Observe(id ID, at Stamp) {
	if cur, ok := vc[id]; ok && cur.Compare(at) >= 0 {
		return
	}
	vc[id] = at
}

// Merge takes the per-entry maximum of vc and other into vc.
func (vc VectorClock) Merge(other VectorClock) {
	for id, at := range other {
		vc.Observe(id, at)
	}
}

// Covers reports whether vc has seen id up to at.
func (vc VectorClock) Covers(id ID, at Stamp) bool {
	cur, ok := vc[id]
	return ok && cur.Compare(at) >= 0
}

// KnownBy reports whether some entry of vc is covered by knowledge: the
// holder of knowledge had observed the event vc records.
func (vc VectorClock) KnownBy(knowledge VectorClock) bool {
	for id, at := range vc {
		if knowledge.Covers(id, at) {
			return true
		}
	}
	return false
}

// NewerThan reports whether vc holds an entry knowledge has not observed.
func (vc VectorClock) NewerThan(knowledge VectorClock) bool {
	for id, at := range vc {
		if !knowledge.Covers(id, at) {
			return true
		}
	}
	return false
}

// HappensBefore reports vc < other in the vector clock partial order.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	if len(vc) == 0 && len(other) == 0 {
		return false
	}
	strictly := false
	for id, at := range vc {
		cur, ok := other[id]
		if !ok {
			return false
		}
		switch c := at.Compare(cur); {
		case c > 0:
			return false
		case c < 0:
			strictly = true
		}
	}
	for id := range other {
		if _, ok := vc[id]; !ok {
			strictly = true
		}
	}
	return strictly
}

func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc) && !vc.Equal(other)
}

func (vc VectorClock) Equal(other VectorClock) bool {
	if len(vc) != len(other) {
		return false
	}
	for id, at := range vc {
		if cur, ok := other[id]; !ok || cur != at {
			return false
		}
	}
	return true
}

// IDs returns the writer ids in sorted order.
func (vc VectorClock) IDs() []ID {
	ids := make([]ID, 0, len(vc))
	for id := range vc {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}

// Clocks is the first-seen / recently-seen / write triple carried by every
// node and edge weight.
type Clocks struct {
	FirstSeen    VectorClock `json:"first_seen"`
	RecentlySeen VectorClock `json:"recently_seen"`
	Write        VectorClock `json:"write"`
}

// NewClocks stamps a freshly created item: id first saw, recently saw and
// wrote it at at.
func NewClocks(id ID, at Stamp) Clocks {
	return Clocks{
		FirstSeen:    Single(id, at),
		RecentlySeen: Single(id, at),
		Write:        Single(id, at),
	}
}

func (c Clocks) Clone() Clocks {
	return Clocks{
		FirstSeen:    c.FirstSeen.Clone(),
		RecentlySeen: c.RecentlySeen.Clone(),
		Write:        c.Write.Clone(),
	}
}

// MarkSeen records that id observed the item at at.
func (c *Clocks) MarkSeen(id ID, at Stamp) {
	c.ensure()
	if _, ok := c.FirstSeen[id]; !ok {
		c.FirstSeen[id] = at
	}
	c.RecentlySeen.Observe(id, at)
}

// MarkWrite records that id changed the item at at. A write is also a sighting.
func (c *Clocks) MarkWrite(id ID, at Stamp) {
	c.MarkSeen(id, at)
	c.Write.Observe(id, at)
}

// Merge folds other's history into c.
func (c *Clocks) Merge(other Clocks) {
	c.ensure()
	for id, at := range other.FirstSeen {
		if cur, ok := c.FirstSeen[id]; !ok || at.Compare(cur) < 0 {
			c.FirstSeen[id] = at
		}
	}
	c.RecentlySeen.Merge(other.RecentlySeen)
	c.Write.Merge(other.Write)
}

func (c *Clocks) ensure() {
	if c.FirstSeen == nil {
		c.FirstSeen = New()
	}
	if c.RecentlySeen == nil {
		c.RecentlySeen = New()
	}
	if c.Write == nil {
		c.Write = New()
	}
}
