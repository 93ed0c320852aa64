package graph

import (
	"sort"

	"github.com/OFFIS-RIT/strata/pkg/hash"
)

// Merkle memoizes subtree fingerprints of one graph. Two subtrees with the
// same fingerprint hold the same content under the same edge structure,
// regardless of clocks, ids of ordering overlays, or arena layout. A Merkle
// is only valid while its graph is unchanged.
type Merkle struct {
	g       *Graph
	memo    map[NodeIndex]hash.ContentHash
	onStack map[NodeIndex]bool
}

func (g *Graph) Merkle() *Merkle {
	return &Merkle{
		g:       g,
		memo:    make(map[NodeIndex]hash.ContentHash),
		onStack: make(map[NodeIndex]bool),
	}
}

type merkleChild struct {
	key  string
	hash hash.ContentHash
}

// Hash returns the fingerprint of the subtree at idx, skipping Ordinal
// edges. A back edge contributes only the node hash of its target.
func (m *Merkle) Hash(idx NodeIndex) hash.ContentHash {
	if h, ok := m.memo[idx]; ok {
		return h
	}
	e, ok := m.g.entry(idx)
	if !ok {
		return hash.ContentHash{}
	}
	m.onStack[idx] = true
	children := make([]merkleChild, 0, len(e.out))
	for _, oe := range e.out {
		if oe.weight.Kind.Kind == EdgeOrdinal {
			continue
		}
		te, _ := m.g.entry(oe.target)
		key := oe.weight.Kind.merkleKey() + "\x00" + te.weight.LineageID().String()
		var h hash.ContentHash
		if m.onStack[oe.target] {
			h = NodeHash(te.weight)
		} else {
			h = m.Hash(oe.target)
		}
		children = append(children, merkleChild{key: key, hash: h})
	}
	delete(m.onStack, idx)

	sort.Slice(children, func(i, j int) bool { return children[i].key < children[j].key })
	hs := hash.NewHasher()
	hs.WriteHash(NodeHash(e.weight))
	for _, c := range children {
		hs.WriteString(c.key)
		hs.Write([]byte{0})
		hs.WriteHash(c.hash)
	}
	sum := hs.Sum()
	m.memo[idx] = sum
	return sum
}
