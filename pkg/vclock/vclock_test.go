package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/OFFIS-RIT/strata/pkg/ident"
)

func TestObserve_KeepsLatest(t *testing.T) {
	g := ident.NewGenerator()
	a := g.MustNew()
	s1, s2 := g.MustNew(), g.MustNew()

	vc := New()
	vc.Observe(a, s2)
	vc.Observe(a, s1)
	got, ok := vc.Get(a)
	assert.True(t, ok)
	assert.Equal(t, s2, got)
}

func TestKnownByAndNewerThan(t *testing.T) {
	g := ident.NewGenerator()
	a, b := g.MustNew(), g.MustNew()
	early, late := g.MustNew(), g.MustNew()

	item := Single(a, early)
	knowledge := Single(a, late)
	assert.True(t, item.KnownBy(knowledge))
	assert.False(t, item.NewerThan(knowledge))

	assert.False(t, Single(a, late).KnownBy(Single(a, early)))
	assert.True(t, Single(a, late).NewerThan(Single(a, early)))

	assert.False(t, Single(b, early).KnownBy(knowledge))
	assert.True(t, Single(b, early).NewerThan(knowledge))
}

func TestHappensBefore(t *testing.T) {
	g := ident.NewGenerator()
	a, b := g.MustNew(), g.MustNew()
	s1, s2 := g.MustNew(), g.MustNew()

	older := VectorClock{a: s1}
	newer := VectorClock{a: s2, b: s1}
	assert.True(t, older.HappensBefore(newer))
	assert.False(t, newer.HappensBefore(older))
	assert.False(t, older.Concurrent(newer))

	left := VectorClock{a: s2}
	right := VectorClock{b: s2}
	assert.True(t, left.Concurrent(right))
	assert.False(t, New().HappensBefore(New()))
}

func TestClocks_MergeKeepsEarliestFirstSeen(t *testing.T) {
	g := ident.NewGenerator()
	a := g.MustNew()
	s1, s2 := g.MustNew(), g.MustNew()

	c := NewClocks(a, s2)
	c.Merge(NewClocks(a, s1))

	fs, _ := c.FirstSeen.Get(a)
	rs, _ := c.RecentlySeen.Get(a)
	assert.Equal(t, s1, fs)
	assert.Equal(t, s2, rs)
}

func TestClocks_MarkWriteImpliesSeen(t *testing.T) {
	g := ident.NewGenerator()
	a, b := g.MustNew(), g.MustNew()
	c := NewClocks(a, g.MustNew())

	at := g.MustNew()
	c.MarkWrite(b, at)
	assert.True(t, c.FirstSeen.Covers(b, at))
	assert.True(t, c.RecentlySeen.Covers(b, at))
	assert.True(t, c.Write.Covers(b, at))
}

func TestIDs_Sorted(t *testing.T) {
	g := ident.NewGenerator()
	a, b, c := g.MustNew(), g.MustNew(), g.MustNew()
	vc := VectorClock{c: a, a: b, b: c}
	assert.Equal(t, []ID{a, b, c}, vc.IDs())
}
