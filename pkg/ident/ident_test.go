package ident

import (
	"bytes"
	"testing"
	"time"

	"github.com/oklog/ulid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Monotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.MustNew()
	for range 1000 {
		next, err := g.New()
		require.NoError(t, err)
		require.Equal(t, 1, next.Compare(prev), "%s must sort after %s", next, prev)
		prev = next
	}
}

func TestGenerator_ClockMovingBackwards(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g := NewGenerator(WithClock(func() time.Time { return now }))
	first := g.MustNew()

	now = now.Add(-time.Hour)
	second := g.MustNew()
	assert.Equal(t, 1, second.Compare(first))
	assert.Equal(t, first.Time(), second.Time())
}

func TestGenerator_WithEntropyIsDeterministic(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	newGen := func() *Generator {
		return NewGenerator(
			WithClock(func() time.Time { return now }),
			WithEntropy(bytes.NewReader(bytes.Repeat([]byte{0x5a}, 1024))),
		)
	}
	a, b := newGen(), newGen()
	for range 50 {
		x, y := a.MustNew(), b.MustNew()
		assert.Equal(t, x, y)
	}
	next := a.MustNew()
	assert.Equal(t, ulid.Timestamp(now), next.Time())
}

func TestParse(t *testing.T) {
	g := NewGenerator()
	id := g.MustNew()

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = Parse("not-a-ulid")
	assert.Error(t, err)
	assert.True(t, IsNil(Nil))
	assert.False(t, IsNil(id))
}
