// Package ident allocates ULID identifiers for nodes, lineages, change sets
// and vector clock stamps.
package ident

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// ID is a 128-bit lexicographically sortable identifier.
type ID = ulid.ULID

// Nil is the zero ID.
var Nil ID

func Parse(s string) (ID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return Nil, fmt.Errorf("parse id %q: %w", s, err)
	}
	return id, nil
}

func MustParse(s string) ID {
	return ulid.MustParseStrict(s)
}

func IsNil(id ID) bool {
	return id == Nil
}

// Generator produces strictly increasing IDs. It is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
	lastMs  uint64
	last    ID
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the wall clock. Tests use it to pin timestamps.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		g.now = now
	}
}

// WithEntropy overrides the entropy source.
func WithEntropy(r io.Reader) GeneratorOption {
	return func(g *Generator) {
		g.entropy = ulid.Monotonic(r, 0)
	}
}

func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(g)
	}
	return g
}

// New returns an ID greater than every ID previously returned by g, even if
// the wall clock moves backwards.
func (g *Generator) New() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(g.now())
	if ms < g.lastMs {
		ms = g.lastMs
	}

	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		// entropy overflow within one millisecond: move to the next one
		ms++
		id, err = ulid.New(ms, g.entropy)
		if err != nil {
			return Nil, fmt.Errorf("generate ulid: %w", err)
		}
	}
	if id.Compare(g.last) <= 0 {
		return Nil, fmt.Errorf("generate ulid: non-monotonic id %s after %s", id, g.last)
	}

	g.lastMs = ms
	g.last = id
	return id, nil
}

// MustNew is New for callers that treat entropy exhaustion as fatal.
func (g *Generator) MustNew() ID {
	id, err := g.New()
	if err != nil {
		panic(err)
	}
	return id
}
