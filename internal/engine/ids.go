package engine

import (
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDGenerator generates unique identifiers for enrollments, step instances,
// schedule entries and claim tokens.
// Implemented by UUIDv7Generator and ULIDGenerator (production) and
// FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 record ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// creation time. This keeps store listings and logs in a readable order.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ULIDGenerator generates ULIDs. Used for executor claim tokens, which are
// lease ids rather than record ids.
//
// Thread-safety: ulid.Make uses a mutex-guarded monotonic entropy source.
type ULIDGenerator struct{}

// Generate returns a new 26-character ULID.
func (g ULIDGenerator) Generate() string {
	return ulid.Make().String()
}

// FixedGenerator returns predetermined ids for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedGenerator("enr-1", "inst-1", "entry-1")
//	gen.Generate() // "enr-1"
//	gen.Generate() // "inst-1"
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed. This is a fail-fast approach to
// catch a test that generates more records than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
