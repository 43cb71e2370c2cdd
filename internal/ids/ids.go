// Package ids generates identifiers for commits, nodes, jobs and decisions.
package ids

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator interface {
	New() string
}

// UUIDv7 generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// creation time. That keeps ledger and decision listings readable.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// New returns a hyphenated UUIDv7 string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7) New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Sequence returns predetermined ids for testing.
//
// Thread-safety: Sequence is safe for concurrent use via internal mutex.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	next   int
	fixed  []string
}

// NewSequence creates a generator returning fixed ids in order and then
// prefix-1, prefix-2, ... once they are exhausted.
//
// Example:
//
//	gen := NewSequence("id", "commit-a")
//	gen.New() // "commit-a"
//	gen.New() // "id-1"
func NewSequence(prefix string, fixed ...string) *Sequence {
	if prefix == "" {
		prefix = "id"
	}
	return &Sequence{prefix: prefix, fixed: fixed}
}

// New returns the next id.
func (g *Sequence) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.fixed) > 0 {
		id := g.fixed[0]
		g.fixed = g.fixed[1:]
		return id
	}
	g.next++
	return g.prefix + "-" + strconv.Itoa(g.next)
}
