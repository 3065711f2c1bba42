package testutil

import (
	"fmt"
	"sync"
)

// FixedIDs mints sequential ids with a fixed prefix ("job-0001",
// "job-0002", ...), so job and conflict ids in test output and golden
// reports are stable across runs.
//
// Satisfies engine.IDGenerator. Thread-safe.
type FixedIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewFixedIDs creates a generator with the given prefix; empty means "id".
func NewFixedIDs(prefix string) *FixedIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &FixedIDs{prefix: prefix}
}

// NewID returns the next sequential id.
func (g *FixedIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
