package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/fidsync/internal/engine"
)

var _ engine.SessionIDs = (*FixedSessionIDs)(nil)

// FixedSessionIDs returns predetermined session IDs, for golden traces. It
// implements engine.SessionIDs.
//
// Once the declared IDs are used up it continues with "session-N", N being
// the 1-based count of IDs handed out, so a run never fails on an ID.
//
// Thread-safety: safe for concurrent use.
type FixedSessionIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedSessionIDs creates a generator returning ids in order.
//
//	ids := NewFixedSessionIDs("s1", "s2")
//	ids.Generate() // "s1"
//	ids.Generate() // "s2"
//	ids.Generate() // "session-3"
func NewFixedSessionIDs(ids ...string) *FixedSessionIDs {
	return &FixedSessionIDs{ids: ids}
}

// Generate returns the next ID.
func (g *FixedSessionIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("session-%d", g.idx)
}

// Used returns how many IDs were handed out.
func (g *FixedSessionIDs) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idx
}
