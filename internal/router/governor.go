package router

import (
	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/pkg/models"
)

// Governor bounds consecutive revisits of a single protocol state.
//
// Naive state-transition logic invites unbounded self-loops whenever a
// user's input never satisfies a state's exit condition — a user who
// never names a bodily sensation would be asked about it forever. The
// governor converts that liveness bug into an enforced invariant: every
// state has a bound on consecutive revisits, and reaching the bound is
// the unique trigger for the state's escape transition.
//
// Counters live on the session record (single-writer per session); the
// governor holds only the immutable table.
type Governor struct {
	table *protocol.Table
}

// NewGovernor creates a governor over the given protocol table.
func NewGovernor(table *protocol.Table) *Governor {
	return &Governor{table: table}
}

// RecordAttempt increments the revisit counter for a state and returns
// the new count. Counters never exceed the state's bound.
func (g *Governor) RecordAttempt(s *models.Session, stateID string) int {
	max := g.table.MaxAttempts(stateID)
	n := s.Loops[stateID] + 1
	if n > max {
		n = max
	}
	s.Loops[stateID] = n
	return n
}

// ShouldEscape reports whether one more revisit of the state would
// reach its bound.
func (g *Governor) ShouldEscape(s *models.Session, stateID string) bool {
	return s.Loops[stateID]+1 >= g.table.MaxAttempts(stateID)
}

// Reset clears the counter for a state. Called whenever the router
// transitions away from it, and after an escape fires.
func (g *Governor) Reset(s *models.Session, stateID string) {
	delete(s.Loops, stateID)
}
