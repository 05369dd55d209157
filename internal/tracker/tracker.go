// Package tracker implements the completion tracker: the component
// that inspects each user turn, raises the session's completion flags,
// and maintains the question ledger the router consults for duplicate
// questions.
//
// Flags are monotonic. Nothing in this package ever lowers one; only a
// full session reset discards them.
package tracker

import (
	"github.com/rs/zerolog/log"

	"github.com/attune-health/attune/internal/config"
	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/pkg/models"
)

// Tracker updates a session's completion flags from one classified turn.
type Tracker struct {
	table *protocol.Table

	// Tuning values, exposed as configuration because the source
	// protocol never validated them against adversarial input.
	problemWindow int
	minPhaseTurns int
	dupThreshold  float64
}

// New creates a tracker over the given table with the given tuning.
func New(table *protocol.Table, cfg config.TrackerConfig) *Tracker {
	window := cfg.ProblemWindow
	if window <= 0 {
		window = 4
	}
	minTurns := cfg.MinPhaseTurns
	if minTurns <= 0 {
		minTurns = 2
	}
	threshold := cfg.DuplicateThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}
	return &Tracker{
		table:         table,
		problemWindow: window,
		minPhaseTurns: minTurns,
		dupThreshold:  threshold,
	}
}

// Update applies one classified user turn to the session and returns
// the names of the completion flags it raised.
func (t *Tracker) Update(s *models.Session, userText string, det models.DetectionVector) []string {
	var raised []string
	raise := func(name string) {
		if !s.Flags.Get(name) && s.Flags.Set(name) {
			raised = append(raised, name)
		}
	}

	turn := s.TurnCount() // index of the turn being processed
	s.LastInfo = det.SuppliedInfo

	switch det.SuppliedInfo {
	case models.InfoIntent:
		// The classifier decides what counts as an intent; synonymous
		// wordings all land here, no string matching on our side.
		raise(models.FlagIntentStated)
		if s.Flags.IntentText == "" {
			s.Flags.IntentText = userText
		}

	case models.InfoBodyLocation:
		if s.Flags.BodyLocation == "" {
			s.Flags.BodyLocation = userText
		}

	case models.InfoSensation:
		if s.Flags.SensationText == "" {
			s.Flags.SensationText = userText
		}

	case models.InfoAffirmation:
		// A plain "yes" confirms whatever the current state was asking
		// about. The user does not have to repeat the description.
		if st := t.table.State(s.CurrentState); st != nil && st.Confirms != "" {
			raise(st.Confirms)
		}
	}

	if det.BodyReferencePresent {
		s.LastBodyTurn = turn
		if det.PresentTenseFraming {
			raise(models.FlagBodyAwareness)
		}
	}
	if det.StressorReference {
		s.LastStressorTurn = turn
		if s.Flags.ProblemText == "" {
			s.Flags.ProblemText = userText
		}
	}

	// Problem identified: a stressor reference and a body reference
	// within the recency window, and enough turns spent in the current
	// phase. A conjunctive rule, never a single-turn trigger.
	if !s.Flags.ProblemNamed &&
		s.LastStressorTurn >= 0 && s.LastBodyTurn >= 0 &&
		abs(s.LastStressorTurn-s.LastBodyTurn) <= t.problemWindow &&
		s.TurnsInState+1 >= t.minPhaseTurns {
		raise(models.FlagProblemNamed)
	}

	if len(raised) > 0 {
		log.Debug().
			Str("session", s.ID).
			Strs("flags", raised).
			Msg("completion flags raised")
	}
	return raised
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
