// Package router implements the priority router: the component that,
// given the session's accumulated state and the semantic classification
// of the latest user turn, decides the next conversational action.
//
// Routing is a strict, ordered priority cascade — the first matching
// tier wins and all lower tiers are skipped:
//
//  1. Safety: a safety-risk detection always routes to the safety
//     state. Evaluated before the current state is even consulted; no
//     other rule can shadow it.
//  2. Reframing: analytical or past-tense framing routes to the
//     corresponding redirect state, bounded by the loop governor.
//  3. Affirmation: body reference + present tense earns a short
//     affirmation and leaves advancement to the next turn. This tier is
//     deliberately the common case so the exchange stays conversational
//     rather than interrogative.
//  4. Situational: a fixed, ordered set of detections, each mapped to a
//     dedicated handling state.
//  5. Normal flow: the current state's transition condition picks the
//     next state; a no-progress result is treated as a loop and
//     governed like tier 2.
//
// The router only ever emits an abstract action tag, never a sentence,
// so the decision logic is testable without mocking a language model.
package router

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/pkg/models"
)

// Deduper checks a candidate question against the session's question
// ledger. Implemented by the completion tracker.
type Deduper interface {
	IsDuplicate(ledger models.QuestionLedger, candidate string) bool
}

// Router computes routing decisions. Stateless beyond its immutable
// collaborators; all mutation happens on the session's loop counters
// via the governor, for the duration of one turn only.
type Router struct {
	table *protocol.Table
	gov   *Governor
	dedup Deduper
}

// New creates a router over the given table.
func New(table *protocol.Table, gov *Governor, dedup Deduper) *Router {
	return &Router{table: table, gov: gov, dedup: dedup}
}

// Route applies the priority cascade and returns the decision for this
// turn. The only session fields it writes are the loop counters and the
// detour return state.
func (r *Router) Route(s *models.Session, det models.DetectionVector) (models.RoutingDecision, error) {
	// Tier 1: safety. Decided before the current state is consulted so
	// that no session corruption can suppress it.
	if det.SafetyRisk {
		safety := r.table.Handler(protocol.HandlerSafety)
		if s.CurrentState != safety.ID {
			// Leaving the current state resets its revisit counter like
			// any other transition away from it. Safe even when the
			// session's state pointer is corrupt.
			r.gov.Reset(s, s.CurrentState)
		}
		r.noteDetour(s, safety.ID)
		return models.RoutingDecision{
			TargetState:      safety.ID,
			ActionTag:        models.ActionSafety,
			SubsystemTrigger: safety.SubsystemTrigger,
		}, nil
	}

	cur := r.table.State(s.CurrentState)
	if cur == nil {
		return models.RoutingDecision{}, fmt.Errorf("session %s references unknown state %q", s.ID, s.CurrentState)
	}

	// Tier 2: reframing. Past-tense framing takes precedence over
	// analytical framing when both are present.
	if det.AnalyticalFraming || det.PastTenseFraming {
		slot, action := protocol.HandlerAnalytical, models.ActionRedirectFelt
		if det.PastTenseFraming {
			slot, action = protocol.HandlerPastTense, models.ActionRedirectPresent
		}
		redirect := r.table.Handler(slot)
		return r.governed(s, cur, redirect, action), nil
	}

	// Tier 3: affirmation. The user is with the process; acknowledge
	// and let normal advancement happen on the next turn.
	if det.BodyReferencePresent && det.PresentTenseFraming {
		return models.RoutingDecision{
			TargetState: cur.ID,
			ActionTag:   models.ActionAffirm,
		}, nil
	}

	// Tier 4: situational detections, fixed order, first match wins.
	situational := []struct {
		match  bool
		slot   string
		action string
	}{
		{det.Incoherent, protocol.HandlerIncoherent, models.ActionStabilize},
		{det.Skepticism, protocol.HandlerSkepticism, models.ActionAddressDoubt},
		{det.Rambling, protocol.HandlerRambling, models.ActionRefocus},
		{det.Intensity == models.IntensityHigh, protocol.HandlerIntensity, models.ActionPace},
		{det.Crying, protocol.HandlerCrying, models.ActionComfort},
		{det.Silence, protocol.HandlerSilence, models.ActionInvite},
		{det.OffTopic, protocol.HandlerOffTopic, models.ActionReturnTopic},
		{det.ValidationSeeking, protocol.HandlerValidation, models.ActionValidate},
		{det.ConfusionRequest, protocol.HandlerConfusion, models.ActionClarify},
	}
	for _, tier := range situational {
		if tier.match {
			return r.governed(s, cur, r.table.Handler(tier.slot), tier.action), nil
		}
	}

	// Tier 5: normal flow.
	env := protocol.NewConditionEnv(s, det)
	nextID, err := r.table.Evaluate(cur, env)
	if err != nil {
		// Unrecognized (state, intent) pair: re-ask the current state's
		// fallback without changing state. The governor still counts
		// the revisit, exactly once for this turn.
		log.Warn().Err(err).Str("session", s.ID).Str("state", cur.ID).
			Msg("condition evaluation failed, re-asking fallback")
		return r.governed(s, cur, cur, models.ActionFallback), nil
	}
	nextID = r.resolve(s, nextID)

	if nextID == cur.ID {
		action := models.ActionAsk
		if r.dedup != nil && r.dedup.IsDuplicate(s.Ledger, cur.Fallback) {
			// The canonical question for this state has already been
			// posed verbatim; substitute a progression action rather
			// than repeating it.
			action = models.ActionProgress
		}
		return r.governed(s, cur, cur, action), nil
	}

	r.gov.Reset(s, cur.ID)
	next := r.table.State(nextID)
	if next == nil {
		return models.RoutingDecision{}, fmt.Errorf("state %q transitions to unknown state %q", cur.ID, nextID)
	}
	action := models.ActionAsk
	switch {
	case next.Terminal:
		action = models.ActionClose
	case r.dedup != nil && r.dedup.IsDuplicate(s.Ledger, next.Fallback):
		// Re-entering a state whose canonical question was already
		// posed, typically via a detour return. Progress instead of
		// asking it again.
		action = models.ActionProgress
	}
	r.noteDetour(s, nextID)
	return models.RoutingDecision{
		TargetState:      nextID,
		ActionTag:        action,
		SubsystemTrigger: next.SubsystemTrigger,
	}, nil
}

// governed routes toward target under the loop governor's bound. When
// one more visit would reach the bound, the target's escape transition
// fires instead and its counter resets.
func (r *Router) governed(s *models.Session, cur, target *protocol.State, action string) models.RoutingDecision {
	if target.ID != cur.ID {
		r.gov.Reset(s, cur.ID)
	}

	if r.gov.ShouldEscape(s, target.ID) {
		r.gov.Reset(s, target.ID)
		escID, escTrigger := r.table.EscapeOf(target.ID)
		escID = r.resolve(s, escID)
		esc := r.table.State(escID)
		if escTrigger == "" && esc != nil {
			escTrigger = esc.SubsystemTrigger
		}
		log.Info().
			Str("session", s.ID).
			Str("state", target.ID).
			Str("escape", escID).
			Msg("loop bound reached, taking escape transition")
		r.noteDetour(s, escID)
		return models.RoutingDecision{
			TargetState:      escID,
			ActionTag:        models.ActionGround,
			SubsystemTrigger: escTrigger,
			Escaped:          true,
		}
	}

	r.gov.RecordAttempt(s, target.ID)
	r.noteDetour(s, target.ID)

	// A routine is invoked on state entry, not on every governed
	// revisit of its state.
	trigger := ""
	if target.ID != cur.ID {
		trigger = target.SubsystemTrigger
	}
	return models.RoutingDecision{
		TargetState:      target.ID,
		ActionTag:        action,
		SubsystemTrigger: trigger,
	}
}

// resolve maps the detour-return pseudo target to the state the session
// came from.
func (r *Router) resolve(s *models.Session, id string) string {
	if id != protocol.ReturnTarget {
		return id
	}
	if s.ReturnState != "" {
		return s.ReturnState
	}
	return r.table.Initial()
}

// noteDetour remembers the normal-flow state a detour left, so handler
// states can transition back via the return target.
func (r *Router) noteDetour(s *models.Session, targetID string) {
	if targetID == s.CurrentState {
		return
	}
	if !r.table.IsHandler(s.CurrentState) && r.table.State(s.CurrentState) != nil {
		if r.table.IsHandler(targetID) {
			s.ReturnState = s.CurrentState
		}
	}
}
