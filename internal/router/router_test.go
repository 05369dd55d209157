package router_test

import (
	"testing"

	"github.com/attune-health/attune/internal/config"
	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/internal/router"
	"github.com/attune-health/attune/internal/tracker"
	"github.com/attune-health/attune/pkg/models"
)

func newRouter(t *testing.T) (*router.Router, *protocol.Table, *tracker.Tracker) {
	t.Helper()
	table, err := protocol.Default(3)
	if err != nil {
		t.Fatalf("load default table: %v", err)
	}
	trk := tracker.New(table, config.TrackerConfig{})
	return router.New(table, router.NewGovernor(table), trk), table, trk
}

func newSession(t *testing.T, table *protocol.Table, state string) *models.Session {
	t.Helper()
	s := models.NewSession("s1", table.Initial())
	if state != "" {
		s.CurrentState = state
	}
	return s
}

func TestSafetyOverridesEverything(t *testing.T) {
	rt, table, _ := newRouter(t)

	// Safety fires from every non-terminal state, regardless of any
	// other detection present on the same turn.
	for _, id := range table.StateIDs() {
		if table.State(id).Terminal {
			continue
		}
		s := newSession(t, table, id)
		det := models.DetectionVector{
			SafetyRisk:        true,
			PastTenseFraming:  true,
			Crying:            true,
			Intensity:         models.IntensityHigh,
			ValidationSeeking: true,
		}
		decision, err := rt.Route(s, det)
		if err != nil {
			t.Fatalf("Route from %s: %v", id, err)
		}
		if decision.TargetState != "safety_hold" {
			t.Errorf("from %s: target = %q, want safety_hold", id, decision.TargetState)
		}
		if decision.ActionTag != models.ActionSafety {
			t.Errorf("from %s: action = %q, want safety", id, decision.ActionTag)
		}
	}
}

func TestSafetyFiresEvenWithCorruptState(t *testing.T) {
	rt, table, _ := newRouter(t)

	// Safety is decided before the current state is consulted, so a
	// corrupt state pointer cannot suppress it.
	s := newSession(t, table, "nonexistent_state")
	decision, err := rt.Route(s, models.DetectionVector{SafetyRisk: true})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "safety_hold" {
		t.Errorf("target = %q, want safety_hold", decision.TargetState)
	}

	// Without safety the same corrupt state is an error.
	if _, err := rt.Route(s, models.DetectionVector{}); err == nil {
		t.Error("corrupt state without safety risk should error")
	}
}

func TestPastTenseTakesPrecedenceOverAnalytical(t *testing.T) {
	rt, table, _ := newRouter(t)

	s := newSession(t, table, "surface_problem")
	decision, err := rt.Route(s, models.DetectionVector{
		PastTenseFraming:  true,
		AnalyticalFraming: true,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "redirect_present" {
		t.Errorf("target = %q, want redirect_present", decision.TargetState)
	}
	if decision.ActionTag != models.ActionRedirectPresent {
		t.Errorf("action = %q, want %q", decision.ActionTag, models.ActionRedirectPresent)
	}
	if s.ReturnState != "surface_problem" {
		t.Errorf("return state = %q, want surface_problem", s.ReturnState)
	}
}

func TestAnalyticalRoutesToFeltRedirect(t *testing.T) {
	rt, table, _ := newRouter(t)

	s := newSession(t, table, "seek_body")
	decision, err := rt.Route(s, models.DetectionVector{AnalyticalFraming: true})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "redirect_felt" {
		t.Errorf("target = %q, want redirect_felt", decision.TargetState)
	}
	if decision.ActionTag != models.ActionRedirectFelt {
		t.Errorf("action = %q, want %q", decision.ActionTag, models.ActionRedirectFelt)
	}
}

func TestAffirmationStaysAndDoesNotCount(t *testing.T) {
	rt, table, _ := newRouter(t)

	s := newSession(t, table, "confirm_present")
	decision, err := rt.Route(s, models.DetectionVector{
		BodyReferencePresent: true,
		PresentTenseFraming:  true,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "confirm_present" {
		t.Errorf("target = %q, want confirm_present", decision.TargetState)
	}
	if decision.ActionTag != models.ActionAffirm {
		t.Errorf("action = %q, want affirm", decision.ActionTag)
	}
	if s.Loops["confirm_present"] != 0 {
		t.Errorf("affirmation incremented loop counter to %d", s.Loops["confirm_present"])
	}
}

func TestSituationalTierOrder(t *testing.T) {
	rt, table, _ := newRouter(t)

	// Incoherence outranks every other situational detection.
	s := newSession(t, table, "surface_problem")
	decision, err := rt.Route(s, models.DetectionVector{
		Incoherent: true,
		Crying:     true,
		Silence:    true,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "stabilize" {
		t.Errorf("target = %q, want stabilize", decision.TargetState)
	}

	// High intensity outranks crying.
	s = newSession(t, table, "surface_problem")
	decision, err = rt.Route(s, models.DetectionVector{
		Intensity: models.IntensityHigh,
		Crying:    true,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "deescalate" {
		t.Errorf("target = %q, want deescalate", decision.TargetState)
	}
	if decision.ActionTag != models.ActionPace {
		t.Errorf("action = %q, want pace", decision.ActionTag)
	}
}

func TestNormalFlowAdvancesOnFlag(t *testing.T) {
	rt, table, _ := newRouter(t)

	s := newSession(t, table, "welcome")
	s.Flags.Set(models.FlagIntentStated)
	decision, err := rt.Route(s, models.DetectionVector{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "vision" {
		t.Errorf("target = %q, want vision", decision.TargetState)
	}
	if decision.ActionTag != models.ActionAsk {
		t.Errorf("action = %q, want ask", decision.ActionTag)
	}
}

func TestTerminalTransitionCloses(t *testing.T) {
	rt, table, _ := newRouter(t)

	s := newSession(t, table, "closing")
	s.Flags.Set(models.FlagReadyNext)
	decision, err := rt.Route(s, models.DetectionVector{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "done" {
		t.Errorf("target = %q, want done", decision.TargetState)
	}
	if decision.ActionTag != models.ActionClose {
		t.Errorf("action = %q, want close", decision.ActionTag)
	}
}

func TestBoundedRevisitsEscape(t *testing.T) {
	rt, table, _ := newRouter(t)

	s := newSession(t, table, "seek_body")
	det := models.DetectionVector{} // never names a body sensation

	// Attempts one and two stay in seek_body.
	for i := 1; i <= 2; i++ {
		decision, err := rt.Route(s, det)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if decision.TargetState != "seek_body" {
			t.Fatalf("attempt %d: target = %q, want seek_body", i, decision.TargetState)
		}
		if decision.Escaped {
			t.Fatalf("attempt %d escaped early", i)
		}
		if s.Loops["seek_body"] != i {
			t.Fatalf("attempt %d: counter = %d, want %d", i, s.Loops["seek_body"], i)
		}
	}

	// The third consecutive revisit would reach the bound, so the
	// escape transition fires instead.
	decision, err := rt.Route(s, det)
	if err != nil {
		t.Fatalf("escape attempt: %v", err)
	}
	if !decision.Escaped {
		t.Fatal("third revisit did not escape")
	}
	if decision.TargetState != "card_elicitation" {
		t.Errorf("escape target = %q, want card_elicitation", decision.TargetState)
	}
	if decision.ActionTag != models.ActionGround {
		t.Errorf("escape action = %q, want ground", decision.ActionTag)
	}
	if decision.SubsystemTrigger != "cards" {
		t.Errorf("escape trigger = %q, want cards", decision.SubsystemTrigger)
	}
	if s.Loops["seek_body"] != 0 {
		t.Errorf("counter after escape = %d, want 0", s.Loops["seek_body"])
	}
}

func TestProgressResetsLoopCounter(t *testing.T) {
	rt, table, _ := newRouter(t)

	s := newSession(t, table, "seek_body")
	if _, err := rt.Route(s, models.DetectionVector{}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if s.Loops["seek_body"] != 1 {
		t.Fatalf("counter = %d, want 1", s.Loops["seek_body"])
	}

	// Progress on the next turn resets the counter so a later return
	// to the state gets a fresh budget.
	s.Flags.Set(models.FlagBodyAwareness)
	decision, err := rt.Route(s, models.DetectionVector{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "confirm_present" {
		t.Errorf("target = %q, want confirm_present", decision.TargetState)
	}
	if s.Loops["seek_body"] != 0 {
		t.Errorf("counter after progress = %d, want 0", s.Loops["seek_body"])
	}
}

func TestHandlerReturnsToDetourOrigin(t *testing.T) {
	rt, table, _ := newRouter(t)

	// Detour from explore_pattern into the off-topic handler.
	s := newSession(t, table, "explore_pattern")
	decision, err := rt.Route(s, models.DetectionVector{OffTopic: true})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "return_topic" {
		t.Fatalf("target = %q, want return_topic", decision.TargetState)
	}
	s.CurrentState = decision.TargetState

	// Next turn is back on topic: the handler's return transition
	// rejoins the protocol where it left off.
	decision, err = rt.Route(s, models.DetectionVector{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "explore_pattern" {
		t.Errorf("target = %q, want explore_pattern", decision.TargetState)
	}
}

func TestSafetyDetourResetsLoopCounter(t *testing.T) {
	rt, table, _ := newRouter(t)

	// Two non-answers burn most of seek_body's budget.
	s := newSession(t, table, "seek_body")
	for i := 1; i <= 2; i++ {
		if _, err := rt.Route(s, models.DetectionVector{}); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if s.Loops["seek_body"] != 2 {
		t.Fatalf("counter = %d, want 2", s.Loops["seek_body"])
	}

	// Safety routes away; leaving the state clears its budget like any
	// other transition.
	decision, err := rt.Route(s, models.DetectionVector{SafetyRisk: true})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "safety_hold" {
		t.Fatalf("target = %q, want safety_hold", decision.TargetState)
	}
	if _, ok := s.Loops["seek_body"]; ok {
		t.Errorf("counter survived safety detour: %d", s.Loops["seek_body"])
	}

	// A later return to the state starts from a fresh budget rather
	// than escaping on the stale one.
	s.CurrentState = "seek_body"
	decision, err = rt.Route(s, models.DetectionVector{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Escaped {
		t.Error("fresh revisit escaped on a stale budget")
	}
	if s.Loops["seek_body"] != 1 {
		t.Errorf("counter after return = %d, want 1", s.Loops["seek_body"])
	}
}

func TestReturnedStateQuestionNotRepeated(t *testing.T) {
	rt, table, trk := newRouter(t)

	// explore_pattern's canonical question was posed before the detour.
	s := newSession(t, table, "explore_pattern")
	trk.RegisterQuestion(s, table.State("explore_pattern").Fallback)

	decision, err := rt.Route(s, models.DetectionVector{OffTopic: true})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "return_topic" {
		t.Fatalf("target = %q, want return_topic", decision.TargetState)
	}
	s.CurrentState = decision.TargetState

	// Rejoining the origin state must not re-ask the question it
	// already posed.
	decision, err = rt.Route(s, models.DetectionVector{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "explore_pattern" {
		t.Fatalf("target = %q, want explore_pattern", decision.TargetState)
	}
	if decision.ActionTag != models.ActionProgress {
		t.Errorf("action = %q, want progress", decision.ActionTag)
	}
}

func TestDuplicateQuestionBecomesProgression(t *testing.T) {
	rt, table, trk := newRouter(t)

	s := newSession(t, table, "seek_body")
	// The canonical seek_body question has already been posed.
	trk.RegisterQuestion(s, table.State("seek_body").Fallback)

	decision, err := rt.Route(s, models.DetectionVector{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "seek_body" {
		t.Errorf("target = %q, want seek_body", decision.TargetState)
	}
	if decision.ActionTag != models.ActionProgress {
		t.Errorf("action = %q, want progress", decision.ActionTag)
	}
	// The revisit still counts toward the loop bound.
	if s.Loops["seek_body"] != 1 {
		t.Errorf("counter = %d, want 1", s.Loops["seek_body"])
	}
}

func TestSubsystemTriggerOnlyOnEntry(t *testing.T) {
	rt, table, _ := newRouter(t)

	// Entering relaxation from explore_pattern carries the trigger.
	s := newSession(t, table, "explore_pattern")
	s.Flags.Set(models.FlagPatternUnderstood)
	decision, err := rt.Route(s, models.DetectionVector{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "relaxation" {
		t.Fatalf("target = %q, want relaxation", decision.TargetState)
	}
	if decision.SubsystemTrigger != "relaxation" {
		t.Errorf("entry trigger = %q, want relaxation", decision.SubsystemTrigger)
	}

	// A governed revisit of the same state must not re-trigger it.
	s.CurrentState = "relaxation"
	decision, err = rt.Route(s, models.DetectionVector{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.TargetState != "relaxation" {
		t.Fatalf("target = %q, want relaxation", decision.TargetState)
	}
	if decision.SubsystemTrigger != "" {
		t.Errorf("revisit trigger = %q, want empty", decision.SubsystemTrigger)
	}
}

func TestGovernorClampAndReset(t *testing.T) {
	table, err := protocol.Default(3)
	if err != nil {
		t.Fatalf("load default table: %v", err)
	}
	gov := router.NewGovernor(table)
	s := models.NewSession("s1", table.Initial())

	for i := 0; i < 10; i++ {
		gov.RecordAttempt(s, "vision")
	}
	if s.Loops["vision"] != 3 {
		t.Errorf("counter clamped to %d, want 3", s.Loops["vision"])
	}
	if !gov.ShouldEscape(s, "vision") {
		t.Error("saturated counter should demand escape")
	}

	gov.Reset(s, "vision")
	if _, ok := s.Loops["vision"]; ok {
		t.Error("reset left a counter entry behind")
	}
	if gov.ShouldEscape(s, "vision") {
		t.Error("fresh counter should not demand escape")
	}
}
