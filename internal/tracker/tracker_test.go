package tracker_test

import (
	"testing"

	"github.com/attune-health/attune/internal/config"
	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/internal/tracker"
	"github.com/attune-health/attune/pkg/models"
)

func newTracker(t *testing.T) (*tracker.Tracker, *protocol.Table) {
	t.Helper()
	table, err := protocol.Default(3)
	if err != nil {
		t.Fatalf("load default table: %v", err)
	}
	return tracker.New(table, config.TrackerConfig{}), table
}

func TestIntentFlagFromClassifier(t *testing.T) {
	trk, table := newTracker(t)
	s := models.NewSession("s1", table.Initial())

	// The classifier decides what counts as an intent; the tracker
	// never string-matches, so any wording lands the same way.
	raised := trk.Update(s, "I'd like to feel calmer at work", models.DetectionVector{
		SuppliedInfo: models.InfoIntent,
	})

	if !s.Flags.IntentStated {
		t.Error("intent flag not raised")
	}
	if s.Flags.IntentText != "I'd like to feel calmer at work" {
		t.Errorf("intent text = %q", s.Flags.IntentText)
	}
	if len(raised) != 1 || raised[0] != models.FlagIntentStated {
		t.Errorf("raised = %v, want [intent_stated]", raised)
	}

	// A second intent never overwrites the first wording.
	trk.Update(s, "actually something else", models.DetectionVector{
		SuppliedInfo: models.InfoIntent,
	})
	if s.Flags.IntentText != "I'd like to feel calmer at work" {
		t.Errorf("intent text overwritten to %q", s.Flags.IntentText)
	}
}

func TestAffirmationConfirmsCurrentState(t *testing.T) {
	trk, table := newTracker(t)

	// A bare "yes" in confirm_present raises present_moment without the
	// user repeating the description.
	s := models.NewSession("s1", table.Initial())
	s.CurrentState = "confirm_present"

	trk.Update(s, "yes", models.DetectionVector{SuppliedInfo: models.InfoAffirmation})
	if !s.Flags.PresentMoment {
		t.Error("affirmation did not confirm present_moment")
	}

	// The same "yes" in a state with no confirms binding raises nothing.
	s2 := models.NewSession("s2", table.Initial())
	s2.CurrentState = "surface_problem"
	raised := trk.Update(s2, "yes", models.DetectionVector{SuppliedInfo: models.InfoAffirmation})
	if len(raised) != 0 {
		t.Errorf("raised = %v, want none", raised)
	}
}

func TestBodyAwarenessNeedsPresentTense(t *testing.T) {
	trk, table := newTracker(t)
	s := models.NewSession("s1", table.Initial())

	trk.Update(s, "my chest was tight yesterday", models.DetectionVector{
		BodyReferencePresent: true,
	})
	if s.Flags.BodyAwareness {
		t.Error("body awareness raised without present-tense framing")
	}
	if s.LastBodyTurn != 0 {
		t.Errorf("LastBodyTurn = %d, want 0", s.LastBodyTurn)
	}

	trk.Update(s, "my chest is tight right now", models.DetectionVector{
		BodyReferencePresent: true,
		PresentTenseFraming:  true,
	})
	if !s.Flags.BodyAwareness {
		t.Error("body awareness not raised")
	}
}

func TestProblemNamedIsConjunctive(t *testing.T) {
	trk, table := newTracker(t)
	s := models.NewSession("s1", table.Initial())
	s.CurrentState = "surface_problem"

	// A stressor alone never names the problem.
	trk.Update(s, "work has been crushing me", models.DetectionVector{
		StressorReference: true,
	})
	if s.Flags.ProblemNamed {
		t.Error("single stressor turn raised problem_named")
	}
	if s.Flags.ProblemText != "work has been crushing me" {
		t.Errorf("problem text = %q", s.Flags.ProblemText)
	}
	s.Turns = append(s.Turns, models.Turn{Seq: 0})
	s.TurnsInState++

	// A body reference within the window, with enough turns in phase,
	// completes the conjunction.
	trk.Update(s, "and my shoulders are up by my ears", models.DetectionVector{
		BodyReferencePresent: true,
	})
	if !s.Flags.ProblemNamed {
		t.Error("problem_named not raised after stressor + body within window")
	}
}

func TestProblemNamedRespectsRecencyWindow(t *testing.T) {
	table, err := protocol.Default(3)
	if err != nil {
		t.Fatalf("load default table: %v", err)
	}
	trk := tracker.New(table, config.TrackerConfig{ProblemWindow: 2, MinPhaseTurns: 1})

	s := models.NewSession("s1", table.Initial())
	s.CurrentState = "surface_problem"
	s.LastStressorTurn = 0
	for i := 0; i < 5; i++ {
		s.Turns = append(s.Turns, models.Turn{Seq: i})
	}
	s.TurnsInState = 5

	// The stressor is five turns stale; a body reference now is outside
	// the window.
	trk.Update(s, "my jaw is clenched", models.DetectionVector{
		BodyReferencePresent: true,
	})
	if s.Flags.ProblemNamed {
		t.Error("problem_named raised across a stale stressor reference")
	}
}

func TestFlagsAreMonotonic(t *testing.T) {
	trk, table := newTracker(t)
	s := models.NewSession("s1", table.Initial())

	trk.Update(s, "I want to sleep better", models.DetectionVector{
		SuppliedInfo: models.InfoIntent,
	})
	if !s.Flags.IntentStated {
		t.Fatal("intent flag not raised")
	}

	// Later turns that carry no intent signal never lower the flag.
	for _, det := range []models.DetectionVector{
		{},
		{Silence: true},
		{OffTopic: true},
		{SuppliedInfo: models.InfoConfusion},
	} {
		trk.Update(s, "whatever", det)
		if !s.Flags.IntentStated {
			t.Fatalf("flag lowered by %+v", det)
		}
	}
}

func TestUpdateRecordsLastInfo(t *testing.T) {
	trk, table := newTracker(t)
	s := models.NewSession("s1", table.Initial())

	trk.Update(s, "a knot in my stomach", models.DetectionVector{
		SuppliedInfo: models.InfoSensation,
	})
	if s.LastInfo != models.InfoSensation {
		t.Errorf("LastInfo = %q, want sensation", s.LastInfo)
	}
	if s.Flags.SensationText != "a knot in my stomach" {
		t.Errorf("sensation text = %q", s.Flags.SensationText)
	}
}
