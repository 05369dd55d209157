// Package models defines the shared domain types for the Attune
// conversation orchestration engine: the per-session record, the
// per-turn detection vector, completion flags, and routing decisions.
package models

import (
	"time"
)

// ── Sessions ────────────────────────────────────────────────

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionInSubsystem SessionStatus = "in_subsystem"
	SessionCompleted   SessionStatus = "completed"
	SessionCancelled   SessionStatus = "cancelled"
)

// Session is the mutable per-conversation record. It is owned by the
// store; the engine checks out a deep copy for the duration of one turn
// and commits it back as a whole, so a failed turn never leaves a
// half-applied record behind.
type Session struct {
	ID           string        `json:"id"`
	Status       SessionStatus `json:"status"`
	CurrentState string        `json:"current_state"`

	// ReturnState remembers the normal-flow state the session detoured
	// from when a situational handler took over, so the handler's
	// "@return" transition can rejoin the protocol where it left off.
	ReturnState string `json:"return_state,omitempty"`

	Flags  CompletionFlags `json:"flags"`
	Loops  map[string]int  `json:"loops"`
	Ledger QuestionLedger  `json:"ledger"`
	Turns  []Turn          `json:"turns"`

	// Phase bookkeeping used by the tracker's conjunctive rules.
	TurnsInState     int      `json:"turns_in_state"`
	LastInfo         InfoKind `json:"last_info"`
	LastStressorTurn int      `json:"last_stressor_turn"` // -1 when never seen
	LastBodyTurn     int      `json:"last_body_turn"`     // -1 when never seen

	// Subsystem is non-nil while an external guided routine owns the
	// conversation. Normal routing is suspended until it clears.
	Subsystem *SubsystemState `json:"subsystem,omitempty"`

	// DegradedTurns counts turns that completed on fallback text because
	// an external service failed or timed out.
	DegradedTurns int `json:"degraded_turns"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a fresh session positioned at the given initial state.
func NewSession(id, initialState string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:               id,
		Status:           SessionActive,
		CurrentState:     initialState,
		Loops:            make(map[string]int),
		LastStressorTurn: -1,
		LastBodyTurn:     -1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Clone returns a deep copy of the session. The engine mutates the copy
// and commits it only after the turn succeeds end to end.
func (s *Session) Clone() *Session {
	out := *s
	out.Loops = make(map[string]int, len(s.Loops))
	for k, v := range s.Loops {
		out.Loops[k] = v
	}
	out.Turns = append([]Turn(nil), s.Turns...)
	out.Ledger = s.Ledger.Clone()
	if s.Subsystem != nil {
		sub := *s.Subsystem
		out.Subsystem = &sub
	}
	return &out
}

// TurnCount returns the number of committed turns.
func (s *Session) TurnCount() int { return len(s.Turns) }

// SubsystemState records the external routine currently owning the
// conversation.
type SubsystemState struct {
	Trigger     string `json:"trigger"`
	Handle      string `json:"handle"`
	StartedTurn int    `json:"started_turn"`
}

// Turn is one committed user exchange.
type Turn struct {
	Seq       int             `json:"seq"`
	UserText  string          `json:"user_text"`
	Detection DetectionVector `json:"detection"`
	State     string          `json:"state"`
	ActionTag string          `json:"action_tag"`
	Response  string          `json:"response"`
	Degraded  bool            `json:"degraded,omitempty"`
	At        time.Time       `json:"at"`
}

// ── Detection ───────────────────────────────────────────────

// Intensity is the classifier's emotional-intensity estimate.
type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

// InfoKind classifies the type of information a user turn supplied.
type InfoKind string

const (
	InfoNone         InfoKind = ""
	InfoIntent       InfoKind = "intent"
	InfoBodyLocation InfoKind = "body_location"
	InfoSensation    InfoKind = "sensation"
	InfoAffirmation  InfoKind = "affirmation"
	InfoConfusion    InfoKind = "confusion"
)

// DetectionVector is the structured classification of a single user
// turn. It is created once per turn by the classifier, consumed by the
// router, and never mutated after creation.
type DetectionVector struct {
	SafetyRisk bool `json:"safety_risk"`
	Incoherent bool `json:"incoherent"`

	AnalyticalFraming   bool `json:"analytical_framing"`
	PastTenseFraming    bool `json:"past_tense_framing"`
	PresentTenseFraming bool `json:"present_tense_framing"`

	BodyReferencePresent bool `json:"body_reference_present"`
	StressorReference    bool `json:"stressor_reference"`

	Intensity Intensity `json:"intensity"`

	Crying            bool `json:"crying"`
	Silence           bool `json:"silence"`
	Rambling          bool `json:"rambling"`
	Skepticism        bool `json:"skepticism"`
	OffTopic          bool `json:"off_topic"`
	ValidationSeeking bool `json:"validation_seeking"`
	ConfusionRequest  bool `json:"confusion_request"`

	SuppliedInfo InfoKind `json:"supplied_info"`
}

// ── Completion flags ────────────────────────────────────────

// Flag names used by the protocol table's "confirms" field and by
// subsystem outcomes. Keeping them as data lets operators bind states
// to milestones without a code change.
const (
	FlagIntentStated      = "intent_stated"
	FlagVisionAccepted    = "vision_accepted"
	FlagProblemNamed      = "problem_named"
	FlagBodyAwareness     = "body_awareness"
	FlagPresentMoment     = "present_moment"
	FlagPatternUnderstood = "pattern_understood"
	FlagReadyNext         = "ready_next"
	FlagRoutineCompleted  = "routine_completed"
	FlagStateImproved     = "state_improved"
)

// CompletionFlags records which protocol milestones the session has
// reached. Flags are monotonic: within a session they only ever move
// from false to true. Only a full session reset discards them.
type CompletionFlags struct {
	IntentStated      bool `json:"intent_stated"`
	VisionAccepted    bool `json:"vision_accepted"`
	ProblemNamed      bool `json:"problem_named"`
	BodyAwareness     bool `json:"body_awareness"`
	PresentMoment     bool `json:"present_moment"`
	PatternUnderstood bool `json:"pattern_understood"`
	ReadyNext         bool `json:"ready_next"`
	RoutineCompleted  bool `json:"routine_completed"`
	StateImproved     bool `json:"state_improved"`

	// Captured wording, reused later when phrasing responses.
	IntentText    string `json:"intent_text,omitempty"`
	ProblemText   string `json:"problem_text,omitempty"`
	BodyLocation  string `json:"body_location,omitempty"`
	SensationText string `json:"sensation_text,omitempty"`
}

// Set raises the named flag. Unknown names are ignored so a newer
// protocol table can reference flags an older binary does not know
// without corrupting the record. Set never lowers a flag.
func (f *CompletionFlags) Set(name string) bool {
	switch name {
	case FlagIntentStated:
		f.IntentStated = true
	case FlagVisionAccepted:
		f.VisionAccepted = true
	case FlagProblemNamed:
		f.ProblemNamed = true
	case FlagBodyAwareness:
		f.BodyAwareness = true
	case FlagPresentMoment:
		f.PresentMoment = true
	case FlagPatternUnderstood:
		f.PatternUnderstood = true
	case FlagReadyNext:
		f.ReadyNext = true
	case FlagRoutineCompleted:
		f.RoutineCompleted = true
	case FlagStateImproved:
		f.StateImproved = true
	default:
		return false
	}
	return true
}

// Get reports the named flag.
func (f CompletionFlags) Get(name string) bool {
	switch name {
	case FlagIntentStated:
		return f.IntentStated
	case FlagVisionAccepted:
		return f.VisionAccepted
	case FlagProblemNamed:
		return f.ProblemNamed
	case FlagBodyAwareness:
		return f.BodyAwareness
	case FlagPresentMoment:
		return f.PresentMoment
	case FlagPatternUnderstood:
		return f.PatternUnderstood
	case FlagReadyNext:
		return f.ReadyNext
	case FlagRoutineCompleted:
		return f.RoutineCompleted
	case FlagStateImproved:
		return f.StateImproved
	}
	return false
}

// ── Question ledger ─────────────────────────────────────────

// Fingerprint is the normalized form of one question already posed.
type Fingerprint struct {
	Tokens     []string `json:"tokens"`
	KeyPhrases []string `json:"key_phrases,omitempty"`
}

// QuestionLedger holds the fingerprints of every question the engine
// has asked in this session, plus the most recent one. The tracker uses
// it to keep the router from posing semantically the same question
// twice.
type QuestionLedger struct {
	Asked []Fingerprint `json:"asked,omitempty"`
	Last  *Fingerprint  `json:"last,omitempty"`
}

// Clone deep-copies the ledger.
func (l QuestionLedger) Clone() QuestionLedger {
	out := QuestionLedger{}
	if l.Asked != nil {
		out.Asked = make([]Fingerprint, len(l.Asked))
		for i, fp := range l.Asked {
			out.Asked[i] = Fingerprint{
				Tokens:     append([]string(nil), fp.Tokens...),
				KeyPhrases: append([]string(nil), fp.KeyPhrases...),
			}
		}
	}
	if l.Last != nil {
		last := Fingerprint{
			Tokens:     append([]string(nil), l.Last.Tokens...),
			KeyPhrases: append([]string(nil), l.Last.KeyPhrases...),
		}
		out.Last = &last
	}
	return out
}

// ── Routing ─────────────────────────────────────────────────

// Action tags emitted by the priority router. The router never produces
// a sentence; the response coordinator turns a tag into text.
const (
	ActionAsk             = "ask"
	ActionAffirm          = "affirm"
	ActionSafety          = "safety"
	ActionRedirectPresent = "redirect_present"
	ActionRedirectFelt    = "redirect_felt"
	ActionGround          = "ground"
	ActionStabilize       = "stabilize"
	ActionAddressDoubt    = "address_doubt"
	ActionRefocus         = "refocus"
	ActionPace            = "pace"
	ActionComfort         = "comfort"
	ActionInvite          = "invite"
	ActionReturnTopic     = "return_topic"
	ActionValidate        = "validate"
	ActionClarify         = "clarify"
	ActionProgress        = "progress"
	ActionFallback        = "fallback"
	ActionClose           = "close"
	ActionRoutine         = "routine"
)

// RoutingDecision is the router's verdict for one turn.
type RoutingDecision struct {
	TargetState      string `json:"target_state"`
	ActionTag        string `json:"action_tag"`
	SubsystemTrigger string `json:"subsystem_trigger,omitempty"`
	Escaped          bool   `json:"escaped,omitempty"`
}

// SubsystemOutcome is what an external routine reports on completion.
type SubsystemOutcome struct {
	Completed bool     `json:"completed"`
	Flags     []string `json:"flags,omitempty"` // completion flags to raise
	Summary   string   `json:"summary,omitempty"`
}

// TurnResult is what the engine returns to the transport layer for one
// processed user turn.
type TurnResult struct {
	SessionID string          `json:"session_id"`
	Seq       int             `json:"seq"`
	State     string          `json:"state"`
	ActionTag string          `json:"action_tag"`
	Response  string          `json:"response"`
	Completed bool            `json:"completed"`
	Degraded  bool            `json:"degraded,omitempty"`
	Flags     CompletionFlags `json:"flags"`
}
