// Package protocol loads and validates the Protocol Table: the static
// configuration describing every conversational state, its transition
// conditions, and the handler states bound to classifier detections.
//
// The table is read once at startup and never mutated afterwards, so it
// is safe to share across all session workers without locking. Load
// fails loudly on any structural violation — a service with a broken
// table must refuse to start.
package protocol

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/attune-health/attune/pkg/models"
)

// ReturnTarget is the pseudo state id a handler state may transition to.
// The router resolves it to the normal-flow state the session detoured
// from, so situational detours rejoin the protocol where they left it.
const ReturnTarget = "@return"

// Handler slots. Every slot must be bound to a state id in the table;
// the router looks detections up by slot, never by hard-coded state id.
const (
	HandlerSafety            = "safety"
	HandlerAnalytical        = "analytical"
	HandlerPastTense         = "past_tense"
	HandlerIncoherent        = "incoherent"
	HandlerSkepticism        = "skepticism"
	HandlerRambling          = "rambling"
	HandlerIntensity         = "intensity"
	HandlerCrying            = "crying"
	HandlerSilence           = "silence"
	HandlerOffTopic          = "off_topic"
	HandlerValidation        = "validation"
	HandlerConfusion         = "confusion"
	HandlerGrounding         = "grounding"
	HandlerPostSubsystem     = "post_subsystem"
	HandlerSubsystemFallback = "subsystem_fallback"
)

// requiredHandlers lists every slot a table must bind.
var requiredHandlers = []string{
	HandlerSafety, HandlerAnalytical, HandlerPastTense, HandlerIncoherent,
	HandlerSkepticism, HandlerRambling, HandlerIntensity, HandlerCrying,
	HandlerSilence, HandlerOffTopic, HandlerValidation, HandlerConfusion,
	HandlerGrounding, HandlerPostSubsystem, HandlerSubsystemFallback,
}

// State is one row of the protocol table. Immutable after load.
type State struct {
	ID           string `json:"id"`
	RetrievalTag string `json:"retrieval_tag"`
	Fallback     string `json:"fallback"`

	// SubsystemTrigger hands the conversation to an external guided
	// routine when the router enters this state.
	SubsystemTrigger string `json:"subsystem_trigger,omitempty"`

	// Condition is an expr-lang boolean program evaluated against the
	// session's completion flags and the turn's detection vector. It
	// selects OnTrue or OnFalse as the next state in normal flow.
	Condition string `json:"condition,omitempty"`
	OnTrue    string `json:"on_true,omitempty"`
	OnFalse   string `json:"on_false,omitempty"`

	// MaxAttempts overrides the table-wide loop bound; Escape overrides
	// the default escape destination (the grounding handler state).
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	Escape        string `json:"escape,omitempty"`
	EscapeTrigger string `json:"escape_trigger,omitempty"`

	// Confirms names the completion flag a plain affirmation raises
	// while the session sits in this state.
	Confirms string `json:"confirms,omitempty"`

	Initial  bool `json:"initial,omitempty"`
	Terminal bool `json:"terminal,omitempty"`

	program *vm.Program
}

// ConditionEnv is the evaluation environment for state conditions.
type ConditionEnv struct {
	Flags     models.CompletionFlags
	Detection models.DetectionVector

	// Intensity mirrors Detection.Intensity as a plain string so table
	// conditions can compare it against literals.
	Intensity    string
	TurnsInState int
	TurnCount    int
	LastInfo     string
}

// NewConditionEnv builds the evaluation environment for one turn.
func NewConditionEnv(s *models.Session, det models.DetectionVector) ConditionEnv {
	return ConditionEnv{
		Flags:        s.Flags,
		Detection:    det,
		Intensity:    string(det.Intensity),
		TurnsInState: s.TurnsInState,
		TurnCount:    s.TurnCount(),
		LastInfo:     string(s.LastInfo),
	}
}

// Table is the validated, immutable protocol table.
type Table struct {
	states   map[string]*State
	order    []string
	handlers map[string]string
	initial  string
	terminal string

	// DefaultMaxAttempts bounds consecutive revisits of a state that
	// does not set its own max_attempts.
	DefaultMaxAttempts int
}

type tableDoc struct {
	States   []*State          `json:"states"`
	Handlers map[string]string `json:"handlers"`
}

// LoadFile reads and validates a protocol table from disk.
func LoadFile(path string, defaultMaxAttempts int) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol table: %w", err)
	}
	t, err := Parse(data, defaultMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("protocol table %s: %w", path, err)
	}
	log.Info().
		Str("path", path).
		Int("states", len(t.order)).
		Str("initial", t.initial).
		Msg("protocol table loaded")
	return t, nil
}

// Parse validates a protocol table from raw JSON. Parsing is pure:
// the same bytes always produce a table with identical routing behavior.
func Parse(data []byte, defaultMaxAttempts int) (*Table, error) {
	var doc tableDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}

	t := &Table{
		states:             make(map[string]*State, len(doc.States)),
		handlers:           doc.Handlers,
		DefaultMaxAttempts: defaultMaxAttempts,
	}
	if t.handlers == nil {
		t.handlers = map[string]string{}
	}

	for _, st := range doc.States {
		if st.ID == "" {
			return nil, fmt.Errorf("state with empty id")
		}
		if _, dup := t.states[st.ID]; dup {
			return nil, fmt.Errorf("duplicate state id %q", st.ID)
		}
		t.states[st.ID] = st
		t.order = append(t.order, st.ID)

		if st.Initial {
			if t.initial != "" {
				return nil, fmt.Errorf("multiple initial states: %q and %q", t.initial, st.ID)
			}
			t.initial = st.ID
		}
		if st.Terminal {
			if t.terminal != "" {
				return nil, fmt.Errorf("multiple terminal states: %q and %q", t.terminal, st.ID)
			}
			t.terminal = st.ID
		}
	}

	if t.initial == "" {
		return nil, fmt.Errorf("no initial state designated")
	}
	if t.terminal == "" {
		return nil, fmt.Errorf("no terminal state designated")
	}

	for _, id := range t.order {
		if err := t.validateState(t.states[id]); err != nil {
			return nil, err
		}
	}

	for _, slot := range requiredHandlers {
		target, ok := t.handlers[slot]
		if !ok || target == "" {
			return nil, fmt.Errorf("handler slot %q not bound", slot)
		}
		if _, ok := t.states[target]; !ok {
			return nil, fmt.Errorf("handler slot %q targets unknown state %q", slot, target)
		}
	}

	return t, nil
}

func (t *Table) validateState(st *State) error {
	if st.Terminal {
		return nil
	}
	if st.Condition == "" {
		return fmt.Errorf("state %q: missing condition", st.ID)
	}
	prog, err := expr.Compile(st.Condition, expr.Env(ConditionEnv{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("state %q: compile condition: %w", st.ID, err)
	}
	st.program = prog

	for _, ref := range []struct{ field, id string }{
		{"on_true", st.OnTrue},
		{"on_false", st.OnFalse},
	} {
		if ref.id == "" {
			return fmt.Errorf("state %q: missing %s target", st.ID, ref.field)
		}
		if err := t.checkTarget(st.ID, ref.field, ref.id); err != nil {
			return err
		}
	}
	if st.Escape != "" {
		if err := t.checkTarget(st.ID, "escape", st.Escape); err != nil {
			return err
		}
	}
	if st.Confirms != "" {
		probe := &models.CompletionFlags{}
		if !probe.Set(st.Confirms) {
			return fmt.Errorf("state %q: confirms unknown flag %q", st.ID, st.Confirms)
		}
	}
	return nil
}

func (t *Table) checkTarget(stateID, field, target string) error {
	if target == ReturnTarget {
		return nil
	}
	if _, ok := t.states[target]; !ok {
		return fmt.Errorf("state %q: %s targets unknown state %q", stateID, field, target)
	}
	return nil
}

// State returns the state with the given id, or nil.
func (t *Table) State(id string) *State {
	return t.states[id]
}

// Handler returns the state bound to the given handler slot.
func (t *Table) Handler(slot string) *State {
	return t.states[t.handlers[slot]]
}

// IsHandler reports whether the state id is bound to any handler slot.
func (t *Table) IsHandler(id string) bool {
	for _, target := range t.handlers {
		if target == id {
			return true
		}
	}
	return false
}

// Initial returns the designated initial state id.
func (t *Table) Initial() string { return t.initial }

// Terminal returns the designated terminal state id.
func (t *Table) Terminal() string { return t.terminal }

// StateIDs returns all state ids in table order.
func (t *Table) StateIDs() []string {
	return append([]string(nil), t.order...)
}

// MaxAttempts returns the loop bound for a state.
func (t *Table) MaxAttempts(id string) int {
	if st := t.states[id]; st != nil && st.MaxAttempts > 0 {
		return st.MaxAttempts
	}
	return t.DefaultMaxAttempts
}

// EscapeOf returns the escape destination and optional subsystem
// trigger for a state. States without an explicit escape fall back to
// the grounding handler.
func (t *Table) EscapeOf(id string) (string, string) {
	if st := t.states[id]; st != nil && st.Escape != "" {
		return st.Escape, st.EscapeTrigger
	}
	return t.handlers[HandlerGrounding], ""
}

// Evaluate runs a state's transition condition against the environment
// and returns the chosen next state id.
func (t *Table) Evaluate(st *State, env ConditionEnv) (string, error) {
	if st.program == nil {
		return "", fmt.Errorf("state %q has no compiled condition", st.ID)
	}
	out, err := expr.Run(st.program, env)
	if err != nil {
		return "", fmt.Errorf("state %q: evaluate condition: %w", st.ID, err)
	}
	if out.(bool) {
		return st.OnTrue, nil
	}
	return st.OnFalse, nil
}
