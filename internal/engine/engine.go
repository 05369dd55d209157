// Package engine implements the per-turn orchestration pipeline: it
// glues the classifier, completion tracker, priority router, subsystem
// dispatcher, and response coordinator into one sequential flow per
// session.
//
// Concurrency model: one logical worker per active session. Turns
// within a session are strictly sequential — a per-session mutex
// guarantees turn N+1 is only processed after turn N's session mutation
// has committed, so completion flags and loop counters live under a
// single-writer discipline. Sessions are otherwise fully independent;
// the only shared state is the read-only protocol table.
//
// Every external call carries a timeout. On failure the user-visible
// turn still completes on the state's static fallback text, with no
// flag advancement; there is no silent hang.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/attune-health/attune/internal/dispatch"
	"github.com/attune-health/attune/internal/events"
	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/internal/respond"
	"github.com/attune-health/attune/internal/router"
	"github.com/attune-health/attune/internal/store"
	"github.com/attune-health/attune/internal/tracker"
	"github.com/attune-health/attune/pkg/contracts"
	"github.com/attune-health/attune/pkg/models"
)

// ErrSessionClosed is returned when a turn arrives for a session that
// already reached its terminal state or was cancelled.
var ErrSessionClosed = fmt.Errorf("session is closed")

// Engine drives one conversation turn at a time through the protocol.
type Engine struct {
	table      *protocol.Table
	store      store.Store
	classifier contracts.Classifier
	tracker    *tracker.Tracker
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	responder  *respond.Coordinator
	publisher  *events.Publisher
	timeout    time.Duration
	tracer     trace.Tracer

	// Per-session locks enforcing sequential turn processing. An entry
	// lives only while a turn or cancellation holds or waits on it, so
	// abandoned sessions leave nothing behind.
	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// sessionLock serializes turns for one session. refs counts in-flight
// holders and waiters; the map entry is dropped when the last releases.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New wires an engine. publisher may be nil.
func New(
	table *protocol.Table,
	st store.Store,
	classifier contracts.Classifier,
	trk *tracker.Tracker,
	rt *router.Router,
	disp *dispatch.Dispatcher,
	resp *respond.Coordinator,
	pub *events.Publisher,
	timeout time.Duration,
) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		table:      table,
		store:      st,
		classifier: classifier,
		tracker:    trk,
		router:     rt,
		dispatcher: disp,
		responder:  resp,
		publisher:  pub,
		timeout:    timeout,
		tracer:     otel.Tracer("attune/engine"),
		locks:      make(map[string]*sessionLock),
	}
}

func (e *Engine) acquire(sessionID string) *sessionLock {
	e.locksMu.Lock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		e.locks[sessionID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (e *Engine) release(sessionID string, l *sessionLock) {
	l.mu.Unlock()
	e.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, sessionID)
	}
	e.locksMu.Unlock()
}

// StartSession creates a new session at the protocol's initial state
// and returns the opening prompt as turn 0.
func (e *Engine) StartSession(ctx context.Context) (*models.TurnResult, error) {
	s := models.NewSession(uuid.New().String(), e.table.Initial())
	if err := e.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	initial := e.table.State(s.CurrentState)
	decision := models.RoutingDecision{TargetState: initial.ID, ActionTag: models.ActionAsk}

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	response, degraded := e.responder.Respond(rctx, decision, initial, s, "")
	cancel()

	e.tracker.RegisterQuestion(s, response)
	turn := models.Turn{
		Seq:       0,
		State:     s.CurrentState,
		ActionTag: decision.ActionTag,
		Response:  response,
		Degraded:  degraded,
		At:        time.Now().UTC(),
	}
	s.Turns = append(s.Turns, turn)
	if degraded {
		s.DegradedTurns++
	}

	if err := e.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	log.Info().Str("session", s.ID).Msg("session started")
	return e.result(s, turn, false), nil
}

// ProcessTurn runs one user turn through the pipeline. The returned
// error means the turn was aborted and the previously committed session
// state retained; any successfully processed turn — including degraded
// ones — returns a result instead.
func (e *Engine) ProcessTurn(ctx context.Context, sessionID, text string) (*models.TurnResult, error) {
	l := e.acquire(sessionID)
	defer e.release(sessionID, l)

	ctx, span := e.tracer.Start(ctx, "engine.turn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == models.SessionCompleted || s.Status == models.SessionCancelled {
		return nil, ErrSessionClosed
	}
	seq := s.TurnCount()

	// Classify. On failure the turn completes degraded with no flag or
	// state advancement.
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	det, cerr := e.classifier.Classify(cctx, text, s.Turns)
	cancel()
	if cerr != nil {
		log.Warn().Err(cerr).Str("session", sessionID).Msg("classifier unavailable, degrading turn")
		return e.commitDegraded(ctx, s, seq, text, models.DetectionVector{})
	}

	// An active subsystem owns the conversation — unless the safety
	// tier preempts it.
	if s.Subsystem != nil {
		if det.SafetyRisk {
			e.dispatcher.Abort(ctx, s)
		} else {
			return e.feedSubsystem(ctx, s, seq, text, det)
		}
	}

	// Everything from here to the save is speculative: if response
	// generation degrades, the turn recommits against this copy so no
	// flag, state, or counter movement survives a degraded turn.
	prior := s.Clone()

	e.tracker.Update(s, text, det)

	decision, rerr := e.router.Route(s, det)
	if rerr != nil {
		// Invariant violation: abort the turn without saving so the
		// prior committed state is retained.
		span.RecordError(rerr)
		return nil, fmt.Errorf("route turn: %w", rerr)
	}
	target := e.table.State(decision.TargetState)
	if target == nil {
		return nil, fmt.Errorf("routing decision targets unknown state %q", decision.TargetState)
	}
	span.SetAttributes(
		attribute.String("turn.state", decision.TargetState),
		attribute.String("turn.action", decision.ActionTag),
	)

	if decision.TargetState == s.CurrentState {
		s.TurnsInState++
	} else {
		s.CurrentState = decision.TargetState
		s.TurnsInState = 0
	}

	response, degraded := e.respond(ctx, s, decision, target, text)
	if degraded && decision.ActionTag != models.ActionSafety && s.Subsystem == nil {
		// A failed generation must not commit the routing above. Safety
		// turns are exempt (the conservative message always lands), as
		// are turns where a routine actually started.
		log.Warn().Str("session", s.ID).Str("state", prior.CurrentState).
			Msg("response generation degraded, holding session state")
		return e.commitDegraded(ctx, prior, seq, text, det)
	}

	if isQuestion(decision.ActionTag) {
		e.tracker.RegisterQuestion(s, response)
	}

	completed := target.Terminal
	if completed {
		s.Status = models.SessionCompleted
	}

	turn := models.Turn{
		Seq:       seq,
		UserText:  text,
		Detection: det,
		State:     s.CurrentState,
		ActionTag: decision.ActionTag,
		Response:  response,
		Degraded:  degraded,
		At:        time.Now().UTC(),
	}
	s.Turns = append(s.Turns, turn)
	if degraded {
		s.DegradedTurns++
	}

	if err := e.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	e.publishTurn(s, turn, decision)
	return e.result(s, turn, completed), nil
}

// respond renders the decision, invoking a subsystem first when the
// decision names a trigger.
func (e *Engine) respond(ctx context.Context, s *models.Session, decision models.RoutingDecision, target *protocol.State, text string) (string, bool) {
	if decision.SubsystemTrigger != "" {
		intro, err := e.dispatcher.Invoke(ctx, decision.SubsystemTrigger, s)
		switch {
		case err != nil && decision.ActionTag == models.ActionSafety:
			// Fail safe: even with the crisis subsystem unreachable the
			// user gets the conservative safety message, never normal
			// routing output.
			log.Error().Err(err).Str("session", s.ID).Msg("safety subsystem unreachable")
			return respond.SafetyFallback, true
		case err != nil:
			log.Warn().Err(err).
				Str("session", s.ID).
				Str("trigger", decision.SubsystemTrigger).
				Msg("subsystem start failed, falling back to state text")
			return target.Fallback, true
		case intro != "":
			return intro, false
		}
	}

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.responder.Respond(rctx, decision, target, s, text)
}

// feedSubsystem forwards the turn to the active routine.
func (e *Engine) feedSubsystem(ctx context.Context, s *models.Session, seq int, text string, det models.DetectionVector) (*models.TurnResult, error) {
	reply, done, err := e.dispatcher.Feed(ctx, s, text)
	degraded := false
	action := models.ActionRoutine
	if err != nil {
		// The dispatcher already resumed the session at the fallback
		// state; degrade the reply to that state's static text.
		log.Warn().Err(err).Str("session", s.ID).Msg("subsystem failed, resuming at fallback state")
		reply = e.table.State(s.CurrentState).Fallback
		degraded = true
		action = models.ActionFallback
	} else if done && reply == "" {
		reply = e.table.State(s.CurrentState).Fallback
	}

	turn := models.Turn{
		Seq:       seq,
		UserText:  text,
		Detection: det,
		State:     s.CurrentState,
		ActionTag: action,
		Response:  reply,
		Degraded:  degraded,
		At:        time.Now().UTC(),
	}
	s.Turns = append(s.Turns, turn)
	if degraded {
		s.DegradedTurns++
	}

	if err := e.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	e.publishTurn(s, turn, models.RoutingDecision{TargetState: s.CurrentState, ActionTag: action})
	return e.result(s, turn, false), nil
}

// commitDegraded completes a turn on the current state's fallback text
// with no flag or state advancement.
func (e *Engine) commitDegraded(ctx context.Context, s *models.Session, seq int, text string, det models.DetectionVector) (*models.TurnResult, error) {
	cur := e.table.State(s.CurrentState)
	if cur == nil {
		return nil, fmt.Errorf("session %s references unknown state %q", s.ID, s.CurrentState)
	}

	turn := models.Turn{
		Seq:       seq,
		UserText:  text,
		Detection: det,
		State:     s.CurrentState,
		ActionTag: models.ActionFallback,
		Response:  cur.Fallback,
		Degraded:  true,
		At:        time.Now().UTC(),
	}
	s.Turns = append(s.Turns, turn)
	s.DegradedTurns++

	if err := e.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	e.publishTurn(s, turn, models.RoutingDecision{TargetState: s.CurrentState, ActionTag: models.ActionFallback})
	return e.result(s, turn, false), nil
}

// CancelSession cancels a session between turns. An in-flight turn
// finishes first; the per-session lock serializes the two.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) error {
	l := e.acquire(sessionID)
	defer e.release(sessionID, l)

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Subsystem != nil {
		e.dispatcher.Abort(ctx, s)
	}
	s.Status = models.SessionCancelled
	if err := e.store.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	log.Info().Str("session", sessionID).Msg("session cancelled")
	return nil
}

func (e *Engine) publishTurn(s *models.Session, turn models.Turn, decision models.RoutingDecision) {
	now := time.Now().UTC()
	e.publisher.TurnCompleted(events.TurnEvent{
		SessionID: s.ID,
		Seq:       turn.Seq,
		State:     turn.State,
		ActionTag: turn.ActionTag,
		Escaped:   decision.Escaped,
		Degraded:  turn.Degraded,
		Timestamp: now,
	})
	if turn.ActionTag == models.ActionSafety {
		e.publisher.SafetyTriggered(events.SafetyEvent{
			SessionID: s.ID,
			Seq:       turn.Seq,
			FromState: turn.State,
			Timestamp: now,
		})
	}
	if s.Status == models.SessionCompleted {
		e.publisher.SessionCompleted(events.SessionEvent{
			SessionID: s.ID,
			Turns:     s.TurnCount(),
			Flags:     s.Flags,
			Timestamp: now,
		})
	}
}

func (e *Engine) result(s *models.Session, turn models.Turn, completed bool) *models.TurnResult {
	return &models.TurnResult{
		SessionID: s.ID,
		Seq:       turn.Seq,
		State:     turn.State,
		ActionTag: turn.ActionTag,
		Response:  turn.Response,
		Completed: completed,
		Degraded:  turn.Degraded,
		Flags:     s.Flags,
	}
}

// isQuestion reports whether an action tag poses a question worth
// recording in the ledger.
func isQuestion(actionTag string) bool {
	switch actionTag {
	case models.ActionAsk, models.ActionFallback,
		models.ActionRedirectPresent, models.ActionRedirectFelt:
		return true
	}
	return false
}
