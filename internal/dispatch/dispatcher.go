// Package dispatch hands the conversation to external guided routines
// (relaxation sequence, card elicitation, crisis protocol) and resumes
// normal routing once they finish.
//
// While a routine is active the engine suspends turn routing and
// forwards user turns here. Whatever happens inside the routine —
// completion, error, early exit — the dispatcher always resumes the
// engine at a well-defined state; a session can never be left stuck in
// subsystem mode.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/pkg/contracts"
	"github.com/attune-health/attune/pkg/models"
)

// Dispatcher owns the subsystem lifecycle for all sessions.
type Dispatcher struct {
	table      *protocol.Table
	subsystems map[string]contracts.Subsystem
	timeout    time.Duration
}

// New creates a dispatcher with no registered subsystems.
func New(table *protocol.Table, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		table:      table,
		subsystems: make(map[string]contracts.Subsystem),
		timeout:    timeout,
	}
}

// Register binds a subsystem implementation to a trigger name.
func (d *Dispatcher) Register(trigger string, sub contracts.Subsystem) {
	d.subsystems[trigger] = sub
}

// Invoke starts the named routine for the session and suspends normal
// routing. Returns the routine's opening prompt.
func (d *Dispatcher) Invoke(ctx context.Context, trigger string, s *models.Session) (string, error) {
	sub, ok := d.subsystems[trigger]
	if !ok {
		return "", fmt.Errorf("no subsystem registered for trigger %q", trigger)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	handle, intro, err := sub.Start(ctx, s.ID)
	if err != nil {
		return "", fmt.Errorf("start subsystem %q: %w", trigger, err)
	}

	s.Subsystem = &models.SubsystemState{
		Trigger:     trigger,
		Handle:      handle,
		StartedTurn: s.TurnCount(),
	}
	s.Status = models.SessionInSubsystem

	log.Info().
		Str("session", s.ID).
		Str("trigger", trigger).
		Msg("subsystem invoked")
	return intro, nil
}

// Feed forwards one user turn to the active routine. When the routine
// reports completion its outcome is folded into the completion flags
// and the session resumes at the post-subsystem state. On error the
// session resumes at the fallback state instead; the error is returned
// so the engine can degrade the turn, but the session is never stuck.
func (d *Dispatcher) Feed(ctx context.Context, s *models.Session, text string) (reply string, done bool, err error) {
	if s.Subsystem == nil {
		return "", false, fmt.Errorf("session %s has no active subsystem", s.ID)
	}
	sub, ok := d.subsystems[s.Subsystem.Trigger]
	if !ok {
		d.resume(s, false)
		return "", true, fmt.Errorf("subsystem %q no longer registered", s.Subsystem.Trigger)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	status, err := sub.Feed(ctx, s.Subsystem.Handle, text)
	if err != nil {
		trigger := s.Subsystem.Trigger
		d.resume(s, false)
		return "", true, fmt.Errorf("feed subsystem %q: %w", trigger, err)
	}

	if !status.Done {
		return status.Reply, false, nil
	}

	d.fold(s, status.Outcome)
	d.resume(s, true)
	return status.Reply, true, nil
}

// Abort terminates the active routine early, typically because the
// safety tier preempted it. Abort failures are logged and swallowed:
// the session leaves subsystem mode regardless.
func (d *Dispatcher) Abort(ctx context.Context, s *models.Session) {
	if s.Subsystem == nil {
		return
	}
	trigger, handle := s.Subsystem.Trigger, s.Subsystem.Handle
	if sub, ok := d.subsystems[trigger]; ok {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := sub.Abort(ctx, handle); err != nil {
			log.Warn().Err(err).
				Str("session", s.ID).
				Str("trigger", trigger).
				Msg("subsystem abort failed")
		}
	}
	s.Subsystem = nil
	s.Status = models.SessionActive
	log.Info().
		Str("session", s.ID).
		Str("trigger", trigger).
		Msg("subsystem aborted")
}

// fold merges a routine's reported outcome into the completion flags.
func (d *Dispatcher) fold(s *models.Session, outcome models.SubsystemOutcome) {
	if outcome.Completed {
		s.Flags.Set(models.FlagRoutineCompleted)
	}
	for _, name := range outcome.Flags {
		if !s.Flags.Set(name) {
			log.Warn().
				Str("session", s.ID).
				Str("flag", name).
				Msg("subsystem reported unknown completion flag")
		}
	}
}

// resume returns the session to normal routing at the designated
// post-subsystem state (or the fallback state after a failure).
func (d *Dispatcher) resume(s *models.Session, completed bool) {
	slot := protocol.HandlerPostSubsystem
	if !completed {
		slot = protocol.HandlerSubsystemFallback
	}
	target := d.table.Handler(slot)

	s.Subsystem = nil
	s.Status = models.SessionActive
	if s.CurrentState != target.ID {
		// The departed state's revisit counter resets like any other
		// transition away from it.
		delete(s.Loops, s.CurrentState)
	}
	s.CurrentState = target.ID
	s.TurnsInState = 0
}
