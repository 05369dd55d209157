// Package contracts defines the service interfaces at the boundary of
// the orchestration engine.
//
// The engine owns conversation routing and nothing else: semantic
// classification, sentence generation, example retrieval, and the
// guided-routine subsystems are external services consumed through
// these interfaces. Swapping an implementation (HTTP client, in-process
// stub, enterprise variant) is a single line in the wiring code.
package contracts

import (
	"context"

	"github.com/attune-health/attune/pkg/models"
)

// ── Classifier ──────────────────────────────────────────────

// Classifier turns one free-text user turn into a structured detection
// vector. Implementations must be stable: the same text in the same
// short-term context yields materially the same flags, otherwise loop
// counters lose their meaning.
type Classifier interface {
	Classify(ctx context.Context, text string, recentHistory []models.Turn) (models.DetectionVector, error)
}

// ── Response generation ─────────────────────────────────────

// RenderRequest carries everything the response generator may use to
// phrase a sentence. The engine never inspects how the text is produced.
type RenderRequest struct {
	ActionTag    string                 `json:"action_tag"`
	RetrievalTag string                 `json:"retrieval_tag"`
	Fallback     string                 `json:"fallback"`
	Flags        models.CompletionFlags `json:"flags"`
	UserText     string                 `json:"user_text"`
	Examples     []string               `json:"examples,omitempty"`
}

// Renderer phrases a routing decision as natural language.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

// Retriever finds prior exchanges similar to the current one, passed
// through to the renderer as phrasing examples. A failed or empty
// lookup is never an error for the turn; the caller falls back to the
// state's static text.
type Retriever interface {
	FindSimilar(ctx context.Context, retrievalTag, text string) ([]string, error)
}

// ── Subsystems ──────────────────────────────────────────────

// SubsystemStatus is one exchange inside an external guided routine.
type SubsystemStatus struct {
	Reply   string                  `json:"reply"`
	Done    bool                    `json:"done"`
	Outcome models.SubsystemOutcome `json:"outcome"`
}

// Subsystem is an external multi-turn guided routine (relaxation
// sequence, card-based elicitation, crisis protocol). The engine is the
// sole owner of the subsystem lifecycle per session: it starts the
// routine, forwards user turns to it, and resumes normal routing once
// the routine reports completion.
type Subsystem interface {
	// Start opens a routine for the session and returns an opaque
	// handle plus the routine's opening prompt.
	Start(ctx context.Context, sessionID string) (handle string, intro string, err error)

	// Feed forwards one user turn to the routine.
	Feed(ctx context.Context, handle, text string) (SubsystemStatus, error)

	// IsComplete reports whether the routine has finished and with what
	// outcome.
	IsComplete(ctx context.Context, handle string) (bool, models.SubsystemOutcome, error)

	// Abort terminates the routine early. Used when the safety tier
	// preempts a routine mid-flight.
	Abort(ctx context.Context, handle string) error
}
