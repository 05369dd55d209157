// Package respond turns routing decisions into user-visible text via
// the external response generator, with the retrieval service supplying
// phrasing examples. The engine never inspects how the text is made; a
// failed or slow generation degrades to the state's static fallback so
// the conversation never appears to hang.
package respond

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/pkg/contracts"
	"github.com/attune-health/attune/pkg/models"
)

// SafetyFallback is the conservative, state-independent message shown
// when the safety path itself cannot render. This is the one place
// where fail-safe overrides fail-fast: a safety turn must always say
// something protective.
const SafetyFallback = "I'm concerned about your safety right now. " +
	"If you are in danger or thinking about harming yourself, please " +
	"contact your local emergency number or a crisis line immediately. " +
	"You don't have to go through this alone."

// Coordinator phrases routing decisions.
type Coordinator struct {
	renderer  contracts.Renderer
	retriever contracts.Retriever // optional
}

// NewCoordinator creates a coordinator. retriever may be nil.
func NewCoordinator(renderer contracts.Renderer, retriever contracts.Retriever) *Coordinator {
	return &Coordinator{renderer: renderer, retriever: retriever}
}

// Respond renders the decision. It always returns usable text; the
// second return value reports whether the turn degraded to fallback.
func (c *Coordinator) Respond(ctx context.Context, decision models.RoutingDecision, st *protocol.State, s *models.Session, userText string) (string, bool) {
	fallback := st.Fallback
	if decision.ActionTag == models.ActionSafety {
		fallback = SafetyFallback
	}

	if c.renderer == nil {
		return fallback, false
	}

	var examples []string
	if c.retriever != nil {
		found, err := c.retriever.FindSimilar(ctx, st.RetrievalTag, userText)
		if err != nil {
			// Retrieval is best-effort; an empty example set just means
			// the renderer works from the tag alone.
			log.Debug().Err(err).Str("tag", st.RetrievalTag).Msg("retrieval failed")
		} else {
			examples = found
		}
	}

	text, err := c.renderer.Render(ctx, contracts.RenderRequest{
		ActionTag:    decision.ActionTag,
		RetrievalTag: st.RetrievalTag,
		Fallback:     st.Fallback,
		Flags:        s.Flags,
		UserText:     userText,
		Examples:     examples,
	})
	if err != nil || text == "" {
		log.Warn().Err(err).
			Str("session", s.ID).
			Str("action", decision.ActionTag).
			Msg("render failed, using fallback text")
		return fallback, true
	}
	return text, false
}
