// Package events publishes session lifecycle events to NATS so that
// monitoring and downstream tooling can observe conversations without
// coupling to the engine. The publisher is optional: a nil *Publisher
// is safe to call and publishes nothing.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/attune-health/attune/pkg/models"
)

const (
	subjectTurnCompleted    = "attune.turn.completed"
	subjectSafetyTriggered  = "attune.safety.triggered"
	subjectSessionCompleted = "attune.session.completed"
)

// Publisher sends engine events to NATS.
type Publisher struct {
	conn *nats.Conn
}

// Connect opens a NATS connection. An empty URL returns a nil
// publisher, which disables event publishing entirely.
func Connect(url, token string) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	opts := []nats.Option{
		nats.Name("attune-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info().Str("url", url).Msg("nats event publisher connected")
	return &Publisher{conn: conn}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

// TurnEvent describes one completed turn.
type TurnEvent struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	State     string    `json:"state"`
	ActionTag string    `json:"action_tag"`
	Escaped   bool      `json:"escaped,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnCompleted publishes a completed-turn event.
func (p *Publisher) TurnCompleted(evt TurnEvent) {
	p.publish(subjectTurnCompleted, evt)
}

// SafetyEvent describes a safety-tier activation. Published on every
// turn routed by the safety tier, including repeats.
type SafetyEvent struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	FromState string    `json:"from_state"`
	Timestamp time.Time `json:"timestamp"`
}

// SafetyTriggered publishes a safety activation event.
func (p *Publisher) SafetyTriggered(evt SafetyEvent) {
	p.publish(subjectSafetyTriggered, evt)
}

// SessionEvent describes a session reaching its terminal state.
type SessionEvent struct {
	SessionID string                 `json:"session_id"`
	Turns     int                    `json:"turns"`
	Flags     models.CompletionFlags `json:"flags"`
	Timestamp time.Time              `json:"timestamp"`
}

// SessionCompleted publishes a session completion event.
func (p *Publisher) SessionCompleted(evt SessionEvent) {
	p.publish(subjectSessionCompleted, evt)
}

// publish is fire-and-forget: event delivery never affects a turn.
func (p *Publisher) publish(subject string, evt interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("encode event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}
