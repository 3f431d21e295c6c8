// Package events publishes structured workflow events to NATS,
// generalized from the teacher's NotificationPublisher
// (internal/client/notification_publisher.go): same subject convention and
// non-fatal-on-failure semantics, carrying session state-machine events
// instead of invoice approval events.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-screening-workflow/pkg/obslog"
)

// Event is the JSON schema published for every workflow state change.
type Event struct {
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	Step      string         `json:"step,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Publisher publishes Events to NATS. Subject convention:
// "<prefix>.<event_type>".
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    obslog.Logger
}

// NewPublisher returns a Publisher over an established NATS connection. A
// nil conn is valid and turns Publish into a no-op, for tests and for
// deployments that run without an event bus.
func NewPublisher(conn *nats.Conn, subjectPrefix string, log obslog.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: subjectPrefix, log: log}
}

// Publish emits one event. Failures are logged and swallowed: a notification
// bus outage must never fail the workflow operation that triggered it.
func (p *Publisher) Publish(ctx context.Context, eventType, sessionID, step, actorID string, payload map[string]any) {
	if p.conn == nil {
		return
	}

	event := Event{
		EventType: eventType,
		SessionID: sessionID,
		Step:      step,
		ActorID:   actorID,
		Payload:   payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("session_id", sessionID).
			Msg("events: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("session_id", sessionID).
		Msg("events: published")
}
