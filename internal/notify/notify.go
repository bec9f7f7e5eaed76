// Package notify publishes hub lifecycle events on the embedded NATS bus.
package notify

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

// Publisher sends protocol events for one source. A nil Publisher, or one
// without a connection, drops everything.
type Publisher struct {
	nc     *nats.Conn
	source string
	logger zerolog.Logger
}

// New returns a Publisher that publishes on calhub.events.<source>.
func New(nc *nats.Conn, source string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		nc:     nc,
		source: source,
		logger: logger.With().Str("component", "notify").Str("source", source).Logger(),
	}
}

// Publish emits one event. Failures are logged, never returned: a missing
// bus must not fail a sync pass or an API call.
func (p *Publisher) Publish(eventType string, payload map[string]any) {
	if p == nil || p.nc == nil {
		return
	}
	ev := protocol.NewEvent(eventType, p.source, payload)
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("type", eventType).Msg("marshal event")
		return
	}
	if err := p.nc.Publish(protocol.SubjectEvents(p.source), data); err != nil {
		p.logger.Warn().Err(err).Str("type", eventType).Msg("publish event")
	}
}
