package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Event types published by the daemon.
const (
	EventSyncStarted    = "sync.started"
	EventSyncCompleted  = "sync.completed"
	EventSyncFailed     = "sync.failed"
	EventRuleExecuted   = "rule.executed"
	EventRuleFailed     = "rule.failed"
	EventAccountCreated = "account.created"
	EventAccountUpdated = "account.updated"
	EventAccountDeleted = "account.deleted"
	EventAccountReauth  = "account.needs_reauth"
	EventEventWritten   = "event.written"
	EventConfigReloaded = "config.reloaded"
)

// Event is the envelope published on calhub.events.<source>.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
}
