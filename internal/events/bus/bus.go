// Package bus provides the event bus carrying agent and task events between
// the orchestrator, coordinator, and gateway. The in-memory bus is the
// default; a NATS-backed bus takes over when an URL is configured, letting
// multiple ADS instances share one stream.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subject prefixes. Subjects are dot-separated and support NATS wildcards
// ("*" one token, ">" the rest) on the subscriber side.
const (
	subjectAgentPrefix   = "ads.agent"
	subjectTaskPrefix    = "ads.task"
	subjectSessionPrefix = "ads.session"
)

// AgentSubject returns the subject carrying one agent's canonical events.
func AgentSubject(agentID string) string {
	return fmt.Sprintf("%s.%s.events", subjectAgentPrefix, agentID)
}

// TaskSubject returns the subject carrying one task's status transitions.
func TaskSubject(taskID string) string {
	return fmt.Sprintf("%s.%s.status", subjectTaskPrefix, taskID)
}

// SessionSubject returns the subject carrying one session's lifecycle events.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", subjectSessionPrefix, sessionID)
}

// AllAgentEvents matches every agent's event subject.
func AllAgentEvents() string { return subjectAgentPrefix + ".*.events" }

// AllTaskEvents matches every task's status subject.
func AllTaskEvents() string { return subjectTaskPrefix + ".>" }

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport-neutral bus surface.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	// QueueSubscribe delivers each event to one member of the queue group.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
