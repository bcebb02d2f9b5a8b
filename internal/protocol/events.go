// Package protocol defines the canonical event and item vocabulary emitted by
// every agent adapter. Adapters translate their vendor wire formats into these
// shapes; everything downstream (orchestrator, gateway, coordinator) consumes
// only this vocabulary.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types.
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventItemStarted   = "item.started"
	EventItemUpdated   = "item.updated"
	EventItemCompleted = "item.completed"
	EventError         = "error"
)

// Item kinds.
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemWebSearch        = "web_search"
	ItemMCPToolCall      = "mcp_tool_call"
	ItemTodoList         = "todo_list"
	ItemError            = "error"
)

// Item statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Phase classifies an event for coarse progress display.
type Phase string

const (
	PhaseBoot       Phase = "boot"
	PhaseAnalysis   Phase = "analysis"
	PhaseContext    Phase = "context"
	PhaseEditing    Phase = "editing"
	PhaseTool       Phase = "tool"
	PhaseCommand    Phase = "command"
	PhaseResponding Phase = "responding"
	PhaseCompleted  Phase = "completed"
	PhaseConnection Phase = "connection"
	PhaseError      Phase = "error"
)

// ErrMalformedEvent is returned by Decode for events of a known type that are
// missing a required field.
var ErrMalformedEvent = errors.New("malformed event")

// TodoItem is one entry of a todo_list item.
type TodoItem struct {
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	Status string `json:"status,omitempty"`
}

// Item is the payload of item.* events. Type selects which fields are set.
type Item struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	// agent_message / reasoning
	Text string `json:"text,omitempty"`

	// command_execution
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`

	// file_change
	Path       string `json:"path,omitempty"`
	ChangeKind string `json:"change_kind,omitempty"` // add, update, delete
	Diff       string `json:"diff,omitempty"`

	// web_search
	Query string `json:"query,omitempty"`

	// mcp_tool_call
	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`

	// todo_list
	Items []TodoItem `json:"items,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	Status string `json:"status,omitempty"`
}

// ErrorDetail carries the failure message of turn.failed and error events.
type ErrorDetail struct {
	Message string `json:"message"`
}

// Event is the canonical streamed record. Ordered per turn: thread.started
// precedes all others; turn.completed or turn.failed is terminal.
type Event struct {
	Type      string          `json:"type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Item      *Item           `json:"item,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
	Phase     Phase           `json:"phase,omitempty"`
	Title     string          `json:"title,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Raw       json.RawMessage `json:"-"`
}

// Terminal reports whether the event ends a turn.
func (e *Event) Terminal() bool {
	return e.Type == EventTurnCompleted || e.Type == EventTurnFailed
}

// phaseForItem maps an item kind to its display phase.
func phaseForItem(kind string) Phase {
	switch kind {
	case ItemAgentMessage:
		return PhaseResponding
	case ItemReasoning:
		return PhaseAnalysis
	case ItemCommandExecution:
		return PhaseCommand
	case ItemFileChange:
		return PhaseEditing
	case ItemWebSearch, ItemMCPToolCall, ItemTodoList:
		return PhaseTool
	case ItemError:
		return PhaseError
	default:
		return PhaseTool
	}
}

// NewThreadStarted builds a thread.started event.
func NewThreadStarted(threadID string) *Event {
	return &Event{
		Type:      EventThreadStarted,
		ThreadID:  threadID,
		Phase:     PhaseBoot,
		Title:     "thread started",
		Timestamp: time.Now(),
	}
}

// NewTurnStarted builds a turn.started event.
func NewTurnStarted() *Event {
	return &Event{
		Type:      EventTurnStarted,
		Phase:     PhaseBoot,
		Title:     "turn started",
		Timestamp: time.Now(),
	}
}

// NewTurnCompleted builds a turn.completed event.
func NewTurnCompleted() *Event {
	return &Event{
		Type:      EventTurnCompleted,
		Phase:     PhaseCompleted,
		Title:     "turn completed",
		Timestamp: time.Now(),
	}
}

// NewTurnFailed builds a turn.failed event with the failure message.
func NewTurnFailed(message string) *Event {
	return &Event{
		Type:      EventTurnFailed,
		Error:     &ErrorDetail{Message: message},
		Phase:     PhaseError,
		Title:     "turn failed",
		Detail:    message,
		Timestamp: time.Now(),
	}
}

// NewItemStarted builds an item.started event.
func NewItemStarted(item *Item) *Event {
	return &Event{
		Type:      EventItemStarted,
		Item:      item,
		Phase:     phaseForItem(item.Type),
		Title:     item.Type,
		Timestamp: time.Now(),
	}
}

// NewItemUpdated builds an item.updated event. delta carries the incremental
// text for agent_message and reasoning items.
func NewItemUpdated(item *Item, delta string) *Event {
	return &Event{
		Type:      EventItemUpdated,
		Item:      item,
		Phase:     phaseForItem(item.Type),
		Title:     item.Type,
		Delta:     delta,
		Timestamp: time.Now(),
	}
}

// NewItemCompleted builds an item.completed event.
func NewItemCompleted(item *Item) *Event {
	return &Event{
		Type:      EventItemCompleted,
		Item:      item,
		Phase:     phaseForItem(item.Type),
		Title:     item.Type,
		Timestamp: time.Now(),
	}
}

// NewErrorEvent builds a standalone error event.
func NewErrorEvent(message string) *Event {
	return &Event{
		Type:      EventError,
		Error:     &ErrorDetail{Message: message},
		Phase:     PhaseError,
		Title:     "error",
		Detail:    message,
		Timestamp: time.Now(),
	}
}

// Decode parses a raw line into a canonical event. Unknown event types are
// dropped silently (nil, nil). Known types missing required fields return
// ErrMalformedEvent so the caller can emit a synthetic error event instead.
func Decode(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch ev.Type {
	case EventThreadStarted:
		if ev.ThreadID == "" {
			return nil, fmt.Errorf("%w: thread.started without thread_id", ErrMalformedEvent)
		}
	case EventItemStarted, EventItemUpdated, EventItemCompleted:
		if ev.Item == nil || ev.Item.Type == "" {
			return nil, fmt.Errorf("%w: %s without item.type", ErrMalformedEvent, ev.Type)
		}
	case EventTurnStarted, EventTurnCompleted, EventTurnFailed, EventError:
		// no required payload
	default:
		return nil, nil
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Raw = append([]byte(nil), raw...)
	return &ev, nil
}
