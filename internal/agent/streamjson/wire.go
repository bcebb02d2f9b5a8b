// Package streamjson translates the stream-json wire format emitted by agent
// CLIs (Claude-style newline-delimited JSON over stdout) into the canonical
// event vocabulary of internal/protocol.
package streamjson

import "encoding/json"

// Wire message types.
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeUser      = "user"
	MessageTypeResult    = "result"
	MessageTypeError     = "error"
)

// System message subtypes.
const (
	SubtypeInit    = "init"
	SubtypeSuccess = "success"
)

// Tool names recognised by the classifier.
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolTodoWrite    = "TodoWrite"
)

// RawMessage is one stdout line from an agent CLI. The type field determines
// which of the remaining fields are populated.
type RawMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system messages
	SessionID string `json:"session_id,omitempty"`

	// assistant and user messages
	Message *WireMessageBody `json:"message,omitempty"`

	// result messages; Result is a string (error text) or an object
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// error messages carry a nested error object; plain string "message"
	// payloads share the json tag with Message above, so the parser decodes
	// them separately.
	Error *WireError `json:"error,omitempty"`
}

// WireError is a nested error payload.
type WireError struct {
	Message string `json:"message"`
}

// WireMessageBody is the body of assistant and user messages.
type WireMessageBody struct {
	Role    string         `json:"role"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block of an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks; Content is a string or a list of text blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText returns the tool_result content as plain text, handling both
// the string form and the block-list form.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var out string
		for _, blk := range blocks {
			if blk.Type == "text" {
				out += blk.Text
			}
		}
		return out
	}
	return ""
}

// ResultString returns the result payload as a string when it is one.
func (m *RawMessage) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// FailureMessage extracts the most specific error text from a non-success
// result or error message.
func (m *RawMessage) FailureMessage() string {
	if m.Error != nil && m.Error.Message != "" {
		return m.Error.Message
	}
	if s := m.ResultString(); s != "" {
		return s
	}
	if m.Subtype != "" {
		return m.Subtype
	}
	return "turn failed"
}
