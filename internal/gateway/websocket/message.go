package websocket

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Inbound message kinds.
const (
	KindPing         = "ping"
	KindPong         = "pong"
	KindInterrupt    = "interrupt"
	KindClearHistory = "clear_history"
	KindPrompt       = "prompt"
	KindCommand      = "command"
	KindTaskResume   = "task_resume"
)

// Outbound message kinds.
const (
	KindWelcome  = "welcome"
	KindAgents   = "agents"
	KindEvent    = "event"
	KindResponse = "response"
	KindError    = "error"
	KindTask     = "task"
)

// Message is the wire envelope in both directions. ID correlates a response
// with the request that produced it.
type Message struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an outbound message with a marshalled payload.
func NewMessage(kind, id string, payload any) (*Message, error) {
	msg := &Message{Kind: kind, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// ParsePayload decodes the payload into out.
func (m *Message) ParsePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Kind)
	}
	return json.Unmarshal(m.Payload, out)
}

// PromptRequest is the prompt payload.
type PromptRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// CommandRequest is the command payload.
type CommandRequest struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// TaskResumeRequest is the task_resume payload.
type TaskResumeRequest struct {
	TaskID string `json:"task_id"`
}

// ErrorPayload is the error payload sent to clients.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const inboundSchema = `{
	"type": "object",
	"required": ["kind"],
	"properties": {
		"kind": {"enum": ["ping", "pong", "interrupt", "clear_history", "prompt", "command", "task_resume"]},
		"id": {"type": "string"},
		"payload": {"type": "object"}
	}
}`

var compiledInboundSchema = mustCompileSchema("inbound.json", inboundSchema)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("register schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// ParseInbound validates raw bytes against the message schema and decodes
// them.
func ParseInbound(data []byte) (*Message, error) {
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if err := compiledInboundSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
