// Package adapter defines the contract every agent backend implements and the
// concrete adapters over the three supported transports: CLI subprocess
// (stream-json over stdout), vendor SDK streaming, and plain HTTP
// request/response. All adapters emit the canonical event vocabulary of
// internal/protocol and guarantee exactly one terminal event per send.
package adapter

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/adsproject/ads/internal/protocol"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Part types for structured input.
const (
	PartText       = "text"
	PartLocalImage = "local_image"
	PartLocalFile  = "local_file"
)

// Part is one segment of a structured prompt.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// Input is the prompt for one send: either plain text or an ordered list of
// parts mixing text with local file and image references.
type Input struct {
	Parts []Part `json:"parts"`
}

// TextInput wraps a plain string prompt.
func TextInput(text string) Input {
	return Input{Parts: []Part{{Type: PartText, Text: text}}}
}

// Text concatenates the text parts. Local file references are rendered as
// mentions so text-only transports still see them.
func (in Input) Text() string {
	var b strings.Builder
	for _, part := range in.Parts {
		switch part.Type {
		case PartText:
			b.WriteString(part.Text)
		case PartLocalFile:
			if part.Path != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(fmt.Sprintf("[file: %s]", part.Path))
			}
		}
	}
	return b.String()
}

// Images returns the local_image paths in order.
func (in Input) Images() []string {
	var paths []string
	for _, part := range in.Parts {
		if part.Type == PartLocalImage && part.Path != "" {
			paths = append(paths, part.Path)
		}
	}
	return paths
}

// Empty reports whether the input carries no usable content.
func (in Input) Empty() bool {
	return in.Text() == "" && len(in.Images()) == 0
}

// SendOptions tune one send without changing adapter state.
type SendOptions struct {
	// Model overrides the adapter's configured model for this send only.
	Model string
	// OutputSchema, when set, is a JSON Schema the final response must
	// satisfy. Violations fail the send with KindSchema after the turn has
	// already completed.
	OutputSchema []byte
	// SandboxMode selects the agent's permission posture: "read-only",
	// "workspace-write", or "danger-full-access". Empty means the adapter
	// default.
	SandboxMode string
	// Silent suppresses event fan-out for this send. Background invocations
	// (delegated sub-turns, coordinator attempts) set it so subscribers only
	// see the user-facing turn's stream.
	Silent bool
}

// Usage is token accounting reported by transports that expose it.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// SendResult is the outcome of a successful send.
type SendResult struct {
	Response string
	Usage    *Usage
	AgentID  string
}

// Metadata describes an agent for discovery surfaces.
type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Vendor      string `json:"vendor,omitempty"`
	Transport   string `json:"transport"`
	// ModelPrefixes restricts which model names this agent accepts. Model
	// setters carrying a model outside these prefixes are ignored, so a
	// broadcast of "gemini-2.5-pro" does not reconfigure a Codex agent.
	ModelPrefixes []string `json:"model_prefixes,omitempty"`
}

// modelAllowed reports whether a model name belongs to this agent's vendor.
// No prefixes means no restriction.
func modelAllowed(meta Metadata, model string) bool {
	if len(meta.ModelPrefixes) == 0 {
		return true
	}
	for _, prefix := range meta.ModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Transport names.
const (
	TransportCLI  = "cli"
	TransportSDK  = "sdk"
	TransportHTTP = "http"
)

// Status is the adapter's current availability.
type Status struct {
	Ready     bool   `json:"ready"`
	Streaming bool   `json:"streaming"`
	Error     string `json:"error,omitempty"`
}

// StreamingConfig tells consumers whether the adapter emits incremental
// item.updated deltas and how often at most.
type StreamingConfig struct {
	Enabled    bool `json:"enabled"`
	ThrottleMs int  `json:"throttle_ms"`
}

// EventHandler receives canonical events as they are emitted.
type EventHandler func(ev *protocol.Event)

// Adapter is the uniform surface over one agent backend. Send blocks for the
// duration of the turn; events arrive on subscribed handlers concurrently.
// Implementations emit exactly one terminal event (turn.completed or
// turn.failed) per Send, including on cancellation.
type Adapter interface {
	ID() string
	Metadata() Metadata
	Status() Status
	Send(ctx context.Context, input Input, opts SendOptions) (*SendResult, error)
	OnEvent(handler EventHandler) (unsubscribe func())
	Reset()
	SetWorkingDirectory(dir string)
	SetModel(model string)
	GetThreadID() string
	GetStreamingConfig() StreamingConfig
}

// ThreadRestorer is implemented by adapters that can resume a previously
// persisted thread id after a restart.
type ThreadRestorer interface {
	RestoreThread(threadID string)
}

// emitter fans events out to subscribed handlers. Unsubscribing returns a
// closure bound to the handler's slot, so handlers need not be comparable.
type emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]EventHandler
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[int]EventHandler)}
}

func (e *emitter) subscribe(handler EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

// sink returns the event destination for one send: the shared fan-out
// normally, a discard when the send is silent.
func (e *emitter) sink(silent bool) func(*protocol.Event) {
	if silent {
		return func(*protocol.Event) {}
	}
	return e.emit
}

func (e *emitter) emit(ev *protocol.Event) {
	e.mu.Lock()
	handlers := make([]EventHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// validateOutputSchema checks the response document against a JSON Schema.
// The response may be bare JSON or prose containing a fenced JSON block.
func validateOutputSchema(schemaJSON []byte, response string) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output.json", schemaDoc); err != nil {
		return fmt.Errorf("register schema: %w", err)
	}
	schema, err := compiler.Compile("output.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	doc := ExtractJSON(response)
	if doc == "" {
		return fmt.Errorf("response contains no JSON document")
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("parse response JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("response violates output schema: %w", err)
	}
	return nil
}

// ExtractJSON finds the JSON payload in a response: the whole string
// when it is bare JSON, the first ```json fence otherwise, then the first
// balanced top-level object.
func ExtractJSON(response string) string {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return trimmed
	}
	if idx := strings.Index(trimmed, "```json"); idx >= 0 {
		rest := trimmed[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return balancedObject(trimmed)
}

// balancedObject returns the first top-level {...} with balanced braces,
// respecting JSON string escapes.
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
