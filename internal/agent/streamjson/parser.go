package streamjson

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/protocol"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
)

// pendingTool tracks a tool_use block until its tool_result arrives.
type pendingTool struct {
	name       string
	input      map[string]any
	kind       string
	changeKind string
	title      string
}

// EmitFunc receives each canonical event produced by the parser.
type EmitFunc func(ev *protocol.Event)

// Parser is a stateful per-turn translator from stream-json lines to
// canonical events. Create one per turn.
type Parser struct {
	emit   EmitFunc
	logger *logger.Logger

	agentText strings.Builder
	reasoning strings.Builder
	tools     map[string]*pendingTool

	sessionID   string
	lastError   string
	turnStarted bool
	done        bool
}

// NewParser creates a per-turn parser that forwards canonical events to emit.
func NewParser(emit EmitFunc, log *logger.Logger) *Parser {
	return &Parser{
		emit:   emit,
		logger: log.WithFields(zap.String("component", "streamjson")),
		tools:  make(map[string]*pendingTool),
	}
}

// SessionID returns the vendor session id observed in this turn, if any.
func (p *Parser) SessionID() string { return p.sessionID }

// AgentText returns the accumulated assistant text.
func (p *Parser) AgentText() string { return p.agentText.String() }

// Reasoning returns the accumulated reasoning text.
func (p *Parser) Reasoning() string { return p.reasoning.String() }

// LastError returns the last error message observed, if any.
func (p *Parser) LastError() string { return p.lastError }

// Done reports whether a terminal event has been emitted.
func (p *Parser) Done() bool { return p.done }

// Feed consumes one raw stdout line. Lines that do not parse or whose type is
// unknown are dropped silently.
func (p *Parser) Feed(line []byte) {
	if p.done {
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return
	}

	// Error lines reuse the "message" key for a plain string, so they get a
	// dedicated decode before the structured one.
	if head.Type == MessageTypeError {
		var errMsg struct {
			Message string     `json:"message"`
			Error   *WireError `json:"error"`
		}
		_ = json.Unmarshal(line, &errMsg)
		text := errMsg.Message
		if text == "" && errMsg.Error != nil {
			text = errMsg.Error.Message
		}
		if text == "" {
			text = "agent error"
		}
		p.lastError = text
		p.emit(protocol.NewErrorEvent(text))
		return
	}

	var msg RawMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypeSystem:
		p.handleSystem(&msg)
	case MessageTypeAssistant:
		p.handleAssistant(&msg)
	case MessageTypeUser:
		p.handleUser(&msg)
	case MessageTypeResult:
		p.handleResult(&msg)
	default:
		// Unknown vendor types are dropped.
	}
}

// ensureTurnStarted emits turn.started at most once per turn. Resumed
// sessions skip the init line, so the opener also fires lazily on the first
// content or result message.
func (p *Parser) ensureTurnStarted() {
	if p.turnStarted {
		return
	}
	p.turnStarted = true
	p.emit(protocol.NewTurnStarted())
}

func (p *Parser) handleSystem(msg *RawMessage) {
	if msg.Subtype != SubtypeInit {
		return
	}
	if msg.SessionID != "" {
		p.sessionID = msg.SessionID
		p.emit(protocol.NewThreadStarted(msg.SessionID))
	}
	p.ensureTurnStarted()
}

func (p *Parser) handleAssistant(msg *RawMessage) {
	if msg.Message == nil {
		return
	}
	p.ensureTurnStarted()
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			p.agentText.WriteString(block.Text)
			p.emit(protocol.NewItemUpdated(&protocol.Item{
				Type:   protocol.ItemAgentMessage,
				Text:   p.agentText.String(),
				Status: protocol.StatusInProgress,
			}, block.Text))

		case "thinking":
			if block.Thinking == "" {
				continue
			}
			p.reasoning.WriteString(block.Thinking)
			p.emit(protocol.NewItemUpdated(&protocol.Item{
				Type:   protocol.ItemReasoning,
				Text:   p.reasoning.String(),
				Status: protocol.StatusInProgress,
			}, block.Thinking))

		case "tool_use":
			p.handleToolUse(&block)
		}
	}
}

func (p *Parser) handleToolUse(block *ContentBlock) {
	kind, changeKind := ClassifyTool(block.Name)
	tool := &pendingTool{
		name:       block.Name,
		input:      block.Input,
		kind:       kind,
		changeKind: changeKind,
		title:      toolTitle(block.Name, block.Input),
	}
	p.tools[block.ID] = tool

	item := p.itemForTool(block.ID, tool)
	item.Status = protocol.StatusInProgress
	p.emit(protocol.NewItemStarted(item))
}

func (p *Parser) handleUser(msg *RawMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		tool, ok := p.tools[block.ToolUseID]
		if !ok {
			continue
		}
		delete(p.tools, block.ToolUseID)

		item := p.itemForTool(block.ToolUseID, tool)
		if block.IsError {
			item.Status = protocol.StatusFailed
			if tool.kind == protocol.ItemCommandExecution {
				code := 1
				item.ExitCode = &code
			}
		} else {
			item.Status = protocol.StatusCompleted
			if tool.kind == protocol.ItemCommandExecution {
				code := 0
				item.ExitCode = &code
			}
		}
		p.emit(protocol.NewItemCompleted(item))

		if block.IsError && tool.kind == protocol.ItemFileChange {
			p.emit(protocol.NewErrorEvent(block.ResultText()))
		}
	}
}

func (p *Parser) handleResult(msg *RawMessage) {
	p.ensureTurnStarted()
	p.done = true
	if msg.Subtype == SubtypeSuccess && !msg.IsError {
		if text := p.agentText.String(); text != "" {
			p.emit(protocol.NewItemCompleted(&protocol.Item{
				Type:   protocol.ItemAgentMessage,
				Text:   text,
				Status: protocol.StatusCompleted,
			}))
		}
		p.emit(protocol.NewTurnCompleted())
		return
	}
	p.lastError = msg.FailureMessage()
	p.emit(protocol.NewTurnFailed(p.lastError))
}

// itemForTool builds the canonical item for a registered tool call.
func (p *Parser) itemForTool(id string, tool *pendingTool) *protocol.Item {
	item := &protocol.Item{ID: id, Type: tool.kind}
	switch tool.kind {
	case protocol.ItemCommandExecution:
		item.Command, _ = tool.input["command"].(string)
	case protocol.ItemFileChange:
		item.Path, _ = tool.input["file_path"].(string)
		item.ChangeKind = tool.changeKind
		item.Diff = editDiff(tool)
	case protocol.ItemWebSearch:
		if q, ok := tool.input["query"].(string); ok && q != "" {
			item.Query = q
		} else if u, ok := tool.input["url"].(string); ok {
			item.Query = u
		}
	case protocol.ItemMCPToolCall:
		item.Server, item.Tool = splitMCPName(tool.name)
	case protocol.ItemTodoList:
		item.Items = todoItems(tool.input)
	}
	return item
}

// ClassifyTool maps a vendor tool name to a canonical item kind. The change
// kind is only meaningful for file_change items.
func ClassifyTool(name string) (kind, changeKind string) {
	switch name {
	case ToolBash:
		return protocol.ItemCommandExecution, ""
	case ToolWrite:
		return protocol.ItemFileChange, "add"
	case ToolEdit, ToolNotebookEdit:
		return protocol.ItemFileChange, "update"
	case ToolWebFetch, ToolWebSearch:
		return protocol.ItemWebSearch, ""
	case ToolTodoWrite:
		return protocol.ItemTodoList, ""
	default:
		return protocol.ItemMCPToolCall, ""
	}
}

// splitMCPName splits "mcp__server__tool" into its parts; plain names map to
// an empty server.
func splitMCPName(name string) (server, tool string) {
	parts := strings.Split(name, "__")
	if len(parts) >= 3 && parts[0] == "mcp" {
		return parts[1], strings.Join(parts[2:], "__")
	}
	return "", name
}

// editDiff renders a patch for Edit-style tool input. Returns "" when the
// input carries no old/new strings.
func editDiff(tool *pendingTool) string {
	oldStr, _ := tool.input["old_string"].(string)
	newStr, _ := tool.input["new_string"].(string)
	if oldStr == "" && newStr == "" {
		return ""
	}
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(oldStr, newStr)
	return dmp.PatchToText(patches)
}

func todoItems(input map[string]any) []protocol.TodoItem {
	raw, ok := input["todos"].([]any)
	if !ok {
		raw, ok = input["items"].([]any)
		if !ok {
			return nil
		}
	}
	items := make([]protocol.TodoItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := protocol.TodoItem{}
		item.ID, _ = m["id"].(string)
		if text, ok := m["content"].(string); ok {
			item.Text = text
		} else if text, ok := m["description"].(string); ok {
			item.Text = text
		}
		item.Status, _ = m["status"].(string)
		items = append(items, item)
	}
	return items
}

// toolTitle builds a short human-readable title for a tool call.
func toolTitle(name string, input map[string]any) string {
	if cmd, ok := input["command"].(string); ok && name == ToolBash {
		return cmd
	}
	if path, ok := input["file_path"].(string); ok {
		return fmt.Sprintf("%s: %s", name, path)
	}
	return name
}
