package adapter

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/protocol"
	"go.uber.org/zap"
)

const defaultMaxTokens = 8192

// SDKConfig configures an SDK-transport adapter.
type SDKConfig struct {
	Metadata  Metadata
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int64
	// Throttle caps how often responding deltas are emitted. Zero disables
	// throttling.
	Throttle time.Duration
	// SystemPrompt is prepended to every turn.
	SystemPrompt string
}

// SDKAdapter streams turns through the vendor SDK. The SDK has no server-side
// session, so thread continuity is local: the adapter assigns a thread id and
// replays the conversation history on every turn.
type SDKAdapter struct {
	cfg    SDKConfig
	client sdk.Client
	logger *logger.Logger
	events *emitter

	mu         sync.Mutex
	workingDir string
	model      string
	threadID   string
	history    []sdk.MessageParam
	streaming  bool
	lastErr    string
}

// NewSDKAdapter creates an SDK-transport adapter.
func NewSDKAdapter(cfg SDKConfig, log *logger.Logger) *SDKAdapter {
	if cfg.Metadata.Transport == "" {
		cfg.Metadata.Transport = TransportSDK
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &SDKAdapter{
		cfg:    cfg,
		client: sdk.NewClient(opts...),
		logger: log.WithFields(
			zap.String("component", "sdk_adapter"),
			zap.String("agent_id", cfg.Metadata.ID)),
		events: newEmitter(),
		model:  cfg.Model,
	}
}

func (a *SDKAdapter) ID() string         { return a.cfg.Metadata.ID }
func (a *SDKAdapter) Metadata() Metadata { return a.cfg.Metadata }

func (a *SDKAdapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{Ready: a.cfg.APIKey != "", Streaming: a.streaming, Error: a.lastErr}
	if a.cfg.APIKey == "" {
		st.Error = "no API key configured"
	}
	return st
}

func (a *SDKAdapter) OnEvent(handler EventHandler) func() {
	return a.events.subscribe(handler)
}

func (a *SDKAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threadID = ""
	a.history = nil
	a.lastErr = ""
}

func (a *SDKAdapter) SetWorkingDirectory(dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workingDir = dir
}

func (a *SDKAdapter) SetModel(model string) {
	if !modelAllowed(a.cfg.Metadata, model) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = model
}

// RestoreThread keeps the thread id stable across restarts. The SDK has no
// server-side session, so the restored thread starts with empty history.
func (a *SDKAdapter) RestoreThread(threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threadID = threadID
}

func (a *SDKAdapter) GetThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

func (a *SDKAdapter) GetStreamingConfig() StreamingConfig {
	ms := int(a.cfg.Throttle / time.Millisecond)
	return StreamingConfig{Enabled: true, ThrottleMs: ms}
}

// Send runs one streamed turn against the API.
func (a *SDKAdapter) Send(ctx context.Context, input Input, opts SendOptions) (*SendResult, error) {
	agentID := a.cfg.Metadata.ID
	if a.cfg.APIKey == "" {
		return nil, configError(agentID, "no API key configured")
	}
	if input.Empty() {
		return nil, configError(agentID, "empty input")
	}

	a.mu.Lock()
	if a.threadID == "" {
		a.threadID = uuid.NewString()
	}
	threadID := a.threadID
	model := a.model
	userBlocks, err := a.inputBlocks(input)
	if err != nil {
		a.mu.Unlock()
		return nil, configError(agentID, "read attachment: %v", err)
	}
	messages := append(append([]sdk.MessageParam(nil), a.history...),
		sdk.NewUserMessage(userBlocks...))
	a.streaming = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.streaming = false
		a.mu.Unlock()
	}()

	if opts.Model != "" {
		model = opts.Model
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: a.cfg.MaxTokens,
		Messages:  messages,
	}
	if a.cfg.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: a.cfg.SystemPrompt}}
	}

	emit := a.events.sink(opts.Silent)
	emit(protocol.NewThreadStarted(threadID))
	emit(protocol.NewTurnStarted())

	text, usage, runErr := a.stream(ctx, params, emit)
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
			emit(protocol.NewTurnFailed("aborted"))
			return nil, cancelledError(agentID)
		}
		a.setLastErr(runErr.Error())
		emit(protocol.NewTurnFailed(runErr.Error()))
		return nil, transportError(agentID, runErr)
	}

	emit(protocol.NewItemCompleted(&protocol.Item{
		Type:   protocol.ItemAgentMessage,
		Text:   text,
		Status: protocol.StatusCompleted,
	}))
	emit(protocol.NewTurnCompleted())

	a.mu.Lock()
	a.history = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
	a.mu.Unlock()

	if len(opts.OutputSchema) > 0 {
		if err := validateOutputSchema(opts.OutputSchema, text); err != nil {
			a.setLastErr(err.Error())
			return nil, newError(KindSchema, agentID, err)
		}
	}

	a.setLastErr("")
	return &SendResult{Response: text, Usage: usage, AgentID: agentID}, nil
}

// stream consumes the SSE stream, emitting throttled responding deltas, and
// returns the final text and token usage.
func (a *SDKAdapter) stream(ctx context.Context, params sdk.MessageNewParams, emit func(*protocol.Event)) (string, *Usage, error) {
	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	usage := &Usage{}
	var full, reasoning, pendingDelta string
	var lastEmit time.Time

	flush := func(force bool) {
		if pendingDelta == "" {
			return
		}
		if !force && a.cfg.Throttle > 0 && time.Since(lastEmit) < a.cfg.Throttle {
			return
		}
		emit(protocol.NewItemUpdated(&protocol.Item{
			Type:   protocol.ItemAgentMessage,
			Text:   full,
			Status: protocol.StatusInProgress,
		}, pendingDelta))
		pendingDelta = ""
		lastEmit = time.Now()
	}

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			usage.InputTokens = ev.Message.Usage.InputTokens

		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				full += delta.Text
				pendingDelta += delta.Text
				flush(false)
			case sdk.ThinkingDelta:
				reasoning += delta.Thinking
				emit(protocol.NewItemUpdated(&protocol.Item{
					Type:   protocol.ItemReasoning,
					Text:   reasoning,
					Status: protocol.StatusInProgress,
				}, delta.Thinking))
			}

		case sdk.ContentBlockStopEvent:
			flush(true)

		case sdk.MessageDeltaEvent:
			usage.OutputTokens = ev.Usage.OutputTokens
		}
	}
	flush(true)

	if err := stream.Err(); err != nil {
		return "", nil, err
	}
	return full, usage, nil
}

// inputBlocks converts structured input to SDK content blocks. Images are
// read from disk and sent inline as base64.
func (a *SDKAdapter) inputBlocks(input Input) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion
	if text := input.Text(); text != "" {
		blocks = append(blocks, sdk.NewTextBlock(text))
	}
	for _, path := range input.Images() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, sdk.NewImageBlockBase64(imageMediaType(path), encodeBase64(data)))
	}
	return blocks, nil
}

func (a *SDKAdapter) setLastErr(msg string) {
	a.mu.Lock()
	a.lastErr = msg
	a.mu.Unlock()
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func imageMediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
