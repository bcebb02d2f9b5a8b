package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/protocol"
	"go.uber.org/zap"
)

// HTTPConfig configures an HTTP-transport adapter speaking the
// generateContent request/response shape.
type HTTPConfig struct {
	Metadata Metadata
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
	// Client overrides the HTTP client, for tests.
	Client *http.Client
}

// HTTPAdapter runs turns as a single request/response exchange. There is no
// wire stream, so events are synthesized: thread.started, turn.started, one
// completed agent_message, then the terminal event.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
	logger *logger.Logger
	events *emitter

	mu         sync.Mutex
	workingDir string
	model      string
	threadID   string
	history    []httpTurn
	streaming  bool
	lastErr    string
}

type httpTurn struct {
	Role string
	Text string
}

// NewHTTPAdapter creates an HTTP-transport adapter.
func NewHTTPAdapter(cfg HTTPConfig, log *logger.Logger) *HTTPAdapter {
	if cfg.Metadata.Transport == "" {
		cfg.Metadata.Transport = TransportHTTP
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPAdapter{
		cfg:    cfg,
		client: client,
		logger: log.WithFields(
			zap.String("component", "http_adapter"),
			zap.String("agent_id", cfg.Metadata.ID)),
		events: newEmitter(),
		model:  cfg.Model,
	}
}

func (a *HTTPAdapter) ID() string         { return a.cfg.Metadata.ID }
func (a *HTTPAdapter) Metadata() Metadata { return a.cfg.Metadata }

func (a *HTTPAdapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{Ready: a.cfg.APIKey != "" && a.cfg.BaseURL != "", Streaming: a.streaming, Error: a.lastErr}
	if !st.Ready {
		st.Error = "missing API key or endpoint"
	}
	return st
}

func (a *HTTPAdapter) OnEvent(handler EventHandler) func() {
	return a.events.subscribe(handler)
}

func (a *HTTPAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threadID = ""
	a.history = nil
	a.lastErr = ""
}

func (a *HTTPAdapter) SetWorkingDirectory(dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workingDir = dir
}

func (a *HTTPAdapter) SetModel(model string) {
	if !modelAllowed(a.cfg.Metadata, model) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = model
}

// RestoreThread keeps the thread id stable across restarts; the replayed
// history starts empty.
func (a *HTTPAdapter) RestoreThread(threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threadID = threadID
}

func (a *HTTPAdapter) GetThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

func (a *HTTPAdapter) GetStreamingConfig() StreamingConfig {
	return StreamingConfig{Enabled: false}
}

// generateContent wire shapes.
type generateRequest struct {
	Contents []generateContent `json:"contents"`
}

type generateContent struct {
	Role  string         `json:"role,omitempty"`
	Parts []generatePart `json:"parts"`
}

type generatePart struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Send runs one request/response turn.
func (a *HTTPAdapter) Send(ctx context.Context, input Input, opts SendOptions) (*SendResult, error) {
	agentID := a.cfg.Metadata.ID
	if a.cfg.APIKey == "" || a.cfg.BaseURL == "" {
		return nil, configError(agentID, "missing API key or endpoint")
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
	contents := make([]generateContent, 0, len(a.history)+1)
	for _, turn := range a.history {
		contents = append(contents, generateContent{
			Role:  turn.Role,
			Parts: []generatePart{{Text: turn.Text}},
		})
	}
	a.streaming = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.streaming = false
		a.mu.Unlock()
	}()

	if opts.Model != "" && modelAllowed(a.cfg.Metadata, opts.Model) {
		model = opts.Model
	}
	prompt := input.Text()
	contents = append(contents, generateContent{
		Role:  "user",
		Parts: []generatePart{{Text: prompt}},
	})

	emit := a.events.sink(opts.Silent)
	emit(protocol.NewThreadStarted(threadID))
	emit(protocol.NewTurnStarted())

	text, err := a.generate(ctx, model, contents)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			emit(protocol.NewTurnFailed("aborted"))
			return nil, cancelledError(agentID)
		}
		a.setLastErr(err.Error())
		emit(protocol.NewTurnFailed(err.Error()))
		return nil, transportError(agentID, err)
	}

	emit(protocol.NewItemCompleted(&protocol.Item{
		Type:   protocol.ItemAgentMessage,
		Text:   text,
		Status: protocol.StatusCompleted,
	}))
	emit(protocol.NewTurnCompleted())

	a.mu.Lock()
	a.history = append(a.history,
		httpTurn{Role: "user", Text: prompt},
		httpTurn{Role: "model", Text: text})
	a.mu.Unlock()

	if len(opts.OutputSchema) > 0 {
		if err := validateOutputSchema(opts.OutputSchema, text); err != nil {
			a.setLastErr(err.Error())
			return nil, newError(KindSchema, agentID, err)
		}
	}

	a.setLastErr("")
	return &SendResult{Response: text, AgentID: agentID}, nil
}

func (a *HTTPAdapter) generate(ctx context.Context, model string, contents []generateContent) (string, error) {
	body, err := json.Marshal(generateRequest{Contents: contents})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", a.cfg.BaseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var decoded generateResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil && decoded.Error.Message != "" {
			return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, decoded.Error.Message)
		}
		return "", fmt.Errorf("api error: status %d", resp.StatusCode)
	}
	if len(decoded.Candidates) == 0 {
		return "", errors.New("empty response: no candidates")
	}

	var text string
	for _, part := range decoded.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text, nil
}

func (a *HTTPAdapter) setLastErr(msg string) {
	a.mu.Lock()
	a.lastErr = msg
	a.mu.Unlock()
}
