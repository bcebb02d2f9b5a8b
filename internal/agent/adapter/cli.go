package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/adsproject/ads/internal/agent/cliproc"
	"github.com/adsproject/ads/internal/agent/streamjson"
	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/protocol"
	"go.uber.org/zap"
)

// Sandbox modes accepted by SendOptions and CLIConfig.
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
	SandboxDangerFull     = "danger-full-access"
)

// CLIConfig configures a CLI-transport adapter.
type CLIConfig struct {
	Metadata     Metadata
	Binary       string
	DefaultModel string
	// SandboxMode is the default posture when SendOptions does not set one.
	SandboxMode string
	// Env entries appended to the subprocess environment.
	Env []string
	// ForceFileIO routes subprocess stdio through temp files.
	ForceFileIO bool
}

// CLIAdapter runs an agent CLI as a subprocess per turn and parses its
// stream-json stdout into canonical events. Thread continuity works through
// the vendor's resume mechanism: the session id of the first turn is replayed
// as `resume <id>` on later turns.
type CLIAdapter struct {
	cfg    CLIConfig
	runner *cliproc.Runner
	logger *logger.Logger
	events *emitter

	mu         sync.Mutex
	workingDir string
	model      string
	threadID   string
	streaming  bool
	lastErr    string
}

// NewCLIAdapter creates a CLI-transport adapter.
func NewCLIAdapter(cfg CLIConfig, log *logger.Logger) *CLIAdapter {
	if cfg.Metadata.Transport == "" {
		cfg.Metadata.Transport = TransportCLI
	}
	return &CLIAdapter{
		cfg:    cfg,
		runner: cliproc.NewRunner(log),
		logger: log.WithFields(
			zap.String("component", "cli_adapter"),
			zap.String("agent_id", cfg.Metadata.ID)),
		events: newEmitter(),
		model:  cfg.DefaultModel,
	}
}

func (a *CLIAdapter) ID() string         { return a.cfg.Metadata.ID }
func (a *CLIAdapter) Metadata() Metadata { return a.cfg.Metadata }

func (a *CLIAdapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{Ready: a.cfg.Binary != "", Streaming: a.streaming, Error: a.lastErr}
	if a.cfg.Binary == "" {
		st.Error = "no binary configured"
	}
	return st
}

func (a *CLIAdapter) OnEvent(handler EventHandler) func() {
	return a.events.subscribe(handler)
}

func (a *CLIAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threadID = ""
	a.lastErr = ""
}

func (a *CLIAdapter) SetWorkingDirectory(dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workingDir = dir
}

func (a *CLIAdapter) SetModel(model string) {
	if !modelAllowed(a.cfg.Metadata, model) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = model
}

// RestoreThread resumes a persisted vendor session id.
func (a *CLIAdapter) RestoreThread(threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threadID = threadID
}

func (a *CLIAdapter) GetThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

func (a *CLIAdapter) GetStreamingConfig() StreamingConfig {
	return StreamingConfig{Enabled: true, ThrottleMs: 0}
}

// Send runs one turn. Exactly one terminal event is emitted: the parser's own
// when the process produces one, a synthetic turn.failed otherwise.
func (a *CLIAdapter) Send(ctx context.Context, input Input, opts SendOptions) (*SendResult, error) {
	agentID := a.cfg.Metadata.ID
	if a.cfg.Binary == "" {
		return nil, configError(agentID, "no binary configured")
	}
	if input.Empty() {
		return nil, configError(agentID, "empty input")
	}

	a.mu.Lock()
	resumeID := a.threadID
	workingDir := a.workingDir
	model := a.model
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
	sandbox := a.cfg.SandboxMode
	if opts.SandboxMode != "" {
		sandbox = opts.SandboxMode
	}

	args := buildCLIArgs(resumeID, workingDir, sandbox, model, input.Images())

	emit := a.events.sink(opts.Silent)
	var turnFailed bool
	parser := streamjson.NewParser(func(ev *protocol.Event) {
		if ev.Type == protocol.EventThreadStarted && ev.ThreadID != "" {
			a.mu.Lock()
			a.threadID = ev.ThreadID
			a.mu.Unlock()
		}
		if ev.Type == protocol.EventTurnFailed {
			turnFailed = true
		}
		emit(ev)
	}, a.logger)

	result, err := a.runner.Run(ctx, cliproc.Options{
		Binary:      a.cfg.Binary,
		Args:        args,
		Dir:         workingDir,
		Env:         a.cfg.Env,
		StdinData:   []byte(input.Text()),
		ForceFileIO: a.cfg.ForceFileIO,
	}, parser.Feed)
	if err != nil {
		a.setLastErr(err.Error())
		emit(protocol.NewTurnFailed(err.Error()))
		return nil, transportError(agentID, err)
	}

	switch {
	case result.Cancelled:
		if !parser.Done() {
			emit(protocol.NewTurnFailed("aborted"))
		}
		return nil, cancelledError(agentID)

	case !parser.Done():
		// Process exited without a result message.
		msg := result.Stderr
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d before finishing", result.ExitCode)
		}
		a.setLastErr(msg)
		emit(protocol.NewTurnFailed(msg))
		return nil, transportError(agentID, fmt.Errorf("%s", msg))

	case turnFailed:
		// A clean exit after turn.failed is still a failure.
		msg := parser.LastError()
		if msg == "" {
			msg = "turn failed"
		}
		a.setLastErr(msg)
		return nil, transportError(agentID, fmt.Errorf("%s", msg))
	}

	response := parser.AgentText()
	if len(opts.OutputSchema) > 0 {
		if err := validateOutputSchema(opts.OutputSchema, response); err != nil {
			a.setLastErr(err.Error())
			return nil, newError(KindSchema, agentID, err)
		}
	}

	a.setLastErr("")
	return &SendResult{Response: response, AgentID: agentID}, nil
}

func (a *CLIAdapter) setLastErr(msg string) {
	a.mu.Lock()
	a.lastErr = msg
	a.mu.Unlock()
}

// buildCLIArgs assembles the exec argv. The trailing "-" tells the CLI to
// read the prompt from stdin.
func buildCLIArgs(resumeID, workingDir, sandbox, model string, images []string) []string {
	args := []string{"exec"}
	if resumeID != "" {
		args = append(args, "resume", resumeID)
	}
	if workingDir != "" {
		args = append(args, "--cd", workingDir)
	}
	switch sandbox {
	case SandboxReadOnly:
		args = append(args, "--sandbox", "read-only")
	case SandboxDangerFull:
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	default:
		// workspace-write and unset both map to full-auto.
		args = append(args, "--full-auto")
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if model != "" {
		args = append(args, "--model", model)
	}
	for _, img := range images {
		args = append(args, "--image", img)
	}
	return append(args, "-")
}
