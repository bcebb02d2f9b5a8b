// Package verify runs deterministic machine checks attached to a task spec:
// allow-listed shell commands with exit-code and output assertions, and
// optional UI smoke runs against a browser-control binary with a managed
// sub-service.
package verify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adsproject/ads/internal/common/config"
	"github.com/adsproject/ads/internal/common/logger"
	"go.uber.org/zap"
)

// ErrDisabled is returned when verification is switched off by configuration.
var ErrDisabled = errors.New("verification disabled")

const (
	defaultCommandTimeout = 5 * time.Minute
	defaultReadyTimeout   = 30 * time.Second
	defaultShutdownGrace  = 2 * time.Second
	maxCapturedOutput     = 64 * 1024
)

// Spec is the verification section of a task spec.
type Spec struct {
	Commands []Command `json:"commands,omitempty"`
	UISmokes []UISmoke `json:"uiSmokes,omitempty"`
}

// Empty reports whether there is nothing to run.
func (s *Spec) Empty() bool {
	return s == nil || (len(s.Commands) == 0 && len(s.UISmokes) == 0)
}

// Command is one allow-listed command check.
type Command struct {
	// Command is the command line, split on whitespace; no shell is involved.
	Command           string   `json:"command"`
	Cwd               string   `json:"cwd,omitempty"`
	TimeoutMS         int      `json:"timeoutMs,omitempty"`
	ExpectExitCode    *int     `json:"expectExitCode,omitempty"`
	AssertContains    []string `json:"assertContains,omitempty"`
	AssertNotContains []string `json:"assertNotContains,omitempty"`
	AssertRegex       []string `json:"assertRegex,omitempty"`
}

// UISmoke is one browser smoke run, optionally with a managed sub-service.
type UISmoke struct {
	Name    string          `json:"name"`
	Service *ManagedService `json:"service,omitempty"`
	// Steps are passed in order to the browser-control binary.
	Steps []string `json:"steps"`
}

// ManagedService describes a process started for the smoke run and torn down
// afterwards.
type ManagedService struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd,omitempty"`
	ReadyURL       string `json:"readyUrl"`
	ReadyTimeoutMS int    `json:"readyTimeoutMs,omitempty"`
}

// Result is the outcome of one command or smoke run. OK is true iff the exit
// code matched, nothing timed out, and every assertion held.
type Result struct {
	Name       string   `json:"name"`
	Command    string   `json:"command,omitempty"`
	ExitCode   int      `json:"exit_code"`
	TimedOut   bool     `json:"timed_out"`
	OK         bool     `json:"ok"`
	Failures   []string `json:"failures,omitempty"`
	Output     string   `json:"output,omitempty"`
	Screenshot string   `json:"screenshot,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Runner executes verification specs.
type Runner struct {
	cfg    config.VerificationConfig
	logger *logger.Logger
	client *http.Client

	suiteOnce sync.Once
	suite     *Spec
}

// NewRunner creates a Runner from the verification configuration.
func NewRunner(cfg config.VerificationConfig, log *logger.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "verify")),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Enabled reports whether verification may run at all. Both the verification
// flag and the agent exec-tool flag must be on.
func (r *Runner) Enabled() bool {
	return r.cfg.Enabled && r.cfg.ExecToolEnabled
}

// Run executes every command and smoke check in order and returns their
// results. Baseline suite checks run before the spec's own. Only a disabled
// runner or a cancelled context produce an error; individual check failures
// are recorded in the report.
func (r *Runner) Run(ctx context.Context, spec *Spec) ([]Result, error) {
	if !r.Enabled() {
		return nil, ErrDisabled
	}
	if spec.Empty() {
		return nil, nil
	}

	baseline := r.baselineSuite()
	commands := append(append([]Command{}, baseline.Commands...), spec.Commands...)
	smokes := append(append([]UISmoke{}, baseline.UISmokes...), spec.UISmokes...)

	results := make([]Result, 0, len(commands)+len(smokes))
	for i, cmd := range commands {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, r.runCommand(ctx, fmt.Sprintf("command-%d", i+1), cmd))
	}
	for _, smoke := range smokes {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, r.runUISmoke(ctx, smoke))
	}
	return results, nil
}

// baselineSuite loads the operator's baseline checks once. A missing or
// unreadable file logs a warning and yields an empty baseline.
func (r *Runner) baselineSuite() *Spec {
	r.suiteOnce.Do(func() {
		r.suite = &Spec{}
		if r.cfg.SuitePath == "" {
			return
		}
		suite, err := LoadSuite(r.cfg.SuitePath)
		if err != nil {
			r.logger.Warn("baseline suite unavailable", zap.String("path", r.cfg.SuitePath), zap.Error(err))
			return
		}
		r.suite = suite
	})
	return r.suite
}

// runCommand executes one allow-listed command and evaluates its assertions
// against combined stdout and stderr.
func (r *Runner) runCommand(ctx context.Context, name string, check Command) Result {
	res := Result{Name: name, Command: check.Command}

	argv := strings.Fields(check.Command)
	if len(argv) == 0 {
		res.Failures = append(res.Failures, "empty command")
		return res
	}
	if !r.allowed(argv[0]) {
		res.Failures = append(res.Failures, fmt.Sprintf("command %q is not allow-listed", filepath.Base(argv[0])))
		return res
	}

	timeout := r.cfg.CommandTimeout()
	if check.TimeoutMS > 0 {
		timeout = time.Duration(check.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, exitCode, err := r.execute(cmdCtx, argv, check.Cwd)
	res.DurationMS = time.Since(start).Milliseconds()
	res.Output = truncate(output)
	res.ExitCode = exitCode
	res.TimedOut = errors.Is(cmdCtx.Err(), context.DeadlineExceeded)

	if err != nil && exitCode < 0 && !res.TimedOut {
		res.Failures = append(res.Failures, err.Error())
		return res
	}
	if res.TimedOut {
		res.Failures = append(res.Failures, fmt.Sprintf("timed out after %s", timeout))
	}

	expected := 0
	if check.ExpectExitCode != nil {
		expected = *check.ExpectExitCode
	}
	if exitCode != expected {
		res.Failures = append(res.Failures, fmt.Sprintf("exit code %d, expected %d", exitCode, expected))
	}

	for _, want := range check.AssertContains {
		if !strings.Contains(output, want) {
			res.Failures = append(res.Failures, fmt.Sprintf("output does not contain %q", want))
		}
	}
	for _, unwanted := range check.AssertNotContains {
		if strings.Contains(output, unwanted) {
			res.Failures = append(res.Failures, fmt.Sprintf("output contains forbidden %q", unwanted))
		}
	}
	for _, pattern := range check.AssertRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("bad assertion regex %q: %v", pattern, err))
			continue
		}
		if !re.MatchString(output) {
			res.Failures = append(res.Failures, fmt.Sprintf("output does not match /%s/", pattern))
		}
	}

	res.OK = len(res.Failures) == 0 && !res.TimedOut
	return res
}

// execute runs argv with SIGTERM-then-SIGKILL teardown on cancellation.
func (r *Runner) execute(ctx context.Context, argv []string, cwd string) (string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.shutdownGrace()

	output, err := cmd.CombinedOutput()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && exitCode < 0 {
		return string(output), -1, err
	}
	return string(output), exitCode, nil
}

// allowed checks the command basename against the allow-list. An empty
// allow-list permits nothing.
func (r *Runner) allowed(command string) bool {
	base := filepath.Base(command)
	for _, entry := range r.cfg.AllowedCommands {
		if entry == base {
			return true
		}
	}
	return false
}

// runUISmoke starts the managed service if any, waits for readiness, runs the
// ordered steps against the browser binary, and always tears the service
// down.
func (r *Runner) runUISmoke(ctx context.Context, smoke UISmoke) Result {
	res := Result{Name: smoke.Name}
	if res.Name == "" {
		res.Name = "ui-smoke"
	}
	if r.cfg.BrowserBin == "" {
		res.Failures = append(res.Failures, "no browser-control binary configured")
		return res
	}

	start := time.Now()
	defer func() { res.DurationMS = time.Since(start).Milliseconds() }()

	var service *exec.Cmd
	if smoke.Service != nil {
		var err error
		service, err = r.startService(smoke.Service)
		if err != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("start service: %v", err))
			return res
		}
		defer r.stopService(service)

		if err := r.awaitReady(ctx, smoke.Service); err != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("service not ready: %v", err))
			return res
		}
	}

	for i, step := range smoke.Steps {
		output, exitCode, err := r.execute(ctx, append([]string{r.cfg.BrowserBin}, strings.Fields(step)...), "")
		if err != nil || exitCode != 0 {
			res.ExitCode = exitCode
			res.Failures = append(res.Failures, fmt.Sprintf("step %d (%s): exit %d", i+1, step, exitCode))
			res.Output = truncate(output)
			res.Screenshot = r.captureScreenshot(ctx, res.Name)
			res.OK = false
			return res
		}
	}

	res.OK = true
	return res
}

func (r *Runner) startService(svc *ManagedService) (*exec.Cmd, error) {
	argv := strings.Fields(svc.Command)
	if len(argv) == 0 {
		return nil, errors.New("empty service command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = svc.Cwd
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// stopService sends SIGTERM, waits the grace period, then SIGKILLs.
func (r *Runner) stopService(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.shutdownGrace()):
		r.logger.Warn("service survived SIGTERM, killing", zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-done
	}
}

// awaitReady polls the ready URL until a 2xx response or the timeout.
func (r *Runner) awaitReady(ctx context.Context, svc *ManagedService) error {
	timeout := r.cfg.ReadyTimeout()
	if svc.ReadyTimeoutMS > 0 {
		timeout = time.Duration(svc.ReadyTimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.ReadyURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no 2xx from %s within %s", svc.ReadyURL, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// captureScreenshot asks the browser binary for a failure artifact. Best
// effort: an empty path means capture failed.
func (r *Runner) captureScreenshot(ctx context.Context, name string) string {
	path := filepath.Join("artifacts", fmt.Sprintf("%s-%d.png", name, time.Now().Unix()))
	_, exitCode, err := r.execute(ctx, []string{r.cfg.BrowserBin, "screenshot", path}, "")
	if err != nil || exitCode != 0 {
		return ""
	}
	return path
}

func (r *Runner) shutdownGrace() time.Duration {
	if grace := r.cfg.ShutdownGrace(); grace > 0 {
		return grace
	}
	return defaultShutdownGrace
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-maxCapturedOutput:])
}
