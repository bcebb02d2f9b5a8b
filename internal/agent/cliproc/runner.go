// Package cliproc spawns agent CLI subprocesses and streams their stdout as
// JSON lines. It handles cancellation (SIGTERM, then SIGKILL after a grace
// period), ANSI stripping, and a temp-file fallback for hosts where piped
// stdio is unavailable.
package cliproc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/adsproject/ads/internal/common/logger"
	"go.uber.org/zap"
)

const (
	// killGrace is how long a terminated process gets before SIGKILL.
	killGrace = 2 * time.Second

	// maxStderrBytes bounds the captured stderr tail.
	maxStderrBytes = 64 * 1024

	scannerInitialBuf = 64 * 1024
	scannerMaxBuf     = 10 * 1024 * 1024
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// LineHandler receives each stdout line that parses as a JSON object.
type LineHandler func(line []byte)

// Options configure a single subprocess run.
type Options struct {
	Binary    string
	Args      []string
	Dir       string
	Env       []string // appended to the parent environment
	StdinData []byte
	// ForceFileIO skips piped stdio and uses temp-file redirection.
	ForceFileIO bool
}

// Result is the outcome of a completed run.
type Result struct {
	ExitCode  int
	Stderr    string
	Cancelled bool
}

// Runner executes agent CLI subprocesses.
type Runner struct {
	logger *logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{logger: log.WithFields(zap.String("component", "cliproc"))}
}

// Run spawns the binary and invokes onLine for every stdout line that starts
// with '{' and parses as JSON. Other lines are skipped silently. On context
// cancellation the process receives SIGTERM, then SIGKILL after the grace
// period, and the result reports Cancelled=true.
func (r *Runner) Run(ctx context.Context, opts Options, onLine LineHandler) (*Result, error) {
	if opts.Binary == "" {
		return nil, errors.New("cliproc: binary is required")
	}

	// exec.Command rather than CommandContext: CommandContext sends SIGKILL
	// immediately on cancellation, skipping graceful termination.
	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = buildSysProcAttr()

	if len(opts.StdinData) > 0 {
		cmd.Stdin = bytes.NewReader(opts.StdinData)
	}

	var stderrBuf boundedBuffer
	cmd.Stderr = &stderrBuf

	if opts.ForceFileIO {
		return r.runWithFileIO(ctx, cmd, opts, &stderrBuf, onLine)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		// Some hosts refuse piped stdio; fall back to file-backed output.
		r.logger.Warn("stdout pipe unavailable, falling back to file IO", zap.Error(err))
		return r.runWithFileIO(ctx, cmd, opts, &stderrBuf, onLine)
	}

	if err := cmd.Start(); err != nil {
		return nil, spawnError(opts.Binary, err)
	}

	r.logger.Debug("subprocess started",
		zap.String("binary", opts.Binary),
		zap.Int("pid", cmd.Process.Pid))

	// The reader goroutine sees EOF when the process exits, so readerDone
	// doubles as the exit signal. Wait must not run before the reader
	// finishes or it closes the pipe under the scanner.
	readerDone := make(chan struct{})
	go func() {
		scanLines(stdout, onLine)
		close(readerDone)
	}()

	cancelled := false
	select {
	case <-ctx.Done():
		cancelled = true
		r.terminate(cmd)
		select {
		case <-readerDone:
		case <-time.After(killGrace):
			r.kill(cmd)
			<-readerDone
		}
	case <-readerDone:
	}

	waitErr := cmd.Wait()

	return &Result{
		ExitCode:  exitCodeOf(cmd, waitErr),
		Stderr:    stderrBuf.String(),
		Cancelled: cancelled,
	}, nil
}

// runWithFileIO redirects stdout to a temp file and parses it after exit.
func (r *Runner) runWithFileIO(ctx context.Context, cmd *exec.Cmd, opts Options, stderrBuf *boundedBuffer, onLine LineHandler) (*Result, error) {
	outFile, err := os.CreateTemp("", "ads-cli-out-*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("cliproc: create temp output: %w", err)
	}
	defer func() {
		outFile.Close()
		os.Remove(outFile.Name())
	}()
	cmd.Stdout = outFile

	// Stdin may be blocked for the same reason stdout was; hand the prompt
	// over via a temp file instead of a pipe.
	if len(opts.StdinData) > 0 {
		inFile, err := os.CreateTemp("", "ads-cli-in-*")
		if err != nil {
			return nil, fmt.Errorf("cliproc: create temp input: %w", err)
		}
		defer func() {
			inFile.Close()
			os.Remove(inFile.Name())
		}()
		if _, err := inFile.Write(opts.StdinData); err != nil {
			return nil, fmt.Errorf("cliproc: write temp input: %w", err)
		}
		if _, err := inFile.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("cliproc: rewind temp input: %w", err)
		}
		cmd.Stdin = inFile
	}

	if err := cmd.Start(); err != nil {
		return nil, spawnError(opts.Binary, err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	cancelled := false
	var waitErr error
	select {
	case <-ctx.Done():
		cancelled = true
		r.terminate(cmd)
		select {
		case waitErr = <-waitDone:
		case <-time.After(killGrace):
			r.kill(cmd)
			waitErr = <-waitDone
		}
	case waitErr = <-waitDone:
	}

	if _, err := outFile.Seek(0, io.SeekStart); err == nil {
		scanLines(outFile, onLine)
	}

	return &Result{
		ExitCode:  exitCodeOf(cmd, waitErr),
		Stderr:    stderrBuf.String(),
		Cancelled: cancelled,
	}, nil
}

func (r *Runner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	r.logger.Debug("terminating subprocess", zap.Int("pid", cmd.Process.Pid))
	signalGroup(cmd, false)
}

func (r *Runner) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	r.logger.Warn("subprocess survived SIGTERM, sending SIGKILL",
		zap.Int("pid", cmd.Process.Pid))
	signalGroup(cmd, true)
}

// scanLines streams reader line by line, strips ANSI sequences, and forwards
// only lines that begin with '{' and parse as JSON.
func scanLines(reader io.Reader, onLine LineHandler) {
	if onLine == nil {
		io.Copy(io.Discard, reader)
		return
	}
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, scannerInitialBuf)
	scanner.Buffer(buf, scannerMaxBuf)

	for scanner.Scan() {
		line := StripANSI(scanner.Bytes())
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		if !json.Valid(trimmed) {
			continue
		}
		onLine(append([]byte(nil), trimmed...))
	}
}

// StripANSI removes ANSI escape sequences from a line.
func StripANSI(line []byte) []byte {
	if !bytes.ContainsRune(line, 0x1b) {
		return line
	}
	return ansiPattern.ReplaceAll(line, nil)
}

func spawnError(binary string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cliproc: binary %q not found: %w", binary, err)
	}
	return fmt.Errorf("cliproc: spawn %q: %w", binary, err)
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// boundedBuffer keeps the last maxStderrBytes of written data.
type boundedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > maxStderrBytes {
		data := b.buf.Bytes()
		trimmed := append([]byte(nil), data[len(data)-maxStderrBytes:]...)
		b.buf.Reset()
		b.buf.Write(trimmed)
	}
	return n, err
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
