package cliproc

import (
	"context"
	"testing"
	"time"

	"github.com/adsproject/ads/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStreamsJSONLines(t *testing.T) {
	runner := NewRunner(logger.NewNop())

	var lines []string
	result, err := runner.Run(context.Background(), Options{
		Binary: "sh",
		Args: []string{"-c",
			`echo '{"type":"a"}'; echo 'not json'; echo '{"type":"b"}'; echo '{broken'`},
	}, func(line []byte) {
		lines = append(lines, string(line))
	})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.Cancelled)
	assert.Equal(t, []string{`{"type":"a"}`, `{"type":"b"}`}, lines)
}

func TestRunStripsANSI(t *testing.T) {
	runner := NewRunner(logger.NewNop())

	var lines []string
	_, err := runner.Run(context.Background(), Options{
		Binary: "sh",
		Args:   []string{"-c", `printf '\033[32m{"ok":true}\033[0m\n'`},
	}, func(line []byte) {
		lines = append(lines, string(line))
	})

	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"ok":true}`, lines[0])
}

func TestRunPassesStdin(t *testing.T) {
	runner := NewRunner(logger.NewNop())

	var lines []string
	result, err := runner.Run(context.Background(), Options{
		Binary:    "sh",
		Args:      []string{"-c", `read line; echo "{\"echo\":\"$line\"}"`},
		StdinData: []byte("hello\n"),
	}, func(line []byte) {
		lines = append(lines, string(line))
	})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "hello")
}

func TestRunReportsExitCodeAndStderr(t *testing.T) {
	runner := NewRunner(logger.NewNop())

	result, err := runner.Run(context.Background(), Options{
		Binary: "sh",
		Args:   []string{"-c", `echo oops >&2; exit 3`},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "oops", result.Stderr)
}

func TestRunMissingBinary(t *testing.T) {
	runner := NewRunner(logger.NewNop())

	_, err := runner.Run(context.Background(), Options{
		Binary: "definitely-not-a-real-binary-ads",
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunCancellation(t *testing.T) {
	runner := NewRunner(logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := runner.Run(ctx, Options{
		Binary: "sleep",
		Args:   []string{"30"},
	}, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Less(t, elapsed, 5*time.Second, "SIGTERM then SIGKILL must land within the grace window")
}

func TestRunFileIOFallback(t *testing.T) {
	runner := NewRunner(logger.NewNop())

	var lines []string
	result, err := runner.Run(context.Background(), Options{
		Binary:      "sh",
		Args:        []string{"-c", `read line; echo "{\"got\":\"$line\"}"`},
		StdinData:   []byte("filebacked\n"),
		ForceFileIO: true,
	}, func(line []byte) {
		lines = append(lines, string(line))
	})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "filebacked")
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "plain", string(StripANSI([]byte("plain"))))
	assert.Equal(t, "colored", string(StripANSI([]byte("\x1b[31mcolored\x1b[0m"))))
}
