package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/adsproject/ads/internal/agent/adapter"
	"github.com/adsproject/ads/internal/common/config"
	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/task/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type interval struct {
	start, end time.Time
}

// fakeInvoker scripts delegate responses per agent and records the send
// intervals for serialization checks.
type fakeInvoker struct {
	mu        sync.Mutex
	calls     map[string]int
	prompts   map[string][]string
	intervals map[string][]interval
	delay     time.Duration
	handler   func(agentID, prompt string, call int) (*adapter.SendResult, error)
}

func newFakeInvoker(handler func(agentID, prompt string, call int) (*adapter.SendResult, error)) *fakeInvoker {
	return &fakeInvoker{
		calls:     make(map[string]int),
		prompts:   make(map[string][]string),
		intervals: make(map[string][]interval),
		handler:   handler,
	}
}

func (f *fakeInvoker) InvokeAgent(ctx context.Context, id string, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error) {
	f.mu.Lock()
	f.calls[id]++
	call := f.calls[id]
	f.prompts[id] = append(f.prompts[id], input.Text())
	f.mu.Unlock()

	start := time.Now()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &adapter.Error{Kind: adapter.KindCancelled, AgentID: id}
		case <-time.After(f.delay):
		}
	}
	res, err := f.handler(id, input.Text(), call)
	f.mu.Lock()
	f.intervals[id] = append(f.intervals[id], interval{start: start, end: time.Now()})
	f.mu.Unlock()
	return res, err
}

func (f *fakeInvoker) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func submittedResult(summary string) *adapter.SendResult {
	return &adapter.SendResult{
		Response: fmt.Sprintf("Work done.\n```json\n{\"status\": \"submitted\", \"summary\": %q}\n```\n", summary),
	}
}

var taskLinePattern = regexp.MustCompile(`- task (\S+) \(`)

// verdictSupervisor answers each verdict prompt in turn with the scripted
// accept decision, echoing back the task ids found in the prompt.
func verdictSupervisor(t *testing.T, decisions ...Verdict) RunSupervisor {
	round := 0
	return func(ctx context.Context, prompt string) (*adapter.SendResult, error) {
		require.Less(t, round, len(decisions), "unexpected extra verdict round")
		d := decisions[round]
		round++

		var verdicts string
		for i, m := range taskLinePattern.FindAllStringSubmatch(prompt, -1) {
			if i > 0 {
				verdicts += ","
			}
			verdicts += fmt.Sprintf(`{"taskId": %q, "accept": %v, "note": %q}`, m[1], d.Accept, d.Note)
		}
		return &adapter.SendResult{
			Response: fmt.Sprintf("```json\n{\"verdicts\": [%s]}\n```", verdicts),
		}, nil
	}
}

func testConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		SupervisorAgentID:      "codex",
		MaxSupervisorRounds:    3,
		MaxDelegations:         4,
		MaxParallelDelegations: 2,
		TaskTimeoutMS:          5000,
		MaxTaskAttempts:        2,
		RetryBackoffMS:         1,
	}
}

func newTestCoordinator(t *testing.T, cfg config.CoordinatorConfig, invoker Invoker) (*Coordinator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(cfg, "ns", "sess", invoker, st, nil, logger.NewNop()), st
}

func TestHappyPathSingleDelegation(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return submittedResult("done"), nil
	})
	c, st := newTestCoordinator(t, testConfig(), invoker)

	initial := &adapter.SendResult{Response: "ok\n<<<agent.claude\nWrite a haiku\n>>>\n"}
	out, err := c.Run(context.Background(), initial, verdictSupervisor(t, Verdict{Accept: true}))
	require.NoError(t, err)

	assert.Equal(t, 1, out.Rounds)
	assert.Equal(t, 1, invoker.callCount("claude"))
	assert.Contains(t, out.Response, "🤝 claude(协作代理)：\ndone")
	assert.NotContains(t, out.Response, "<<<agent.claude")

	require.Len(t, out.TaskIDs, 1)
	task, err := st.GetTask(context.Background(), "ns", "sess", out.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, task.Status)
	assert.Equal(t, 1, task.Revision)
	assert.Equal(t, "claude", task.AgentID)
	require.NotNil(t, task.ResultJSON)
	assert.Contains(t, *task.ResultJSON, "done")
}

func TestReworkLoop(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return submittedResult(fmt.Sprintf("attempt %d", call)), nil
	})
	c, st := newTestCoordinator(t, testConfig(), invoker)

	initial := &adapter.SendResult{Response: "<<<agent.claude\nWrite a haiku\n>>>"}
	out, err := c.Run(context.Background(), initial, verdictSupervisor(t,
		Verdict{Accept: false, Note: "missing 5-7-5"},
		Verdict{Accept: true}))
	require.NoError(t, err)

	assert.Equal(t, 2, out.Rounds)
	assert.Equal(t, 2, invoker.callCount("claude"))

	task, err := st.GetTask(context.Background(), "ns", "sess", out.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, task.Status)
	assert.Equal(t, 2, task.Revision, "revision increments on rework")

	// The rework prompt carries the supervisor's rejection note.
	prompts := invoker.prompts["claude"]
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "missing 5-7-5")
	assert.Contains(t, prompts[1], "missing 5-7-5")
}

func TestRejectionClearsOutputs(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return submittedResult("v"), nil
	})
	cfg := testConfig()
	cfg.MaxSupervisorRounds = 1
	c, st := newTestCoordinator(t, cfg, invoker)

	initial := &adapter.SendResult{Response: "<<<agent.claude\ndo it\n>>>"}
	out, err := c.Run(context.Background(), initial, verdictSupervisor(t, Verdict{Accept: false, Note: "nope"}))
	require.NoError(t, err)
	require.Len(t, out.TaskIDs, 1)

	// Round budget exhausted before the rework could run: the row sits in
	// REWORK with bumped revision and nulled outputs.
	task, err := st.GetTask(context.Background(), "ns", "sess", out.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusRework, task.Status)
	assert.Equal(t, 2, task.Revision)
	assert.Nil(t, task.ResultJSON)
	assert.Nil(t, task.VerificationJSON)
}

func TestSchemaFailureMissingPayload(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return &adapter.SendResult{Response: "a lovely haiku with no JSON anywhere"}, nil
	})
	c, st := newTestCoordinator(t, testConfig(), invoker)

	initial := &adapter.SendResult{Response: "<<<agent.claude\nWrite a haiku\n>>>"}
	out, err := c.Run(context.Background(), initial, verdictSupervisor(t, Verdict{Accept: true}))
	require.NoError(t, err)

	assert.Equal(t, 1, out.Rounds)
	assert.Equal(t, 2, invoker.callCount("claude"), "one retry before giving up")

	task, err := st.GetTask(context.Background(), "ns", "sess", out.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, 2, task.Attempts)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "missing TaskResult JSON payload", *task.LastError)
}

func TestSchemaFailureInvalidResult(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return &adapter.SendResult{Response: "```json\n{\"status\": \"wat\"}\n```"}, nil
	})
	c, st := newTestCoordinator(t, testConfig(), invoker)

	initial := &adapter.SendResult{Response: "<<<agent.claude\nWrite a haiku\n>>>"}
	out, err := c.Run(context.Background(), initial, verdictSupervisor(t, Verdict{Accept: true}))
	require.NoError(t, err)

	task, err := st.GetTask(context.Background(), "ns", "sess", out.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "invalid TaskResult schema", *task.LastError)
}

func TestPerAgentSerialization(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return submittedResult("ok"), nil
	})
	invoker.delay = 30 * time.Millisecond
	c, _ := newTestCoordinator(t, testConfig(), invoker)

	initial := &adapter.SendResult{
		Response: "<<<agent.claude\nfirst\n>>>\n<<<agent.claude\nsecond\n>>>",
	}
	_, err := c.Run(context.Background(), initial, verdictSupervisor(t, Verdict{Accept: true}))
	require.NoError(t, err)

	intervals := invoker.intervals["claude"]
	require.Len(t, intervals, 2)
	first, second := intervals[0], intervals[1]
	if second.start.Before(first.start) {
		first, second = second, first
	}
	assert.False(t, second.start.Before(first.end),
		"same-agent send intervals must be disjoint")
}

func TestInvalidVerdictStopsWithLastText(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return submittedResult("done"), nil
	})
	c, st := newTestCoordinator(t, testConfig(), invoker)

	supervisorCalls := 0
	runSupervisor := func(ctx context.Context, prompt string) (*adapter.SendResult, error) {
		supervisorCalls++
		return &adapter.SendResult{Response: fmt.Sprintf("nonsense %d", supervisorCalls)}, nil
	}

	initial := &adapter.SendResult{Response: "<<<agent.claude\ndo it\n>>>"}
	out, err := c.Run(context.Background(), initial, runSupervisor)
	require.NoError(t, err)

	assert.Equal(t, 2, supervisorCalls, "one schema-only retry")
	assert.Equal(t, "nonsense 2", out.Response, "supervisor's last text returned verbatim")

	task, err := st.GetTask(context.Background(), "ns", "sess", out.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusSubmitted, task.Status, "no verdict was applied")
}

func TestMaxDelegationsCapsRound(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return submittedResult("ok"), nil
	})
	cfg := testConfig()
	cfg.MaxDelegations = 2
	cfg.MaxSupervisorRounds = 1
	c, _ := newTestCoordinator(t, cfg, invoker)

	initial := &adapter.SendResult{
		Response: "<<<agent.claude\na\n>>>\n<<<agent.amp\nb\n>>>\n<<<agent.gemini\nc\n>>>",
	}
	out, err := c.Run(context.Background(), initial, verdictSupervisor(t, Verdict{Accept: true}))
	require.NoError(t, err)

	assert.Len(t, out.TaskIDs, 2)
	assert.Equal(t, 0, invoker.callCount("gemini"), "excess directives are dropped unless re-emitted")
}

func TestSupervisorSelfDelegationSkipped(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return submittedResult("ok"), nil
	})
	c, _ := newTestCoordinator(t, testConfig(), invoker)

	initial := &adapter.SendResult{Response: "<<<agent.codex\nloopback\n>>>"}
	out, err := c.Run(context.Background(), initial, func(ctx context.Context, prompt string) (*adapter.SendResult, error) {
		t.Fatal("no verdict round expected")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Rounds)
	assert.Equal(t, initial.Response, out.Response)
}

func TestCancellationAbortsRun(t *testing.T) {
	invoker := newFakeInvoker(func(agentID, prompt string, call int) (*adapter.SendResult, error) {
		return submittedResult("ok"), nil
	})
	invoker.delay = time.Second
	c, _ := newTestCoordinator(t, testConfig(), invoker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	initial := &adapter.SendResult{Response: "<<<agent.claude\nslow work\n>>>"}
	start := time.Now()
	_, err := c.Run(ctx, initial, verdictSupervisor(t, Verdict{Accept: true}))
	require.Error(t, err)
	assert.True(t, adapter.IsCancelled(err) || ctx.Err() != nil)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, invoker.callCount("claude"), "cancellation is never retried")
}

func TestParseTaskResult(t *testing.T) {
	res, err := ParseTaskResult("prose\n```json\n{\"status\": \"submitted\", \"summary\": \"s\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, ResultSubmitted, res.Status)

	res, err = ParseTaskResult(`{"status": "needs_clarification", "summary": "s", "questions": ["which file?"]}`)
	require.NoError(t, err)
	assert.Equal(t, ResultNeedsClarification, res.Status)
	assert.Equal(t, []string{"which file?"}, res.Questions)

	_, err = ParseTaskResult("no json at all")
	assert.EqualError(t, err, "missing TaskResult JSON payload")

	_, err = ParseTaskResult(`{"status": "bogus", "summary": "s"}`)
	assert.EqualError(t, err, "invalid TaskResult schema")

	_, err = ParseTaskResult(`{"summary": "missing status"}`)
	assert.EqualError(t, err, "invalid TaskResult schema")
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict("```json\n{\"verdicts\": [{\"taskId\": \"t1\", \"accept\": false, \"note\": \"n\"}]}\n```")
	require.NoError(t, err)
	require.Len(t, v.Verdicts, 1)
	assert.Equal(t, "t1", v.Verdicts[0].TaskID)
	assert.False(t, v.Verdicts[0].Accept)

	_, err = ParseVerdict(`{"verdicts": [{"accept": true}]}`)
	assert.Error(t, err, "taskId is required")

	_, err = ParseVerdict("not a verdict")
	assert.Error(t, err)
}
