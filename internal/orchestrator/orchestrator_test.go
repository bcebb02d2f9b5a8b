package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/adsproject/ads/internal/agent/adapter"
	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a scriptable in-memory adapter.
type fakeAdapter struct {
	meta  adapter.Metadata
	ready bool
	send  func(ctx context.Context, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error)

	mu       sync.Mutex
	handlers []adapter.EventHandler
	model    string
	cwd      string
	thread   string
	resets   int
}

func newFakeAdapter(id string) *fakeAdapter {
	f := &fakeAdapter{meta: adapter.Metadata{ID: id, Name: id}, ready: true}
	f.send = func(ctx context.Context, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error) {
		f.emit(protocol.NewTurnStarted())
		f.emit(protocol.NewTurnCompleted())
		return &adapter.SendResult{Response: "echo: " + input.Text(), AgentID: id}, nil
	}
	return f
}

func (f *fakeAdapter) emit(ev *protocol.Event) {
	f.mu.Lock()
	handlers := append([]adapter.EventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeAdapter) ID() string                 { return f.meta.ID }
func (f *fakeAdapter) Metadata() adapter.Metadata { return f.meta }
func (f *fakeAdapter) Status() adapter.Status {
	st := adapter.Status{Ready: f.ready}
	if !f.ready {
		st.Error = "binary missing"
	}
	return st
}

func (f *fakeAdapter) Send(ctx context.Context, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error) {
	return f.send(ctx, input, opts)
}

func (f *fakeAdapter) OnEvent(h adapter.EventHandler) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	idx := len(f.handlers) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handlers[idx] = func(*protocol.Event) {}
		f.mu.Unlock()
	}
}

func (f *fakeAdapter) Reset() {
	f.mu.Lock()
	f.resets++
	f.thread = ""
	f.mu.Unlock()
}

func (f *fakeAdapter) SetWorkingDirectory(dir string) {
	f.mu.Lock()
	f.cwd = dir
	f.mu.Unlock()
}

func (f *fakeAdapter) SetModel(model string) {
	if !adapterModelAllowed(f.meta, model) {
		return
	}
	f.mu.Lock()
	f.model = model
	f.mu.Unlock()
}

// adapterModelAllowed mirrors the adapter-side vendor gate for the fake.
func adapterModelAllowed(meta adapter.Metadata, model string) bool {
	if len(meta.ModelPrefixes) == 0 {
		return true
	}
	for _, p := range meta.ModelPrefixes {
		if len(model) >= len(p) && model[:len(p)] == p {
			return true
		}
	}
	return false
}

func (f *fakeAdapter) GetThreadID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thread
}

func (f *fakeAdapter) GetStreamingConfig() adapter.StreamingConfig {
	return adapter.StreamingConfig{Enabled: true}
}

func newTestOrchestrator(adapters ...adapter.Adapter) *Orchestrator {
	o := New(logger.NewNop(), nil)
	for _, a := range adapters {
		o.Register(a)
	}
	return o
}

func TestRegisterAndActive(t *testing.T) {
	codex := newFakeAdapter("codex")
	claude := newFakeAdapter("claude")
	o := newTestOrchestrator(codex, claude)

	assert.Equal(t, "codex", o.ActiveID(), "first registered agent is active")

	metas := o.Agents()
	require.Len(t, metas, 2)
	assert.Equal(t, "codex", metas[0].ID)
	assert.Equal(t, "claude", metas[1].ID)

	require.NoError(t, o.SetActive("claude"))
	assert.Equal(t, "claude", o.ActiveID())

	err := o.SetActive("droid")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestInvokeAgentForwardsEvents(t *testing.T) {
	codex := newFakeAdapter("codex")
	o := newTestOrchestrator(codex)

	var got []string
	o.OnEvent(func(agentID string, ev *protocol.Event) {
		got = append(got, agentID+":"+ev.Type)
	})

	result, err := o.InvokeAgent(context.Background(), "codex", adapter.TextInput("hi"), adapter.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", result.Response)
	assert.Equal(t, []string{"codex:turn.started", "codex:turn.completed"}, got)

	// The forwarder is one-shot: events emitted outside a send do not reach
	// orchestrator listeners.
	codex.emit(protocol.NewTurnStarted())
	assert.Len(t, got, 2)
}

func TestInvokeUnknownAgent(t *testing.T) {
	o := newTestOrchestrator(newFakeAdapter("codex"))
	_, err := o.InvokeAgent(context.Background(), "ghost", adapter.TextInput("hi"), adapter.SendOptions{})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestBroadcasts(t *testing.T) {
	codex := newFakeAdapter("codex")
	codex.meta.ModelPrefixes = []string{"gpt-"}
	gemini := newFakeAdapter("gemini")
	gemini.meta.ModelPrefixes = []string{"gemini-"}
	o := newTestOrchestrator(codex, gemini)

	o.SetWorkingDirectory("/work")
	assert.Equal(t, "/work", codex.cwd)
	assert.Equal(t, "/work", gemini.cwd)

	o.SetModel("gemini-2.5-pro")
	assert.Empty(t, codex.model, "foreign-vendor model ignored")
	assert.Equal(t, "gemini-2.5-pro", gemini.model)

	o.Reset()
	assert.Equal(t, 1, codex.resets)
	assert.Equal(t, 1, gemini.resets)
}

func TestParseDelegations(t *testing.T) {
	text := "plan:\n<<<agent.claude\nwrite the tests\n>>>\nand\n<<<AGENT.Gemini\t\ncheck the docs\n>>>"

	directives := ParseDelegations(text, "codex")
	require.Len(t, directives, 2)
	assert.Equal(t, "claude", directives[0].AgentID)
	assert.Equal(t, "write the tests", directives[0].Prompt)
	assert.Equal(t, "gemini", directives[1].AgentID)

	// Supervisor self-delegation and empty prompts are dropped.
	text = "<<<agent.codex\nloop\n>>>\n<<<agent.claude\n\n>>>"
	assert.Empty(t, ParseDelegations(text, "codex"))
}

func TestResolveDelegations(t *testing.T) {
	claude := newFakeAdapter("claude")
	claude.meta.Name = "Claude"
	o := newTestOrchestrator(newFakeAdapter("codex"), claude)

	text := "before\n<<<agent.claude\ndo the thing\n>>>\nafter"
	resolved := o.ResolveDelegations(context.Background(), text, "codex")

	assert.NotContains(t, resolved, "<<<agent.claude")
	assert.Contains(t, resolved, "🤝 Claude(协作代理)")
	assert.Contains(t, resolved, "echo: do the thing")
	assert.Contains(t, resolved, "before")
	assert.Contains(t, resolved, "after")
}

func TestResolveDelegationsSendSilently(t *testing.T) {
	claude := newFakeAdapter("claude")
	claude.meta.Name = "Claude"
	var gotOpts []adapter.SendOptions
	claude.send = func(ctx context.Context, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error) {
		gotOpts = append(gotOpts, opts)
		return &adapter.SendResult{Response: "done", AgentID: "claude"}, nil
	}
	o := newTestOrchestrator(newFakeAdapter("codex"), claude)

	o.ResolveDelegations(context.Background(), "<<<agent.claude\nx\n>>>", "codex")

	require.Len(t, gotOpts, 1)
	assert.True(t, gotOpts[0].Silent, "delegated sub-turns must not stream to subscribers")
}

func TestResolveDelegationsUnknownAndNotReady(t *testing.T) {
	down := newFakeAdapter("gemini")
	down.meta.Name = "Gemini"
	down.ready = false
	o := newTestOrchestrator(newFakeAdapter("codex"), down)

	text := "<<<agent.droid\nx\n>>>\n<<<agent.gemini\ny\n>>>"
	resolved := o.ResolveDelegations(context.Background(), text, "codex")

	assert.Contains(t, resolved, "🤝 droid(协作代理) 不可用：未注册")
	assert.Contains(t, resolved, "🤝 Gemini(协作代理) 不可用：binary missing")
}

func TestResolveDelegationsDuplicateBlocks(t *testing.T) {
	calls := 0
	claude := newFakeAdapter("claude")
	claude.meta.Name = "Claude"
	claude.send = func(ctx context.Context, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error) {
		calls++
		return &adapter.SendResult{Response: fmt.Sprintf("run %d", calls), AgentID: "claude"}, nil
	}
	o := newTestOrchestrator(newFakeAdapter("codex"), claude)

	block := "<<<agent.claude\nsame prompt\n>>>"
	resolved := o.ResolveDelegations(context.Background(), block+"\n"+block, "codex")

	assert.Equal(t, 2, calls, "each duplicate block is its own directive")
	assert.Contains(t, resolved, "run 1")
	assert.Contains(t, resolved, "run 2")
	assert.NotContains(t, resolved, "<<<agent.claude")
}
