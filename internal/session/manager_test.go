package session

import (
	"context"
	"path/filepath"
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

// stubAdapter is a minimal in-memory adapter with restorable threads.
type stubAdapter struct {
	meta  adapter.Metadata
	ready bool

	mu     sync.Mutex
	thread string
	cwd    string
	model  string
	resets int
	sends  int
}

func newStubAdapter(id string, ready bool) *stubAdapter {
	return &stubAdapter{meta: adapter.Metadata{ID: id, Name: id}, ready: ready}
}

func (f *stubAdapter) ID() string                 { return f.meta.ID }
func (f *stubAdapter) Metadata() adapter.Metadata { return f.meta }

func (f *stubAdapter) Status() adapter.Status {
	st := adapter.Status{Ready: f.ready}
	if !f.ready {
		st.Error = "unavailable"
	}
	return st
}

func (f *stubAdapter) Send(ctx context.Context, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error) {
	f.mu.Lock()
	f.sends++
	if f.thread == "" {
		f.thread = "thread-" + f.meta.ID
	}
	f.mu.Unlock()
	return &adapter.SendResult{Response: "ok", AgentID: f.meta.ID}, nil
}

func (f *stubAdapter) OnEvent(adapter.EventHandler) func() { return func() {} }

func (f *stubAdapter) Reset() {
	f.mu.Lock()
	f.resets++
	f.thread = ""
	f.mu.Unlock()
}

func (f *stubAdapter) SetWorkingDirectory(dir string) {
	f.mu.Lock()
	f.cwd = dir
	f.mu.Unlock()
}

func (f *stubAdapter) SetModel(model string) {
	f.mu.Lock()
	f.model = model
	f.mu.Unlock()
}

func (f *stubAdapter) GetThreadID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thread
}

func (f *stubAdapter) GetStreamingConfig() adapter.StreamingConfig {
	return adapter.StreamingConfig{Enabled: true}
}

func (f *stubAdapter) RestoreThread(threadID string) {
	f.mu.Lock()
	f.thread = threadID
	f.mu.Unlock()
}

type testEnv struct {
	manager *Manager
	store   *store.Store
	codex   *stubAdapter
	claude  *stubAdapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{store: st}
	cfg := &config.Config{}
	cfg.Session.TimeoutMS = 0

	m := NewManager(cfg, st, nil, nil, logger.NewNop())
	m.SetBuildFunc(func(*config.Config, *logger.Logger) []adapter.Adapter {
		env.codex = newStubAdapter("codex", true)
		env.claude = newStubAdapter("claude", true)
		return []adapter.Adapter{env.codex, env.claude}
	})
	env.manager = m
	return env
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s1, err := env.manager.GetOrCreate(ctx, "u1", "/work", false)
	require.NoError(t, err)
	assert.Equal(t, "codex", s1.Orchestrator.ActiveID(), "codex is the default agent")
	assert.Equal(t, "/work", env.codex.cwd)

	s2, err := env.manager.GetOrCreate(ctx, "u1", "/elsewhere", false)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, env.manager.Count())
}

func TestResumeRestoresThreadAndCwd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SaveThread(ctx, "u1", "codex", "saved-thread", "/saved"))

	sess, err := env.manager.GetOrCreate(ctx, "u1", "", true)
	require.NoError(t, err)

	assert.Equal(t, "saved-thread", env.codex.GetThreadID())
	assert.Equal(t, "/saved", sess.Cwd())
	assert.Equal(t, "/saved", env.codex.cwd, "restored cwd is broadcast")
	assert.Empty(t, env.claude.GetThreadID(), "agents without records start fresh")
}

func TestSendWritesThreadThrough(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.manager.GetOrCreate(ctx, "u1", "/work", false)
	require.NoError(t, err)

	_, err = sess.Send(ctx, adapter.TextInput("hi"), adapter.SendOptions{})
	require.NoError(t, err)

	rec, err := env.store.LoadThread(ctx, "u1", "codex")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "thread-codex", rec.ThreadID)
	assert.Equal(t, "/work", rec.Cwd)
}

func TestSetUserCwd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.manager.GetOrCreate(ctx, "u1", "/old", false)
	require.NoError(t, err)
	_, err = sess.Send(ctx, adapter.TextInput("hi"), adapter.SendOptions{})
	require.NoError(t, err)

	require.NoError(t, env.manager.SetUserCwd(ctx, "u1", "/new"))
	assert.Equal(t, "/new", sess.Cwd())
	assert.Equal(t, "/new", env.codex.cwd)
	assert.Equal(t, "/new", env.claude.cwd)

	rec, err := env.store.LoadThread(ctx, "u1", "codex")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "/new", rec.Cwd)
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.manager.GetOrCreate(ctx, "u1", "/work", false)
	require.NoError(t, err)
	_, err = sess.Send(ctx, adapter.TextInput("hi"), adapter.SendOptions{})
	require.NoError(t, err)

	require.NoError(t, env.manager.Reset(ctx, "u1"))
	assert.Equal(t, 1, env.codex.resets)
	assert.Equal(t, 1, env.claude.resets)
	assert.Empty(t, env.codex.GetThreadID())

	rec, err := env.store.LoadThread(ctx, "u1", "codex")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSwitchAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.manager.GetOrCreate(ctx, "u1", "", false)
	require.NoError(t, err)

	// By display name, case-insensitive.
	require.NoError(t, env.manager.SwitchAgent("u1", "Claude"))
	assert.Equal(t, "claude", sess.Orchestrator.ActiveID())

	err = env.manager.SwitchAgent("u1", "droid")
	require.Error(t, err)

	env.claude.ready = false
	require.NoError(t, env.manager.SwitchAgent("u1", "codex"))
	err = env.manager.SwitchAgent("u1", "claude")
	assert.ErrorIs(t, err, ErrAgentNotReady)
	assert.Equal(t, "codex", sess.Orchestrator.ActiveID())
}

func TestEvictIdle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.GetOrCreate(ctx, "stale", "", false)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	fresh, err := env.manager.GetOrCreate(ctx, "fresh", "", false)
	require.NoError(t, err)

	env.manager.evictIdle(20 * time.Millisecond)
	assert.Equal(t, 1, env.manager.Count())

	_, ok := env.manager.lookup("fresh")
	assert.True(t, ok)
	_ = fresh
}
