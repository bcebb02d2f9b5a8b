// Package session manages per-user sessions: each user gets an orchestrator
// with its own adapter set, a working directory, and persisted thread ids so
// conversations survive restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adsproject/ads/internal/agent/adapter"
	"github.com/adsproject/ads/internal/agent/agents"
	"github.com/adsproject/ads/internal/agent/prober"
	"github.com/adsproject/ads/internal/common/config"
	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/events/bus"
	"github.com/adsproject/ads/internal/orchestrator"
	"github.com/adsproject/ads/internal/task/store"
	"go.uber.org/zap"
)

// ErrAgentNotReady is returned by SwitchAgent when the target cannot serve.
var ErrAgentNotReady = errors.New("agent not ready")

// BuildFunc constructs the adapter set for a new session.
type BuildFunc func(cfg *config.Config, log *logger.Logger) []adapter.Adapter

// Session is one user's live state.
type Session struct {
	UserID       string
	Orchestrator *orchestrator.Orchestrator

	manager *Manager
	logger  *logger.Logger

	mu           sync.Mutex
	cwd          string
	lastActivity time.Time
}

// Manager owns all sessions and their lifecycle.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	bus    bus.EventBus
	prober *prober.Prober
	logger *logger.Logger
	build  BuildFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. The prober is optional.
func NewManager(cfg *config.Config, st *store.Store, eventBus bus.EventBus, pb *prober.Prober, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		bus:      eventBus,
		prober:   pb,
		logger:   log.WithFields(zap.String("component", "session_manager")),
		build:    agents.Build,
		sessions: make(map[string]*Session),
	}
}

// SetBuildFunc overrides adapter construction, for tests.
func (m *Manager) SetBuildFunc(build BuildFunc) { m.build = build }

// GetOrCreate returns the user's session, creating it on first use. With
// resumeThread, persisted thread ids and working directory are restored.
func (m *Manager) GetOrCreate(ctx context.Context, userID, cwd string, resumeThread bool) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		sess.touch()
		return sess, nil
	}
	m.mu.Unlock()

	log := m.logger.WithFields(zap.String("user_id", userID))
	orch := orchestrator.New(log, m.bus)
	for _, a := range m.build(m.cfg, log) {
		orch.Register(a)
	}
	if orch.ActiveID() == "" {
		return nil, errors.New("no agents available")
	}

	sess := &Session{
		UserID:       userID,
		Orchestrator: orch,
		manager:      m,
		logger:       log,
		cwd:          cwd,
		lastActivity: time.Now(),
	}

	if resumeThread {
		m.restoreThreads(ctx, sess)
	}
	if sess.Cwd() != "" {
		orch.SetWorkingDirectory(sess.Cwd())
	}

	m.mu.Lock()
	// Another caller may have raced us here; keep the first one.
	if existing, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		existing.touch()
		return existing, nil
	}
	m.sessions[userID] = sess
	m.mu.Unlock()

	log.Info("session created",
		zap.String("active_agent", orch.ActiveID()),
		zap.Bool("resumed", resumeThread))
	return sess, nil
}

// restoreThreads loads persisted thread records into the session's adapters.
func (m *Manager) restoreThreads(ctx context.Context, sess *Session) {
	for _, meta := range sess.Orchestrator.Agents() {
		rec, err := m.store.LoadThread(ctx, sess.UserID, meta.ID)
		if err != nil {
			sess.logger.Warn("thread restore failed",
				zap.String("agent_id", meta.ID), zap.Error(err))
			continue
		}
		if rec == nil {
			continue
		}
		if a, ok := sess.Orchestrator.Get(meta.ID); ok {
			if restorer, ok := a.(adapter.ThreadRestorer); ok {
				restorer.RestoreThread(rec.ThreadID)
			}
		}
		if rec.Cwd != "" && sess.Cwd() == "" {
			sess.setCwd(rec.Cwd)
		}
	}
}

// SetUserCwd changes the session's working directory. A changed value is
// broadcast to the adapters and persisted with the agents' thread records.
func (m *Manager) SetUserCwd(ctx context.Context, userID, cwd string) error {
	sess, ok := m.lookup(userID)
	if !ok {
		return fmt.Errorf("no session for user %s", userID)
	}
	if sess.Cwd() == cwd {
		return nil
	}
	sess.setCwd(cwd)
	sess.Orchestrator.SetWorkingDirectory(cwd)

	for _, meta := range sess.Orchestrator.Agents() {
		a, _ := sess.Orchestrator.Get(meta.ID)
		if tid := a.GetThreadID(); tid != "" {
			if err := m.store.SaveThread(ctx, userID, meta.ID, tid, cwd); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset clears the user's conversation state: adapters lose their threads and
// the persisted records are removed.
func (m *Manager) Reset(ctx context.Context, userID string) error {
	sess, ok := m.lookup(userID)
	if !ok {
		return fmt.Errorf("no session for user %s", userID)
	}
	sess.Orchestrator.Reset()
	return m.store.ClearThreads(ctx, userID)
}

// SwitchAgent activates another agent by id or display name. The target must
// be ready, folding in the prober's verdict when available.
func (m *Manager) SwitchAgent(userID, idOrName string) error {
	sess, ok := m.lookup(userID)
	if !ok {
		return fmt.Errorf("no session for user %s", userID)
	}

	var target string
	for _, meta := range sess.Orchestrator.Agents() {
		if strings.EqualFold(meta.ID, idOrName) || strings.EqualFold(meta.Name, idOrName) {
			target = meta.ID
			break
		}
	}
	if target == "" {
		return fmt.Errorf("%w: %s", orchestrator.ErrUnknownAgent, idOrName)
	}

	a, _ := sess.Orchestrator.Get(target)
	st := a.Status()
	if m.prober != nil {
		st = m.prober.MergeStatus(target, st)
	}
	if !st.Ready {
		return fmt.Errorf("%w: %s (%s)", ErrAgentNotReady, target, st.Error)
	}
	return sess.Orchestrator.SetActive(target)
}

// Remove drops a session.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}

// StartCleanup evicts idle sessions on an interval until ctx is done. A
// non-positive session timeout disables cleanup entirely.
func (m *Manager) StartCleanup(ctx context.Context) {
	timeout := m.cfg.Session.Timeout()
	if timeout <= 0 {
		return
	}
	interval := time.Duration(m.cfg.Session.CleanupInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle(timeout)
			}
		}
	}()
}

func (m *Manager) evictIdle(timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, sess := range m.sessions {
		if sess.LastActivity().Before(cutoff) {
			delete(m.sessions, userID)
			m.logger.Info("evicted idle session", zap.String("user_id", userID))
		}
	}
}

func (m *Manager) lookup(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	return sess, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Send forwards input to the active agent and writes the resulting thread id
// through to the store on success.
func (s *Session) Send(ctx context.Context, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error) {
	s.touch()
	activeID := s.Orchestrator.ActiveID()
	result, err := s.Orchestrator.SendToActive(ctx, input, opts)
	if err != nil {
		return nil, err
	}

	if a, ok := s.Orchestrator.Get(activeID); ok {
		if tid := a.GetThreadID(); tid != "" {
			if saveErr := s.manager.store.SaveThread(ctx, s.UserID, activeID, tid, s.Cwd()); saveErr != nil {
				s.logger.Warn("thread write-through failed", zap.Error(saveErr))
			}
		}
	}
	return result, nil
}

// Cwd returns the session's working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *Session) setCwd(cwd string) {
	s.mu.Lock()
	s.cwd = cwd
	s.mu.Unlock()
}

// LastActivity returns the time of the last send or lookup.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
