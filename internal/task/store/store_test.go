package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/adsproject/ads/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(id, status string) *Task {
	return &Task{
		TaskID:    id,
		Namespace: "ns",
		SessionID: "sess",
		AgentID:   "codex",
		Status:    status,
		SpecJSON:  `{"goal":"x"}`,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := Open(path, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s1.UpsertTask(context.Background(), newTask("t1", StatusPending)))
	require.NoError(t, s1.Close())

	// Reopening replays nothing and keeps existing data.
	s2, err := Open(path, logger.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	task, err := s2.GetTask(context.Background(), "ns", "sess", "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)

	var version int
	require.NoError(t, s2.db.Get(&version, `SELECT MAX(version) FROM schema_migrations`))
	assert.Equal(t, len(migrations), version)
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask("t1", StatusPending)
	require.NoError(t, s.UpsertTask(ctx, task))

	stored, err := s.GetTask(ctx, "ns", "sess", "t1")
	require.NoError(t, err)
	created := stored.CreatedAt

	time.Sleep(10 * time.Millisecond)
	task.Status = StatusInProgress
	task.Attempts = 1
	require.NoError(t, s.UpsertTask(ctx, task))

	updated, err := s.GetTask(ctx, "ns", "sess", "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, updated.Status)
	assert.Equal(t, 1, updated.Attempts)
	assert.True(t, updated.CreatedAt.Equal(created), "created_at must survive upserts")
	assert.True(t, updated.UpdatedAt.After(created) || updated.UpdatedAt.Equal(created))
}

func TestClearOutputs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTask(ctx, newTask("t1", StatusSubmitted)))
	require.NoError(t, s.StoreResult(ctx, "ns", "sess", "t1", StatusSubmitted, `{"summary":"done"}`))
	require.NoError(t, s.StoreVerification(ctx, "ns", "sess", "t1", `[{"ok":true}]`))

	task, err := s.GetTask(ctx, "ns", "sess", "t1")
	require.NoError(t, err)
	require.NotNil(t, task.ResultJSON)
	require.NotNil(t, task.VerificationJSON)

	require.NoError(t, s.ClearOutputs(ctx, "ns", "sess", "t1"))
	task, err = s.GetTask(ctx, "ns", "sess", "t1")
	require.NoError(t, err)
	assert.Nil(t, task.ResultJSON)
	assert.Nil(t, task.VerificationJSON)
}

func TestListTasksActiveOnlyNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newTask("t-old", StatusSubmitted)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.UpsertTask(ctx, old))
	require.NoError(t, s.UpsertTask(ctx, newTask("t-done", StatusDone)))
	require.NoError(t, s.UpsertTask(ctx, newTask("t-failed", StatusFailed)))
	require.NoError(t, s.UpsertTask(ctx, newTask("t-new", StatusPending)))

	active, err := s.ListTasks(ctx, "ns", "sess", true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "t-new", active[0].TaskID, "newest first")
	assert.Equal(t, "t-old", active[1].TaskID)

	all, err := s.ListTasks(ctx, "ns", "sess", false)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestScopeIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTask(ctx, newTask("t1", StatusPending)))

	_, err := s.GetTask(ctx, "ns", "other-session", "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetTask(ctx, "other-ns", "sess", "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateStatus(ctx, "ns", "other-session", "t1", StatusDone, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	tasks, err := s.ListTasks(ctx, "ns", "other-session", false)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestAttemptsAndRevision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTask(ctx, newTask("t1", StatusInProgress)))

	msg := "transport: boom"
	require.NoError(t, s.RecordAttempt(ctx, "ns", "sess", "t1", &msg))
	require.NoError(t, s.RecordAttempt(ctx, "ns", "sess", "t1", nil))
	require.NoError(t, s.BumpRevision(ctx, "ns", "sess", "t1"))

	task, err := s.GetTask(ctx, "ns", "sess", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, 2, task.Revision)
}

func TestTaskMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTask(ctx, newTask("t1", StatusInProgress)))

	kind := "raw_response"
	require.NoError(t, s.AppendMessage(ctx, &TaskMessage{
		TaskID: "t1", Namespace: "ns", SessionID: "sess",
		Role: RoleDelegate, Kind: &kind, Payload: "unparseable",
		TS: time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, s.AppendMessage(ctx, &TaskMessage{
		TaskID: "t1", Namespace: "ns", SessionID: "sess",
		Role: RoleSupervisor, Payload: "verdict",
	}))

	msgs, err := s.ListMessages(ctx, "ns", "sess", "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleDelegate, msgs[0].Role, "oldest first")
	assert.Equal(t, "raw_response", *msgs[0].Kind)

	// Messages are scoped like tasks.
	msgs, err = s.ListMessages(ctx, "ns", "other", "t1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestThreadRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.LoadThread(ctx, "user-1", "codex")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.SaveThread(ctx, "user-1", "codex", "thread-a", "/work"))
	require.NoError(t, s.SaveThread(ctx, "user-1", "claude", "thread-b", "/work"))
	require.NoError(t, s.SaveThread(ctx, "user-2", "codex", "thread-c", "/other"))

	rec, err = s.LoadThread(ctx, "user-1", "codex")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "thread-a", rec.ThreadID)
	assert.Equal(t, "/work", rec.Cwd)

	// Write-through replaces.
	require.NoError(t, s.SaveThread(ctx, "user-1", "codex", "thread-a2", "/work2"))
	rec, err = s.LoadThread(ctx, "user-1", "codex")
	require.NoError(t, err)
	assert.Equal(t, "thread-a2", rec.ThreadID)

	// Clearing one user leaves the other intact.
	require.NoError(t, s.ClearThreads(ctx, "user-1"))
	rec, err = s.LoadThread(ctx, "user-1", "claude")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = s.LoadThread(ctx, "user-2", "codex")
	require.NoError(t, err)
	require.NotNil(t, rec)
}
