package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a task does not exist within the scope.
var ErrNotFound = errors.New("task not found")

// UpsertTask inserts or updates a task. On conflict the original created_at
// is preserved and everything else is replaced.
func (s *Store) UpsertTask(ctx context.Context, t *Task) error {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Revision <= 0 {
		t.Revision = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, parent_task_id, namespace, session_id, agent_id, revision,
			status, spec_json, result_json, verification_json, attempts,
			last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			parent_task_id = excluded.parent_task_id,
			namespace = excluded.namespace,
			session_id = excluded.session_id,
			agent_id = excluded.agent_id,
			revision = excluded.revision,
			status = excluded.status,
			spec_json = excluded.spec_json,
			result_json = excluded.result_json,
			verification_json = excluded.verification_json,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		t.TaskID, t.ParentTaskID, t.Namespace, t.SessionID, t.AgentID, t.Revision,
		t.Status, t.SpecJSON, t.ResultJSON, t.VerificationJSON, t.Attempts,
		t.LastError, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.TaskID, err)
	}
	return nil
}

// GetTask loads one task within the (namespace, session) scope.
func (s *Store) GetTask(ctx context.Context, namespace, sessionID, taskID string) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, `
		SELECT * FROM tasks
		WHERE task_id = ? AND namespace = ? AND session_id = ?`,
		taskID, namespace, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &t, nil
}

// ListTasks returns the scope's tasks newest-first. With activeOnly, tasks in
// a terminal status are excluded.
func (s *Store) ListTasks(ctx context.Context, namespace, sessionID string, activeOnly bool) ([]*Task, error) {
	query := `
		SELECT * FROM tasks
		WHERE namespace = ? AND session_id = ?`
	args := []any{namespace, sessionID}
	if activeOnly {
		query += ` AND status NOT IN (?, ?)`
		args = append(args, terminalStatuses[0], terminalStatuses[1])
	}
	query += ` ORDER BY created_at DESC, task_id DESC`

	var tasks []*Task
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateStatus sets a task's status and optional last error.
func (s *Store) UpdateStatus(ctx context.Context, namespace, sessionID, taskID, status string, lastError *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
		WHERE task_id = ? AND namespace = ? AND session_id = ?`,
		status, lastError, time.Now().UTC(), taskID, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// RecordAttempt increments the attempt counter and stores the error text.
func (s *Store) RecordAttempt(ctx context.Context, namespace, sessionID, taskID string, lastError *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE task_id = ? AND namespace = ? AND session_id = ?`,
		lastError, time.Now().UTC(), taskID, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("record attempt on %s: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// StoreResult saves the delegate's result payload and status.
func (s *Store) StoreResult(ctx context.Context, namespace, sessionID, taskID, status, resultJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result_json = ?, updated_at = ?
		WHERE task_id = ? AND namespace = ? AND session_id = ?`,
		status, resultJSON, time.Now().UTC(), taskID, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("store result of %s: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// StoreVerification saves the verification report.
func (s *Store) StoreVerification(ctx context.Context, namespace, sessionID, taskID, verificationJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET verification_json = ?, updated_at = ?
		WHERE task_id = ? AND namespace = ? AND session_id = ?`,
		verificationJSON, time.Now().UTC(), taskID, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("store verification of %s: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// ClearOutputs nulls the result and verification payloads, used when a task
// is sent back for rework.
func (s *Store) ClearOutputs(ctx context.Context, namespace, sessionID, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET result_json = NULL, verification_json = NULL, updated_at = ?
		WHERE task_id = ? AND namespace = ? AND session_id = ?`,
		time.Now().UTC(), taskID, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("clear outputs of %s: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// BumpRevision increments the revision counter for a rework cycle.
func (s *Store) BumpRevision(ctx context.Context, namespace, sessionID, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET revision = revision + 1, updated_at = ?
		WHERE task_id = ? AND namespace = ? AND session_id = ?`,
		time.Now().UTC(), taskID, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("bump revision of %s: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// AppendMessage adds one history entry for a task.
func (s *Store) AppendMessage(ctx context.Context, m *TaskMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.TS.IsZero() {
		m.TS = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_messages (id, task_id, namespace, session_id, role, kind, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.Namespace, m.SessionID, m.Role, m.Kind, m.Payload, m.TS)
	if err != nil {
		return fmt.Errorf("append message to %s: %w", m.TaskID, err)
	}
	return nil
}

// ListMessages returns a task's history oldest-first.
func (s *Store) ListMessages(ctx context.Context, namespace, sessionID, taskID string) ([]*TaskMessage, error) {
	var msgs []*TaskMessage
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT * FROM task_messages
		WHERE task_id = ? AND namespace = ? AND session_id = ?
		ORDER BY ts ASC, id ASC`,
		taskID, namespace, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", taskID, err)
	}
	return msgs, nil
}

func requireRow(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}
