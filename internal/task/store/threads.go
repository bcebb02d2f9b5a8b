package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ThreadKey builds the record key for a user/agent pair.
func ThreadKey(userID, agentID string) string {
	return userID + "::" + agentID
}

// SaveThread writes through the thread record for a user/agent pair.
func (s *Store) SaveThread(ctx context.Context, userID, agentID, threadID, cwd string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_records (record_key, thread_id, cwd, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(record_key) DO UPDATE SET
			thread_id = excluded.thread_id,
			cwd = excluded.cwd,
			updated_at = excluded.updated_at`,
		ThreadKey(userID, agentID), threadID, cwd, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save thread for %s/%s: %w", userID, agentID, err)
	}
	return nil
}

// LoadThread returns the saved thread record, or nil when none exists.
func (s *Store) LoadThread(ctx context.Context, userID, agentID string) (*ThreadRecord, error) {
	var rec ThreadRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM thread_records WHERE record_key = ?`,
		ThreadKey(userID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread for %s/%s: %w", userID, agentID, err)
	}
	return &rec, nil
}

// ClearThreads removes every thread record for a user, across agents.
func (s *Store) ClearThreads(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_records WHERE record_key LIKE ?`,
		userID+"::%")
	if err != nil {
		return fmt.Errorf("clear threads for %s: %w", userID, err)
	}
	return nil
}
