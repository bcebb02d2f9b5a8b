// Package store persists coordinator tasks and their message history in
// SQLite. All reads and writes are scoped by (namespace, session_id) so one
// session can never observe another's tasks.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/adsproject/ads/internal/common/logger"
	"go.uber.org/zap"
)

// Store is the SQLite-backed task store.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the task database and applies pending
// migrations.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "task_store")),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrations is append-only: new schema changes get a new version at the end.
// Every migration function must be idempotent.
var migrations = []func(tx *sqlx.Tx) error{
	migrateInitialSchema,
	migrateTaskIndexes,
	migrateThreadRecords,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var current int
	if err := s.db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for version := current + 1; version <= len(migrations); version++ {
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if err := migrations[version-1](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`,
			version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.logger.Info("applied migration", zap.Int("version", version))
	}
	return nil
}

func migrateInitialSchema(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		parent_task_id TEXT,
		namespace TEXT NOT NULL,
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		spec_json TEXT NOT NULL,
		result_json TEXT,
		verification_json TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
		namespace TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		kind TEXT,
		payload TEXT NOT NULL,
		ts DATETIME NOT NULL
	);`)
	return err
}

func migrateTaskIndexes(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(namespace, session_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id, ts);`)
	return err
}

func migrateThreadRecords(tx *sqlx.Tx) error {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS thread_records (
		record_key TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		cwd TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	)`); err != nil {
		return err
	}
	// Older databases predate the cwd column.
	return ensureColumn(tx, "thread_records", "cwd", "TEXT NOT NULL DEFAULT ''")
}

// ensureColumn adds a column if PRAGMA table_info does not already list it.
func ensureColumn(tx *sqlx.Tx, table, column, definition string) error {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition))
	return err
}
