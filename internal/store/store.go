// Package store provides task, deployment, subscription and rule persistence using SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic-concurrency write loses a race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrTaskTerminal is returned when a write targets a task that already finished.
	ErrTaskTerminal = errors.New("task already in a terminal state")
)

// Store manages autopatch persistence in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps per-connection pragmas in force and
	// serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			prompt            TEXT NOT NULL,
			repo_url          TEXT NOT NULL,
			provider          TEXT NOT NULL DEFAULT '',
			model             TEXT NOT NULL DEFAULT '',
			mode              TEXT NOT NULL DEFAULT 'task',
			status            TEXT NOT NULL DEFAULT 'pending',
			progress          INTEGER NOT NULL DEFAULT 0,
			title             TEXT NOT NULL DEFAULT '',
			branch_name       TEXT NOT NULL DEFAULT '',
			base_branch       TEXT NOT NULL DEFAULT '',
			sandbox_id        TEXT NOT NULL DEFAULT '',
			sandbox_url       TEXT NOT NULL DEFAULT '',
			pr_url            TEXT NOT NULL DEFAULT '',
			pr_number         INTEGER NOT NULL DEFAULT 0,
			error             TEXT NOT NULL DEFAULT '',
			deployment_id     TEXT NOT NULL DEFAULT '',
			keep_alive        INTEGER NOT NULL DEFAULT 0,
			resume_task_id    TEXT NOT NULL DEFAULT '',
			agent_session_id  TEXT NOT NULL DEFAULT '',
			max_duration_secs INTEGER NOT NULL DEFAULT 0,
			created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
			completed_at      DATETIME,
			deleted_at        DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at);

		CREATE TABLE IF NOT EXISTS task_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL REFERENCES tasks(id),
			role       TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_task ON task_messages(task_id);

		CREATE TABLE IF NOT EXISTS task_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL REFERENCES tasks(id),
			level      TEXT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_logs_task ON task_logs(task_id);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id                  TEXT PRIMARY KEY,
			owner_id            TEXT NOT NULL,
			platform_project_id TEXT NOT NULL UNIQUE,
			project_name        TEXT NOT NULL DEFAULT '',
			repo_url            TEXT NOT NULL,
			base_branch         TEXT NOT NULL DEFAULT '',
			auto_fix_enabled    INTEGER NOT NULL DEFAULT 1,
			max_fix_attempts    INTEGER NOT NULL DEFAULT 3,
			branch_prefix       TEXT NOT NULL DEFAULT '',
			notify              INTEGER NOT NULL DEFAULT 0,
			provider            TEXT NOT NULL DEFAULT '',
			model               TEXT NOT NULL DEFAULT '',
			webhook_id          TEXT NOT NULL DEFAULT '',
			created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS deployments (
			id                     TEXT PRIMARY KEY,
			subscription_id        TEXT NOT NULL,
			platform_deployment_id TEXT NOT NULL,
			delivery_id            TEXT UNIQUE,
			parent_id              TEXT NOT NULL DEFAULT '',
			project_name           TEXT NOT NULL DEFAULT '',
			branch                 TEXT NOT NULL DEFAULT '',
			fix_status             TEXT NOT NULL DEFAULT 'pending',
			exhausted              INTEGER NOT NULL DEFAULT 0,
			attempt                INTEGER NOT NULL DEFAULT 0,
			version                INTEGER NOT NULL DEFAULT 1,
			build_error_text       TEXT NOT NULL DEFAULT '',
			error_type             TEXT NOT NULL DEFAULT '',
			error_confidence       REAL NOT NULL DEFAULT 0,
			error_summary          TEXT NOT NULL DEFAULT '',
			error_file             TEXT NOT NULL DEFAULT '',
			error_line             INTEGER NOT NULL DEFAULT 0,
			matched_rule_id        TEXT NOT NULL DEFAULT '',
			fix_branch             TEXT NOT NULL DEFAULT '',
			task_id                TEXT NOT NULL DEFAULT '',
			pr_url                 TEXT NOT NULL DEFAULT '',
			pr_number              INTEGER NOT NULL DEFAULT 0,
			error_message          TEXT NOT NULL DEFAULT '',
			created_at             DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at             DATETIME NOT NULL DEFAULT (datetime('now')),
			UNIQUE (subscription_id, platform_deployment_id)
		);

		CREATE INDEX IF NOT EXISTS idx_deployments_fix_branch
			ON deployments(subscription_id, fix_branch);

		CREATE TABLE IF NOT EXISTS fix_rules (
			id              TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
			name            TEXT NOT NULL DEFAULT '',
			pattern         TEXT NOT NULL,
			error_type      TEXT NOT NULL DEFAULT '',
			skip_fix        INTEGER NOT NULL DEFAULT 0,
			custom_prompt   TEXT NOT NULL DEFAULT '',
			priority        INTEGER NOT NULL DEFAULT 0,
			enabled         INTEGER NOT NULL DEFAULT 1,
			created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_rules_subscription
			ON fix_rules(subscription_id, priority);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func now() time.Time {
	return time.Now().UTC()
}

// nullString stores empty strings as NULL so UNIQUE columns tolerate absent keys.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
