package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jxucoder/autopatch/internal/model"
)

const taskColumns = `id, owner_id, prompt, repo_url, provider, model, mode, status, progress,
	title, branch_name, base_branch, sandbox_id, sandbox_url, pr_url, pr_number, error,
	deployment_id, keep_alive, resume_task_id, agent_session_id, max_duration_secs,
	created_at, updated_at, completed_at, deleted_at`

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	if t.Mode == "" {
		t.Mode = model.ModeTask
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, prompt, repo_url, provider, model, mode, status,
			progress, title, branch_name, base_branch, deployment_id, keep_alive,
			resume_task_id, max_duration_secs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Prompt, t.RepoURL, t.Provider, t.Model, t.Mode, t.Status,
		t.Progress, t.Title, t.BranchName, t.BaseBranch, t.DeploymentID, t.KeepAlive,
		t.ResumeTaskID, int64(t.MaxDuration/time.Second), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including soft-deleted tasks.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// GetTaskStatus returns only the persisted status of a task.
func (s *Store) GetTaskStatus(ctx context.Context, id string) (model.TaskStatus, error) {
	var status model.TaskStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", notFound(err)
	}
	return status, nil
}

// ListTasks returns an owner's live tasks, newest first. An empty owner lists all.
func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE deleted_at IS NULL`
	var args []any
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask writes the orchestrator-owned fields of a task. It refuses to
// overwrite a task whose persisted status is already terminal, so a stop
// request or an earlier failure always wins. Progress never decreases.
func (s *Store) UpdateTask(ctx context.Context, t *model.Task) error {
	t.UpdatedAt = now()
	if t.Status.Terminal() && t.CompletedAt == nil {
		ts := t.UpdatedAt
		t.CompletedAt = &ts
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = ?, progress = MAX(progress, ?), branch_name = ?, base_branch = ?,
			sandbox_id = ?, sandbox_url = ?, pr_url = ?, pr_number = ?, error = ?,
			agent_session_id = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'error', 'stopped')`,
		t.Status, t.Progress, t.BranchName, t.BaseBranch,
		t.SandboxID, t.SandboxURL, t.PRURL, t.PRNumber, t.Error,
		t.AgentSessionID, t.UpdatedAt, nullTime(t.CompletedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return s.checkTaskWrite(ctx, res, t.ID)
}

// InterruptTasks fails every task still pending or processing with reason and
// returns them. It is meant for startup, when no run can still be in flight.
func (s *Store) InterruptTasks(ctx context.Context, reason string) ([]*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN ('pending', 'processing') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ts := now()
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'error', error = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			reason, ts, ts, t.ID); err != nil {
			return nil, fmt.Errorf("interrupting task %s: %w", t.ID, err)
		}
		t.Status = model.TaskError
		t.Error = reason
		t.UpdatedAt = ts
		t.CompletedAt = &ts
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListKeptAliveTasks returns completed keep-alive tasks that recorded a
// sandbox, oldest completion first.
func (s *Store) ListKeptAliveTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'completed' AND keep_alive = 1 AND sandbox_id != ''
		 ORDER BY completed_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// StopTask marks a non-terminal task as stopped.
func (s *Store) StopTask(ctx context.Context, id string) error {
	ts := now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'stopped', updated_at = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("stopping task: %w", err)
	}
	return s.checkTaskWrite(ctx, res, id)
}

// SetTaskTitle records a generated title. Titles are owned by enrichment and
// never written by UpdateTask.
func (s *Store) SetTaskTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, updated_at = ? WHERE id = ?`, title, now(), id)
	return err
}

// SetTaskBranch records a generated branch name unless one is already set.
func (s *Store) SetTaskBranch(ctx context.Context, id, branch string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET branch_name = ?, updated_at = ? WHERE id = ? AND branch_name = ''`,
		branch, now(), id)
	return err
}

// SoftDeleteTask hides a task from listings.
func (s *Store) SoftDeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) checkTaskWrite(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetTaskStatus(ctx, id); err != nil {
		return err
	}
	return ErrTaskTerminal
}

// AddMessage appends a message to a task's conversation.
func (s *Store) AddMessage(ctx context.Context, m *model.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_messages (task_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		m.TaskID, m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		return err
	}
	m.ID, err = res.LastInsertId()
	return err
}

// GetMessages returns a task's messages in insertion order.
func (s *Store) GetMessages(ctx context.Context, taskID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, role, content, created_at
		 FROM task_messages WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddLog appends an entry to a task's structured log.
func (s *Store) AddLog(ctx context.Context, e *model.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		e.TaskID, e.Level, e.Message, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// GetLogs returns log entries for a task, optionally after a given entry ID.
func (s *Store) GetLogs(ctx context.Context, taskID string, afterID int64) ([]*model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, level, message, created_at
		 FROM task_logs WHERE task_id = ? AND id > ? ORDER BY id ASC`,
		taskID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.LogEntry
	for rows.Next() {
		e := &model.LogEntry{}
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanTask(row scannable) (*model.Task, error) {
	t := &model.Task{}
	var maxSecs int64
	var completed, deleted sql.NullTime
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Prompt, &t.RepoURL, &t.Provider, &t.Model, &t.Mode,
		&t.Status, &t.Progress, &t.Title, &t.BranchName, &t.BaseBranch,
		&t.SandboxID, &t.SandboxURL, &t.PRURL, &t.PRNumber, &t.Error,
		&t.DeploymentID, &t.KeepAlive, &t.ResumeTaskID, &t.AgentSessionID, &maxSecs,
		&t.CreatedAt, &t.UpdatedAt, &completed, &deleted,
	)
	if err != nil {
		return nil, err
	}
	t.MaxDuration = time.Duration(maxSecs) * time.Second
	t.CompletedAt = timePtr(completed)
	t.DeletedAt = timePtr(deleted)
	return t, nil
}
