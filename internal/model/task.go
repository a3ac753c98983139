// Package model defines the persisted domain types shared across autopatch.
package model

import (
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskError      TaskStatus = "error"
	TaskStopped    TaskStatus = "stopped"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskError, TaskStopped:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from s to next.
// Transitions are forward-only; stopped is reachable from any non-terminal state.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case TaskStopped, TaskError:
		return true
	case TaskProcessing:
		return s == TaskPending
	case TaskCompleted:
		return s == TaskProcessing
	}
	return false
}

// TaskMode selects how the orchestrator finishes a run.
type TaskMode string

const (
	ModeTask          TaskMode = "task"
	ModeDeploymentFix TaskMode = "deployment-fix"
)

// Task is one unit of agent work against a repository branch.
type Task struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Prompt    string     `json:"prompt"`
	RepoURL   string     `json:"repo_url"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model,omitempty"`
	Mode      TaskMode   `json:"mode"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"`
	Title     string     `json:"title,omitempty"`

	BranchName string `json:"branch_name,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	SandboxID  string `json:"sandbox_id,omitempty"`
	SandboxURL string `json:"sandbox_url,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`
	PRNumber   int    `json:"pr_number,omitempty"`
	Error      string `json:"error,omitempty"`

	// DeploymentID links a deployment-fix task to its fix record.
	DeploymentID string `json:"deployment_id,omitempty"`

	// KeepAlive leaves the sandbox running after a successful run.
	KeepAlive bool `json:"keep_alive,omitempty"`
	// ResumeTaskID names a kept-alive task whose sandbox and agent session are reused.
	ResumeTaskID   string `json:"resume_task_id,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`

	// MaxDuration overrides the configured wall-clock budget when non-zero.
	MaxDuration time.Duration `json:"max_duration,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// SetProgress raises progress to p; it never moves backwards within a run.
func (t *Task) SetProgress(p int) {
	if p > 100 {
		p = 100
	}
	if p > t.Progress {
		t.Progress = p
	}
}

// MessageRole identifies who produced a task message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// Message is one entry in a task's conversation log.
type Message struct {
	ID        int64       `json:"id"`
	TaskID    string      `json:"task_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// LogLevel classifies a per-task log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// LogEntry is one line of a task's structured log.
type LogEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Truncate shortens s to at most n bytes, appending "..." if truncated.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
