// Package engine drives coding tasks from submission to a terminal status.
// It composes the sandbox manager, the agent executor and the git publisher
// under a timeout race with cooperative cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/autopatch/internal/agent"
	"github.com/jxucoder/autopatch/internal/credentials"
	"github.com/jxucoder/autopatch/internal/eventbus"
	"github.com/jxucoder/autopatch/internal/github"
	"github.com/jxucoder/autopatch/internal/llm"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/sandbox"
	"github.com/jxucoder/autopatch/internal/store"
)

// Config holds engine-specific configuration.
type Config struct {
	// TaskTimeout is the wall-clock budget of one run.
	TaskTimeout time.Duration
	// TimeoutWarning is how long before the deadline a warning is logged.
	TimeoutWarning time.Duration
	// BranchWait bounds how long a run waits for a generated branch name.
	BranchWait time.Duration
	// CleanupGrace is how long a timed-out run's worker may keep the
	// sandbox before it is torn down anyway.
	CleanupGrace time.Duration
	BranchPrefix string
	Resources    sandbox.Resources
	SandboxTTL   time.Duration
	// Agent is "claude-code", "codex", "opencode", or "auto" (default).
	Agent           string
	DefaultProvider string
}

func (c *Config) setDefaults() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if c.TimeoutWarning <= 0 {
		c.TimeoutWarning = time.Minute
	}
	if c.BranchWait <= 0 {
		c.BranchWait = 10 * time.Second
	}
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = 5 * time.Second
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "autopatch/"
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = "anthropic"
	}
}

// Store is the persistence the engine needs.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskStatus(ctx context.Context, id string) (model.TaskStatus, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	StopTask(ctx context.Context, id string) error
	SetTaskTitle(ctx context.Context, id, title string) error
	SetTaskBranch(ctx context.Context, id, branch string) error
	AddMessage(ctx context.Context, m *model.Message) error
	AddLog(ctx context.Context, e *model.LogEntry) error
	InterruptTasks(ctx context.Context, reason string) ([]*model.Task, error)
	ListKeptAliveTasks(ctx context.Context) ([]*model.Task, error)
}

// SourceControl is the source-control provider.
type SourceControl interface {
	CreatePullRequest(ctx context.Context, token string, opts github.PROptions) (*github.PRResult, error)
	DetectPort(ctx context.Context, token, repoURL, ref string) (int, error)
}

// AgentExecutor runs the coding agent inside a sandbox.
type AgentExecutor interface {
	Execute(ctx context.Context, sb sandbox.Runner, req agent.Request) (*agent.Result, error)
}

// DeploymentSink receives the outcome of deployment-fix runs.
type DeploymentSink interface {
	// FixPushed reports that the fix branch was pushed and a PR is being opened.
	FixPushed(ctx context.Context, deploymentID, branch string) error
	FixSucceeded(ctx context.Context, deploymentID string, pr *github.PRResult) error
	FixFailed(ctx context.Context, deploymentID, reason string) error
}

// Deps are the engine's collaborators. LLM may be nil, in which case every
// enrichment uses its deterministic fallback.
type Deps struct {
	Store       Store
	Bus         *eventbus.Bus
	Sandboxes   *sandbox.Manager
	Agent       AgentExecutor
	Git         SourceControl
	Credentials credentials.Store
	LLM         llm.Client
	Logger      *slog.Logger
}

// Engine orchestrates task runs.
type Engine struct {
	config    Config
	store     Store
	bus       *eventbus.Bus
	sandboxes *sandbox.Manager
	agent     AgentExecutor
	git       SourceControl
	creds     credentials.Store
	llm       llm.Client
	sink      DeploymentSink
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Engine.
func New(cfg Config, deps Deps) *Engine {
	cfg.setDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:    cfg,
		store:     deps.Store,
		bus:       bus,
		sandboxes: deps.Sandboxes,
		agent:     deps.Agent,
		git:       deps.Git,
		creds:     deps.Credentials,
		llm:       deps.LLM,
		logger:    logger,
		runs:      make(map[string]*run),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetDeploymentSink wires the deployment fix pipeline.
func (e *Engine) SetDeploymentSink(sink DeploymentSink) {
	e.sink = sink
}

// Bus returns the event bus task logs are published on.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Wait blocks until every started run and enrichment job has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels in-flight runs and waits for them to record their outcome,
// or for ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskRequest is a request to run a coding task.
type TaskRequest struct {
	OwnerID    string
	Prompt     string
	RepoURL    string
	Provider   string
	Model      string
	BaseBranch string
	KeepAlive  bool
	// ResumeTaskID reuses a kept-alive task's sandbox and agent session.
	ResumeTaskID string
	MaxDuration  time.Duration
}

// CreateTask validates and persists a task, then starts its run in the
// background. It returns before the run starts.
func (e *Engine) CreateTask(ctx context.Context, req TaskRequest) (*model.Task, error) {
	t := &model.Task{
		ID:           uuid.New().String()[:8],
		OwnerID:      req.OwnerID,
		Prompt:       req.Prompt,
		RepoURL:      req.RepoURL,
		Provider:     req.Provider,
		Model:        req.Model,
		Mode:         model.ModeTask,
		Status:       model.TaskPending,
		Title:        model.Truncate(req.Prompt, 80),
		BaseBranch:   req.BaseBranch,
		KeepAlive:    req.KeepAlive,
		ResumeTaskID: req.ResumeTaskID,
		MaxDuration:  req.MaxDuration,
	}
	if err := e.validate(ctx, t); err != nil {
		return nil, err
	}
	if t.ResumeTaskID != "" {
		prev, err := e.store.GetTask(ctx, t.ResumeTaskID)
		if err != nil {
			return nil, fmt.Errorf("%w: resume task %s: %v", ErrValidation, t.ResumeTaskID, err)
		}
		if prev.OwnerID != t.OwnerID || prev.RepoURL != t.RepoURL {
			return nil, fmt.Errorf("%w: resume task %s belongs to another owner or repository", ErrValidation, prev.ID)
		}
		// Only a finished keep-alive run has released its sandbox for reuse.
		if prev.Status != model.TaskCompleted || !prev.KeepAlive {
			return nil, fmt.Errorf("%w: resume task %s is not a completed keep-alive task (status %s)", ErrValidation, prev.ID, prev.Status)
		}
		t.BranchName = prev.BranchName
	}
	return t, e.submit(ctx, t)
}

// FixTaskRequest is a deployment-fix run on a fix branch.
type FixTaskRequest struct {
	OwnerID      string
	DeploymentID string
	Prompt       string
	Title        string
	RepoURL      string
	Provider     string
	Model        string
	BaseBranch   string
	// Branch is reused across attempts so each attempt adds commits.
	Branch string
}

// CreateFixTask persists and starts a deployment-fix run.
func (e *Engine) CreateFixTask(ctx context.Context, req FixTaskRequest) (*model.Task, error) {
	t := &model.Task{
		ID:           uuid.New().String()[:8],
		OwnerID:      req.OwnerID,
		Prompt:       req.Prompt,
		RepoURL:      req.RepoURL,
		Provider:     req.Provider,
		Model:        req.Model,
		Mode:         model.ModeDeploymentFix,
		Status:       model.TaskPending,
		Title:        model.Truncate(req.Title, 80),
		BranchName:   req.Branch,
		BaseBranch:   req.BaseBranch,
		DeploymentID: req.DeploymentID,
	}
	if t.Title == "" {
		t.Title = model.Truncate(req.Prompt, 80)
	}
	if req.DeploymentID == "" || req.Branch == "" {
		return nil, fmt.Errorf("%w: deployment-fix task needs a deployment and a branch", ErrValidation)
	}
	if err := e.validate(ctx, t); err != nil {
		return nil, err
	}
	return t, e.submit(ctx, t)
}

// validate fails fast on caller errors, before anything is persisted.
func (e *Engine) validate(ctx context.Context, t *model.Task) error {
	if t.OwnerID == "" {
		t.OwnerID = "default"
	}
	if t.Provider == "" {
		t.Provider = e.config.DefaultProvider
	}
	if t.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if t.RepoURL == "" {
		return fmt.Errorf("%w: repository is required", ErrValidation)
	}
	if _, _, err := github.ParseRepo(t.RepoURL); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := e.creds.ProviderKey(ctx, t.OwnerID, t.Provider); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := e.creds.SourceControlToken(ctx, t.OwnerID); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, t *model.Task) error {
	if err := e.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	r := e.register(t)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(r)
	}()
	return nil
}

// StopTask records a stop request. The run observes it at its next step
// boundary; in-flight sandbox and agent calls are not interrupted.
func (e *Engine) StopTask(ctx context.Context, id string) error {
	if err := e.store.StopTask(ctx, id); err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			return fmt.Errorf("task %s already finished: %w", id, err)
		}
		return err
	}
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()
	if r != nil {
		r.requestStop()
	}
	e.logTask(id, model.LogWarning, "stop requested")
	return nil
}

func (e *Engine) register(t *model.Task) *run {
	r := newRun(t)
	e.mu.Lock()
	e.runs[t.ID] = r
	e.mu.Unlock()
	return r
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

// logTask appends to the task's persisted log and publishes the entry.
func (e *Engine) logTask(taskID string, level model.LogLevel, msg string) {
	entry := &model.LogEntry{
		TaskID:    taskID,
		Level:     level,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AddLog(context.WithoutCancel(e.ctx), entry); err != nil {
		e.logger.Error("storing task log", "task_id", taskID, "error", err)
	}
	e.bus.Publish(entry)

	switch level {
	case model.LogError:
		e.logger.Error(msg, "task_id", taskID)
	case model.LogWarning:
		e.logger.Warn(msg, "task_id", taskID)
	default:
		e.logger.Info(msg, "task_id", taskID)
	}
}
