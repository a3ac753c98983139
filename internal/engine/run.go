package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jxucoder/autopatch/internal/agent"
	"github.com/jxucoder/autopatch/internal/github"
	"github.com/jxucoder/autopatch/internal/gitpub"
	"github.com/jxucoder/autopatch/internal/llm"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/sandbox"
	"github.com/jxucoder/autopatch/internal/store"
)

// run is the in-process state of one task run.
type run struct {
	taskID string

	stopOnce sync.Once
	stop     chan struct{}

	branch *future

	mu       sync.Mutex
	sb       *sandbox.Handle
	released bool
}

func newRun(t *model.Task) *run {
	r := &run{taskID: t.ID, stop: make(chan struct{}), branch: newFuture()}
	if t.BranchName != "" {
		r.branch.resolve(t.BranchName)
	}
	return r
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// adopt hands the run's sandbox to the cleanup path. It reports false when
// cleanup already happened, in which case the caller owns the handle.
func (r *run) adopt(h *sandbox.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return false
	}
	r.sb = h
	return true
}

// takeSandbox marks the run released and returns its sandbox, if any.
func (r *run) takeSandbox() *sandbox.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	h := r.sb
	r.sb = nil
	return h
}

// future is a value resolved at most once.
type future struct {
	once sync.Once
	done chan struct{}
	val  string
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// resolve sets the value and reports whether this call won.
func (f *future) resolve(v string) bool {
	won := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		won = true
	})
	return won
}

// wait returns the value once resolved, or false after d.
func (f *future) wait(ctx context.Context, d time.Duration) (string, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.val, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// execute runs a task to a terminal status. The steps race a deadline; the
// outcome write and sandbox cleanup happen after the race, whoever wins.
func (e *Engine) execute(r *run) {
	defer e.unregister(r.taskID)
	ctx := e.ctx

	t, err := e.store.GetTask(ctx, r.taskID)
	if err != nil {
		e.logger.Error("task not found while starting run", "task_id", r.taskID, "error", err)
		return
	}
	e.startEnrichment(t, r)

	budget := e.config.TaskTimeout
	if t.MaxDuration > 0 {
		budget = t.MaxDuration
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("run panicked", "task_id", r.taskID, "panic", p, "stack", string(debug.Stack()))
				done <- fmt.Errorf("internal error: %v", p)
			}
		}()
		done <- e.runSteps(runCtx, r, t)
	}()

	var warn *time.Timer
	if lead := e.config.TimeoutWarning; budget > lead {
		warn = time.AfterFunc(budget-lead, func() {
			e.logTask(r.taskID, model.LogWarning, fmt.Sprintf("task will time out in %s", lead))
		})
	}
	deadline := time.NewTimer(budget)

	timedOut := false
	select {
	case err = <-done:
	case <-deadline.C:
		timedOut = true
		err = &Failure{Kind: FailTimeout, Err: fmt.Errorf("%w after %s", ErrTimeout, budget)}
		cancel()
	case <-ctx.Done():
		err = failure(FailInfrastructure, "server shutting down")
		cancel()
	}
	deadline.Stop()
	if warn != nil {
		warn.Stop()
	}

	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		e.fail(finishCtx, t, err)
	}

	if timedOut {
		// Give the worker a moment to unwind before its sandbox goes away.
		select {
		case <-done:
		case <-time.After(e.config.CleanupGrace):
			e.logger.Warn("worker still running after timeout; tearing down", "task_id", r.taskID)
		}
	}
	e.cleanup(finishCtx, r)
}

// runSteps is the sequential body of a run. It returns nil once the task is
// persisted as completed.
func (e *Engine) runSteps(ctx context.Context, r *run, t *model.Task) error {
	t.Status = model.TaskProcessing
	t.SetProgress(5)
	if err := e.save(ctx, t); err != nil {
		return err
	}
	e.logTask(t.ID, model.LogInfo, "task started")
	e.addMessage(ctx, t.ID, model.RoleUser, t.Prompt)

	providerKey, err := e.creds.ProviderKey(ctx, t.OwnerID, t.Provider)
	if err != nil {
		return failure(FailValidation, "%w: %v", ErrValidation, err)
	}
	token, err := e.creds.SourceControlToken(ctx, t.OwnerID)
	if err != nil {
		return failure(FailValidation, "%w: %v", ErrValidation, err)
	}

	t.BranchName = e.resolveBranch(ctx, r)
	t.SetProgress(15)
	if err := e.checkpoint(ctx, r); err != nil {
		return err
	}
	if err := e.save(ctx, t); err != nil {
		return err
	}

	h, err := e.acquireSandbox(ctx, r, t, token)
	if err != nil {
		return err
	}
	t.SandboxID = h.ID
	t.SandboxURL = h.URL
	t.SetProgress(30)
	if err := e.save(ctx, t); err != nil {
		return err
	}
	e.logTask(t.ID, model.LogInfo, fmt.Sprintf("sandbox %s ready on branch %s", h.ID, t.BranchName))

	if err := e.checkpoint(ctx, r); err != nil {
		return err
	}

	runner := e.sandboxes.Runner(h)
	res, err := e.runAgent(ctx, t, runner, providerKey)
	if err != nil {
		return err
	}
	if res.SessionID != "" {
		t.AgentSessionID = res.SessionID
	}
	t.SetProgress(70)
	if err := e.save(ctx, t); err != nil {
		return err
	}
	if res.ResponseText != "" {
		e.addMessage(ctx, t.ID, model.RoleAgent, res.ResponseText)
	}

	if !res.Success {
		if res.ChangesDetected {
			e.logTask(t.ID, model.LogWarning, "discarding partial changes from failed agent run")
		}
		return failure(FailAgent, "agent failed: %s", res.Error)
	}
	if !res.ChangesDetected {
		if t.Mode == model.ModeDeploymentFix {
			return failure(FailAgent, "agent made no changes")
		}
		e.logTask(t.ID, model.LogInfo, "agent made no changes; nothing to push")
		return e.complete(ctx, t)
	}

	msg := e.commitMessage(ctx, t, runner)
	push, err := gitpub.CommitAndPush(ctx, runner, token, t.BranchName, msg)
	if err != nil {
		return failure(FailInfrastructure, "committing changes: %w", err)
	}
	if push.PushFailed {
		return failure(FailInfrastructure, "pushing %s failed: %s", t.BranchName, push.Output)
	}
	if push.CommitSHA != "" {
		e.logTask(t.ID, model.LogInfo, fmt.Sprintf("pushed %s to %s", shortSHA(push.CommitSHA), t.BranchName))
	}
	t.SetProgress(85)
	if err := e.save(ctx, t); err != nil {
		return err
	}

	if t.Mode == model.ModeDeploymentFix {
		if err := e.openFixPR(ctx, t, token, res); err != nil {
			return err
		}
	}
	return e.complete(ctx, t)
}

func (e *Engine) complete(ctx context.Context, t *model.Task) error {
	t.Status = model.TaskCompleted
	t.SetProgress(100)
	if err := e.save(ctx, t); err != nil {
		return err
	}
	e.logTask(t.ID, model.LogSuccess, "task completed")
	return nil
}

// save persists orchestrator-owned fields. A rejected write means the task
// was stopped (or otherwise finished) underneath the run.
func (e *Engine) save(ctx context.Context, t *model.Task) error {
	if err := e.store.UpdateTask(ctx, t); err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			return &Failure{Kind: FailStopped, Err: ErrStopped}
		}
		return failure(FailInfrastructure, "saving task: %w", err)
	}
	return nil
}

// checkpoint is a step boundary: it observes stop requests, both in-process
// and persisted, and the run's cancellation.
func (e *Engine) checkpoint(ctx context.Context, r *run) error {
	if r.stopped() {
		return &Failure{Kind: FailStopped, Err: ErrStopped}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	status, err := e.store.GetTaskStatus(ctx, r.taskID)
	if err != nil {
		return failure(FailInfrastructure, "reading task status: %w", err)
	}
	if status == model.TaskStopped {
		r.requestStop()
		return &Failure{Kind: FailStopped, Err: ErrStopped}
	}
	return nil
}

// resolveBranch waits a bounded time for the generated branch name, then
// mints the deterministic fallback. Whichever resolves first is final.
func (e *Engine) resolveBranch(ctx context.Context, r *run) string {
	if name, ok := r.branch.wait(ctx, e.config.BranchWait); ok {
		return name
	}
	fallback := llm.FallbackBranchName(e.config.BranchPrefix, r.taskID)
	if r.branch.resolve(fallback) {
		e.logTask(r.taskID, model.LogInfo, "branch name generation timed out; using "+fallback)
	}
	return r.branch.val
}

// acquireSandbox creates a fresh sandbox or resumes a kept-alive one.
func (e *Engine) acquireSandbox(ctx context.Context, r *run, t *model.Task, token string) (*sandbox.Handle, error) {
	var (
		h   *sandbox.Handle
		err error
	)
	if t.ResumeTaskID != "" {
		if err := e.checkpoint(ctx, r); err != nil {
			return nil, err
		}
		h, err = e.resumeSandbox(ctx, t)
	} else {
		port := e.detectPort(ctx, t, token)
		if err := e.checkpoint(ctx, r); err != nil {
			return nil, err
		}
		h, err = e.createSandbox(ctx, t, token, port)
	}
	if err != nil {
		return nil, err
	}

	if !r.adopt(h) {
		// The run already lost its race; nobody else will release this one.
		if relErr := e.sandboxes.Shutdown(context.WithoutCancel(ctx), h); relErr != nil {
			e.logger.Warn("tearing down late sandbox", "task_id", t.ID, "error", relErr)
		}
		return nil, failure(FailTimeout, "%w: sandbox ready after the run ended", ErrTimeout)
	}
	return h, nil
}

func (e *Engine) detectPort(ctx context.Context, t *model.Task, token string) int {
	port, err := e.git.DetectPort(ctx, token, t.RepoURL, t.BaseBranch)
	if err != nil {
		e.logTask(t.ID, model.LogWarning, fmt.Sprintf("port detection failed, using %d: %v", github.DefaultPort, err))
		return github.DefaultPort
	}
	return port
}

func (e *Engine) createSandbox(ctx context.Context, t *model.Task, token string, port int) (*sandbox.Handle, error) {
	cloneURL, err := github.CloneURL(t.RepoURL)
	if err != nil {
		return nil, failure(FailValidation, "%w: %v", ErrValidation, err)
	}
	e.logTask(t.ID, model.LogInfo, "provisioning sandbox")
	h, err := e.sandboxes.Create(ctx, sandbox.CreateOptions{
		TaskID:     t.ID,
		CloneURL:   cloneURL,
		Branch:     t.BranchName,
		BaseBranch: t.BaseBranch,
		Token:      token,
		Resources:  e.config.Resources,
		Timeout:    e.config.SandboxTTL,
		Ports:      []int{port},
		KeepAlive:  t.KeepAlive,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure(FailInfrastructure, "creating sandbox: %w", err)
	}
	return h, nil
}

func (e *Engine) resumeSandbox(ctx context.Context, t *model.Task) (*sandbox.Handle, error) {
	prev, err := e.store.GetTask(ctx, t.ResumeTaskID)
	if err != nil {
		return nil, failure(FailValidation, "%w: resume task %s: %v", ErrValidation, t.ResumeTaskID, err)
	}
	h, err := e.sandboxes.Resume(ctx, sandbox.ResumeOptions{
		FromTaskID: prev.ID,
		ToTaskID:   t.ID,
		KeepAlive:  t.KeepAlive,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrSandboxExpired) {
			return nil, failure(FailInfrastructure, "sandbox expired: task %s's environment is gone", prev.ID)
		}
		return nil, failure(FailInfrastructure, "resuming sandbox: %w", err)
	}
	if t.AgentSessionID == "" {
		t.AgentSessionID = prev.AgentSessionID
	}
	e.logTask(t.ID, model.LogInfo, fmt.Sprintf("resumed sandbox %s from task %s", h.ID, prev.ID))
	return h, nil
}

func (e *Engine) runAgent(ctx context.Context, t *model.Task, runner sandbox.Runner, providerKey string) (*agent.Result, error) {
	name := agent.Resolve(e.config.Agent, t.Provider)
	req := agent.Request{
		Agent:       name,
		Instruction: t.Prompt,
		Model:       t.Model,
		Credentials: map[string]string{agent.CredentialEnv(t.Provider): providerKey},
	}
	if t.ResumeTaskID != "" {
		req.ResumeSessionID = t.AgentSessionID
		req.ResumeLatest = t.AgentSessionID == ""
	}

	e.logTask(t.ID, model.LogInfo, "running "+name)
	res, err := e.agent.Execute(ctx, runner, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure(FailInfrastructure, "running agent: %w", err)
	}
	return res, nil
}

func (e *Engine) commitMessage(ctx context.Context, t *model.Task, runner sandbox.Runner) string {
	fallback := llm.FallbackCommitMessage(t.Prompt)
	if e.llm == nil {
		return fallback
	}
	stat, err := gitpub.DiffStat(ctx, runner)
	if err != nil {
		e.logger.Warn("diff stat failed", "task_id", t.ID, "error", err)
	}
	gctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	msg, err := llm.GenerateCommitMessage(gctx, e.llm, t.Prompt, stat)
	if err != nil {
		e.logger.Warn("commit message generation failed", "task_id", t.ID, "error", err)
		return fallback
	}
	return msg
}

// openFixPR opens or finds the pull request for a pushed fix branch. A
// failure here is a partial failure: the branch is pushed but not reviewable.
func (e *Engine) openFixPR(ctx context.Context, t *model.Task, token string, res *agent.Result) error {
	if e.sink != nil {
		if err := e.sink.FixPushed(ctx, t.DeploymentID, t.BranchName); err != nil {
			e.logger.Warn("recording pushed fix", "task_id", t.ID, "deployment_id", t.DeploymentID, "error", err)
		}
	}

	pr, err := e.git.CreatePullRequest(ctx, token, github.PROptions{
		Repo:   t.RepoURL,
		Branch: t.BranchName,
		Base:   t.BaseBranch,
		Title:  t.Title,
		Body:   fixPRBody(t, res),
	})
	if err != nil {
		return failure(FailPartial, "branch %s pushed but pull request failed: %w", t.BranchName, err)
	}
	t.PRURL = pr.URL
	t.PRNumber = pr.Number
	t.SetProgress(95)
	if err := e.save(ctx, t); err != nil {
		return err
	}
	if pr.AlreadyExists {
		e.logTask(t.ID, model.LogInfo, "pull request already open: "+pr.URL)
	} else {
		e.logTask(t.ID, model.LogInfo, "opened pull request "+pr.URL)
	}

	if e.sink != nil {
		if err := e.sink.FixSucceeded(ctx, t.DeploymentID, pr); err != nil {
			e.logger.Warn("recording fix PR", "task_id", t.ID, "deployment_id", t.DeploymentID, "error", err)
		}
	}
	return nil
}

func fixPRBody(t *model.Task, res *agent.Result) string {
	body := fmt.Sprintf("Automated fix for a failed deployment (task `%s`).\n\n### Instructions\n\n%s\n",
		t.ID, model.Truncate(t.Prompt, 4000))
	if res.ResponseText != "" {
		body += "\n### Agent summary\n\n" + model.Truncate(res.ResponseText, 4000) + "\n"
	}
	return body
}

// fail records a terminal failure. A task already terminal keeps its status.
func (e *Engine) fail(ctx context.Context, t *model.Task, err error) {
	kind := KindOf(err)
	current, getErr := e.store.GetTask(ctx, t.ID)
	if getErr != nil {
		e.logger.Error("reading failed task", "task_id", t.ID, "error", getErr)
		return
	}

	if current.Status == model.TaskCompleted {
		// The worker finished just before the failure was observed; its
		// outcome stands and has already been reported.
		e.logger.Debug("ignoring failure of completed task", "task_id", t.ID, "kind", kind, "error", err)
		return
	}

	msg := err.Error()
	if kind != FailStopped {
		current.Status = model.TaskError
		current.Error = msg
		if updErr := e.store.UpdateTask(ctx, current); updErr != nil && !errors.Is(updErr, store.ErrTaskTerminal) {
			e.logger.Error("recording task failure", "task_id", t.ID, "error", updErr)
		}
		e.logTask(t.ID, model.LogError, fmt.Sprintf("%s failure: %s", kind, msg))
	} else {
		e.logTask(t.ID, model.LogWarning, "task stopped")
	}

	if current.Mode == model.ModeDeploymentFix && e.sink != nil {
		if sinkErr := e.sink.FixFailed(ctx, current.DeploymentID, msg); sinkErr != nil {
			e.logger.Warn("recording failed fix", "task_id", t.ID, "deployment_id", current.DeploymentID, "error", sinkErr)
		}
	}
}

// cleanup releases the run's sandbox exactly once. A kept-alive sandbox
// survives only a completed run.
func (e *Engine) cleanup(ctx context.Context, r *run) {
	h := r.takeSandbox()
	if h == nil {
		return
	}
	status, err := e.store.GetTaskStatus(ctx, r.taskID)
	success := err == nil && status == model.TaskCompleted
	if err := e.sandboxes.Release(ctx, h, success); err != nil {
		e.logger.Warn("releasing sandbox", "task_id", r.taskID, "sandbox_id", h.ID, "error", err)
	}
}

// startEnrichment generates the title and branch name alongside the run.
// Neither blocks the run; the branch name loses to the fallback after
// BranchWait.
func (e *Engine) startEnrichment(t *model.Task, r *run) {
	if e.llm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	var jobs sync.WaitGroup

	if t.Mode == model.ModeTask {
		jobs.Add(1)
		go func() {
			defer jobs.Done()
			title, err := llm.GenerateTitle(ctx, e.llm, t.Prompt)
			if err != nil {
				e.logger.Debug("title generation failed", "task_id", t.ID, "error", err)
				return
			}
			if err := e.store.SetTaskTitle(ctx, t.ID, title); err != nil {
				e.logger.Warn("saving title", "task_id", t.ID, "error", err)
			}
		}()
	}

	if t.BranchName == "" {
		jobs.Add(1)
		go func() {
			defer jobs.Done()
			name, err := llm.GenerateBranchName(ctx, e.llm, e.config.BranchPrefix, t.Prompt, t.ID)
			if err != nil {
				e.logger.Debug("branch name generation failed", "task_id", t.ID, "error", err)
				return
			}
			if r.branch.resolve(name) {
				if err := e.store.SetTaskBranch(ctx, t.ID, name); err != nil {
					e.logger.Warn("saving branch name", "task_id", t.ID, "error", err)
				}
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		jobs.Wait()
		cancel()
	}()
}

func (e *Engine) addMessage(ctx context.Context, taskID string, role model.MessageRole, content string) {
	msg := &model.Message{TaskID: taskID, Role: role, Content: content}
	if err := e.store.AddMessage(ctx, msg); err != nil {
		e.logger.Warn("storing message", "task_id", taskID, "error", err)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
