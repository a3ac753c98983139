package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/autopatch/internal/agent"
	"github.com/jxucoder/autopatch/internal/config"
	"github.com/jxucoder/autopatch/internal/credentials"
	"github.com/jxucoder/autopatch/internal/github"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/sandbox"
	"github.com/jxucoder/autopatch/internal/store"
)

// fakeProvider stands in for Docker. Only checkout and git commands reach it;
// the agent itself is faked separately.
type fakeProvider struct {
	mu          sync.Mutex
	provisioned int
	pushes      int
	terminated  []string
	running     map[string]bool
	pushExit    int
	clean       bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{running: make(map[string]bool)}
}

func (f *fakeProvider) Provision(_ context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisioned++
	h := &sandbox.Handle{ID: "sbx-" + spec.TaskID, TaskID: spec.TaskID, CreatedAt: time.Now()}
	if spec.Timeout > 0 {
		h.ExpiresAt = h.CreatedAt.Add(spec.Timeout)
	}
	f.running[h.ID] = true
	return h, nil
}

func (f *fakeProvider) Run(_ context.Context, _ string, cmd sandbox.Command) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(cmd.Args) < 2 || cmd.Args[0] != "git" {
		return &sandbox.Result{}, nil
	}
	switch cmd.Args[1] {
	case "diff":
		if cmd.Args[2] == "--cached" && !f.clean {
			return &sandbox.Result{ExitCode: 1}, nil
		}
	case "rev-parse":
		return &sandbox.Result{Stdout: "0123456789abcdef\n"}, nil
	case "rev-list":
		return &sandbox.Result{Stdout: "0\n"}, nil
	case "push":
		f.pushes++
		if f.pushExit != 0 {
			return &sandbox.Result{ExitCode: f.pushExit, Stderr: "remote rejected"}, nil
		}
	}
	return &sandbox.Result{}, nil
}

func (f *fakeProvider) Terminate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	delete(f.running, id)
	return nil
}

func (f *fakeProvider) IsRunning(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id], nil
}

func (f *fakeProvider) List(context.Context) ([]string, error) { return nil, nil }

func (f *fakeProvider) counts() (provisioned, terminated, pushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisioned, len(f.terminated), f.pushes
}

type fakeAgent struct {
	mu       sync.Mutex
	requests []agent.Request
	fn       func(ctx context.Context, req agent.Request) (*agent.Result, error)
}

func (f *fakeAgent) Execute(ctx context.Context, _ sandbox.Runner, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &agent.Result{Success: true, ResponseText: "done", SessionID: "sess-1", ChangesDetected: true}, nil
}

type fakeSCM struct {
	portFn func(ctx context.Context) (int, error)
	prFn   func(opts github.PROptions) (*github.PRResult, error)
}

func (f *fakeSCM) CreatePullRequest(_ context.Context, _ string, opts github.PROptions) (*github.PRResult, error) {
	if f.prFn != nil {
		return f.prFn(opts)
	}
	return &github.PRResult{URL: "https://github.com/acme/web/pull/5", Number: 5}, nil
}

func (f *fakeSCM) DetectPort(ctx context.Context, _, _, _ string) (int, error) {
	if f.portFn != nil {
		return f.portFn(ctx)
	}
	return 3000, nil
}

type fakeSink struct {
	mu        sync.Mutex
	pushed    []string
	succeeded []*github.PRResult
	failed    []string
}

func (f *fakeSink) FixPushed(_ context.Context, _, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, branch)
	return nil
}

func (f *fakeSink) FixSucceeded(_ context.Context, _ string, pr *github.PRResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, pr)
	return nil
}

func (f *fakeSink) FixFailed(_ context.Context, _, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, reason)
	return nil
}

type stubLLM struct{ reply string }

func (s stubLLM) Complete(context.Context, string, string) (string, error) { return s.reply, nil }

type harness struct {
	engine *Engine
	store  *store.Store
	prov   *fakeProvider
	agent  *fakeAgent
	scm    *fakeSCM
	sink   *fakeSink
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{store: st, prov: newFakeProvider(), agent: &fakeAgent{}, scm: &fakeSCM{}, sink: &fakeSink{}}
	cfg := Config{BranchWait: 10 * time.Millisecond, CleanupGrace: 50 * time.Millisecond, SandboxTTL: time.Hour}
	deps := Deps{
		Store:       st,
		Sandboxes:   sandbox.NewManager(h.prov, nil, nil),
		Agent:       h.agent,
		Git:         h.scm,
		Credentials: credentials.FromConfig(&config.Config{GitHubToken: "gh-token", AnthropicAPIKey: "sk-ant"}),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.engine = New(cfg, deps)
	h.engine.SetDeploymentSink(h.sink)
	t.Cleanup(h.engine.Wait)
	return h
}

func (h *harness) task(t *testing.T, id string) *model.Task {
	t.Helper()
	got, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return got
}

func taskRequest() TaskRequest {
	return TaskRequest{OwnerID: "alice", Prompt: "Add a README", RepoURL: "acme/web"}
}

func TestRunCompletesAndPushes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.engine.CreateTask(ctx, taskRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.engine.Wait()

	got := h.task(t, task.ID)
	if got.Status != model.TaskCompleted || got.Progress != 100 {
		t.Fatalf("status = %s progress = %d, error = %q", got.Status, got.Progress, got.Error)
	}
	if got.BranchName != "autopatch/"+task.ID {
		t.Fatalf("branch = %q, want fallback name", got.BranchName)
	}
	if got.SandboxID != "sbx-"+task.ID || got.AgentSessionID != "sess-1" {
		t.Fatalf("sandbox/session not persisted: %+v", got)
	}
	provisioned, terminated, pushes := h.prov.counts()
	if provisioned != 1 || terminated != 1 || pushes != 1 {
		t.Fatalf("provisioned=%d terminated=%d pushes=%d", provisioned, terminated, pushes)
	}

	msgs, _ := h.store.GetMessages(ctx, task.ID)
	if len(msgs) != 2 || msgs[0].Role != model.RoleUser || msgs[1].Content != "done" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	req := h.agent.requests[0]
	if req.Agent != agent.ClaudeCode || req.Credentials["ANTHROPIC_API_KEY"] != "sk-ant" {
		t.Fatalf("unexpected agent request: %+v", req)
	}
}

func TestRunUsesGeneratedBranchName(t *testing.T) {
	h := newHarness(t, func(c *Config, d *Deps) {
		c.BranchWait = 2 * time.Second
		d.LLM = stubLLM{reply: "add-readme"}
	})

	task, err := h.engine.CreateTask(context.Background(), taskRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.engine.Wait()

	got := h.task(t, task.ID)
	if want := "autopatch/add-readme-" + task.ID; got.BranchName != want {
		t.Fatalf("branch = %q, want %q", got.BranchName, want)
	}
}

func TestStopBeforeSandboxPreventsProvisioning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, nil)
	h.scm.portFn = func(context.Context) (int, error) {
		close(entered)
		<-release
		return 3000, nil
	}

	task, err := h.engine.CreateTask(context.Background(), taskRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-entered
	if err := h.engine.StopTask(context.Background(), task.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(release)
	h.engine.Wait()

	if got := h.task(t, task.ID); got.Status != model.TaskStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}
	if provisioned, _, _ := h.prov.counts(); provisioned != 0 {
		t.Fatalf("provisioned %d sandboxes after stop", provisioned)
	}
	if len(h.agent.requests) != 0 {
		t.Fatal("agent ran after stop")
	}
}

func TestTimeoutTearsDownOnce(t *testing.T) {
	unblock := make(chan struct{})
	h := newHarness(t, nil)
	h.agent.fn = func(context.Context, agent.Request) (*agent.Result, error) {
		<-unblock
		return &agent.Result{Success: true}, nil
	}
	t.Cleanup(func() { close(unblock) })

	req := taskRequest()
	req.MaxDuration = 300 * time.Millisecond
	task, err := h.engine.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	start := time.Now()
	h.engine.Wait()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %s to time out", elapsed)
	}

	got := h.task(t, task.ID)
	if got.Status != model.TaskError || !strings.Contains(got.Error, "timed out") {
		t.Fatalf("status = %s error = %q", got.Status, got.Error)
	}
	if _, terminated, _ := h.prov.counts(); terminated != 1 {
		t.Fatalf("terminated %d times, want 1", terminated)
	}
	if n := h.engine.sandboxes.Registry().Len(); n != 0 {
		t.Fatalf("registry still holds %d sandboxes", n)
	}

	logs, _ := h.store.GetLogs(context.Background(), task.ID, 0)
	var found bool
	for _, l := range logs {
		if l.Level == model.LogError && strings.HasPrefix(l.Message, "timeout failure") {
			found = true
		}
	}
	if !found {
		t.Fatal("no timeout failure logged")
	}
}

func TestPushFailureFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.pushExit = 1

	task, err := h.engine.CreateTask(context.Background(), taskRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.engine.Wait()

	got := h.task(t, task.ID)
	if got.Status != model.TaskError || !strings.Contains(got.Error, "remote rejected") {
		t.Fatalf("status = %s error = %q", got.Status, got.Error)
	}
	if _, terminated, _ := h.prov.counts(); terminated != 1 {
		t.Fatalf("terminated %d times, want 1", terminated)
	}
}

func TestAgentFailureDoesNotPush(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.fn = func(context.Context, agent.Request) (*agent.Result, error) {
		return &agent.Result{ExitCode: 1, Error: "claude exited with code 1", ChangesDetected: true}, nil
	}

	task, _ := h.engine.CreateTask(context.Background(), taskRequest())
	h.engine.Wait()

	got := h.task(t, task.ID)
	if got.Status != model.TaskError || !strings.Contains(got.Error, "agent failed") {
		t.Fatalf("status = %s error = %q", got.Status, got.Error)
	}
	if _, _, pushes := h.prov.counts(); pushes != 0 {
		t.Fatal("failed agent run was pushed")
	}
}

func TestNoChangesCompletesWithoutPush(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.fn = func(context.Context, agent.Request) (*agent.Result, error) {
		return &agent.Result{Success: true, ResponseText: "nothing to do"}, nil
	}

	task, _ := h.engine.CreateTask(context.Background(), taskRequest())
	h.engine.Wait()

	if got := h.task(t, task.ID); got.Status != model.TaskCompleted {
		t.Fatalf("status = %s error = %q", got.Status, got.Error)
	}
	if _, _, pushes := h.prov.counts(); pushes != 0 {
		t.Fatal("pushed without changes")
	}
}

func fixRequest() FixTaskRequest {
	return FixTaskRequest{
		OwnerID:      "alice",
		DeploymentID: "dep-1",
		Prompt:       "Fix the build",
		Title:        "Fix failed deployment",
		RepoURL:      "acme/web",
		BaseBranch:   "main",
		Branch:       "autopatch/fix-dep-1",
	}
}

func TestFixModeOpensPR(t *testing.T) {
	h := newHarness(t, nil)

	task, err := h.engine.CreateFixTask(context.Background(), fixRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.engine.Wait()

	got := h.task(t, task.ID)
	if got.Status != model.TaskCompleted || got.PRNumber != 5 {
		t.Fatalf("status = %s pr = %d error = %q", got.Status, got.PRNumber, got.Error)
	}
	if got.BranchName != "autopatch/fix-dep-1" {
		t.Fatalf("fix branch not reused: %q", got.BranchName)
	}
	if len(h.sink.pushed) != 1 || len(h.sink.succeeded) != 1 || len(h.sink.failed) != 0 {
		t.Fatalf("sink calls: pushed=%d succeeded=%d failed=%d", len(h.sink.pushed), len(h.sink.succeeded), len(h.sink.failed))
	}
}

func TestLateTimeoutLeavesCompletedTaskAlone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.engine.CreateFixTask(ctx, fixRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.engine.Wait()

	h.engine.fail(ctx, h.task(t, task.ID), failure(FailTimeout, "%w after 1m0s", ErrTimeout))

	got := h.task(t, task.ID)
	if got.Status != model.TaskCompleted || got.Error != "" {
		t.Fatalf("status = %s error = %q", got.Status, got.Error)
	}
	if len(h.sink.failed) != 0 {
		t.Fatalf("sink told the fix failed: %v", h.sink.failed)
	}
	logs, _ := h.store.GetLogs(ctx, task.ID, 0)
	for _, l := range logs {
		if l.Level == model.LogError {
			t.Fatalf("unexpected error log: %q", l.Message)
		}
	}
}

func TestFixModePRFailureMarksDeploymentFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.scm.prFn = func(github.PROptions) (*github.PRResult, error) {
		return nil, errors.New("422 validation failed")
	}

	task, err := h.engine.CreateFixTask(context.Background(), fixRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.engine.Wait()

	got := h.task(t, task.ID)
	if got.Status != model.TaskError || !strings.Contains(got.Error, "pull request failed") {
		t.Fatalf("status = %s error = %q", got.Status, got.Error)
	}
	if _, _, pushes := h.prov.counts(); pushes != 1 {
		t.Fatalf("pushes = %d, want 1", pushes)
	}
	if len(h.sink.succeeded) != 0 || len(h.sink.failed) != 1 || !strings.Contains(h.sink.failed[0], "422") {
		t.Fatalf("sink calls: succeeded=%d failed=%v", len(h.sink.succeeded), h.sink.failed)
	}
}

func TestKeepAliveSandboxIsResumed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := taskRequest()
	req.KeepAlive = true
	first, err := h.engine.CreateTask(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.engine.Wait()
	if _, terminated, _ := h.prov.counts(); terminated != 0 {
		t.Fatal("kept-alive sandbox was terminated")
	}

	follow := taskRequest()
	follow.Prompt = "Now add a license"
	follow.ResumeTaskID = first.ID
	second, err := h.engine.CreateTask(ctx, follow)
	if err != nil {
		t.Fatalf("create follow-up: %v", err)
	}
	h.engine.Wait()

	got := h.task(t, second.ID)
	if got.Status != model.TaskCompleted || got.SandboxID != "sbx-"+first.ID {
		t.Fatalf("status = %s sandbox = %q error = %q", got.Status, got.SandboxID, got.Error)
	}
	provisioned, terminated, _ := h.prov.counts()
	if provisioned != 1 || terminated != 1 {
		t.Fatalf("provisioned=%d terminated=%d", provisioned, terminated)
	}
	if req := h.agent.requests[1]; req.ResumeSessionID != "sess-1" {
		t.Fatalf("agent session not resumed: %+v", req)
	}
}

func TestResumeExpiredSandboxFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := taskRequest()
	req.KeepAlive = true
	first, _ := h.engine.CreateTask(ctx, req)
	h.engine.Wait()

	h.prov.mu.Lock()
	h.prov.running = map[string]bool{}
	h.prov.mu.Unlock()

	follow := taskRequest()
	follow.ResumeTaskID = first.ID
	second, err := h.engine.CreateTask(ctx, follow)
	if err != nil {
		t.Fatalf("create follow-up: %v", err)
	}
	h.engine.Wait()

	got := h.task(t, second.ID)
	if got.Status != model.TaskError || !strings.Contains(got.Error, "sandbox expired") {
		t.Fatalf("status = %s error = %q", got.Status, got.Error)
	}
	if len(h.agent.requests) != 1 {
		t.Fatal("agent ran without a sandbox")
	}
}

func TestFailInterruptedAfterRestart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	left := []*model.Task{
		{ID: "queued", OwnerID: "alice", Prompt: "p", RepoURL: "acme/web"},
		{ID: "fixing", OwnerID: "alice", Prompt: "p", RepoURL: "acme/web", Mode: model.ModeDeploymentFix, DeploymentID: "dep-1"},
	}
	for _, task := range left {
		if err := h.store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	n, err := h.engine.FailInterrupted(ctx)
	if err != nil || n != 2 {
		t.Fatalf("fail interrupted: n=%d err=%v", n, err)
	}
	for _, task := range left {
		got := h.task(t, task.ID)
		if got.Status != model.TaskError || got.Error != InterruptedReason {
			t.Fatalf("task %s: status = %s error = %q", task.ID, got.Status, got.Error)
		}
	}
	if len(h.sink.failed) != 1 || !strings.Contains(h.sink.failed[0], InterruptedReason) {
		t.Fatalf("deployment failures = %v", h.sink.failed)
	}
}

func TestAdoptedSandboxCanBeResumed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	prev := &model.Task{ID: "prev", OwnerID: "alice", Prompt: "p", RepoURL: "acme/web", KeepAlive: true}
	if err := h.store.CreateTask(ctx, prev); err != nil {
		t.Fatalf("create task: %v", err)
	}
	prev.Status = model.TaskCompleted
	prev.SandboxID = "sbx-prev"
	if err := h.store.UpdateTask(ctx, prev); err != nil {
		t.Fatalf("update task: %v", err)
	}
	h.prov.mu.Lock()
	h.prov.running["sbx-prev"] = true
	h.prov.mu.Unlock()

	n, err := h.engine.AdoptKeptAlive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("adopt: n=%d err=%v", n, err)
	}

	follow := taskRequest()
	follow.ResumeTaskID = prev.ID
	task, err := h.engine.CreateTask(ctx, follow)
	if err != nil {
		t.Fatalf("create follow-up: %v", err)
	}
	h.engine.Wait()

	got := h.task(t, task.ID)
	if got.Status != model.TaskCompleted || got.SandboxID != "sbx-prev" {
		t.Fatalf("status = %s sandbox = %q error = %q", got.Status, got.SandboxID, got.Error)
	}
	if provisioned, _, _ := h.prov.counts(); provisioned != 0 {
		t.Fatalf("provisioned %d sandboxes, want the adopted one reused", provisioned)
	}
}

func TestResumeRequiresFinishedKeepAliveTask(t *testing.T) {
	unblock := make(chan struct{})
	h := newHarness(t, nil)
	ctx := context.Background()
	h.agent.fn = func(context.Context, agent.Request) (*agent.Result, error) {
		<-unblock
		return nil, errors.New("agent crashed")
	}

	req := taskRequest()
	req.KeepAlive = true
	running, err := h.engine.CreateTask(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	follow := taskRequest()
	follow.ResumeTaskID = running.ID
	if _, err := h.engine.CreateTask(ctx, follow); !errors.Is(err, ErrValidation) {
		t.Fatalf("resuming a running task: err = %v", err)
	}
	close(unblock)
	h.engine.Wait()

	h.agent.fn = nil
	plain, err := h.engine.CreateTask(ctx, taskRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.engine.Wait()
	follow.ResumeTaskID = plain.ID
	if _, err := h.engine.CreateTask(ctx, follow); !errors.Is(err, ErrValidation) {
		t.Fatalf("resuming a task that was not kept alive: err = %v", err)
	}

	provisioned, terminated, _ := h.prov.counts()
	if provisioned != 2 || terminated != 2 {
		t.Fatalf("provisioned=%d terminated=%d", provisioned, terminated)
	}
	if n := h.engine.sandboxes.Registry().Len(); n != 0 {
		t.Fatalf("registry still holds %d sandboxes", n)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cases := []TaskRequest{
		{OwnerID: "alice", Prompt: "x"},
		{OwnerID: "alice", RepoURL: "acme/web"},
		{OwnerID: "alice", Prompt: "x", RepoURL: "not a repo"},
		{OwnerID: "alice", Prompt: "x", RepoURL: "acme/web", Provider: "openai"},
	}
	for _, req := range cases {
		if _, err := h.engine.CreateTask(ctx, req); !errors.Is(err, ErrValidation) {
			t.Errorf("%+v: expected ErrValidation, got %v", req, err)
		}
	}
	tasks, _ := h.store.ListTasks(ctx, "")
	if len(tasks) != 0 {
		t.Fatalf("invalid tasks were persisted: %d", len(tasks))
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(failure(FailAgent, "boom")) != FailAgent {
		t.Fatal("expected agent kind")
	}
	if KindOf(context.DeadlineExceeded) != FailTimeout {
		t.Fatal("expected timeout kind")
	}
	if KindOf(errors.New("x")) != FailInfrastructure {
		t.Fatal("expected infrastructure kind")
	}
}
