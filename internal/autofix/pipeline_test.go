package autofix

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jxucoder/autopatch/internal/engine"
	"github.com/jxucoder/autopatch/internal/github"
	"github.com/jxucoder/autopatch/internal/hosting"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/notify"
	"github.com/jxucoder/autopatch/internal/store"
)

const tsLog = "src/app.tsx(12,5): error TS2304: Cannot find name 'foo'."

type fakeFixer struct {
	mu   sync.Mutex
	reqs []engine.FixTaskRequest
	err  error
}

func (f *fakeFixer) CreateFixTask(_ context.Context, req engine.FixTaskRequest) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &model.Task{ID: fmt.Sprintf("task-%d", len(f.reqs)), Mode: model.ModeDeploymentFix}, nil
}

func (f *fakeFixer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type harness struct {
	store    *store.Store
	fixer    *fakeFixer
	notifier *recordingNotifier
	pipeline *Pipeline
	sub      *model.Subscription
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "autofix.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sub := &model.Subscription{
		ID:                "sub-1",
		OwnerID:           "owner-1",
		PlatformProjectID: "prj_1",
		ProjectName:       "web",
		RepoURL:           "acme/web",
		BaseBranch:        "main",
		AutoFixEnabled:    true,
		MaxFixAttempts:    maxAttempts,
		BranchPrefix:      "autopatch/",
		Notify:            true,
	}
	if err := st.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	h := &harness{store: st, fixer: &fakeFixer{}, notifier: &recordingNotifier{}, sub: sub}
	h.pipeline = New(Deps{Store: st, Fixer: h.fixer, Notifier: h.notifier})
	t.Cleanup(h.pipeline.Close)
	return h
}

func (h *harness) ingest(t *testing.T, ev *hosting.FailedDeployment) *model.Deployment {
	t.Helper()
	d, created, err := h.pipeline.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if created {
		if err := h.pipeline.Process(context.Background(), d.ID); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	got, err := h.store.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	return got
}

func failedEvent(deliveryID, deploymentID, branch string) *hosting.FailedDeployment {
	return &hosting.FailedDeployment{
		DeliveryID:     deliveryID,
		DeploymentID:   deploymentID,
		SubscriptionID: "sub-1",
		Branch:         branch,
		BuildErrorText: tsLog,
	}
}

func TestIngestStartsFixTask(t *testing.T) {
	h := newHarness(t, 3)
	d := h.ingest(t, failedEvent("del-1", "dpl_1", "feature/login"))

	if d.FixStatus != model.FixFixing || d.Attempt != 1 {
		t.Fatalf("status = %s attempt = %d", d.FixStatus, d.Attempt)
	}
	if d.ErrorType != "typescript" || d.ErrorFile != "src/app.tsx" || d.ErrorLine != 12 {
		t.Fatalf("classification = %s %s:%d", d.ErrorType, d.ErrorFile, d.ErrorLine)
	}
	if d.TaskID != "task-1" || d.FixBranch != "autopatch/fix-"+d.ID[:8] {
		t.Fatalf("task = %q branch = %q", d.TaskID, d.FixBranch)
	}
	req := h.fixer.reqs[0]
	if req.Branch != d.FixBranch || req.BaseBranch != "feature/login" || req.OwnerID != "owner-1" || req.DeploymentID != d.ID {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !strings.Contains(req.Prompt, "TS2304") {
		t.Fatalf("prompt lacks the build error: %q", req.Prompt)
	}
}

func TestDuplicateWebhookIsNoOp(t *testing.T) {
	h := newHarness(t, 3)
	first := h.ingest(t, failedEvent("del-1", "dpl_1", "main"))

	// Same delivery id, then same platform deployment under a new delivery id.
	for _, ev := range []*hosting.FailedDeployment{
		failedEvent("del-1", "dpl_1", "main"),
		failedEvent("del-2", "dpl_1", "main"),
	} {
		d, created, err := h.pipeline.Ingest(context.Background(), ev)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if created || d.ID != first.ID {
			t.Fatalf("duplicate created a new deployment: %+v", d)
		}
	}

	list, err := h.store.ListDeployments(context.Background(), "sub-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || h.fixer.count() != 1 {
		t.Fatalf("deployments = %d, tasks = %d", len(list), h.fixer.count())
	}
}

func TestSkipRuleSkipsWithoutTask(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	if err := h.store.CreateRule(ctx, &model.FixRule{
		ID: "rule-1", SubscriptionID: "sub-1", Name: "missing file", Pattern: "ENOENT", SkipFix: true, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	ev := failedEvent("del-1", "dpl_1", "main")
	ev.BuildErrorText = "Error: ENOENT: no such file or directory, open '.env.production'"
	d := h.ingest(t, ev)

	if d.FixStatus != model.FixSkipped || d.MatchedRuleID != "rule-1" {
		t.Fatalf("status = %s rule = %q", d.FixStatus, d.MatchedRuleID)
	}
	if h.fixer.count() != 0 || d.Attempt != 0 {
		t.Fatalf("skipped deployment spent an attempt: tasks = %d attempt = %d", h.fixer.count(), d.Attempt)
	}
	if len(h.notifier.events) != 1 || h.notifier.events[0].Status != model.FixSkipped {
		t.Fatalf("notifications = %+v", h.notifier.events)
	}
}

func TestRuleErrorTypeOverridesClassification(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.store.CreateRule(ctx, &model.FixRule{
		ID: "rule-1", SubscriptionID: "sub-1", Pattern: "TS2304", ErrorType: "config",
		CustomPrompt: "Check tsconfig paths first.", Enabled: true,
	})

	d := h.ingest(t, failedEvent("del-1", "dpl_1", "main"))
	if d.ErrorType != "config" {
		t.Fatalf("error type = %q", d.ErrorType)
	}
	if !strings.Contains(h.fixer.reqs[0].Prompt, "Check tsconfig paths first.") {
		t.Fatalf("prompt lacks custom instructions")
	}
}

func TestGovernorStopsFollowUpFailures(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	d := h.ingest(t, failedEvent("del-1", "dpl_1", "main"))
	if err := h.pipeline.FixPushed(ctx, d.ID, d.FixBranch); err != nil {
		t.Fatal(err)
	}

	// The fix branch's own deployment fails: a follow-up on the same branch.
	child := h.ingest(t, failedEvent("del-2", "dpl_2", d.FixBranch))
	if child.ParentID != d.ID || child.FixBranch != d.FixBranch {
		t.Fatalf("child not linked: %+v", child)
	}
	if child.FixStatus != model.FixFailed || !child.Exhausted {
		t.Fatalf("child status = %s exhausted = %t", child.FixStatus, child.Exhausted)
	}
	if h.fixer.count() != 1 {
		t.Fatalf("tasks = %d, want 1", h.fixer.count())
	}

	// A redelivery of the first deployment still does nothing.
	h.ingest(t, failedEvent("del-3", "dpl_1", "main"))
	if h.fixer.count() != 1 {
		t.Fatalf("redelivery started a task")
	}
}

func TestFixFailedOnLastAttemptExhausts(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	d := h.ingest(t, failedEvent("del-1", "dpl_1", "main"))

	if err := h.pipeline.FixFailed(ctx, d.ID, "agent exited with code 1"); err != nil {
		t.Fatal(err)
	}
	got, _ := h.store.GetDeployment(ctx, d.ID)
	if got.FixStatus != model.FixFailed || !got.Exhausted || got.ErrorMessage != "agent exited with code 1" {
		t.Fatalf("unexpected deployment: %+v", got)
	}
	if _, err := h.pipeline.Retry(ctx, d.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry of exhausted deployment = %v", err)
	}
}

func TestRetryReopensFailedDeployment(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	d := h.ingest(t, failedEvent("del-1", "dpl_1", "main"))
	if err := h.pipeline.FixFailed(ctx, d.ID, "push rejected"); err != nil {
		t.Fatal(err)
	}

	if _, err := h.pipeline.Retry(ctx, d.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.pipeline.Wait()

	got, _ := h.store.GetDeployment(ctx, d.ID)
	if got.FixStatus != model.FixFixing || got.Attempt != 2 || got.TaskID != "task-2" {
		t.Fatalf("after retry: status = %s attempt = %d task = %s", got.FixStatus, got.Attempt, got.TaskID)
	}
	if h.fixer.reqs[1].Branch != d.FixBranch {
		t.Fatalf("retry used branch %q, want %q", h.fixer.reqs[1].Branch, d.FixBranch)
	}
}

func TestFixLifecycleToMerged(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	d := h.ingest(t, failedEvent("del-1", "dpl_1", "main"))

	if err := h.pipeline.FixPushed(ctx, d.ID, d.FixBranch); err != nil {
		t.Fatal(err)
	}
	pr := &github.PRResult{URL: "https://github.com/acme/web/pull/9", Number: 9}
	if err := h.pipeline.FixSucceeded(ctx, d.ID, pr); err != nil {
		t.Fatal(err)
	}
	merged, err := h.pipeline.MarkMerged(ctx, pr.URL)
	if err != nil {
		t.Fatalf("mark merged: %v", err)
	}
	if merged.FixStatus != model.FixMerged || merged.PRNumber != 9 {
		t.Fatalf("unexpected deployment: %+v", merged)
	}
	if len(h.notifier.events) != 2 || h.notifier.events[0].PRURL != pr.URL {
		t.Fatalf("notifications = %+v", h.notifier.events)
	}

	// Terminal deployments refuse further moves.
	if err := h.pipeline.FixFailed(ctx, d.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fail after merge = %v", err)
	}
}

func TestAutoFixDisabledSkips(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.sub.AutoFixEnabled = false
	if err := h.store.UpdateSubscription(ctx, h.sub); err != nil {
		t.Fatal(err)
	}
	d := h.ingest(t, failedEvent("del-1", "dpl_1", "main"))
	if d.FixStatus != model.FixSkipped || h.fixer.count() != 0 {
		t.Fatalf("status = %s tasks = %d", d.FixStatus, h.fixer.count())
	}
}

func TestUnknownSubscription(t *testing.T) {
	h := newHarness(t, 3)
	ev := &hosting.FailedDeployment{DeploymentID: "dpl_1", ProjectID: "prj_unknown"}
	if _, _, err := h.pipeline.Ingest(context.Background(), ev); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("err = %v", err)
	}
}

type fakeLogs struct{ text string }

func (f fakeLogs) BuildLog(context.Context, string) (string, error) { return f.text, nil }

func TestProcessFetchesMissingBuildLog(t *testing.T) {
	h := newHarness(t, 3)
	h.pipeline.logs = fakeLogs{text: "Module not found: Can't resolve 'lodash'"}

	ev := failedEvent("del-1", "dpl_1", "main")
	ev.BuildErrorText = ""
	ev.SubscriptionID = ""
	ev.ProjectID = "prj_1"
	d := h.ingest(t, ev)
	if d.ErrorType != "dependency" || !strings.Contains(d.BuildErrorText, "lodash") {
		t.Fatalf("type = %q text = %q", d.ErrorType, d.BuildErrorText)
	}
}

// conflictingStore makes the first write of every deployment lose a race
// against a concurrent writer.
type conflictingStore struct {
	*store.Store
	mu       sync.Mutex
	raced    map[string]bool
	conflict int
}

func (c *conflictingStore) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	c.mu.Lock()
	race := !c.raced[d.ID]
	c.raced[d.ID] = true
	c.mu.Unlock()
	if race {
		other, err := c.Store.GetDeployment(ctx, d.ID)
		if err != nil {
			return err
		}
		if err := c.Store.UpdateDeployment(ctx, other); err != nil {
			return err
		}
	}
	err := c.Store.UpdateDeployment(ctx, d)
	if errors.Is(err, store.ErrVersionConflict) {
		c.mu.Lock()
		c.conflict++
		c.mu.Unlock()
	}
	return err
}

func TestVersionConflictIsRetried(t *testing.T) {
	h := newHarness(t, 3)
	cs := &conflictingStore{Store: h.store, raced: make(map[string]bool)}
	h.pipeline.store = cs

	d := h.ingest(t, failedEvent("del-1", "dpl_1", "main"))
	if cs.conflict == 0 {
		t.Fatal("expected at least one version conflict")
	}
	if d.FixStatus != model.FixFixing || d.TaskID != "task-1" {
		t.Fatalf("status = %s task = %q", d.FixStatus, d.TaskID)
	}
}

// lockedRulesStore fails every rule lookup.
type lockedRulesStore struct {
	*store.Store
}

func (lockedRulesStore) ListRules(context.Context, string) ([]*model.FixRule, error) {
	return nil, errors.New("database is locked")
}

func TestAnalysisErrorFailsDeployment(t *testing.T) {
	h := newHarness(t, 3)
	h.pipeline.store = lockedRulesStore{Store: h.store}
	ctx := context.Background()

	d, _, err := h.pipeline.Ingest(ctx, failedEvent("del-1", "dpl_1", "main"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := h.pipeline.Process(ctx, d.ID); err == nil {
		t.Fatal("expected Process to report the rule lookup error")
	}
	got, err := h.store.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if got.FixStatus != model.FixFailed || !strings.Contains(got.ErrorMessage, "database is locked") {
		t.Fatalf("status = %s error = %q", got.FixStatus, got.ErrorMessage)
	}
	if got.Exhausted || h.fixer.count() != 0 {
		t.Fatalf("exhausted = %v tasks = %d", got.Exhausted, h.fixer.count())
	}

	h.pipeline.store = h.store
	if _, err := h.pipeline.Retry(ctx, d.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.pipeline.Wait()
	got, _ = h.store.GetDeployment(ctx, d.ID)
	if got.FixStatus != model.FixFixing || h.fixer.count() != 1 {
		t.Fatalf("after retry status = %s tasks = %d", got.FixStatus, h.fixer.count())
	}
}

// cancellingFixer cancels the processing context as the task starts, the way
// Close does during shutdown.
type cancellingFixer struct {
	cancel context.CancelFunc
}

func (f cancellingFixer) CreateFixTask(ctx context.Context, _ engine.FixTaskRequest) (*model.Task, error) {
	f.cancel()
	return nil, ctx.Err()
}

func TestCancelledProcessStillRecordsFailure(t *testing.T) {
	h := newHarness(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.pipeline.fixer = cancellingFixer{cancel: cancel}

	d, _, err := h.pipeline.Ingest(ctx, failedEvent("del-1", "dpl_1", "main"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := h.pipeline.Process(ctx, d.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("Process err = %v", err)
	}
	got, err := h.store.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if got.FixStatus != model.FixFailed || !got.Retryable() {
		t.Fatalf("status = %s retryable = %v", got.FixStatus, got.Retryable())
	}
}

func TestResumePendingProcessesLeftovers(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	d, created, err := h.pipeline.Ingest(ctx, failedEvent("del-1", "dpl_1", "main"))
	if err != nil || !created {
		t.Fatalf("ingest: created=%v err=%v", created, err)
	}

	n, err := h.pipeline.ResumePending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResumePending = %d, %v", n, err)
	}
	h.pipeline.Wait()

	got, err := h.store.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if got.FixStatus != model.FixFixing || h.fixer.count() != 1 {
		t.Fatalf("status = %s tasks = %d", got.FixStatus, h.fixer.count())
	}
}

func TestFailInterruptedFailsInFlightDeployments(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	fixing := h.ingest(t, failedEvent("del-1", "dpl_1", "main"))
	reviewing := h.ingest(t, failedEvent("del-2", "dpl_2", "main"))
	if err := h.pipeline.FixPushed(ctx, reviewing.ID, reviewing.FixBranch); err != nil {
		t.Fatal(err)
	}
	pending, _, err := h.pipeline.Ingest(ctx, failedEvent("del-3", "dpl_3", "main"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	n, err := h.pipeline.FailInterrupted(ctx, "interrupted by restart")
	if err != nil || n != 2 {
		t.Fatalf("FailInterrupted = %d, %v", n, err)
	}
	for _, id := range []string{fixing.ID, reviewing.ID} {
		got, _ := h.store.GetDeployment(ctx, id)
		if got.FixStatus != model.FixFailed || got.ErrorMessage != "interrupted by restart" || !got.Retryable() {
			t.Fatalf("deployment %s: status = %s error = %q", id, got.FixStatus, got.ErrorMessage)
		}
	}
	got, _ := h.store.GetDeployment(ctx, pending.ID)
	if got.FixStatus != model.FixPending {
		t.Fatalf("pending deployment moved to %s", got.FixStatus)
	}
}

func TestParseRules(t *testing.T) {
	doc := []byte(`
rules:
  - name: env
    pattern: ENOENT
    skip_fix: true
  - pattern: Module not found
    error_type: dependency
    priority: 5
    enabled: false
`)
	rules, err := ParseRules(doc, "sub-1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rules) != 2 || !rules[0].Enabled || !rules[0].SkipFix || rules[1].Enabled || rules[1].Priority != 5 {
		t.Fatalf("unexpected rules: %+v %+v", rules[0], rules[1])
	}
	if _, err := ParseRules([]byte("rules:\n  - name: empty\n"), "sub-1"); err == nil {
		t.Fatal("expected error for rule without pattern")
	}
}

func TestBuildPromptTailsLog(t *testing.T) {
	var lines []string
	for i := 0; i < 400; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	d := &model.Deployment{ProjectName: "web", Branch: "main", Attempt: 2, BuildErrorText: strings.Join(lines, "\n")}
	prompt := BuildPrompt(d, nil)
	if strings.Contains(prompt, "line 0\n") || !strings.Contains(prompt, "line 399") {
		t.Fatal("prompt should keep only the end of the log")
	}
	if !strings.Contains(prompt, "fix attempt 2") {
		t.Fatal("prompt should mention the attempt")
	}
	if got := Title(&model.Deployment{ProjectName: "web"}); got != "fix(build): build failure in web" {
		t.Fatalf("title = %q", got)
	}
}
