package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/autopatch/internal/autofix"
	"github.com/jxucoder/autopatch/internal/engine"
	"github.com/jxucoder/autopatch/internal/eventbus"
	"github.com/jxucoder/autopatch/internal/github"
	"github.com/jxucoder/autopatch/internal/hosting"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/store"
)

// fakeTasks persists tasks without running them.
type fakeTasks struct {
	store *store.Store
	bus   *eventbus.Bus
	mu    sync.Mutex
	last  engine.TaskRequest
}

func (f *fakeTasks) CreateTask(ctx context.Context, req engine.TaskRequest) (*model.Task, error) {
	if req.Prompt == "" || req.RepoURL == "" {
		return nil, fmt.Errorf("%w: prompt and repo are required", engine.ErrValidation)
	}
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	t := &model.Task{ID: "t1", OwnerID: req.OwnerID, Prompt: req.Prompt, RepoURL: req.RepoURL, KeepAlive: req.KeepAlive}
	return t, f.store.CreateTask(ctx, t)
}

func (f *fakeTasks) StopTask(ctx context.Context, id string) error {
	return f.store.StopTask(ctx, id)
}

func (f *fakeTasks) Bus() *eventbus.Bus { return f.bus }

type fakeFixer struct{ n int }

func (f *fakeFixer) CreateFixTask(context.Context, engine.FixTaskRequest) (*model.Task, error) {
	f.n++
	return &model.Task{ID: fmt.Sprintf("fix-%d", f.n)}, nil
}

type fakeHosting struct {
	created []string
	deleted []string
}

func (f *fakeHosting) ListProjects(context.Context) ([]hosting.Project, error) {
	return []hosting.Project{{ID: "prj_1", Name: "web"}}, nil
}

func (f *fakeHosting) CreateWebhook(_ context.Context, endpoint string, _ []string) (*hosting.Webhook, error) {
	f.created = append(f.created, endpoint)
	return &hosting.Webhook{ID: "hook_1", URL: endpoint}, nil
}

func (f *fakeHosting) DeleteWebhook(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type testServer struct {
	handler  *Handler
	store    *store.Store
	tasks    *fakeTasks
	pipeline *autofix.Pipeline
	hosting  *fakeHosting
}

const secret = "s3cret"

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pipe := autofix.New(autofix.Deps{Store: st, Fixer: &fakeFixer{}})
	t.Cleanup(pipe.Close)

	ts := &testServer{
		store:    st,
		tasks:    &fakeTasks{store: st, bus: eventbus.New()},
		pipeline: pipe,
		hosting:  &fakeHosting{},
	}
	ts.handler = New(st, ts.tasks, pipe, Options{
		Hosting:       ts.hosting,
		WebhookSecret: secret,
		PublicURL:     "https://autopatch.example/",
	})
	return ts
}

func (ts *testServer) do(method, path, owner, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	w := httptest.NewRecorder()
	ts.handler.Router().ServeHTTP(w, req)
	return w
}

func (ts *testServer) subscribe(t *testing.T, maxAttempts int) *model.Subscription {
	t.Helper()
	sub := &model.Subscription{
		ID: "sub-1", OwnerID: "alice", PlatformProjectID: "prj_1", ProjectName: "web",
		RepoURL: "acme/web", AutoFixEnabled: true, MaxFixAttempts: maxAttempts, BranchPrefix: "autopatch/",
	}
	if err := ts.store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func TestHealthEndpoint(t *testing.T) {
	w := newTestServer(t).do(http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("health = %d %q", w.Code, w.Body.String())
	}
}

func TestCreateTask(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/tasks", "alice", `{"repo":"acme/web","prompt":"add a footer","keep_alive":true,"max_duration":"10m"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if ts.tasks.last.OwnerID != "alice" || !ts.tasks.last.KeepAlive || ts.tasks.last.MaxDuration != 10*time.Minute {
		t.Fatalf("unexpected request: %+v", ts.tasks.last)
	}

	if w := ts.do(http.MethodPost, "/api/tasks", "alice", `{"repo":"acme/web"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing prompt: expected 400, got %d", w.Code)
	}
	if w := ts.do(http.MethodPost, "/api/tasks", "alice", `{"repo":"acme/web","prompt":"x","max_duration":"soon"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad duration: expected 400, got %d", w.Code)
	}
}

func TestTasksAreScopedToOwner(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/api/tasks", "alice", `{"repo":"acme/web","prompt":"p"}`)

	if w := ts.do(http.MethodGet, "/api/tasks/t1", "bob", ""); w.Code != http.StatusNotFound {
		t.Fatalf("other owner: expected 404, got %d", w.Code)
	}
	w := ts.do(http.MethodGet, "/api/tasks", "bob", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("other owner list = %s", w.Body.String())
	}
	if w := ts.do(http.MethodGet, "/api/tasks/t1", "alice", ""); w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", w.Code)
	}
}

func TestStopAndDeleteTask(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/api/tasks", "", `{"repo":"acme/web","prompt":"p"}`)

	w := ts.do(http.MethodPost, "/api/tasks/t1/stop", "", "")
	var task model.Task
	json.NewDecoder(w.Body).Decode(&task)
	if w.Code != http.StatusOK || task.Status != model.TaskStopped {
		t.Fatalf("stop = %d status %s", w.Code, task.Status)
	}
	if w := ts.do(http.MethodPost, "/api/tasks/t1/stop", "", ""); w.Code != http.StatusConflict {
		t.Fatalf("second stop: expected 409, got %d", w.Code)
	}
	if w := ts.do(http.MethodDelete, "/api/tasks/t1", "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/tasks/t1", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("deleted task: expected 404, got %d", w.Code)
	}
}

func TestTaskLogsStreamHistoryThenDone(t *testing.T) {
	old := statusPollInterval
	statusPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { statusPollInterval = old })

	ts := newTestServer(t)
	ctx := context.Background()
	task := &model.Task{ID: "t1", OwnerID: "default", Prompt: "p", RepoURL: "acme/web", Status: model.TaskCompleted}
	if err := ts.store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	ts.store.AddLog(ctx, &model.LogEntry{TaskID: "t1", Level: model.LogInfo, Message: "cloning"})
	ts.store.AddLog(ctx, &model.LogEntry{TaskID: "t1", Level: model.LogSuccess, Message: "done"})

	w := ts.do(http.MethodGet, "/api/tasks/t1/logs", "", "")
	body := w.Body.String()
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type = %q", w.Header().Get("Content-Type"))
	}
	if strings.Count(body, "event: log") != 2 || !strings.Contains(body, "cloning") {
		t.Fatalf("unexpected stream: %s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("stream did not finish: %s", body)
	}
}

func signedWebhook(ts *testServer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/deployments", strings.NewReader(body))
	req.Header.Set(hosting.SignatureHeader, hosting.Sign([]byte(body), secret))
	w := httptest.NewRecorder()
	ts.handler.Router().ServeHTTP(w, req)
	return w
}

func TestDeploymentWebhookIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t, 3)
	body := `{"deliveryId":"del-1","deploymentId":"dpl_1","subscriptionId":"sub-1","branch":"main","buildErrorText":"error TS2304: Cannot find name 'x'."}`

	w := signedWebhook(ts, body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first delivery: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var first webhookResponse
	json.NewDecoder(w.Body).Decode(&first)

	w = signedWebhook(ts, body)
	var second webhookResponse
	json.NewDecoder(w.Body).Decode(&second)
	if w.Code != http.StatusOK || !second.Duplicate || second.DeploymentID != first.DeploymentID {
		t.Fatalf("redelivery = %d %+v", w.Code, second)
	}

	ts.pipeline.Wait()
	list, _ := ts.store.ListDeployments(context.Background(), "sub-1", 0)
	if len(list) != 1 || list[0].FixStatus != model.FixFixing {
		t.Fatalf("deployments = %+v", list)
	}
}

func TestDeploymentWebhookRejects(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t, 3)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/deployments",
		strings.NewReader(`{"deploymentId":"dpl_1","subscriptionId":"sub-1"}`))
	req.Header.Set(hosting.SignatureHeader, "sha256=00")
	w := httptest.NewRecorder()
	ts.handler.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", w.Code)
	}

	if w := signedWebhook(ts, `{"deploymentId":"dpl_1","projectId":"prj_nope"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown project: expected 404, got %d", w.Code)
	}
}

func TestGitHubMergeMarksDeploymentMerged(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t, 3)
	ctx := context.Background()

	d, _, err := ts.pipeline.Ingest(ctx, &hosting.FailedDeployment{
		DeploymentID: "dpl_1", SubscriptionID: "sub-1", Branch: "main", BuildErrorText: "Build failed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.pipeline.Process(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	pr := &github.PRResult{URL: "https://github.com/acme/web/pull/3", Number: 3}
	if err := ts.pipeline.FixSucceeded(ctx, d.ID, pr); err != nil {
		t.Fatal(err)
	}

	body := `{"action":"closed","number":3,"pull_request":{"html_url":"https://github.com/acme/web/pull/3","merged":true,"head":{"ref":"autopatch/fix"}},"repository":{"full_name":"acme/web"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	w := httptest.NewRecorder()
	ts.handler.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := ts.store.GetDeployment(ctx, d.ID)
	if got.FixStatus != model.FixMerged {
		t.Fatalf("status = %s", got.FixStatus)
	}
}

func TestRetryRequiresRetryableDeployment(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t, 1)
	ctx := context.Background()

	d, _, _ := ts.pipeline.Ingest(ctx, &hosting.FailedDeployment{
		DeploymentID: "dpl_1", SubscriptionID: "sub-1", BuildErrorText: "Build failed",
	})
	ts.pipeline.Process(ctx, d.ID)
	if err := ts.pipeline.FixFailed(ctx, d.ID, "agent failed"); err != nil {
		t.Fatal(err)
	}

	w := ts.do(http.MethodPost, "/api/deployments/"+d.ID+"/retry", "alice", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("exhausted retry: expected 409, got %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/deployments/"+d.ID, "bob", ""); w.Code != http.StatusNotFound {
		t.Fatalf("other owner: expected 404, got %d", w.Code)
	}
	w = ts.do(http.MethodGet, "/api/deployments", "alice", "")
	var list []model.Deployment
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || !list[0].Exhausted {
		t.Fatalf("list = %+v", list)
	}
}

func TestSubscriptionLifecycleRegistersWebhook(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/subscriptions", "alice",
		`{"platform_project_id":"prj_9","repo":"acme/api","register_webhook":true,"max_fix_attempts":2}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sub model.Subscription
	json.NewDecoder(w.Body).Decode(&sub)
	if sub.WebhookID != "hook_1" || !sub.AutoFixEnabled || sub.MaxFixAttempts != 2 {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if len(ts.hosting.created) != 1 || ts.hosting.created[0] != "https://autopatch.example/api/webhooks/deployments" {
		t.Fatalf("webhooks = %v", ts.hosting.created)
	}

	w = ts.do(http.MethodPatch, "/api/subscriptions/"+sub.ID, "alice", `{"auto_fix_enabled":false}`)
	json.NewDecoder(w.Body).Decode(&sub)
	if w.Code != http.StatusOK || sub.AutoFixEnabled || sub.RepoURL != "acme/api" {
		t.Fatalf("patch = %d %+v", w.Code, sub)
	}

	w = ts.do(http.MethodPost, "/api/subscriptions/"+sub.ID+"/rules", "alice", `{"pattern":"ENOENT","skip_fix":true}`)
	var rule model.FixRule
	json.NewDecoder(w.Body).Decode(&rule)
	if w.Code != http.StatusCreated || !rule.Enabled {
		t.Fatalf("create rule = %d %+v", w.Code, rule)
	}
	if w := ts.do(http.MethodDelete, "/api/rules/"+rule.ID, "bob", ""); w.Code != http.StatusNotFound {
		t.Fatalf("delete rule as other owner: expected 404, got %d", w.Code)
	}
	if w := ts.do(http.MethodDelete, "/api/rules/"+rule.ID, "alice", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete rule: expected 204, got %d", w.Code)
	}

	if w := ts.do(http.MethodDelete, "/api/subscriptions/"+sub.ID, "alice", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	if len(ts.hosting.deleted) != 1 || ts.hosting.deleted[0] != "hook_1" {
		t.Fatalf("deleted webhooks = %v", ts.hosting.deleted)
	}
}

func TestSubscriptionValidation(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct{ name, body string }{
		{"no project", `{"repo":"acme/web"}`},
		{"bad repo", `{"platform_project_id":"prj_1","repo":"nope"}`},
		{"negative attempts", `{"platform_project_id":"prj_1","repo":"acme/web","max_fix_attempts":-1}`},
	}
	for _, tt := range tests {
		if w := ts.do(http.MethodPost, "/api/subscriptions", "", tt.body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.name, w.Code)
		}
	}
}

func TestListProjectsWithoutHosting(t *testing.T) {
	ts := newTestServer(t)
	h := New(ts.store, ts.tasks, ts.pipeline, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/projects", "", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
