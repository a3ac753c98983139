package hosting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tok", TeamID: "team_1"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestListProjects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v9/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" || r.URL.Query().Get("teamId") != "team_1" {
			http.Error(w, `{"error":{"code":"forbidden","message":"no"}}`, http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"projects":[{"id":"prj_1","name":"web","link":{"type":"github","org":"acme","repo":"web"}}]}`))
	})

	projects, err := newTestClient(t, mux).ListProjects(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(projects) != 1 || projects[0].RepoFullName() != "acme/web" {
		t.Fatalf("unexpected projects: %+v", projects)
	}
}

func TestBuildLogKeepsOutputEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/deployments/dpl_1/events", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"type": "command", "payload": map[string]string{"text": "npm run build"}},
			{"type": "delimiter", "payload": map[string]string{"text": "---"}},
			{"type": "stderr", "payload": map[string]string{"text": "error TS2304: Cannot find name 'foo'.\n\n"}},
		})
	})

	text, err := newTestClient(t, mux).BuildLog(context.Background(), "dpl_1")
	if err != nil {
		t.Fatalf("build log: %v", err)
	}
	if text != "npm run build\nerror TS2304: Cannot find name 'foo'." {
		t.Fatalf("log = %q", text)
	}
}

func TestAPIErrorNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v13/deployments/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"Deployment not found"}}`))
	})
	mux.HandleFunc("DELETE /v1/webhooks/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "", http.StatusNotFound)
	})

	c := newTestClient(t, mux)
	_, err := c.GetDeployment(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "not_found" {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.DeleteWebhook(context.Background(), "gone"); err != nil {
		t.Fatalf("deleting a missing webhook should succeed: %v", err)
	}
}

func TestCreateWebhook(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/webhooks", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URL        string   `json:"url"`
			Events     []string `json:"events"`
			ProjectIDs []string `json:"projectIds"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.URL != "https://autopatch.example/api/webhooks/deployments" || body.Events[0] != "deployment.error" || body.ProjectIDs[0] != "prj_1" {
			t.Errorf("unexpected body: %+v", body)
		}
		w.Write([]byte(`{"id":"hook_1","secret":"s"}`))
	})

	hook, err := newTestClient(t, mux).CreateWebhook(context.Background(), "https://autopatch.example/api/webhooks/deployments", []string{"prj_1"})
	if err != nil || hook.ID != "hook_1" {
		t.Fatalf("create webhook = %+v, %v", hook, err)
	}
}

func TestParseWebhook(t *testing.T) {
	body := `{"deploymentId":"dpl_1","subscriptionId":"sub_1","branch":"main","buildErrorText":"boom"}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/deployments", strings.NewReader(body))
	req.Header.Set(SignatureHeader, Sign([]byte(body), "s3cret"))
	req.Header.Set(DeliveryHeader, "del_1")

	ev, err := ParseWebhook(req, "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.DeliveryID != "del_1" || ev.DeploymentID != "dpl_1" || ev.BuildErrorText != "boom" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseWebhookRejects(t *testing.T) {
	tests := []struct {
		name, body, sig string
	}{
		{"bad signature", `{"deploymentId":"d","subscriptionId":"s"}`, "sha256=00"},
		{"no signature", `{"deploymentId":"d","subscriptionId":"s"}`, ""},
		{"no deployment", `{"subscriptionId":"s"}`, "sign"},
		{"no subscription", `{"deploymentId":"d"}`, "sign"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
		sig := tt.sig
		if sig == "sign" {
			sig = Sign([]byte(tt.body), "k")
		}
		req.Header.Set(SignatureHeader, sig)
		if _, err := ParseWebhook(req, "k"); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
