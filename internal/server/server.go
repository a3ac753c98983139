// Package server provides the autopatch HTTP API and webhook endpoints.
// Business logic lives in the engine and the auto-fix pipeline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jxucoder/autopatch/internal/engine"
	"github.com/jxucoder/autopatch/internal/eventbus"
	"github.com/jxucoder/autopatch/internal/hosting"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/store"
)

// OwnerHeader carries the caller's owner id, set by an upstream authenticator.
const OwnerHeader = "X-Owner-ID"

const defaultOwner = "default"

// Tasks runs coding tasks.
type Tasks interface {
	CreateTask(ctx context.Context, req engine.TaskRequest) (*model.Task, error)
	StopTask(ctx context.Context, id string) error
	Bus() *eventbus.Bus
}

// Fixes is the deployment-fix pipeline.
type Fixes interface {
	Ingest(ctx context.Context, ev *hosting.FailedDeployment) (*model.Deployment, bool, error)
	ProcessAsync(id string)
	Retry(ctx context.Context, id string) (*model.Deployment, error)
	MarkMerged(ctx context.Context, prURL string) (*model.Deployment, error)
}

// Hosting is the hosting-platform API used for projects and webhook registration.
type Hosting interface {
	ListProjects(ctx context.Context) ([]hosting.Project, error)
	CreateWebhook(ctx context.Context, endpoint string, projectIDs []string) (*hosting.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// Options configures a Handler. Hosting may be nil.
type Options struct {
	Hosting             Hosting
	WebhookSecret       string
	GitHubWebhookSecret string
	PublicURL           string
	Logger              *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	store  *store.Store
	tasks  Tasks
	fixes  Fixes
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// New creates a Handler.
func New(st *store.Store, tasks Tasks, fixes Fixes, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:  st,
		tasks:  tasks,
		fixes:  fixes,
		opts:   opts,
		logger: logger.With("component", "server"),
	}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (h *Handler) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("http shutdown", "error", err)
		}
	}()

	h.logger.Info("listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(withOwner)

			r.Post("/tasks", h.handleCreateTask)
			r.Get("/tasks", h.handleListTasks)
			r.Get("/tasks/{id}", h.handleGetTask)
			r.Get("/tasks/{id}/messages", h.handleGetMessages)
			r.Post("/tasks/{id}/stop", h.handleStopTask)
			r.Delete("/tasks/{id}", h.handleDeleteTask)

			r.Get("/deployments", h.handleListDeployments)
			r.Get("/deployments/{id}", h.handleGetDeployment)
			r.Post("/deployments/{id}/retry", h.handleRetryDeployment)

			r.Post("/subscriptions", h.handleCreateSubscription)
			r.Get("/subscriptions", h.handleListSubscriptions)
			r.Get("/subscriptions/{id}", h.handleGetSubscription)
			r.Patch("/subscriptions/{id}", h.handleUpdateSubscription)
			r.Delete("/subscriptions/{id}", h.handleDeleteSubscription)
			r.Get("/subscriptions/{id}/rules", h.handleListRules)
			r.Post("/subscriptions/{id}/rules", h.handleCreateRule)
			r.Delete("/rules/{id}", h.handleDeleteRule)

			r.Get("/projects", h.handleListProjects)
		})
		r.With(withOwner).Get("/tasks/{id}/logs", h.handleTaskLogs)

		r.Post("/webhooks/deployments", h.handleDeploymentWebhook)
		r.Post("/webhooks/github", h.handleGitHubWebhook)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

type ownerKey struct{}

func withOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			owner = defaultOwner
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	if owner, ok := r.Context().Value(ownerKey{}).(string); ok {
		return owner
	}
	return defaultOwner
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encoding response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps a store error to a response.
func (h *Handler) writeStoreError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrTaskTerminal):
		h.writeError(w, http.StatusConflict, what+" already finished")
	default:
		h.logger.Error("request failed", "what", what, "error", err)
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load %s", what))
	}
}

// decode reads a JSON body of at most 1 MiB into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
