package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jxucoder/autopatch/internal/engine"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/store"
)

const maxPromptRunes = 10000

// statusPollInterval is how often a log stream checks whether its task finished.
var statusPollInterval = 2 * time.Second

type createTaskRequest struct {
	Repo         string `json:"repo"`
	Prompt       string `json:"prompt"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	BaseBranch   string `json:"base_branch,omitempty"`
	KeepAlive    bool   `json:"keep_alive,omitempty"`
	ResumeTaskID string `json:"resume_task_id,omitempty"`
	// MaxDuration is a Go duration string such as "15m".
	MaxDuration string `json:"max_duration,omitempty"`
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Repo = strings.TrimSpace(req.Repo)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if len([]rune(req.Prompt)) > maxPromptRunes {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("prompt exceeds %d characters", maxPromptRunes))
		return
	}
	var maxDuration time.Duration
	if req.MaxDuration != "" {
		d, err := time.ParseDuration(req.MaxDuration)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "max_duration must be a positive duration")
			return
		}
		maxDuration = d
	}

	t, err := h.tasks.CreateTask(r.Context(), engine.TaskRequest{
		OwnerID:      ownerFrom(r),
		Prompt:       req.Prompt,
		RepoURL:      req.Repo,
		Provider:     req.Provider,
		Model:        req.Model,
		BaseBranch:   req.BaseBranch,
		KeepAlive:    req.KeepAlive,
		ResumeTaskID: req.ResumeTaskID,
		MaxDuration:  maxDuration,
	})
	if err != nil {
		if errors.Is(err, engine.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("creating task", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context(), ownerFrom(r))
	if err != nil {
		h.writeStoreError(w, "tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	h.writeJSON(w, http.StatusOK, tasks)
}

// ownedTask loads a live task and hides it from other owners.
func (h *Handler) ownedTask(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	t, err := h.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err == nil && (t.OwnerID != ownerFrom(r) || t.DeletedAt != nil) {
		err = store.ErrNotFound
	}
	if err != nil {
		h.writeStoreError(w, "task", err)
		return nil, false
	}
	return t, true
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if t, ok := h.ownedTask(w, r); ok {
		h.writeJSON(w, http.StatusOK, t)
	}
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	t, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	msgs, err := h.store.GetMessages(r.Context(), t.ID)
	if err != nil {
		h.writeStoreError(w, "messages", err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleStopTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	if err := h.tasks.StopTask(r.Context(), t.ID); err != nil {
		h.writeStoreError(w, "task", err)
		return
	}
	t, err := h.store.GetTask(r.Context(), t.ID)
	if err != nil {
		h.writeStoreError(w, "task", err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	if !t.Status.Terminal() {
		if err := h.tasks.StopTask(r.Context(), t.ID); err != nil && !errors.Is(err, store.ErrTaskTerminal) {
			h.logger.Warn("stopping task before delete", "task_id", t.ID, "error", err)
		}
	}
	if err := h.store.SoftDeleteTask(r.Context(), t.ID); err != nil {
		h.writeStoreError(w, "task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskLogs streams a task's log as server-sent events: stored entries
// first, then live ones. The stream ends with a "done" event once the task
// reaches a terminal status.
func (h *Handler) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	t, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before loading history so nothing falls between the two.
	bus := h.tasks.Bus()
	ch := bus.Subscribe(t.ID)
	defer bus.Unsubscribe(t.ID, ch)

	ctx := r.Context()
	var lastID int64
	entries, err := h.store.GetLogs(ctx, t.ID, 0)
	if err != nil {
		h.logger.Warn("loading task logs", "task_id", t.ID, "error", err)
	}
	for _, e := range entries {
		h.writeSSE(w, e)
		lastID = e.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.ID != 0 && e.ID <= lastID {
				continue
			}
			h.writeSSE(w, e)
			lastID = e.ID
			flusher.Flush()
		case <-ticker.C:
			status, err := h.store.GetTaskStatus(ctx, t.ID)
			if err != nil || !status.Terminal() {
				continue
			}
			fmt.Fprintf(w, "event: done\ndata: %q\n\n", status)
			flusher.Flush()
			return
		}
	}
}

func (h *Handler) writeSSE(w http.ResponseWriter, e *model.LogEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("encoding log entry", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", e.ID, data); err != nil {
		h.logger.Debug("writing sse", "error", err)
	}
}
