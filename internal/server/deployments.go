package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jxucoder/autopatch/internal/autofix"
	"github.com/jxucoder/autopatch/internal/github"
	"github.com/jxucoder/autopatch/internal/hosting"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/store"
)

type webhookResponse struct {
	DeploymentID string          `json:"deployment_id"`
	FixStatus    model.FixStatus `json:"fix_status"`
	Duplicate    bool            `json:"duplicate"`
}

// handleDeploymentWebhook records a failed deployment and acknowledges before
// analysis starts. Redeliveries are acknowledged without side effects.
func (h *Handler) handleDeploymentWebhook(w http.ResponseWriter, r *http.Request) {
	ev, err := hosting.ParseWebhook(r, h.opts.WebhookSecret)
	if err != nil {
		if errors.Is(err, hosting.ErrBadSignature) {
			h.writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		h.logger.Warn("rejecting deployment webhook", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	d, created, err := h.fixes.Ingest(r.Context(), ev)
	if err != nil {
		if errors.Is(err, autofix.ErrUnknownSubscription) {
			h.writeError(w, http.StatusNotFound, "no subscription for this deployment")
			return
		}
		h.logger.Error("ingesting deployment webhook", "platform_deployment", ev.DeploymentID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to record deployment")
		return
	}
	if !created {
		h.writeJSON(w, http.StatusOK, webhookResponse{DeploymentID: d.ID, FixStatus: d.FixStatus, Duplicate: true})
		return
	}
	h.fixes.ProcessAsync(d.ID)
	h.writeJSON(w, http.StatusAccepted, webhookResponse{DeploymentID: d.ID, FixStatus: d.FixStatus})
}

// handleGitHubWebhook marks a deployment merged when its fix PR is merged.
// Events that match nothing are acknowledged and ignored.
func (h *Handler) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	ev, err := github.ParseWebhook(r, h.opts.GitHubWebhookSecret)
	if err != nil {
		h.logger.Warn("rejecting github webhook", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid webhook")
		return
	}
	if ev == nil || !ev.MergedClose() {
		w.Write([]byte("ok"))
		return
	}

	d, err := h.fixes.MarkMerged(r.Context(), ev.HTMLURL)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, autofix.ErrInvalidTransition):
		h.logger.Debug("merged pull request ignored", "pr", ev.HTMLURL, "reason", err)
		w.Write([]byte("ok"))
	case err != nil:
		h.logger.Error("marking deployment merged", "pr", ev.HTMLURL, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to record merge")
	default:
		h.logger.Info("fix merged", "deployment_id", d.ID, "pr", ev.HTMLURL)
		h.writeJSON(w, http.StatusOK, d)
	}
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var subs []*model.Subscription
	if id := r.URL.Query().Get("subscription"); id != "" {
		sub, ok := h.ownedSubscriptionID(w, r, id)
		if !ok {
			return
		}
		subs = []*model.Subscription{sub}
	} else {
		var err error
		if subs, err = h.store.ListSubscriptions(r.Context(), ownerFrom(r)); err != nil {
			h.writeStoreError(w, "subscriptions", err)
			return
		}
	}

	out := []*model.Deployment{}
	for _, sub := range subs {
		ds, err := h.store.ListDeployments(r.Context(), sub.ID, limit)
		if err != nil {
			h.writeStoreError(w, "deployments", err)
			return
		}
		out = append(out, ds...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ownedDeployment loads a deployment whose subscription belongs to the caller.
func (h *Handler) ownedDeployment(w http.ResponseWriter, r *http.Request) (*model.Deployment, bool) {
	d, err := h.store.GetDeployment(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		var sub *model.Subscription
		sub, err = h.store.GetSubscription(r.Context(), d.SubscriptionID)
		if err == nil && sub.OwnerID != ownerFrom(r) {
			err = store.ErrNotFound
		}
	}
	if err != nil {
		h.writeStoreError(w, "deployment", err)
		return nil, false
	}
	return d, true
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	if d, ok := h.ownedDeployment(w, r); ok {
		h.writeJSON(w, http.StatusOK, d)
	}
}

func (h *Handler) handleRetryDeployment(w http.ResponseWriter, r *http.Request) {
	d, ok := h.ownedDeployment(w, r)
	if !ok {
		return
	}
	d, err := h.fixes.Retry(r.Context(), d.ID)
	if err != nil {
		if errors.Is(err, autofix.ErrNotRetryable) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeStoreError(w, "deployment", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, d)
}
