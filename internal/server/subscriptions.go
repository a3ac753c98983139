package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jxucoder/autopatch/internal/github"
	"github.com/jxucoder/autopatch/internal/hosting"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/store"
)

type subscriptionRequest struct {
	PlatformProjectID string  `json:"platform_project_id"`
	ProjectName       *string `json:"project_name"`
	Repo              *string `json:"repo"`
	BaseBranch        *string `json:"base_branch"`
	AutoFixEnabled    *bool   `json:"auto_fix_enabled"`
	MaxFixAttempts    *int    `json:"max_fix_attempts"`
	BranchPrefix      *string `json:"branch_prefix"`
	Notify            *bool   `json:"notify"`
	Provider          *string `json:"provider"`
	Model             *string `json:"model"`
	RegisterWebhook   bool    `json:"register_webhook"`
}

// apply copies the fields present in req onto sub.
func (req *subscriptionRequest) apply(sub *model.Subscription) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&sub.ProjectName, req.ProjectName)
	set(&sub.RepoURL, req.Repo)
	set(&sub.BaseBranch, req.BaseBranch)
	set(&sub.BranchPrefix, req.BranchPrefix)
	set(&sub.Provider, req.Provider)
	set(&sub.Model, req.Model)
	if req.AutoFixEnabled != nil {
		sub.AutoFixEnabled = *req.AutoFixEnabled
	}
	if req.MaxFixAttempts != nil {
		sub.MaxFixAttempts = *req.MaxFixAttempts
	}
	if req.Notify != nil {
		sub.Notify = *req.Notify
	}
}

func validateSubscription(sub *model.Subscription) string {
	if sub.PlatformProjectID == "" {
		return "platform_project_id is required"
	}
	if _, _, err := github.ParseRepo(sub.RepoURL); err != nil {
		return "repo must be owner/repo or a GitHub URL"
	}
	if sub.MaxFixAttempts < 0 {
		return "max_fix_attempts must not be negative"
	}
	return ""
}

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub := &model.Subscription{
		ID:                uuid.New().String(),
		OwnerID:           ownerFrom(r),
		PlatformProjectID: strings.TrimSpace(req.PlatformProjectID),
		AutoFixEnabled:    true,
		MaxFixAttempts:    model.DefaultMaxFixAttempts,
	}
	req.apply(sub)
	if msg := validateSubscription(sub); msg != "" {
		h.writeError(w, http.StatusBadRequest, msg)
		return
	}

	if req.RegisterWebhook {
		if h.opts.Hosting == nil || h.opts.PublicURL == "" {
			h.writeError(w, http.StatusBadRequest, "webhook registration needs a hosting token and a public URL")
			return
		}
		endpoint := strings.TrimRight(h.opts.PublicURL, "/") + "/api/webhooks/deployments"
		hook, err := h.opts.Hosting.CreateWebhook(r.Context(), endpoint, []string{sub.PlatformProjectID})
		if err != nil {
			h.logger.Error("registering webhook", "project", sub.PlatformProjectID, "error", err)
			h.writeError(w, http.StatusBadGateway, "failed to register webhook")
			return
		}
		sub.WebhookID = hook.ID
	}

	if err := h.store.CreateSubscription(r.Context(), sub); err != nil {
		if sub.WebhookID != "" {
			h.deleteWebhook(r, sub.WebhookID)
		}
		h.logger.Error("creating subscription", "error", err)
		h.writeError(w, http.StatusConflict, "failed to create subscription")
		return
	}
	h.writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context(), ownerFrom(r))
	if err != nil {
		h.writeStoreError(w, "subscriptions", err)
		return
	}
	if subs == nil {
		subs = []*model.Subscription{}
	}
	h.writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) ownedSubscriptionID(w http.ResponseWriter, r *http.Request, id string) (*model.Subscription, bool) {
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err == nil && sub.OwnerID != ownerFrom(r) {
		err = store.ErrNotFound
	}
	if err != nil {
		h.writeStoreError(w, "subscription", err)
		return nil, false
	}
	return sub, true
}

func (h *Handler) ownedSubscription(w http.ResponseWriter, r *http.Request) (*model.Subscription, bool) {
	return h.ownedSubscriptionID(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	if sub, ok := h.ownedSubscription(w, r); ok {
		h.writeJSON(w, http.StatusOK, sub)
	}
}

func (h *Handler) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	var req subscriptionRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.apply(sub)
	if msg := validateSubscription(sub); msg != "" {
		h.writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := h.store.UpdateSubscription(r.Context(), sub); err != nil {
		h.writeStoreError(w, "subscription", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	if sub.WebhookID != "" {
		h.deleteWebhook(r, sub.WebhookID)
	}
	if err := h.store.DeleteSubscription(r.Context(), sub.ID); err != nil {
		h.writeStoreError(w, "subscription", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteWebhook(r *http.Request, id string) {
	if h.opts.Hosting == nil {
		return
	}
	if err := h.opts.Hosting.DeleteWebhook(r.Context(), id); err != nil {
		h.logger.Warn("removing webhook", "webhook", id, "error", err)
	}
}

type ruleRequest struct {
	Name         string `json:"name"`
	Pattern      string `json:"pattern"`
	ErrorType    string `json:"error_type"`
	SkipFix      bool   `json:"skip_fix"`
	CustomPrompt string `json:"custom_prompt"`
	Priority     int    `json:"priority"`
	Enabled      *bool  `json:"enabled"`
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	rules, err := h.store.ListRules(r.Context(), sub.ID)
	if err != nil {
		h.writeStoreError(w, "rules", err)
		return
	}
	if rules == nil {
		rules = []*model.FixRule{}
	}
	h.writeJSON(w, http.StatusOK, rules)
}

func (h *Handler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	var req ruleRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Pattern) == "" {
		h.writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}
	rule := &model.FixRule{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		Name:           req.Name,
		Pattern:        req.Pattern,
		ErrorType:      req.ErrorType,
		SkipFix:        req.SkipFix,
		CustomPrompt:   req.CustomPrompt,
		Priority:       req.Priority,
		Enabled:        req.Enabled == nil || *req.Enabled,
	}
	if err := h.store.CreateRule(r.Context(), rule); err != nil {
		h.writeStoreError(w, "rule", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, "rule", err)
		return
	}
	if _, ok := h.ownedSubscriptionID(w, r, rule.SubscriptionID); !ok {
		return
	}
	if err := h.store.DeleteRule(r.Context(), rule.ID); err != nil {
		h.writeStoreError(w, "rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	if h.opts.Hosting == nil {
		h.writeError(w, http.StatusServiceUnavailable, "hosting platform is not configured")
		return
	}
	projects, err := h.opts.Hosting.ListProjects(r.Context())
	if err != nil {
		h.logger.Error("listing projects", "error", err)
		h.writeError(w, http.StatusBadGateway, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []hosting.Project{}
	}
	h.writeJSON(w, http.StatusOK, projects)
}
