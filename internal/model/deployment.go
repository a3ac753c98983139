package model

import "time"

// FixStatus is the auto-fix state of a failed deployment.
type FixStatus string

const (
	FixPending   FixStatus = "pending"
	FixAnalyzing FixStatus = "analyzing"
	FixFixing    FixStatus = "fixing"
	FixReviewing FixStatus = "reviewing"
	FixPRCreated FixStatus = "pr_created"
	FixMerged    FixStatus = "merged"
	FixFailed    FixStatus = "failed"
	FixSkipped   FixStatus = "skipped"
)

var fixTransitions = map[FixStatus][]FixStatus{
	FixPending:   {FixAnalyzing, FixFailed, FixSkipped},
	FixAnalyzing: {FixFixing, FixFailed, FixSkipped},
	FixFixing:    {FixReviewing, FixFailed},
	FixReviewing: {FixPRCreated, FixFailed},
	FixPRCreated: {FixMerged},
}

// Terminal reports whether the pipeline has finished with the deployment.
// pr_created is terminal for the pipeline even though a merge may follow.
func (s FixStatus) Terminal() bool {
	switch s {
	case FixPRCreated, FixMerged, FixFailed, FixSkipped:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> next.
func (s FixStatus) CanTransition(next FixStatus) bool {
	for _, allowed := range fixTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Deployment tracks one failed hosting-platform deployment and its auto-fix progress.
type Deployment struct {
	ID                   string `json:"id"`
	SubscriptionID       string `json:"subscription_id"`
	PlatformDeploymentID string `json:"platform_deployment_id"`
	DeliveryID           string `json:"delivery_id"`
	// ParentID links a failure on a fix branch to the deployment it was fixing.
	ParentID    string `json:"parent_id,omitempty"`
	ProjectName string `json:"project_name"`
	Branch      string `json:"branch"`

	FixStatus FixStatus `json:"fix_status"`
	// Exhausted marks a failed deployment that ran out of fix attempts.
	Exhausted bool `json:"exhausted,omitempty"`
	Attempt   int  `json:"attempt"`
	Version   int  `json:"version"`

	BuildErrorText  string  `json:"build_error_text,omitempty"`
	ErrorType       string  `json:"error_type,omitempty"`
	ErrorConfidence float64 `json:"error_confidence,omitempty"`
	ErrorSummary    string  `json:"error_summary,omitempty"`
	ErrorFile       string  `json:"error_file,omitempty"`
	ErrorLine       int     `json:"error_line,omitempty"`
	MatchedRuleID   string  `json:"matched_rule_id,omitempty"`

	FixBranch    string `json:"fix_branch,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	PRURL        string `json:"pr_url,omitempty"`
	PRNumber     int    `json:"pr_number,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Retryable reports whether a manual retry may reopen the deployment.
func (d *Deployment) Retryable() bool {
	return d.FixStatus == FixFailed && !d.Exhausted
}

// DefaultMaxFixAttempts applies when a subscription leaves the bound unset.
const DefaultMaxFixAttempts = 3

// Subscription binds a hosting-platform project to a repository with an auto-fix policy.
type Subscription struct {
	ID                string `json:"id"`
	OwnerID           string `json:"owner_id"`
	PlatformProjectID string `json:"platform_project_id"`
	ProjectName       string `json:"project_name"`
	RepoURL           string `json:"repo_url"`
	BaseBranch        string `json:"base_branch,omitempty"`

	AutoFixEnabled bool   `json:"auto_fix_enabled"`
	MaxFixAttempts int    `json:"max_fix_attempts"`
	BranchPrefix   string `json:"branch_prefix"`
	Notify         bool   `json:"notify"`

	// Provider and Model select the agent used for fix tasks.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// WebhookID is the hosting-platform webhook registered for this subscription.
	WebhookID string `json:"webhook_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttemptLimit returns the effective maximum number of fix attempts.
func (s *Subscription) AttemptLimit() int {
	if s.MaxFixAttempts <= 0 {
		return DefaultMaxFixAttempts
	}
	return s.MaxFixAttempts
}

// FixRule maps an error pattern to a custom response for one subscription.
type FixRule struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`
	Name           string `json:"name,omitempty"`
	Pattern        string `json:"pattern"`
	// ErrorType, when set, replaces the analyzer's classification on match.
	ErrorType    string    `json:"error_type,omitempty"`
	SkipFix      bool      `json:"skip_fix"`
	CustomPrompt string    `json:"custom_prompt,omitempty"`
	Priority     int       `json:"priority"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}
