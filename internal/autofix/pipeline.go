// Package autofix turns failed-deployment events into governed fix tasks and
// tracks each deployment through the fix state machine.
package autofix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jxucoder/autopatch/internal/analyzer"
	"github.com/jxucoder/autopatch/internal/engine"
	"github.com/jxucoder/autopatch/internal/github"
	"github.com/jxucoder/autopatch/internal/governor"
	"github.com/jxucoder/autopatch/internal/hosting"
	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/notify"
	"github.com/jxucoder/autopatch/internal/store"
)

var (
	// ErrUnknownSubscription is returned when an event matches no subscription.
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrNotRetryable is returned by Retry for deployments that cannot be reopened.
	ErrNotRetryable = errors.New("deployment is not retryable")
	// ErrInvalidTransition is returned when the state machine forbids a move.
	ErrInvalidTransition = errors.New("invalid fix status transition")
)

// maxWriteAttempts bounds re-read-and-retry loops on version conflicts.
const maxWriteAttempts = 5

// Store is the persistence the pipeline needs.
type Store interface {
	CreateDeployment(ctx context.Context, d *model.Deployment) (*model.Deployment, bool, error)
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	UpdateDeployment(ctx context.Context, d *model.Deployment) error
	ListDeploymentsByStatus(ctx context.Context, status model.FixStatus) ([]*model.Deployment, error)
	FindDeploymentByFixBranch(ctx context.Context, subscriptionID, branch string) (*model.Deployment, error)
	FindDeploymentByPR(ctx context.Context, prURL string) (*model.Deployment, error)
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	FindSubscriptionByProject(ctx context.Context, platformProjectID string) (*model.Subscription, error)
	ListRules(ctx context.Context, subscriptionID string) ([]*model.FixRule, error)
}

// Fixer starts fix tasks.
type Fixer interface {
	CreateFixTask(ctx context.Context, req engine.FixTaskRequest) (*model.Task, error)
}

// BuildLogs fetches build output for a platform deployment.
type BuildLogs interface {
	BuildLog(ctx context.Context, deploymentID string) (string, error)
}

// Deps wires the pipeline. Logs and Notifier are optional.
type Deps struct {
	Store        Store
	Fixer        Fixer
	Logs         BuildLogs
	Notifier     notify.Notifier
	BranchPrefix string
	Logger       *slog.Logger
}

// Pipeline is the deployment-fix orchestrator.
type Pipeline struct {
	store        Store
	fixer        Fixer
	logs         BuildLogs
	notifier     notify.Notifier
	branchPrefix string
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Pipeline.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := deps.BranchPrefix
	if prefix == "" {
		prefix = "autopatch/"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:        deps.Store,
		fixer:        deps.Fixer,
		logs:         deps.Logs,
		notifier:     deps.Notifier,
		branchPrefix: prefix,
		logger:       logger.With("component", "autofix"),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Ingest records a failed-deployment event. A redelivered event returns the
// existing deployment with created=false and has no other effect. A failure
// on a known fix branch is linked to the deployment that owns the branch and
// inherits its attempt count.
func (p *Pipeline) Ingest(ctx context.Context, ev *hosting.FailedDeployment) (d *model.Deployment, created bool, err error) {
	sub, err := p.subscriptionFor(ctx, ev)
	if err != nil {
		return nil, false, err
	}

	d = &model.Deployment{
		ID:                   uuid.New().String(),
		SubscriptionID:       sub.ID,
		PlatformDeploymentID: ev.DeploymentID,
		DeliveryID:           ev.DeliveryID,
		ProjectName:          firstNonEmpty(ev.ProjectName, sub.ProjectName),
		Branch:               ev.Branch,
		BuildErrorText:       ev.BuildErrorText,
	}
	if ev.Branch != "" {
		parent, err := p.store.FindDeploymentByFixBranch(ctx, sub.ID, ev.Branch)
		switch {
		case err == nil:
			d.ParentID = parent.ID
			d.Attempt = parent.Attempt
			d.FixBranch = parent.FixBranch
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, fmt.Errorf("looking up fix branch %s: %w", ev.Branch, err)
		}
	}

	existing, created, err := p.store.CreateDeployment(ctx, d)
	if err != nil {
		return nil, false, err
	}
	if !created {
		p.logger.Info("duplicate deployment event ignored",
			"deployment", existing.ID, "platform_deployment", ev.DeploymentID, "delivery", ev.DeliveryID)
		return existing, false, nil
	}
	p.logger.Info("deployment failure recorded",
		"deployment", d.ID, "project", d.ProjectName, "branch", d.Branch, "parent", d.ParentID)
	return d, true, nil
}

func (p *Pipeline) subscriptionFor(ctx context.Context, ev *hosting.FailedDeployment) (*model.Subscription, error) {
	var (
		sub *model.Subscription
		err error
	)
	if ev.SubscriptionID != "" {
		sub, err = p.store.GetSubscription(ctx, ev.SubscriptionID)
	} else {
		sub, err = p.store.FindSubscriptionByProject(ctx, ev.ProjectID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: subscription %q project %q", ErrUnknownSubscription, ev.SubscriptionID, ev.ProjectID)
	}
	return sub, err
}

// ProcessAsync runs Process in the background. Close waits for it.
func (p *Pipeline) ProcessAsync(id string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Process(p.ctx, id); err != nil {
			p.logger.Error("processing deployment", "deployment", id, "error", err)
		}
	}()
}

// ResumePending queues every deployment still waiting for analysis, such as
// those acknowledged just before a restart.
func (p *Pipeline) ResumePending(ctx context.Context) (int, error) {
	ds, err := p.store.ListDeploymentsByStatus(ctx, model.FixPending)
	if err != nil {
		return 0, fmt.Errorf("listing pending deployments: %w", err)
	}
	for _, d := range ds {
		p.ProcessAsync(d.ID)
	}
	return len(ds), nil
}

// FailInterrupted fails deployments that a previous process left mid-fix.
// Nothing drives them forward after a restart; failing them lets Retry
// reopen them within the attempt budget.
func (p *Pipeline) FailInterrupted(ctx context.Context, reason string) (int, error) {
	failed := 0
	for _, status := range []model.FixStatus{model.FixAnalyzing, model.FixFixing, model.FixReviewing} {
		ds, err := p.store.ListDeploymentsByStatus(ctx, status)
		if err != nil {
			return failed, fmt.Errorf("listing %s deployments: %w", status, err)
		}
		for _, d := range ds {
			if err := p.FixFailed(ctx, d.ID, reason); err != nil {
				if errors.Is(err, ErrInvalidTransition) {
					continue
				}
				return failed, err
			}
			failed++
		}
	}
	return failed, nil
}

// Close cancels background processing and waits for it to finish.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Wait blocks until background processing has drained.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Process analyzes a pending deployment and, when the rules and the governor
// allow it, starts a fix task on the deployment's fix branch. Deployments that
// are no longer pending are left alone.
func (p *Pipeline) Process(ctx context.Context, id string) error {
	d, err := p.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if d.FixStatus != model.FixPending {
		return nil
	}
	sub, err := p.store.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		return fmt.Errorf("loading subscription %s: %w", d.SubscriptionID, err)
	}

	if !sub.AutoFixEnabled {
		d, err = p.transition(ctx, id, model.FixSkipped, func(d *model.Deployment) {
			d.ErrorMessage = "auto-fix is disabled for this project"
		})
		if err != nil {
			return err
		}
		p.notify(ctx, d, sub)
		return nil
	}

	if d, err = p.transition(ctx, id, model.FixAnalyzing, nil); err != nil {
		return err
	}
	if err := p.analyze(ctx, sub, d); err != nil {
		// Once analyzing, every error lands on the record so Retry can reopen it.
		reason := err.Error()
		if ferr := p.FixFailed(context.WithoutCancel(ctx), id, reason); ferr != nil && !errors.Is(ferr, ErrInvalidTransition) {
			p.logger.Error("recording fix failure", "deployment", id, "reason", reason, "error", ferr)
		}
		return err
	}
	return nil
}

// analyze classifies an analyzing deployment and either settles it or starts
// its fix task. Any returned error leaves the deployment for the caller to fail.
func (p *Pipeline) analyze(ctx context.Context, sub *model.Subscription, d *model.Deployment) error {
	id := d.ID
	var err error
	text := d.BuildErrorText
	if strings.TrimSpace(text) == "" && p.logs != nil && d.PlatformDeploymentID != "" {
		text, err = p.logs.BuildLog(ctx, d.PlatformDeploymentID)
		if err != nil {
			p.logger.Warn("fetching build log", "deployment", id, "error", err)
		}
	}
	if strings.TrimSpace(text) == "" {
		return p.finish(ctx, sub, id, model.FixFailed, func(d *model.Deployment) {
			d.ErrorMessage = "no build output available to analyze"
		})
	}

	c := analyzer.Classify(text)
	rules, err := p.store.ListRules(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	rule := analyzer.MatchRule(rules, text+"\n"+c.Summary)
	if rule != nil && rule.ErrorType != "" {
		c.Type = analyzer.ErrorType(rule.ErrorType)
	}
	record := func(d *model.Deployment) {
		d.BuildErrorText = text
		d.ErrorType = string(c.Type)
		d.ErrorConfidence = c.Confidence
		d.ErrorSummary = c.Summary
		d.ErrorFile = c.File
		d.ErrorLine = c.Line
		if rule != nil {
			d.MatchedRuleID = rule.ID
		}
	}
	p.logger.Info("deployment analyzed",
		"deployment", id, "error_type", c.Type, "confidence", c.Confidence, "rule", ruleName(rule))

	if rule != nil && rule.SkipFix {
		return p.finish(ctx, sub, id, model.FixSkipped, func(d *model.Deployment) {
			record(d)
			d.ErrorMessage = fmt.Sprintf("skipped by rule %s", ruleName(rule))
		})
	}

	decision := governor.CheckDeployment(d, sub)
	if !decision.Allowed {
		p.logger.Warn("fix attempts exhausted", "deployment", id, "attempts", d.Attempt, "max", decision.Max)
		return p.finish(ctx, sub, id, model.FixFailed, func(d *model.Deployment) {
			record(d)
			d.Exhausted = true
			d.ErrorMessage = decision.Reason
		})
	}

	fixBranch := d.FixBranch
	if fixBranch == "" {
		fixBranch = p.fixBranchName(sub, d)
	}
	d, err = p.transition(ctx, id, model.FixFixing, func(d *model.Deployment) {
		record(d)
		d.Attempt = decision.Attempt
		d.FixBranch = fixBranch
		d.ErrorMessage = ""
	})
	if err != nil {
		return err
	}

	task, err := p.fixer.CreateFixTask(ctx, engine.FixTaskRequest{
		OwnerID:      sub.OwnerID,
		DeploymentID: d.ID,
		Prompt:       BuildPrompt(d, rule),
		Title:        Title(d),
		RepoURL:      sub.RepoURL,
		Provider:     sub.Provider,
		Model:        sub.Model,
		BaseBranch:   p.baseBranch(ctx, sub, d),
		Branch:       fixBranch,
	})
	if err != nil {
		return fmt.Errorf("starting fix task: %w", err)
	}
	// The task already carries the deployment id and reports back through the
	// sink, so a lost TaskID write does not fail the deployment.
	_, err = p.update(context.WithoutCancel(ctx), id, func(d *model.Deployment) error {
		d.TaskID = task.ID
		return nil
	})
	if err != nil {
		p.logger.Warn("recording fix task", "deployment", id, "task", task.ID, "error", err)
	}
	p.logger.Info("fix task started",
		"deployment", id, "task", task.ID, "attempt", decision.Attempt, "max", decision.Max, "branch", fixBranch)
	return nil
}

// fixBranchName is the branch every attempt for d commits to.
func (p *Pipeline) fixBranchName(sub *model.Subscription, d *model.Deployment) string {
	prefix := firstNonEmpty(sub.BranchPrefix, p.branchPrefix)
	if !strings.HasSuffix(prefix, "/") && !strings.HasSuffix(prefix, "-") {
		prefix += "/"
	}
	return prefix + "fix-" + d.ID[:8]
}

// baseBranch is where the fix PR targets: the failed branch for a first
// failure, or whatever the root deployment targeted for a follow-up failure.
func (p *Pipeline) baseBranch(ctx context.Context, sub *model.Subscription, d *model.Deployment) string {
	cur := d
	for i := 0; cur.ParentID != "" && i < 16; i++ {
		parent, err := p.store.GetDeployment(ctx, cur.ParentID)
		if err != nil {
			break
		}
		cur = parent
	}
	if cur.ParentID == "" && cur.Branch != "" && cur.Branch != cur.FixBranch {
		return cur.Branch
	}
	return sub.BaseBranch
}

// FixPushed implements engine.DeploymentSink.
func (p *Pipeline) FixPushed(ctx context.Context, deploymentID, branch string) error {
	_, err := p.transition(ctx, deploymentID, model.FixReviewing, func(d *model.Deployment) {
		d.FixBranch = branch
	})
	return err
}

// FixSucceeded implements engine.DeploymentSink.
func (p *Pipeline) FixSucceeded(ctx context.Context, deploymentID string, pr *github.PRResult) error {
	d, err := p.update(ctx, deploymentID, func(d *model.Deployment) error {
		if d.FixStatus == model.FixFixing {
			d.FixStatus = model.FixReviewing
		}
		if !d.FixStatus.CanTransition(model.FixPRCreated) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.FixStatus, model.FixPRCreated)
		}
		d.FixStatus = model.FixPRCreated
		d.PRURL = pr.URL
		d.PRNumber = pr.Number
		d.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info("fix pull request opened", "deployment", deploymentID, "pr", pr.URL)
	p.notifyDeployment(ctx, d)
	return nil
}

// FixFailed implements engine.DeploymentSink. A failure that uses up the last
// allowed attempt marks the deployment exhausted.
func (p *Pipeline) FixFailed(ctx context.Context, deploymentID, reason string) error {
	var sub *model.Subscription
	d, err := p.update(ctx, deploymentID, func(d *model.Deployment) error {
		if !d.FixStatus.CanTransition(model.FixFailed) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.FixStatus, model.FixFailed)
		}
		if sub == nil {
			s, err := p.store.GetSubscription(ctx, d.SubscriptionID)
			if err != nil {
				return err
			}
			sub = s
		}
		d.FixStatus = model.FixFailed
		d.ErrorMessage = reason
		d.Exhausted = !governor.CheckDeployment(d, sub).Allowed
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Warn("fix attempt failed", "deployment", deploymentID, "attempt", d.Attempt, "exhausted", d.Exhausted, "reason", reason)
	p.notify(ctx, d, sub)
	return nil
}

// Retry reopens a failed deployment that still has attempts left and
// processes it again. The retry counts against the same attempt budget.
func (p *Pipeline) Retry(ctx context.Context, id string) (*model.Deployment, error) {
	d, err := p.update(ctx, id, func(d *model.Deployment) error {
		if !d.Retryable() {
			return fmt.Errorf("%w: status %s, exhausted %t", ErrNotRetryable, d.FixStatus, d.Exhausted)
		}
		sub, err := p.store.GetSubscription(ctx, d.SubscriptionID)
		if err != nil {
			return err
		}
		if decision := governor.CheckDeployment(d, sub); !decision.Allowed {
			return fmt.Errorf("%w: %s", ErrNotRetryable, decision.Reason)
		}
		d.FixStatus = model.FixPending
		d.ErrorMessage = ""
		d.TaskID = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("deployment reopened", "deployment", id, "attempt", d.Attempt)
	p.ProcessAsync(id)
	return d, nil
}

// MarkMerged records that the fix PR was merged.
func (p *Pipeline) MarkMerged(ctx context.Context, prURL string) (*model.Deployment, error) {
	d, err := p.store.FindDeploymentByPR(ctx, prURL)
	if err != nil {
		return nil, err
	}
	d, err = p.transition(ctx, d.ID, model.FixMerged, nil)
	if err != nil {
		return nil, err
	}
	p.notifyDeployment(ctx, d)
	return d, nil
}

// finish moves a deployment into a terminal status and notifies.
func (p *Pipeline) finish(ctx context.Context, sub *model.Subscription, id string, to model.FixStatus, mutate func(*model.Deployment)) error {
	d, err := p.transition(ctx, id, to, mutate)
	if err != nil {
		return err
	}
	p.notify(ctx, d, sub)
	return nil
}

// transition moves a deployment to the given status if the state machine
// allows it from whatever status it has when re-read.
func (p *Pipeline) transition(ctx context.Context, id string, to model.FixStatus, mutate func(*model.Deployment)) (*model.Deployment, error) {
	return p.update(ctx, id, func(d *model.Deployment) error {
		if !d.FixStatus.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.FixStatus, to)
		}
		d.FixStatus = to
		if mutate != nil {
			mutate(d)
		}
		return nil
	})
}

// update applies fn to a fresh copy of the deployment and writes it,
// re-reading and reapplying on version conflicts.
func (p *Pipeline) update(ctx context.Context, id string, fn func(*model.Deployment) error) (*model.Deployment, error) {
	for i := 0; i < maxWriteAttempts; i++ {
		d, err := p.store.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(d); err != nil {
			return nil, fmt.Errorf("deployment %s: %w", id, err)
		}
		err = p.store.UpdateDeployment(ctx, d)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		p.logger.Debug("deployment version conflict, retrying", "deployment", id, "attempt", i+1)
	}
	return nil, fmt.Errorf("deployment %s: %w after %d attempts", id, store.ErrVersionConflict, maxWriteAttempts)
}

func (p *Pipeline) notifyDeployment(ctx context.Context, d *model.Deployment) {
	sub, err := p.store.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		p.logger.Warn("loading subscription for notification", "deployment", d.ID, "error", err)
		return
	}
	p.notify(ctx, d, sub)
}

func (p *Pipeline) notify(ctx context.Context, d *model.Deployment, sub *model.Subscription) {
	if p.notifier == nil || sub == nil || !sub.Notify {
		return
	}
	ev := notify.Event{
		DeploymentID: d.ID,
		ProjectName:  d.ProjectName,
		Branch:       firstNonEmpty(d.FixBranch, d.Branch),
		Status:       d.FixStatus,
		Exhausted:    d.Exhausted,
		Attempt:      d.Attempt,
		ErrorType:    d.ErrorType,
		Summary:      d.ErrorSummary,
		PRURL:        d.PRURL,
		PRNumber:     d.PRNumber,
	}
	if d.FixStatus == model.FixFailed || d.FixStatus == model.FixSkipped {
		ev.Reason = d.ErrorMessage
	}
	if err := p.notifier.Notify(ctx, ev); err != nil {
		p.logger.Warn("notification failed", "deployment", d.ID, "error", err)
	}
}

func ruleName(r *model.FixRule) string {
	if r == nil {
		return ""
	}
	return firstNonEmpty(r.Name, r.ID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
