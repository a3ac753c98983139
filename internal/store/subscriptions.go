package store

import (
	"context"
	"fmt"

	"github.com/jxucoder/autopatch/internal/model"
)

const subscriptionColumns = `id, owner_id, platform_project_id, project_name, repo_url, base_branch,
	auto_fix_enabled, max_fix_attempts, branch_prefix, notify, provider, model, webhook_id,
	created_at, updated_at`

// CreateSubscription inserts a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}
	sub.UpdatedAt = sub.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.OwnerID, sub.PlatformProjectID, sub.ProjectName, sub.RepoURL,
		sub.BaseBranch, sub.AutoFixEnabled, sub.MaxFixAttempts, sub.BranchPrefix,
		sub.Notify, sub.Provider, sub.Model, sub.WebhookID, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sub, nil
}

// FindSubscriptionByProject retrieves the subscription bound to a hosting-platform project.
func (s *Store) FindSubscriptionByProject(ctx context.Context, platformProjectID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE platform_project_id = ?`, platformProjectID)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sub, nil
}

// ListSubscriptions returns an owner's subscriptions. An empty owner lists all.
func (s *Store) ListSubscriptions(ctx context.Context, ownerID string) ([]*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateSubscription updates the policy fields of a subscription.
func (s *Store) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	sub.UpdatedAt = now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET
			project_name = ?, repo_url = ?, base_branch = ?, auto_fix_enabled = ?,
			max_fix_attempts = ?, branch_prefix = ?, notify = ?, provider = ?, model = ?,
			webhook_id = ?, updated_at = ?
		 WHERE id = ?`,
		sub.ProjectName, sub.RepoURL, sub.BaseBranch, sub.AutoFixEnabled,
		sub.MaxFixAttempts, sub.BranchPrefix, sub.Notify, sub.Provider, sub.Model,
		sub.WebhookID, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription and its rules. Deployment history is kept.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.PlatformProjectID, &sub.ProjectName, &sub.RepoURL,
		&sub.BaseBranch, &sub.AutoFixEnabled, &sub.MaxFixAttempts, &sub.BranchPrefix,
		&sub.Notify, &sub.Provider, &sub.Model, &sub.WebhookID, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// --- Fix rules ---

// CreateRule inserts a fix rule.
func (s *Store) CreateRule(ctx context.Context, r *model.FixRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fix_rules (id, subscription_id, name, pattern, error_type, skip_fix,
			custom_prompt, priority, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SubscriptionID, r.Name, r.Pattern, r.ErrorType, r.SkipFix,
		r.CustomPrompt, r.Priority, r.Enabled, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// ListRules returns a subscription's rules in evaluation order: highest
// priority first, then oldest first, then by ID.
func (s *Store) ListRules(ctx context.Context, subscriptionID string) ([]*model.FixRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, name, pattern, error_type, skip_fix, custom_prompt,
			priority, enabled, created_at
		 FROM fix_rules WHERE subscription_id = ?
		 ORDER BY priority DESC, created_at ASC, id ASC`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*model.FixRule
	for rows.Next() {
		r := &model.FixRule{}
		if err := rows.Scan(&r.ID, &r.SubscriptionID, &r.Name, &r.Pattern, &r.ErrorType,
			&r.SkipFix, &r.CustomPrompt, &r.Priority, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule retrieves a fix rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*model.FixRule, error) {
	r := &model.FixRule{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subscription_id, name, pattern, error_type, skip_fix, custom_prompt,
			priority, enabled, created_at
		 FROM fix_rules WHERE id = ?`, id,
	).Scan(&r.ID, &r.SubscriptionID, &r.Name, &r.Pattern, &r.ErrorType,
		&r.SkipFix, &r.CustomPrompt, &r.Priority, &r.Enabled, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// DeleteRule removes a fix rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fix_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
