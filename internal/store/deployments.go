package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jxucoder/autopatch/internal/model"
)

const deploymentColumns = `id, subscription_id, platform_deployment_id, delivery_id, parent_id,
	project_name, branch, fix_status, exhausted, attempt, version, build_error_text,
	error_type, error_confidence, error_summary, error_file, error_line, matched_rule_id,
	fix_branch, task_id, pr_url, pr_number, error_message, created_at, updated_at`

// CreateDeployment inserts a deployment unless one already exists for the same
// delivery id or the same (subscription, platform deployment id). On a duplicate
// it returns the existing row and created=false.
func (s *Store) CreateDeployment(ctx context.Context, d *model.Deployment) (existing *model.Deployment, created bool, err error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	d.UpdatedAt = d.CreatedAt
	if d.FixStatus == "" {
		d.FixStatus = model.FixPending
	}
	if d.Version == 0 {
		d.Version = 1
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deployments (id, subscription_id, platform_deployment_id,
			delivery_id, parent_id, project_name, branch, fix_status, attempt, version,
			build_error_text, fix_branch, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SubscriptionID, d.PlatformDeploymentID, nullString(d.DeliveryID),
		d.ParentID, d.ProjectName, d.Branch, d.FixStatus, d.Attempt, d.Version,
		d.BuildErrorText, d.FixBranch, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return d, true, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE (delivery_id IS NOT NULL AND delivery_id = ?)
		    OR (subscription_id = ? AND platform_deployment_id = ?)
		 ORDER BY created_at ASC LIMIT 1`,
		nullString(d.DeliveryID), d.SubscriptionID, d.PlatformDeploymentID,
	)
	dup, err := scanDeployment(row)
	if err != nil {
		return nil, false, fmt.Errorf("loading duplicate deployment: %w", notFound(err))
	}
	return dup, false, nil
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// FindDeploymentByFixBranch returns the most recent deployment of a subscription
// that owns the given fix branch.
func (s *Store) FindDeploymentByFixBranch(ctx context.Context, subscriptionID, branch string) (*model.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE subscription_id = ? AND fix_branch = ? AND fix_branch != ''
		 ORDER BY attempt DESC, created_at DESC LIMIT 1`,
		subscriptionID, branch,
	)
	d, err := scanDeployment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// FindDeploymentByPR returns the deployment whose fix PR has the given URL.
func (s *Store) FindDeploymentByPR(ctx context.Context, prURL string) (*model.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE pr_url = ? AND pr_url != ''
		 ORDER BY created_at DESC LIMIT 1`, prURL)
	d, err := scanDeployment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// ListDeployments returns deployments newest first, optionally filtered by
// subscription. A non-positive limit means no limit.
func (s *Store) ListDeployments(ctx context.Context, subscriptionID string, limit int) ([]*model.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	var args []any
	if subscriptionID != "" {
		query += ` WHERE subscription_id = ?`
		args = append(args, subscriptionID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDeploymentsByStatus returns every deployment in status, oldest first.
func (s *Store) ListDeploymentsByStatus(ctx context.Context, status model.FixStatus) ([]*model.Deployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE fix_status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDeployment writes d if its version still matches the persisted row and
// bumps the version. A stale version returns ErrVersionConflict; the caller is
// expected to re-read and re-apply its transition.
func (s *Store) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	d.UpdatedAt = now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET
			fix_status = ?, exhausted = ?, attempt = MAX(attempt, ?), version = version + 1,
			build_error_text = ?, error_type = ?, error_confidence = ?, error_summary = ?, error_file = ?,
			error_line = ?, matched_rule_id = ?, fix_branch = ?, task_id = ?,
			pr_url = ?, pr_number = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		d.FixStatus, d.Exhausted, d.Attempt,
		d.BuildErrorText, d.ErrorType, d.ErrorConfidence, d.ErrorSummary, d.ErrorFile,
		d.ErrorLine, d.MatchedRuleID, d.FixBranch, d.TaskID,
		d.PRURL, d.PRNumber, d.ErrorMessage, d.UpdatedAt,
		d.ID, d.Version,
	)
	if err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetDeployment(ctx, d.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

func scanDeployment(row scannable) (*model.Deployment, error) {
	d := &model.Deployment{}
	var delivery sql.NullString
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.PlatformDeploymentID, &delivery, &d.ParentID,
		&d.ProjectName, &d.Branch, &d.FixStatus, &d.Exhausted, &d.Attempt, &d.Version,
		&d.BuildErrorText, &d.ErrorType, &d.ErrorConfidence, &d.ErrorSummary,
		&d.ErrorFile, &d.ErrorLine, &d.MatchedRuleID, &d.FixBranch, &d.TaskID,
		&d.PRURL, &d.PRNumber, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.DeliveryID = delivery.String
	return d, nil
}
