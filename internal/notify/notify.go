// Package notify reports terminal deployment-fix outcomes to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jxucoder/autopatch/internal/model"
)

// Event describes a deployment that reached a terminal fix status.
type Event struct {
	DeploymentID string
	ProjectName  string
	Branch       string
	Status       model.FixStatus
	Exhausted    bool
	Attempt      int
	ErrorType    string
	Summary      string
	PRURL        string
	PRNumber     int
	Reason       string
}

// Notifier delivers an Event somewhere.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an Event out to several notifiers.
type Multi []Notifier

// Notify delivers to every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Headline is a one-line summary of ev.
func Headline(ev Event) string {
	project := ev.ProjectName
	if project == "" {
		project = ev.DeploymentID
	}
	switch ev.Status {
	case model.FixPRCreated:
		return fmt.Sprintf("Fix PR #%d opened for %s", ev.PRNumber, project)
	case model.FixMerged:
		return fmt.Sprintf("Fix for %s merged", project)
	case model.FixSkipped:
		return fmt.Sprintf("Auto-fix skipped for %s", project)
	case model.FixFailed:
		if ev.Exhausted {
			return fmt.Sprintf("Auto-fix gave up on %s after %d attempts", project, ev.Attempt)
		}
		return fmt.Sprintf("Auto-fix failed for %s", project)
	}
	return fmt.Sprintf("Deployment %s is %s", project, ev.Status)
}

// Details lists the event's fields worth showing, one per line.
func Details(ev Event) string {
	var b strings.Builder
	if ev.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", ev.Branch)
	}
	if ev.ErrorType != "" {
		fmt.Fprintf(&b, "Error type: %s\n", ev.ErrorType)
	}
	if ev.Summary != "" {
		fmt.Fprintf(&b, "Error: %s\n", model.Truncate(ev.Summary, 200))
	}
	if ev.Attempt > 0 {
		fmt.Fprintf(&b, "Attempt: %d\n", ev.Attempt)
	}
	if ev.PRURL != "" {
		fmt.Fprintf(&b, "PR: %s\n", ev.PRURL)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", model.Truncate(ev.Reason, 300))
	}
	return strings.TrimRight(b.String(), "\n")
}
