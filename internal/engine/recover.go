package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/sandbox"
)

// InterruptedReason is recorded on runs that were in flight when the
// previous process exited.
const InterruptedReason = "interrupted by restart"

// FailInterrupted marks every pending or processing task as failed. Runs do
// not survive the process, so a task left in either state would never
// finish. Linked deployments are failed through the deployment sink.
func (e *Engine) FailInterrupted(ctx context.Context) (int, error) {
	tasks, err := e.store.InterruptTasks(ctx, InterruptedReason)
	if err != nil {
		return 0, fmt.Errorf("interrupting tasks: %w", err)
	}
	for _, t := range tasks {
		e.logTask(t.ID, model.LogError, fmt.Sprintf("%s failure: %s", FailInfrastructure, InterruptedReason))
		if t.Mode != model.ModeDeploymentFix || t.DeploymentID == "" || e.sink == nil {
			continue
		}
		if err := e.sink.FixFailed(ctx, t.DeploymentID, "fix task "+InterruptedReason); err != nil {
			e.logger.Warn("recording failed fix", "task_id", t.ID, "deployment_id", t.DeploymentID, "error", err)
		}
	}
	return len(tasks), nil
}

// AdoptKeptAlive registers the sandboxes of completed keep-alive tasks with
// the sandbox manager so they can still be resumed. When a sandbox was passed
// along a chain of tasks only the latest one owns it.
func (e *Engine) AdoptKeptAlive(ctx context.Context) (int, error) {
	tasks, err := e.store.ListKeptAliveTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing kept-alive tasks: %w", err)
	}
	latest := make(map[string]*model.Task, len(tasks))
	var order []string
	for _, t := range tasks {
		if _, seen := latest[t.SandboxID]; !seen {
			order = append(order, t.SandboxID)
		}
		latest[t.SandboxID] = t
	}

	now := time.Now()
	adopted := 0
	for _, id := range order {
		t := latest[id]
		h := &sandbox.Handle{
			ID:        id,
			TaskID:    t.ID,
			URL:       t.SandboxURL,
			KeepAlive: true,
			CreatedAt: t.CreatedAt,
		}
		if e.config.SandboxTTL > 0 {
			h.ExpiresAt = t.CreatedAt.Add(e.config.SandboxTTL)
		}
		if h.Expired(now) {
			continue
		}
		e.sandboxes.Adopt(h)
		adopted++
	}
	return adopted, nil
}
