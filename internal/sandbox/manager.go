package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// CreateOptions configures a new sandbox and its checkout.
type CreateOptions struct {
	TaskID string
	// CloneURL is the HTTPS clone URL of the repository.
	CloneURL string
	// Branch is checked out, reusing the remote branch when it exists.
	Branch string
	// BaseBranch is where a new branch starts (default: the remote HEAD).
	BaseBranch string
	// Token authenticates clone and push; it is never written to disk.
	Token     string
	Resources Resources
	Timeout   time.Duration
	Ports     []int
	KeepAlive bool
}

// ResumeOptions identifies a kept-alive sandbox to reuse.
type ResumeOptions struct {
	FromTaskID string
	ToTaskID   string
	KeepAlive  bool
}

// Manager provisions sandboxes and tracks live ones in a Registry.
type Manager struct {
	provider        Provider
	registry        *Registry
	logger          *slog.Logger
	teardownTimeout time.Duration
}

// NewManager creates a Manager. A nil registry gets a fresh one.
func NewManager(provider Provider, registry *Registry, logger *slog.Logger) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:        provider,
		registry:        registry,
		logger:          logger,
		teardownTimeout: 30 * time.Second,
	}
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Runner returns a Runner bound to h.
func (m *Manager) Runner(h *Handle) Runner {
	return boundRunner{provider: m.provider, id: h.ID}
}

// Create provisions a sandbox, registers it under the task and checks out the
// branch. Any failure, including cancellation observed during provisioning,
// tears the environment down before returning.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (_ *Handle, err error) {
	h, err := m.provider.Provision(ctx, Spec{
		TaskID:    opts.TaskID,
		Resources: opts.Resources,
		Timeout:   opts.Timeout,
		Ports:     opts.Ports,
	})
	if err != nil {
		if h != nil {
			m.terminate(ctx, h)
		}
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}
	h.KeepAlive = opts.KeepAlive
	m.registry.Register(opts.TaskID, h)

	defer func() {
		if err != nil {
			m.terminate(ctx, h)
			m.registry.Remove(opts.TaskID, h.ID)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkout(ctx, h, opts); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}
	return h, nil
}

const checkoutScript = `set -e
git config --global credential.helper '!f() { echo username=x-access-token; echo "password=${GIT_TOKEN}"; }; f'
git config --global user.name "autopatch"
git config --global user.email "autopatch@users.noreply.github.com"
if [ ! -d "$WORKDIR/.git" ]; then
  git clone --quiet "$REPO_URL" "$WORKDIR"
fi
cd "$WORKDIR"
if git ls-remote --exit-code --heads origin "$BRANCH" >/dev/null 2>&1; then
  git fetch --quiet origin "$BRANCH"
  git checkout -B "$BRANCH" FETCH_HEAD
elif [ -n "$BASE_BRANCH" ]; then
  git fetch --quiet origin "$BASE_BRANCH"
  git checkout -B "$BRANCH" FETCH_HEAD
else
  git checkout -B "$BRANCH"
fi
`

func (m *Manager) checkout(ctx context.Context, h *Handle, opts CreateOptions) error {
	res, err := m.provider.Run(ctx, h.ID, Command{
		Args: []string{"sh", "-c", checkoutScript},
		Env: map[string]string{
			"GIT_TOKEN":   opts.Token,
			"REPO_URL":    opts.CloneURL,
			"BRANCH":      opts.Branch,
			"BASE_BRANCH": opts.BaseBranch,
			"WORKDIR":     WorkDir,
		},
	})
	if err != nil {
		return fmt.Errorf("checking out %s: %w", opts.Branch, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("checking out %s: exit %d: %s", opts.Branch, res.ExitCode, res.Output())
	}
	return nil
}

// Shutdown terminates a sandbox and drops its registry entry.
func (m *Manager) Shutdown(ctx context.Context, h *Handle) error {
	if err := m.provider.Terminate(ctx, h.ID); err != nil {
		return fmt.Errorf("terminating sandbox %s: %w", h.ID, err)
	}
	m.registry.Remove(h.TaskID, h.ID)
	m.logger.Info("sandbox terminated", "task_id", h.TaskID, "sandbox_id", h.ID)
	return nil
}

// Release ends a run's use of a sandbox: a kept-alive sandbox survives a
// successful run, anything else is shut down.
func (m *Manager) Release(ctx context.Context, h *Handle, success bool) error {
	if h.KeepAlive && success {
		m.logger.Info("keeping sandbox alive", "task_id", h.TaskID, "sandbox_id", h.ID, "expires_at", h.ExpiresAt)
		return nil
	}
	return m.Shutdown(ctx, h)
}

// Adopt registers a kept-alive sandbox that outlived a previous process so
// ReapOrphans leaves it running and Resume can find it.
func (m *Manager) Adopt(h *Handle) {
	h.KeepAlive = true
	m.registry.Register(h.TaskID, h)
	m.logger.Info("sandbox adopted", "task_id", h.TaskID, "sandbox_id", h.ID, "expires_at", h.ExpiresAt)
}

// Resume hands a kept-alive sandbox to a follow-up task. It returns
// ErrSandboxExpired when the environment is no longer running.
func (m *Manager) Resume(ctx context.Context, opts ResumeOptions) (*Handle, error) {
	h, ok := m.registry.Get(opts.FromTaskID)
	if !ok {
		return nil, ErrSandboxExpired
	}

	running, err := m.provider.IsRunning(ctx, h.ID)
	if err != nil {
		return nil, fmt.Errorf("checking sandbox %s: %w", h.ID, err)
	}
	if !running || h.Expired(time.Now()) {
		m.registry.Remove(opts.FromTaskID, h.ID)
		return nil, fmt.Errorf("%w: %s", ErrSandboxExpired, h.ID)
	}

	moved, ok := m.registry.Transfer(opts.FromTaskID, opts.ToTaskID)
	if !ok {
		return nil, ErrSandboxExpired
	}
	moved.KeepAlive = opts.KeepAlive
	return moved, nil
}

// Sweep terminates registry entries past their expiry.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	var expired []*Handle
	for _, h := range m.registry.Snapshot() {
		if h.Expired(now) {
			expired = append(expired, h)
		}
	}
	return len(expired), m.terminateAll(ctx, expired)
}

// ReapOrphans terminates sandboxes the provider knows about that no task owns,
// e.g. those leaked by a crash.
func (m *Manager) ReapOrphans(ctx context.Context) (int, error) {
	ids, err := m.provider.List(ctx)
	if err != nil {
		return 0, err
	}
	var orphans []*Handle
	for _, id := range ids {
		if !m.registry.Owns(id) {
			orphans = append(orphans, &Handle{ID: id})
		}
	}
	return len(orphans), m.terminateAll(ctx, orphans)
}

// Close terminates every registered sandbox that is not kept alive.
func (m *Manager) Close(ctx context.Context) error {
	var live []*Handle
	for _, h := range m.registry.Snapshot() {
		if !h.KeepAlive {
			live = append(live, h)
		}
	}
	return m.terminateAll(ctx, live)
}

func (m *Manager) terminateAll(ctx context.Context, handles []*Handle) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, h := range handles {
		g.Go(func() error {
			if err := m.provider.Terminate(gctx, h.ID); err != nil {
				return fmt.Errorf("terminating sandbox %s: %w", h.ID, err)
			}
			if h.TaskID != "" {
				m.registry.Remove(h.TaskID, h.ID)
			}
			m.logger.Info("sandbox reaped", "task_id", h.TaskID, "sandbox_id", h.ID)
			return nil
		})
	}
	return g.Wait()
}

// terminate is best-effort teardown that outlives the caller's context.
func (m *Manager) terminate(ctx context.Context, h *Handle) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.teardownTimeout)
	defer cancel()
	if err := m.provider.Terminate(tctx, h.ID); err != nil {
		m.logger.Warn("sandbox teardown failed", "task_id", h.TaskID, "sandbox_id", h.ID, "error", err)
	}
}
