// Package sandbox provisions, tracks and tears down the ephemeral compute
// environments that host one repository checkout per task.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrProvision wraps provisioning failures (quota, network, invalid repo).
	// They are immediate and not retried.
	ErrProvision = errors.New("sandbox provisioning failed")
	// ErrSandboxExpired is returned when a kept-alive sandbox is gone on resume.
	ErrSandboxExpired = errors.New("sandbox expired")
)

// WorkDir is where the repository is checked out inside every sandbox.
const WorkDir = "/workspace/repo"

// Resources sizes a sandbox.
type Resources struct {
	CPUs     int
	MemoryMB int
}

// Spec is what a provider needs to create an environment.
type Spec struct {
	TaskID    string
	Resources Resources
	Timeout   time.Duration
	Ports     []int
}

// Handle identifies a live sandbox.
type Handle struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	URL       string    `json:"url,omitempty"`
	Ports     []int     `json:"ports,omitempty"`
	KeepAlive bool      `json:"keep_alive"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the handle has outlived its timeout.
func (h *Handle) Expired(now time.Time) bool {
	return !h.ExpiresAt.IsZero() && now.After(h.ExpiresAt)
}

// Command is one process to run inside a sandbox. Env values are passed to
// that process only and never appear in its argument list.
type Command struct {
	Args  []string
	Env   map[string]string
	Dir   string
	Stdin string
}

// Result is the outcome of a Command. A nonzero exit is not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stdout and stderr joined.
func (r *Result) Output() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// Provider is a compute backend.
type Provider interface {
	// Provision creates an environment. On failure it may still return a
	// handle for partially created resources, which the caller tears down.
	Provision(ctx context.Context, spec Spec) (*Handle, error)
	// Run executes a command. The error covers transport failures only.
	Run(ctx context.Context, sandboxID string, cmd Command) (*Result, error)
	// Terminate destroys an environment. Terminating a missing sandbox succeeds.
	Terminate(ctx context.Context, sandboxID string) error
	IsRunning(ctx context.Context, sandboxID string) (bool, error)
	// List returns the IDs of every sandbox this provider created.
	List(ctx context.Context) ([]string, error)
}

// Runner runs commands in one bound sandbox.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

type boundRunner struct {
	provider Provider
	id       string
}

func (b boundRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	return b.provider.Run(ctx, b.id, cmd)
}
