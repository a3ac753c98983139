package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

const taskLabel = "autopatch.task"

// DockerConfig configures the Docker provider.
type DockerConfig struct {
	Image   string
	Network string
	// Host is the hostname used to build sandbox URLs (default "localhost").
	Host string
}

// Docker provisions sandboxes as local Docker containers driven through the
// docker CLI.
type Docker struct {
	cfg DockerConfig
}

// NewDocker creates a Docker provider.
func NewDocker(cfg DockerConfig) *Docker {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	return &Docker{cfg: cfg}
}

// Provision starts a detached container that lives for at most spec.Timeout.
func (d *Docker) Provision(ctx context.Context, spec Spec) (*Handle, error) {
	args := []string{
		"run", "-d", "--rm",
		"--name", "autopatch-" + spec.TaskID,
		"--label", taskLabel + "=" + spec.TaskID,
	}
	if d.cfg.Network != "" {
		args = append(args, "--network", d.cfg.Network)
	}
	if spec.Resources.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(spec.Resources.CPUs))
	}
	if spec.Resources.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.Resources.MemoryMB))
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", strconv.Itoa(p))
	}

	// The container's main process is a sleep bounded by the timeout, so the
	// engine reclaims it even if nothing ever calls Terminate.
	lifetime := "infinity"
	if spec.Timeout > 0 {
		lifetime = strconv.Itoa(int(spec.Timeout / time.Second))
	}
	args = append(args, d.cfg.Image, "sleep", lifetime)

	output, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		// A container may exist even though run reported an error (e.g. the
		// context was cancelled after creation); let the caller reap it by name.
		return &Handle{ID: "autopatch-" + spec.TaskID, TaskID: spec.TaskID},
			fmt.Errorf("starting container: %w\noutput: %s", err, strings.TrimSpace(string(output)))
	}

	now := time.Now()
	h := &Handle{
		ID:        strings.TrimSpace(string(output)),
		TaskID:    spec.TaskID,
		Ports:     spec.Ports,
		CreatedAt: now,
	}
	if spec.Timeout > 0 {
		h.ExpiresAt = now.Add(spec.Timeout)
	}
	if len(spec.Ports) > 0 {
		url, err := d.publishedURL(ctx, h.ID, spec.Ports[0])
		if err != nil {
			return h, err
		}
		h.URL = url
	}
	return h, nil
}

func (d *Docker) publishedURL(ctx context.Context, id string, port int) (string, error) {
	output, err := exec.CommandContext(ctx, "docker", "port", id, strconv.Itoa(port)).Output()
	if err != nil {
		return "", fmt.Errorf("resolving published port %d: %w", port, err)
	}
	// "0.0.0.0:49153\n[::]:49153"
	first := strings.SplitN(strings.TrimSpace(string(output)), "\n", 2)[0]
	i := strings.LastIndex(first, ":")
	if i < 0 {
		return "", fmt.Errorf("unexpected docker port output %q", first)
	}
	return fmt.Sprintf("http://%s:%s", d.cfg.Host, first[i+1:]), nil
}

// Run executes a command via docker exec. Env values travel in the docker
// client's environment and are referenced by name only.
func (d *Docker) Run(ctx context.Context, sandboxID string, c Command) (*Result, error) {
	args := []string{"exec"}
	if c.Stdin != "" {
		args = append(args, "-i")
	}
	if c.Dir != "" {
		args = append(args, "-w", c.Dir)
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k)
	}
	args = append(args, sandboxID)
	args = append(args, c.Args...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Env = os.Environ()
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+c.Env[k])
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("docker exec: %w", err)
	}
	return res, nil
}

// Terminate kills and removes a container. A missing container is not an error.
func (d *Docker) Terminate(ctx context.Context, sandboxID string) error {
	output, err := exec.CommandContext(ctx, "docker", "rm", "-f", sandboxID).CombinedOutput()
	if err != nil && !strings.Contains(string(output), "No such container") {
		return fmt.Errorf("removing container: %w\noutput: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// IsRunning reports whether the container exists and is running.
func (d *Docker) IsRunning(ctx context.Context, sandboxID string) (bool, error) {
	output, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", sandboxID).CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "No such object") || strings.Contains(string(output), "No such container") {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container: %w", err)
	}
	return strings.TrimSpace(string(output)) == "true", nil
}

// List returns the IDs of all containers labelled as autopatch sandboxes.
func (d *Docker) List(ctx context.Context) ([]string, error) {
	output, err := exec.CommandContext(ctx, "docker", "ps", "-q", "--no-trunc", "--filter", "label="+taskLabel).Output()
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return strings.Fields(string(output)), nil
}

// EnsureNetwork creates the Docker network if it doesn't exist.
func (d *Docker) EnsureNetwork(ctx context.Context) error {
	if d.cfg.Network == "" {
		return nil
	}
	if exec.CommandContext(ctx, "docker", "network", "inspect", d.cfg.Network).Run() == nil {
		return nil
	}
	output, err := exec.CommandContext(ctx, "docker", "network", "create", d.cfg.Network).CombinedOutput()
	if err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", d.cfg.Network, err, string(output))
	}
	return nil
}
