// Package agent runs a coding agent inside a sandbox and reports what it changed.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/sandbox"
)

const (
	configDir      = "/tmp/autopatch"
	credentialFile = configDir + "/agent.env"
	mcpFile        = configDir + "/mcp.json"
)

// Connector is a tool integration registered with the agent as an MCP server.
// Either Command (stdio transport) or URL (HTTP transport) is set.
type Connector struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Request describes one agent invocation.
type Request struct {
	Agent       string
	Instruction string
	Model       string
	Connectors  []Connector
	// Credentials maps environment variable names to secret values.
	Credentials map[string]string
	// ResumeSessionID continues a specific agent session.
	ResumeSessionID string
	// ResumeLatest continues the most recent session when no ID is known.
	ResumeLatest bool
}

// Result is the outcome of one invocation.
type Result struct {
	Success      bool   `json:"success"`
	ResponseText string `json:"response_text,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	// ChangesDetected comes from the working tree, independent of the exit code.
	ChangesDetected bool   `json:"changes_detected"`
	ExitCode        int    `json:"exit_code"`
	Error           string `json:"error,omitempty"`
}

// Executor runs agents in sandboxes.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Execute runs the agent once. Agent failures are reported in the Result; the
// error return is reserved for an unusable sandbox.
func (e *Executor) Execute(ctx context.Context, sb sandbox.Runner, req Request) (*Result, error) {
	c, ok := clis[req.Agent]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", req.Agent)
	}
	log := e.logger.With("agent", req.Agent)

	if err := ensureInstalled(ctx, sb, c); err != nil {
		return &Result{Error: err.Error()}, nil
	}

	if err := writeFile(ctx, sb, credentialFile, envFile(req.Credentials)); err != nil {
		return nil, fmt.Errorf("writing agent credentials: %w", err)
	}
	defer e.cleanup(ctx, sb, log)

	var mcpPath string
	if len(req.Connectors) > 0 {
		data, err := mcpConfig(req.Connectors)
		if err != nil {
			return nil, err
		}
		if err := writeFile(ctx, sb, mcpFile, data); err != nil {
			return nil, fmt.Errorf("writing connector config: %w", err)
		}
		if req.Agent == ClaudeCode {
			mcpPath = mcpFile
		} else {
			log.Warn("connectors are only supported by claude-code; ignoring", "count", len(req.Connectors))
		}
	}

	// Source the credentials inside the agent's own process so they exist
	// only for its lifetime.
	argv := append([]string{"sh", "-c", `. "$0" && shift && exec "$@"`, credentialFile, "-"}, c.args(req, mcpPath)...)
	started := time.Now()
	res, err := sb.Run(ctx, sandbox.Command{Args: argv, Dir: sandbox.WorkDir})
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", c.binary, err)
	}
	log.Info("agent finished", "exit_code", res.ExitCode, "duration", time.Since(started).Round(time.Second))

	out := &Result{ExitCode: res.ExitCode, Success: res.ExitCode == 0}
	out.ResponseText, out.SessionID = c.parse(res.Stdout)
	if out.SessionID == "" {
		out.SessionID = req.ResumeSessionID
	}
	if !out.Success {
		out.Error = fmt.Sprintf("%s exited with code %d: %s", c.binary, res.ExitCode, model.Truncate(res.Stderr, 500))
	}

	changed, err := changesDetected(ctx, sb)
	if err != nil {
		return nil, err
	}
	out.ChangesDetected = changed
	return out, nil
}

func ensureInstalled(ctx context.Context, sb sandbox.Runner, c cli) error {
	res, err := sb.Run(ctx, sandbox.Command{Args: []string{"sh", "-c", "command -v " + c.binary}})
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	res, err = sb.Run(ctx, sandbox.Command{Args: []string{"sh", "-c", c.install}})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("installing %s: %s", c.binary, model.Truncate(res.Output(), 500))
	}
	return nil
}

// changesDetected inspects the working tree; untracked files count as changes.
func changesDetected(ctx context.Context, sb sandbox.Runner) (bool, error) {
	res, err := sb.Run(ctx, sandbox.Command{
		Args: []string{"git", "status", "--porcelain"},
		Dir:  sandbox.WorkDir,
	})
	if err != nil {
		return false, fmt.Errorf("reading working tree status: %w", err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("git status: %s", res.Output())
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func (e *Executor) cleanup(ctx context.Context, sb sandbox.Runner, log *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	res, err := sb.Run(cctx, sandbox.Command{Args: []string{"rm", "-f", credentialFile, mcpFile}})
	if err != nil || res.ExitCode != 0 {
		log.Warn("removing agent credentials failed", "error", err)
	}
}

// writeFile streams content through stdin so it never appears in argv.
func writeFile(ctx context.Context, sb sandbox.Runner, path, content string) error {
	res, err := sb.Run(ctx, sandbox.Command{
		Args:  []string{"sh", "-c", `umask 077 && mkdir -p "$(dirname "$0")" && cat > "$0"`, path},
		Stdin: content,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("writing %s: %s", path, res.Output())
	}
	return nil
}

func envFile(creds map[string]string) string {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("# generated by autopatch\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(creds[k]))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func mcpConfig(connectors []Connector) (string, error) {
	servers := make(map[string]any, len(connectors))
	for _, c := range connectors {
		if c.Name == "" {
			return "", fmt.Errorf("connector without a name")
		}
		switch {
		case c.URL != "":
			servers[c.Name] = map[string]any{"type": "http", "url": c.URL}
		case c.Command != "":
			server := map[string]any{"command": c.Command, "args": c.Args}
			if len(c.Env) > 0 {
				server["env"] = c.Env
			}
			servers[c.Name] = server
		default:
			return "", fmt.Errorf("connector %q needs a command or url", c.Name)
		}
	}
	data, err := json.Marshal(map[string]any{"mcpServers": servers})
	if err != nil {
		return "", fmt.Errorf("encoding connector config: %w", err)
	}
	return string(data), nil
}
