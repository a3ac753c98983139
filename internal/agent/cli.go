package agent

import (
	"bufio"
	"encoding/json"
	"strings"
)

// Agent names.
const (
	ClaudeCode = "claude-code"
	Codex      = "codex"
	OpenCode   = "opencode"
)

// cli describes how to drive one coding agent non-interactively.
type cli struct {
	binary  string
	install string
	// args builds the command line; mcpPath is empty when no connectors are configured.
	args  func(req Request, mcpPath string) []string
	parse func(stdout string) (response, sessionID string)
}

var clis = map[string]cli{
	ClaudeCode: {
		binary:  "claude",
		install: "npm install -g @anthropic-ai/claude-code",
		args:    claudeArgs,
		parse:   parseClaude,
	},
	Codex: {
		binary:  "codex",
		install: "npm install -g @openai/codex",
		args:    codexArgs,
		parse:   parseCodex,
	},
	OpenCode: {
		binary:  "opencode",
		install: "npm install -g opencode-ai",
		args:    openCodeArgs,
		parse:   func(stdout string) (string, string) { return strings.TrimSpace(stdout), "" },
	},
}

// Resolve picks the agent for a run: an explicit name wins, "auto" or empty
// maps the credential provider to its native agent.
func Resolve(name, provider string) string {
	if name != "" && name != "auto" {
		return name
	}
	if provider == "openai" {
		return Codex
	}
	return ClaudeCode
}

// CredentialEnv returns the environment variable an agent reads a provider key from.
func CredentialEnv(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return "ANTHROPIC_API_KEY"
	}
}

func claudeArgs(req Request, mcpPath string) []string {
	args := []string{
		"claude",
		"--print",
		"--output-format", "json",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	switch {
	case req.ResumeSessionID != "":
		args = append(args, "--resume", req.ResumeSessionID)
	case req.ResumeLatest:
		args = append(args, "--continue")
	}
	if mcpPath != "" {
		args = append(args, "--mcp-config", mcpPath)
	}
	return append(args, "-p", req.Instruction)
}

func codexArgs(req Request, _ string) []string {
	args := []string{"codex", "exec"}
	switch {
	case req.ResumeSessionID != "":
		args = append(args, "resume", req.ResumeSessionID)
	case req.ResumeLatest:
		args = append(args, "resume", "--last")
	}
	args = append(args, "--json", "--full-auto", "--skip-git-repo-check")
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	return append(args, req.Instruction)
}

func openCodeArgs(req Request, _ string) []string {
	args := []string{"opencode", "run"}
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	switch {
	case req.ResumeSessionID != "":
		args = append(args, "-s", req.ResumeSessionID)
	case req.ResumeLatest:
		args = append(args, "-c")
	}
	return append(args, req.Instruction)
}

// parseClaude reads the single result object printed by --output-format json.
func parseClaude(stdout string) (string, string) {
	var out struct {
		Result    string `json:"result"`
		SessionID string `json:"session_id"`
	}
	trimmed := strings.TrimSpace(stdout)
	if i := strings.LastIndex(trimmed, "\n{"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return strings.TrimSpace(stdout), ""
	}
	return out.Result, out.SessionID
}

// parseCodex scans the JSONL event stream for the thread ID and the last agent message.
func parseCodex(stdout string) (string, string) {
	var response, sessionID string
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		var ev struct {
			Type     string `json:"type"`
			ThreadID string `json:"thread_id"`
			Item     struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
		}
		if json.Unmarshal(scanner.Bytes(), &ev) != nil {
			continue
		}
		if ev.ThreadID != "" {
			sessionID = ev.ThreadID
		}
		if ev.Type == "item.completed" && ev.Item.Type == "agent_message" {
			response = ev.Item.Text
		}
	}
	return response, sessionID
}
