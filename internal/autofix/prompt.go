package autofix

import (
	"fmt"
	"strings"

	"github.com/jxucoder/autopatch/internal/model"
)

const (
	promptLogLines = 150
	promptLogBytes = 8000
)

// BuildPrompt writes the agent instructions for fixing d's build failure.
// A matched rule's custom prompt is appended as extra guidance.
func BuildPrompt(d *model.Deployment, rule *model.FixRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The deployment of %s", d.ProjectName)
	if d.Branch != "" {
		fmt.Fprintf(&b, " from branch %s", d.Branch)
	}
	b.WriteString(" failed to build. Fix the build.\n\n")

	if d.ErrorType != "" {
		fmt.Fprintf(&b, "Error type: %s\n", d.ErrorType)
	}
	if d.ErrorSummary != "" {
		fmt.Fprintf(&b, "Error: %s\n", d.ErrorSummary)
	}
	if d.ErrorFile != "" {
		if d.ErrorLine > 0 {
			fmt.Fprintf(&b, "Location: %s:%d\n", d.ErrorFile, d.ErrorLine)
		} else {
			fmt.Fprintf(&b, "Location: %s\n", d.ErrorFile)
		}
	}
	if d.Attempt > 1 {
		fmt.Fprintf(&b, "This is fix attempt %d. Earlier commits on this branch did not fix the build.\n", d.Attempt)
	}

	if log := tail(d.BuildErrorText, promptLogLines, promptLogBytes); log != "" {
		b.WriteString("\nBuild output (most recent lines):\n```\n")
		b.WriteString(log)
		b.WriteString("\n```\n")
	}

	b.WriteString("\nMake the smallest change that makes the build pass. ")
	b.WriteString("Do not refactor or touch unrelated code. ")
	b.WriteString("If the project has a build or typecheck command, run it to confirm the fix.\n")

	if rule != nil && strings.TrimSpace(rule.CustomPrompt) != "" {
		b.WriteString("\nAdditional instructions:\n")
		b.WriteString(strings.TrimSpace(rule.CustomPrompt))
		b.WriteString("\n")
	}
	return b.String()
}

// Title is the task title for a fix of d.
func Title(d *model.Deployment) string {
	subject := d.ErrorSummary
	if subject == "" {
		subject = "build failure in " + d.ProjectName
	}
	kind := d.ErrorType
	if kind == "" {
		kind = "build"
	}
	return model.Truncate(fmt.Sprintf("fix(%s): %s", kind, subject), 80)
}

// tail keeps the last n lines of s, then at most max bytes of those.
func tail(s string, n, max int) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := strings.Join(lines, "\n")
	if len(out) > max {
		out = out[len(out)-max:]
		if i := strings.IndexByte(out, '\n'); i >= 0 {
			out = out[i+1:]
		}
	}
	return out
}
