package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/jxucoder/autopatch/internal/model"
)

const branchSystemPrompt = `You name git branches. Reply with a short kebab-case branch name
(2 to 5 words, lowercase letters, digits and hyphens only) describing the requested change.
Reply with the name only.`

const titleSystemPrompt = `You write pull request titles. Reply with one imperative sentence of
at most 60 characters describing the requested change. No quotes, no trailing period.`

const commitSystemPrompt = `You write git commit messages. Reply with a single conventional
commit subject line of at most 72 characters (e.g. "fix: handle missing env var").
Reply with the subject only.`

// maxSubject is the longest commit subject the fallback produces.
const maxSubject = 72

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// GenerateBranchName asks the model for a branch name and returns it under prefix.
func GenerateBranchName(ctx context.Context, c Client, prefix, prompt, suffix string) (string, error) {
	out, err := c.Complete(ctx, branchSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	slug := Slugify(out, 40)
	if slug == "" {
		return "", fmt.Errorf("model returned an unusable branch name %q", out)
	}
	return prefix + slug + "-" + suffix, nil
}

// FallbackBranchName is the deterministic branch name for a task.
func FallbackBranchName(prefix, taskID string) string {
	return prefix + taskID
}

// GenerateTitle asks the model for a short task title.
func GenerateTitle(ctx context.Context, c Client, prompt string) (string, error) {
	out, err := c.Complete(ctx, titleSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	title := firstLine(out)
	if title == "" {
		return "", fmt.Errorf("model returned an empty title")
	}
	return model.Truncate(title, 80), nil
}

// GenerateCommitMessage asks the model for a commit subject given the task and diff summary.
func GenerateCommitMessage(ctx context.Context, c Client, prompt, diffStat string) (string, error) {
	user := "Task:\n" + prompt
	if diffStat != "" {
		user += "\n\nChanged files:\n" + diffStat
	}
	out, err := c.Complete(ctx, commitSystemPrompt, user)
	if err != nil {
		return "", err
	}
	msg := firstLine(out)
	if msg == "" {
		return "", fmt.Errorf("model returned an empty commit message")
	}
	return model.Truncate(msg, maxSubject), nil
}

// FallbackCommitMessage derives a commit subject from the prompt by truncation.
func FallbackCommitMessage(prompt string) string {
	subject := firstLine(prompt)
	if subject == "" {
		subject = "apply requested changes"
	}
	return model.Truncate("autopatch: "+subject, maxSubject)
}

// Slugify lowercases s and collapses everything but letters and digits to
// single hyphens, cutting at max bytes on a word boundary.
func Slugify(s string, max int) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(firstLine(s)), "-"), "-")
	if len(slug) <= max {
		return slug
	}
	slug = slug[:max]
	if i := strings.LastIndex(slug, "-"); i > 0 {
		slug = slug[:i]
	}
	return strings.Trim(slug, "-")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '`' || r == '\''
	})
}
