// Package gitpub commits and pushes agent changes from inside a sandbox.
package gitpub

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/sandbox"
)

// PushResult is the outcome of CommitAndPush.
type PushResult struct {
	// Committed is false when the working tree had nothing to commit.
	Committed bool `json:"committed"`
	// CommitSHA is the pushed HEAD; empty when there was nothing to push.
	CommitSHA  string `json:"commit_sha,omitempty"`
	PushFailed bool   `json:"push_failed"`
	// Output holds git's output for a failed push.
	Output string `json:"output,omitempty"`
}

// CommitAndPush stages everything in the checkout, commits it on branch and
// pushes. A clean working tree is a successful no-op unless HEAD carries
// commits that never reached the remote, e.g. after a rejected push; those are
// pushed again. A rejected push is reported through PushFailed; the error
// return covers sandbox failures.
func CommitAndPush(ctx context.Context, sb sandbox.Runner, token, branch, message string) (*PushResult, error) {
	if _, err := git(ctx, sb, "add", "-A"); err != nil {
		return nil, err
	}

	res, err := sb.Run(ctx, sandbox.Command{
		Args: []string{"git", "diff", "--cached", "--quiet"},
		Dir:  sandbox.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("git diff: %w", err)
	}
	committed := false
	switch res.ExitCode {
	case 0:
		ahead, err := unpushed(ctx, sb)
		if err != nil {
			return nil, err
		}
		if ahead == 0 {
			return &PushResult{}, nil
		}
	case 1:
		if _, err := git(ctx, sb, "commit", "--quiet", "-m", message); err != nil {
			return nil, err
		}
		committed = true
	default:
		return nil, fmt.Errorf("git diff: %s", res.Output())
	}

	sha, err := git(ctx, sb, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	out := &PushResult{Committed: committed, CommitSHA: strings.TrimSpace(sha)}
	push, err := sb.Run(ctx, sandbox.Command{
		Args: []string{"git", "push", "--quiet", "-u", "origin", "HEAD:refs/heads/" + branch},
		Dir:  sandbox.WorkDir,
		Env:  map[string]string{"GIT_TOKEN": token, "GIT_TERMINAL_PROMPT": "0"},
	})
	if err != nil {
		return nil, fmt.Errorf("git push: %w", err)
	}
	if push.ExitCode != 0 {
		out.PushFailed = true
		out.Output = model.Truncate(push.Output(), 2000)
	}
	return out, nil
}

// DiffStat returns `git diff --stat` for the staged and unstaged changes,
// used to give commit-message generation some context.
func DiffStat(ctx context.Context, sb sandbox.Runner) (string, error) {
	return git(ctx, sb, "diff", "HEAD", "--stat")
}

// unpushed counts commits on HEAD that no origin ref contains.
func unpushed(ctx context.Context, sb sandbox.Runner) (int, error) {
	out, err := git(ctx, sb, "rev-list", "--count", "HEAD", "--not", "--remotes=origin")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("git rev-list: %q: %w", out, err)
	}
	return n, nil
}

func git(ctx context.Context, sb sandbox.Runner, args ...string) (string, error) {
	res, err := sb.Run(ctx, sandbox.Command{
		Args: append([]string{"git"}, args...),
		Dir:  sandbox.WorkDir,
	})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s: exit %d: %s", args[0], res.ExitCode, res.Output())
	}
	return res.Stdout, nil
}
