// Package git wraps the git commands used for per-run workspace isolation.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Available checks if the given directory is inside a git work tree.
func Available(ctx context.Context, repoRoot string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = repoRoot
	return cmd.Run() == nil
}

// Output runs a git subcommand and returns its combined output, or an error
// carrying the output text.
func Output(ctx context.Context, dir string, args ...string) (string, error) {
	log.Debug().Str("dir", dir).Strs("args", args).Msg("git")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Exec runs a git subcommand for its side effect.
func Exec(ctx context.Context, dir string, args ...string) error {
	_, err := Output(ctx, dir, args...)
	return err
}

// quiet runs a git subcommand and returns its output, logging failures
// instead of returning them. Used where missing output is acceptable.
func quiet(ctx context.Context, dir string, args ...string) string {
	out, err := Output(ctx, dir, args...)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Strs("args", args).Msg("git command failed")
	}
	return out
}

// CurrentBranch resolves the checked-out branch name.
func CurrentBranch(ctx context.Context, repoRoot string) (string, error) {
	if !Available(ctx, repoRoot) {
		return "", fmt.Errorf("not a git repository: %s", repoRoot)
	}
	out, err := Output(ctx, repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve branch: %w", err)
	}
	branch := strings.TrimSpace(out)
	if branch == "" || branch == "HEAD" {
		return "", fmt.Errorf("resolve branch: detached HEAD")
	}
	return branch, nil
}
