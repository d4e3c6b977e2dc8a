package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// MountWorktree creates a worktree for branchName at workspaceDir, reusing
// the branch when it already exists. Stale worktrees holding the branch are
// removed first.
func MountWorktree(ctx context.Context, repoRoot, workspaceDir, branchName, baseBranch string) (string, error) {
	_ = Exec(ctx, repoRoot, "worktree", "prune")

	if !Available(ctx, repoRoot) {
		return "", fmt.Errorf("not a git repository: %s", repoRoot)
	}

	branchExists := strings.TrimSpace(quiet(ctx, repoRoot, "branch", "--list", branchName)) != ""
	if branchExists {
		RemoveStaleWorktree(ctx, repoRoot, branchName)
	}

	args := []string{"worktree", "add", "-b", branchName, workspaceDir}
	if branchExists {
		args = []string{"worktree", "add", workspaceDir, branchName}
	} else if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if err := Exec(ctx, repoRoot, args...); err != nil {
		return "", fmt.Errorf("git worktree add: %w", err)
	}

	return workspaceDir, nil
}

// RemoveStaleWorktree removes any worktree currently holding branchName.
func RemoveStaleWorktree(ctx context.Context, repoRoot, branchName string) {
	var current string
	for _, line := range strings.Split(quiet(ctx, repoRoot, "worktree", "list", "--porcelain"), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			if strings.TrimPrefix(line, "branch refs/heads/") == branchName {
				log.Warn().Str("branch", branchName).Str("stale_worktree", current).Msg("removing stale worktree")
				_ = Exec(ctx, repoRoot, "worktree", "remove", "--force", current)
			}
		}
	}
}

// RemoveWorktree removes the worktree but keeps the branch, so an aborted
// run's work remains reachable.
func RemoveWorktree(ctx context.Context, repoRoot, workspaceDir string) error {
	if err := Exec(ctx, repoRoot, "worktree", "remove", "--force", workspaceDir); err != nil {
		log.Warn().Err(err).Str("workspace_dir", workspaceDir).Msg("failed to remove git worktree")
		return err
	}
	return nil
}

// WorktreesUnder lists worktree paths that live under the given prefix.
func WorktreesUnder(ctx context.Context, repoRoot, prefix string) []string {
	var out []string
	for _, line := range strings.Split(quiet(ctx, repoRoot, "worktree", "list", "--porcelain"), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			if strings.HasPrefix(path, prefix) {
				out = append(out, path)
			}
		}
	}
	return out
}
