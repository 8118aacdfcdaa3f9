package worktree

import (
	"context"
	"strings"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/util"
)

// GitVCS is the default VCS implementation, shelling out to git(1) under an
// explicit timeout (matches gastown's util.ExecRun-wrapped collaborators —
// no subprocess ever runs unbounded).
type GitVCS struct {
	Timeout time.Duration
}

// NewGitVCS returns a GitVCS with the default merge/command timeout.
func NewGitVCS() *GitVCS {
	return &GitVCS{Timeout: constants.MergeTimeout}
}

func (g *GitVCS) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return constants.MergeTimeout
}

func (g *GitVCS) run(dir string, args ...string) ([]byte, error) {
	return util.ExecOutput(g.timeout(), dir, "git", args...)
}

func (g *GitVCS) WorktreeAdd(_ context.Context, repoDir, worktreeDir, branch, baseBranch string) error {
	_, err := g.run(repoDir, "worktree", "add", "-b", branch, worktreeDir, baseBranch)
	return err
}

func (g *GitVCS) WorktreeRemove(_ context.Context, repoDir, worktreeDir string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreeDir)
	_, err := g.run(repoDir, args...)
	return err
}

func (g *GitVCS) WorktreeLock(_ context.Context, repoDir, worktreeDir, reason string) error {
	_, err := g.run(repoDir, "worktree", "lock", "--reason", reason, worktreeDir)
	return err
}

func (g *GitVCS) WorktreeUnlock(_ context.Context, repoDir, worktreeDir string) error {
	_, err := g.run(repoDir, "worktree", "unlock", worktreeDir)
	return err
}

func (g *GitVCS) WorktreeList(_ context.Context, repoDir string) ([]PorcelainEntry, error) {
	out, err := g.run(repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(string(out)), nil
}

func parsePorcelain(out string) []PorcelainEntry {
	var entries []PorcelainEntry
	var cur *PorcelainEntry
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &PorcelainEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				cur.Branch = strings.TrimPrefix(line, "branch ")
			}
		case strings.HasPrefix(line, "locked"):
			if cur != nil {
				cur.Locked = true
				cur.Reason = strings.TrimSpace(strings.TrimPrefix(line, "locked"))
			}
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries
}

func (g *GitVCS) BranchDelete(_ context.Context, repoDir, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run(repoDir, "branch", flag, branch)
	return err
}

func (g *GitVCS) MergeNoCommit(_ context.Context, worktreeDir, branch string) error {
	_, err := g.run(worktreeDir, "merge", "--no-commit", "--no-ff", branch)
	return err
}

func (g *GitVCS) MergeAbort(_ context.Context, worktreeDir string) error {
	_, err := g.run(worktreeDir, "merge", "--abort")
	return err
}

func (g *GitVCS) MergeCommit(_ context.Context, worktreeDir, branch, message string, squash bool) error {
	if squash {
		if _, err := g.run(worktreeDir, "merge", "--squash", branch); err != nil {
			return err
		}
		_, err := g.run(worktreeDir, "commit", "-m", message)
		return err
	}
	_, err := g.run(worktreeDir, "merge", "--no-ff", "-m", message, branch)
	return err
}

func (g *GitVCS) StageResolved(_ context.Context, worktreeDir, file string) error {
	_, err := g.run(worktreeDir, "add", "--", file)
	return err
}

func (g *GitVCS) CommitMerge(_ context.Context, worktreeDir, message string) error {
	_, err := g.run(worktreeDir, "commit", "-m", message)
	return err
}

func (g *GitVCS) Status(_ context.Context, worktreeDir string) (string, error) {
	out, err := g.run(worktreeDir, "status", "--porcelain")
	return string(out), err
}

func (g *GitVCS) ConflictedFiles(_ context.Context, worktreeDir string) ([]string, error) {
	out, err := g.run(worktreeDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
