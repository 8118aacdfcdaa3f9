package recovery

import (
	"context"
	"strings"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/util"
)

// RebaseVCS is the narrow git surface the merge-conflict recoverer needs —
// separate from worktree.VCS because this recoverer attempts a rebase, not
// a merge, and worktree's collaborator contract (spec §6) only names merge
// operations.
type RebaseVCS interface {
	Rebase(ctx context.Context, worktreeDir, ontoBranch string) error
	RebaseAbort(ctx context.Context, worktreeDir string) error
	ConflictedFiles(ctx context.Context, worktreeDir string) ([]string, error)
}

// GitRebase shells out to git(1), mirroring worktree.GitVCS's
// exec-with-timeout idiom.
type GitRebase struct{}

func (g GitRebase) Rebase(ctx context.Context, worktreeDir, ontoBranch string) error {
	_, err := util.ExecOutput(constants.MergeTimeout, worktreeDir, "git", "rebase", ontoBranch)
	return err
}

func (g GitRebase) RebaseAbort(ctx context.Context, worktreeDir string) error {
	_, err := util.ExecOutput(constants.MergeTimeout, worktreeDir, "git", "rebase", "--abort")
	return err
}

func (g GitRebase) ConflictedFiles(ctx context.Context, worktreeDir string) ([]string, error) {
	out, err := util.ExecOutput(constants.MergeTimeout, worktreeDir, "git", "diff", "--name-only", "--diff-filter=U")
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

// MergeConflictResult reports a rebase recovery attempt.
type MergeConflictResult struct {
	Rebased         bool
	ConflictedFiles []string
}

// RecoverMergeConflict attempts a rebase onto ontoBranch; if it conflicts,
// aborts and returns the conflicted file list for the agent (or a human) to
// resolve by hand rather than leaving the worktree mid-rebase.
func RecoverMergeConflict(ctx context.Context, vcs RebaseVCS, worktreeDir, ontoBranch string) (*MergeConflictResult, error) {
	if err := vcs.Rebase(ctx, worktreeDir, ontoBranch); err != nil {
		files, ferr := vcs.ConflictedFiles(ctx, worktreeDir)
		if ferr != nil {
			files = nil
		}
		_ = vcs.RebaseAbort(ctx, worktreeDir)
		return &MergeConflictResult{Rebased: false, ConflictedFiles: files}, nil
	}
	return &MergeConflictResult{Rebased: true}, nil
}
