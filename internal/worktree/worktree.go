// Package worktree implements per-task isolated working copies: branch,
// lock, merge with conflict precheck and optional semantic auto-resolution,
// and orphan reclamation (spec §4.4). The VCS collaborator is an injectable
// interface per spec §6's "contract only, not implemented here" list;
// GitVCS is the default implementation, shelling out via
// internal/util.ExecRun the same way gastown's collaborators invoke
// external programs under an explicit timeout (internal/mail/router.go).
// MergeResolver is a second, optional collaborator implementing spec §9's
// resolver contract for Merge's auto-resolve branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/util"
)

// VCS is the narrow collaborator interface Pilot consumes from git (spec §6).
type VCS interface {
	WorktreeAdd(ctx context.Context, repoDir, worktreeDir, branch, baseBranch string) error
	WorktreeRemove(ctx context.Context, repoDir, worktreeDir string, force bool) error
	WorktreeLock(ctx context.Context, repoDir, worktreeDir, reason string) error
	WorktreeUnlock(ctx context.Context, repoDir, worktreeDir string) error
	WorktreeList(ctx context.Context, repoDir string) ([]PorcelainEntry, error)
	BranchDelete(ctx context.Context, repoDir, branch string, force bool) error
	MergeNoCommit(ctx context.Context, worktreeDir, branch string) error
	MergeAbort(ctx context.Context, worktreeDir string) error
	MergeCommit(ctx context.Context, worktreeDir, branch, message string, squash bool) error
	// StageResolved stages a resolver-rewritten file's contents (git add)
	// inside an in-progress, still-conflicted merge.
	StageResolved(ctx context.Context, worktreeDir, file string) error
	// CommitMerge finishes an in-progress merge once every conflict is
	// staged — used after a MergeResolver reports success, in place of the
	// abort+MergeCommit path taken when there is no resolver.
	CommitMerge(ctx context.Context, worktreeDir, message string) error
	Status(ctx context.Context, worktreeDir string) (string, error)
	ConflictedFiles(ctx context.Context, worktreeDir string) ([]string, error)
}

// PorcelainEntry is one `git worktree list --porcelain` entry.
type PorcelainEntry struct {
	Path   string
	Branch string
	Locked bool
	Reason string
}

// MergeResolver attempts semantic auto-resolution of a conflicted merge
// (spec §4.4, §9's resolver contract). Optional collaborator: a town with
// none wired in (or with policy.MergeAutoResolve off) always falls through
// to aborting and returning the conflict list for escalation.
type MergeResolver interface {
	Resolve(ctx context.Context, worktreeDir string, conflictedFiles []string) (ResolveResult, error)
}

// ResolveResult is a MergeResolver's verdict (spec §9: "{success,
// resolutions, needsEscalation}"). Resolutions lists the files the resolver
// staged a fix for; NeedsEscalation, even alongside Success, means the
// resolver wants a human to confirm before the merge is finalized.
type ResolveResult struct {
	Success         bool
	Resolutions     []string
	NeedsEscalation bool
}

// Manager implements spec §4.4's create/remove/merge/orphan-GC operations.
type Manager struct {
	townRoot string
	repoDir  string
	policy   *policy.Policy
	vcs      VCS
	log      *eventlog.Log

	Resolver MergeResolver // may be nil
}

// New returns a Manager. repoDir is the primary checkout worktrees are
// branched from.
func New(townRoot, repoDir string, pol *policy.Policy, vcs VCS) *Manager {
	if vcs == nil {
		vcs = NewGitVCS()
	}
	return &Manager{townRoot: townRoot, repoDir: repoDir, policy: pol, vcs: vcs, log: eventlog.Open(townRoot)}
}

func (m *Manager) dirFor(taskID string) string {
	safe := util.SanitizeTaskID(taskID)
	return filepath.Join(constants.WorktreesDir(m.townRoot), safe)
}

func (m *Manager) branchFor(taskID string) string {
	return m.policy.WorktreeBranchPrefix + util.SanitizeTaskID(taskID)
}

// PathFor returns the worktree directory for taskID, whether or not it has
// been created yet — used by the recovery engine to transfer a worktree
// path from a dead session to its replacement without re-deriving the
// sanitization/prefix rules itself.
func (m *Manager) PathFor(taskID string) string {
	return m.dirFor(taskID)
}

// Create implements spec §4.4's create(taskId, sessionId): idempotent if the
// target directory already exists.
func (m *Manager) Create(ctx context.Context, taskID, sessionID, baseBranch string) (string, error) {
	dir := m.dirFor(taskID)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	branch := m.branchFor(taskID)
	if err := m.vcs.WorktreeAdd(ctx, m.repoDir, dir, branch, baseBranch); err != nil {
		return "", fmt.Errorf("creating worktree for %s: %w", taskID, err)
	}
	if err := m.vcs.WorktreeLock(ctx, m.repoDir, dir, "session:"+sessionID); err != nil {
		return "", fmt.Errorf("locking worktree for %s: %w", taskID, err)
	}
	_ = m.log.Append(eventlog.WorktreeCreated, sessionID, map[string]any{"task_id": taskID, "branch": branch, "dir": dir})
	return dir, nil
}

// Remove implements spec §4.4's remove(taskId): unlock, force-remove, delete
// branch, with a double-force fallback.
func (m *Manager) Remove(ctx context.Context, taskID, sessionID string) error {
	dir := m.dirFor(taskID)
	branch := m.branchFor(taskID)

	_ = m.vcs.WorktreeUnlock(ctx, m.repoDir, dir)

	if err := m.vcs.WorktreeRemove(ctx, m.repoDir, dir, true); err != nil {
		// Double-force fallback: remove the directory directly, then prune.
		_ = os.RemoveAll(dir)
		if err2 := m.vcs.WorktreeRemove(ctx, m.repoDir, dir, true); err2 != nil {
			// Already gone from git's perspective once the directory is gone;
			// proceed to branch deletion regardless.
			_ = err2
		}
	}
	_ = m.vcs.BranchDelete(ctx, m.repoDir, branch, true)
	_ = m.log.Append(eventlog.WorktreeRemoved, sessionID, map[string]any{"task_id": taskID})
	return nil
}

// MergeResult reports the outcome of Merge.
type MergeResult struct {
	Merged          bool
	ConflictedFiles []string
}

// Merge implements spec §4.4's merge(taskId, msg): a conflict precheck
// (merge --no-commit --no-ff) before committing. On conflict, and only
// while the precheck's conflicted-but-uncommitted merge state is still on
// disk, it gives MergeResolver a chance at semantic auto-resolution (spec
// §9) if policy.MergeAutoResolve is on and a resolver is wired in; if the
// resolver isn't configured, declines, or asks for escalation anyway, the
// precheck is aborted and the conflicted file list is returned for
// escalation, exactly as before.
func (m *Manager) Merge(ctx context.Context, taskID, message string) (*MergeResult, error) {
	dir := m.dirFor(taskID)
	branch := m.branchFor(taskID)

	if err := m.vcs.MergeNoCommit(ctx, dir, branch); err != nil {
		files, _ := m.vcs.ConflictedFiles(ctx, dir)

		if m.policy.MergeAutoResolve && m.Resolver != nil {
			if result, rerr := m.Resolver.Resolve(ctx, dir, files); rerr == nil && result.Success && !result.NeedsEscalation {
				if mergeResult, ok := m.commitResolved(ctx, dir, taskID, message, result); ok {
					return mergeResult, nil
				}
			}
		}

		_ = m.vcs.MergeAbort(ctx, dir)
		return &MergeResult{Merged: false, ConflictedFiles: files}, nil
	}
	_ = m.vcs.MergeAbort(ctx, dir)

	squash := m.policy.MergeStrategy == policy.MergeSquash
	if err := m.vcs.MergeCommit(ctx, dir, branch, message, squash); err != nil {
		return nil, fmt.Errorf("merging %s: %w", taskID, err)
	}
	_ = m.log.Append(eventlog.WorktreeMerged, "", map[string]any{"task_id": taskID, "strategy": m.policy.MergeStrategy})
	return &MergeResult{Merged: true}, nil
}

// commitResolved stages a resolver's accepted resolutions and finishes the
// in-progress merge. Returns ok=false if staging or the commit itself
// fails, leaving the caller to fall back to abort-and-escalate.
func (m *Manager) commitResolved(ctx context.Context, dir, taskID, message string, result ResolveResult) (*MergeResult, bool) {
	for _, file := range result.Resolutions {
		if err := m.vcs.StageResolved(ctx, dir, file); err != nil {
			return nil, false
		}
	}
	if err := m.vcs.CommitMerge(ctx, dir, message); err != nil {
		return nil, false
	}
	_ = m.log.Append(eventlog.WorktreeMerged, "", map[string]any{
		"task_id": taskID, "strategy": m.policy.MergeStrategy,
		"auto_resolved": true, "resolutions": result.Resolutions,
	})
	return &MergeResult{Merged: true}, true
}

// GCOrphans implements spec §4.4's orphan GC: enumerate worktrees, drop any
// whose locked reason names a session no longer active. isLive is injected
// the same way claim.Manager takes one, to avoid an import cycle on session.
func (m *Manager) GCOrphans(ctx context.Context, isLive func(sessionID string) bool) ([]string, error) {
	entries, err := m.vcs.WorktreeList(ctx, m.repoDir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if !e.Locked {
			continue
		}
		sessionID, ok := sessionFromReason(e.Reason)
		if !ok || isLive(sessionID) {
			continue
		}
		_ = m.vcs.WorktreeUnlock(ctx, m.repoDir, e.Path)
		if err := m.vcs.WorktreeRemove(ctx, m.repoDir, e.Path, true); err == nil {
			removed = append(removed, e.Path)
		}
	}
	return removed, nil
}

func sessionFromReason(reason string) (string, bool) {
	const prefix = "session:"
	if len(reason) > len(prefix) && reason[:len(prefix)] == prefix {
		return reason[len(prefix):], true
	}
	return "", false
}
