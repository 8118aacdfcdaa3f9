package worktree

import (
	"context"
	"testing"

	"github.com/steveyegge/pilot/internal/policy"
)

type fakeVCS struct {
	added           []string
	removed         []string
	locked          []string
	unlocked        []string
	branchesDel     []string
	mergeConflicted bool
	conflicted      []string
	listEntries     []PorcelainEntry
	aborted         bool
	staged          []string
	committedMerge  bool
}

func (f *fakeVCS) WorktreeAdd(_ context.Context, repoDir, worktreeDir, branch, baseBranch string) error {
	f.added = append(f.added, worktreeDir)
	return nil
}
func (f *fakeVCS) WorktreeRemove(_ context.Context, repoDir, worktreeDir string, force bool) error {
	f.removed = append(f.removed, worktreeDir)
	return nil
}
func (f *fakeVCS) WorktreeLock(_ context.Context, repoDir, worktreeDir, reason string) error {
	f.locked = append(f.locked, reason)
	return nil
}
func (f *fakeVCS) WorktreeUnlock(_ context.Context, repoDir, worktreeDir string) error {
	f.unlocked = append(f.unlocked, worktreeDir)
	return nil
}
func (f *fakeVCS) WorktreeList(_ context.Context, repoDir string) ([]PorcelainEntry, error) {
	return f.listEntries, nil
}
func (f *fakeVCS) BranchDelete(_ context.Context, repoDir, branch string, force bool) error {
	f.branchesDel = append(f.branchesDel, branch)
	return nil
}
func (f *fakeVCS) MergeNoCommit(_ context.Context, worktreeDir, branch string) error {
	if f.mergeConflicted {
		return errConflict
	}
	return nil
}
func (f *fakeVCS) MergeAbort(_ context.Context, worktreeDir string) error {
	f.aborted = true
	return nil
}
func (f *fakeVCS) MergeCommit(_ context.Context, worktreeDir, branch, message string, squash bool) error {
	return nil
}
func (f *fakeVCS) StageResolved(_ context.Context, worktreeDir, file string) error {
	f.staged = append(f.staged, file)
	return nil
}
func (f *fakeVCS) CommitMerge(_ context.Context, worktreeDir, message string) error {
	f.committedMerge = true
	return nil
}
func (f *fakeVCS) Status(_ context.Context, worktreeDir string) (string, error) { return "", nil }
func (f *fakeVCS) ConflictedFiles(_ context.Context, worktreeDir string) ([]string, error) {
	return f.conflicted, nil
}

type conflictErr struct{}

func (conflictErr) Error() string { return "conflict" }

var errConflict = conflictErr{}

type fakeResolver struct {
	result ResolveResult
	err    error
	called bool
}

func (f *fakeResolver) Resolve(_ context.Context, worktreeDir string, conflictedFiles []string) (ResolveResult, error) {
	f.called = true
	return f.result, f.err
}

func TestCreateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	fv := &fakeVCS{}
	m := New(dir, dir, policy.Defaults(), fv)

	got1, err := m.Create(context.Background(), "T-1", "S-1", "main")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got2, err := m.Create(context.Background(), "T-1", "S-1", "main")
	if err != nil {
		t.Fatalf("Create (second): %v", err)
	}
	if got1 != got2 {
		t.Fatalf("got %s and %s, want same path", got1, got2)
	}
	if len(fv.added) != 1 {
		t.Fatalf("got %d WorktreeAdd calls, want 1 (idempotent)", len(fv.added))
	}
}

func TestMergeCleanPath(t *testing.T) {
	dir := t.TempDir()
	fv := &fakeVCS{}
	m := New(dir, dir, policy.Defaults(), fv)

	res, err := m.Merge(context.Background(), "T-1", "merge T-1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !res.Merged {
		t.Fatalf("got Merged=false, want true")
	}
}

func TestMergeConflictReturnsFileList(t *testing.T) {
	dir := t.TempDir()
	fv := &fakeVCS{mergeConflicted: true, conflicted: []string{"a.go", "b.go"}}
	m := New(dir, dir, policy.Defaults(), fv)

	res, err := m.Merge(context.Background(), "T-1", "merge T-1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Merged {
		t.Fatal("expected conflicted merge to not be marked Merged")
	}
	if len(res.ConflictedFiles) != 2 {
		t.Fatalf("got %v, want 2 conflicted files", res.ConflictedFiles)
	}
}

func TestMergeAutoResolveSucceeds(t *testing.T) {
	dir := t.TempDir()
	fv := &fakeVCS{mergeConflicted: true, conflicted: []string{"a.go"}}
	pol := policy.Defaults()
	pol.MergeAutoResolve = true
	m := New(dir, dir, pol, fv)
	resolver := &fakeResolver{result: ResolveResult{Success: true, Resolutions: []string{"a.go"}}}
	m.Resolver = resolver

	res, err := m.Merge(context.Background(), "T-1", "merge T-1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !resolver.called {
		t.Fatal("expected resolver to be invoked on conflict")
	}
	if !res.Merged {
		t.Fatal("expected auto-resolved merge to be marked Merged")
	}
	if len(fv.staged) != 1 || fv.staged[0] != "a.go" {
		t.Fatalf("got staged=%v, want [a.go]", fv.staged)
	}
	if !fv.committedMerge {
		t.Fatal("expected CommitMerge to be called to finish the auto-resolved merge")
	}
	if fv.aborted {
		t.Fatal("did not expect MergeAbort once the resolver succeeded")
	}
}

func TestMergeAutoResolveDisabledFallsBackToEscalation(t *testing.T) {
	dir := t.TempDir()
	fv := &fakeVCS{mergeConflicted: true, conflicted: []string{"a.go", "b.go"}}
	pol := policy.Defaults()
	pol.MergeAutoResolve = false
	m := New(dir, dir, pol, fv)
	resolver := &fakeResolver{result: ResolveResult{Success: true, Resolutions: []string{"a.go"}}}
	m.Resolver = resolver

	res, err := m.Merge(context.Background(), "T-1", "merge T-1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if resolver.called {
		t.Fatal("did not expect resolver to be invoked with MergeAutoResolve off")
	}
	if res.Merged {
		t.Fatal("expected disabled auto-resolve to still escalate")
	}
	if len(res.ConflictedFiles) != 2 {
		t.Fatalf("got %v, want 2 conflicted files", res.ConflictedFiles)
	}
	if !fv.aborted {
		t.Fatal("expected MergeAbort on the escalation path")
	}
}

func TestMergeAutoResolveNeedsEscalationFallsBack(t *testing.T) {
	dir := t.TempDir()
	fv := &fakeVCS{mergeConflicted: true, conflicted: []string{"a.go"}}
	pol := policy.Defaults()
	pol.MergeAutoResolve = true
	m := New(dir, dir, pol, fv)
	resolver := &fakeResolver{result: ResolveResult{Success: true, NeedsEscalation: true}}
	m.Resolver = resolver

	res, err := m.Merge(context.Background(), "T-1", "merge T-1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !resolver.called {
		t.Fatal("expected resolver to be invoked on conflict")
	}
	if res.Merged {
		t.Fatal("expected NeedsEscalation to override resolver success")
	}
	if fv.committedMerge {
		t.Fatal("did not expect CommitMerge when the resolver asked for escalation")
	}
	if !fv.aborted {
		t.Fatal("expected MergeAbort on the escalation path")
	}
}

func TestGCOrphansRemovesDeadSessionWorktrees(t *testing.T) {
	dir := t.TempDir()
	fv := &fakeVCS{listEntries: []PorcelainEntry{
		{Path: "/wt/a", Locked: true, Reason: "session:S-dead"},
		{Path: "/wt/b", Locked: true, Reason: "session:S-live"},
		{Path: "/wt/c", Locked: false},
	}}
	m := New(dir, dir, policy.Defaults(), fv)

	isLive := func(id string) bool { return id == "S-live" }
	removed, err := m.GCOrphans(context.Background(), isLive)
	if err != nil {
		t.Fatalf("GCOrphans: %v", err)
	}
	if len(removed) != 1 || removed[0] != "/wt/a" {
		t.Fatalf("got %v, want [/wt/a]", removed)
	}
}

func TestParsePorcelain(t *testing.T) {
	out := "worktree /a\nbranch refs/heads/main\n\nworktree /b\nbranch refs/heads/pilot/t-1\nlocked reason\n"
	entries := parsePorcelain(out)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1].Locked != true || entries[1].Reason != "reason" {
		t.Fatalf("got %+v, want locked with reason", entries[1])
	}
}
