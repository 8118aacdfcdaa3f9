package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/pilot/internal/bus"
	"github.com/steveyegge/pilot/internal/checkpoint"
	"github.com/steveyegge/pilot/internal/claim"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/session"
	"github.com/steveyegge/pilot/internal/worktree"
)

type fakeLookup struct{}

func (fakeLookup) SessionsWithRole(string) []string            { return nil }
func (fakeLookup) SessionIDForAgentName(string) (string, bool) { return "", false }
func (fakeLookup) RoleForCapability(string) (string, bool)     { return "", false }
func (fakeLookup) AllLiveSessionIDs() []string                 { return nil }

func newTestEngine(t *testing.T) (*Engine, *session.Registry, *claim.Manager, *claim.AreaManager) {
	t.Helper()
	dir := t.TempDir()
	pol := policy.Defaults()
	sessions := session.New(dir, pol)
	alwaysLive := func(string) bool { return true }
	claims := claim.New(dir, alwaysLive)
	areas := claim.NewAreaManager(dir, alwaysLive)
	wt := worktree.New(dir, dir, pol, &noopVCS{})
	cps := checkpoint.New(dir)
	b := bus.New(dir, fakeLookup{})
	return New(dir, sessions, claims, areas, wt, cps, b), sessions, claims, areas
}

type noopVCS struct{}

func (noopVCS) WorktreeAdd(context.Context, string, string, string, string) error { return nil }
func (noopVCS) WorktreeRemove(context.Context, string, string, bool) error        { return nil }
func (noopVCS) WorktreeLock(context.Context, string, string, string) error        { return nil }
func (noopVCS) WorktreeUnlock(context.Context, string, string) error              { return nil }
func (noopVCS) WorktreeList(context.Context, string) ([]worktree.PorcelainEntry, error) {
	return nil, nil
}
func (noopVCS) BranchDelete(context.Context, string, string, bool) error { return nil }
func (noopVCS) MergeNoCommit(context.Context, string, string) error      { return nil }
func (noopVCS) MergeAbort(context.Context, string) error                 { return nil }
func (noopVCS) MergeCommit(context.Context, string, string, string, bool) error {
	return nil
}
func (noopVCS) StageResolved(context.Context, string, string) error { return nil }
func (noopVCS) CommitMerge(context.Context, string, string) error   { return nil }
func (noopVCS) Status(context.Context, string) (string, error)      { return "", nil }
func (noopVCS) ConflictedFiles(context.Context, string) ([]string, error) {
	return nil, nil
}

func registerDeadSession(t *testing.T, sessions *session.Registry) *session.State {
	t.Helper()
	st, err := sessions.Register(session.Context{Role: session.RoleBackend, HookPID: 99999, AssistantProcessName: "no-such-process"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return st
}

func TestAssessRecoveryResumeWhenCheckpointHasTask(t *testing.T) {
	e, sessions, _, _ := newTestEngine(t)
	st := registerDeadSession(t, sessions)

	if _, err := e.Checkpoints.Save(st.ID, checkpoint.Checkpoint{TaskID: "T-1"}); err != nil {
		t.Fatal(err)
	}

	a, err := e.AssessRecovery(st.ID)
	if err != nil {
		t.Fatalf("AssessRecovery: %v", err)
	}
	if a.Strategy != StrategyResume {
		t.Fatalf("got %s, want resume", a.Strategy)
	}
}

func TestAssessRecoveryReassignWhenClaimedNoCheckpoint(t *testing.T) {
	e, sessions, claims, _ := newTestEngine(t)
	st := registerDeadSession(t, sessions)

	if _, err := claims.Claim(st.ID, "T-9", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Update(st.ID, func(s *session.State) { s.ClaimedTaskID = "T-9" }); err != nil {
		t.Fatal(err)
	}

	a, err := e.AssessRecovery(st.ID)
	if err != nil {
		t.Fatalf("AssessRecovery: %v", err)
	}
	if a.Strategy != StrategyReassign {
		t.Fatalf("got %s, want reassign", a.Strategy)
	}
}

func TestAssessRecoveryCleanupWhenNothingClaimed(t *testing.T) {
	e, sessions, _, _ := newTestEngine(t)
	st := registerDeadSession(t, sessions)

	a, err := e.AssessRecovery(st.ID)
	if err != nil {
		t.Fatalf("AssessRecovery: %v", err)
	}
	if a.Strategy != StrategyCleanup {
		t.Fatalf("got %s, want cleanup", a.Strategy)
	}
}

func TestReleaseAndReassignNotifiesPM(t *testing.T) {
	e, sessions, claims, _ := newTestEngine(t)
	st := registerDeadSession(t, sessions)
	if _, err := claims.Claim(st.ID, "T-5", time.Hour); err != nil {
		t.Fatal(err)
	}

	released, err := e.ReleaseAndReassign(st.ID, "S-pm")
	if err != nil {
		t.Fatalf("ReleaseAndReassign: %v", err)
	}
	if len(released) != 1 || released[0] != "T-5" {
		t.Fatalf("got %v, want [T-5]", released)
	}
	if _, ok := claims.Get("T-5"); ok {
		t.Fatal("expected claim to be released")
	}
}

func TestRecoverSessionTransfersClaimAndAreas(t *testing.T) {
	e, sessions, claims, areas := newTestEngine(t)
	st := registerDeadSession(t, sessions)
	if _, err := claims.Claim(st.ID, "T-7", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := areas.LockArea(st.ID, "backend"); err != nil {
		t.Fatal(err)
	}

	a, err := e.AssessRecovery(st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RecoverSession(context.Background(), *a, "S-new", int64(time.Hour/time.Millisecond)); err != nil {
		t.Fatalf("RecoverSession: %v", err)
	}

	if holder := claims.HolderOf("T-7"); holder != "S-new" {
		t.Fatalf("got holder %q, want S-new", holder)
	}
	if holder := areas.HolderOf("backend"); holder != "S-new" {
		t.Fatalf("got area holder %q, want S-new", holder)
	}
	if sessions.IsAlive(st.ID) {
		t.Fatal("expected dead session to be ended after recovery")
	}
}

func TestCleanupEndsSessionAndRunsCleaners(t *testing.T) {
	e, sessions, _, _ := newTestEngine(t)
	st := registerDeadSession(t, sessions)

	var called string
	e.cleaners = append(e.cleaners, cleanerFunc(func(id string) error {
		called = id
		return nil
	}))

	if err := e.Cleanup(st.ID); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if called != st.ID {
		t.Fatalf("got %q, want cleaner invoked with %q", called, st.ID)
	}
	if sessions.IsAlive(st.ID) {
		t.Fatal("expected session ended after cleanup")
	}
}

type cleanerFunc func(sessionID string) error

func (f cleanerFunc) CleanupSession(sessionID string) error { return f(sessionID) }

func TestExtractPatternStripsFileLocations(t *testing.T) {
	out := "--- FAIL: TestFoo (0.00s)\n    foo_test.go:42: assertion failed: got 1 want 2\nFAIL"
	p1 := ExtractPattern(out)
	out2 := "--- FAIL: TestFoo (0.00s)\n    foo_test.go:99: assertion failed: got 1 want 2\nFAIL"
	p2 := ExtractPattern(out2)
	if p1 != p2 {
		t.Fatalf("expected location-stripped patterns to match, got %q vs %q", p1, p2)
	}
}

func TestTestFailureMemoryRecordAndLookup(t *testing.T) {
	m := NewTestFailureMemory(t.TempDir())
	if _, ok := m.Lookup("backend", "some pattern"); ok {
		t.Fatal("expected no resolution before recording")
	}
	if err := m.Record("backend", "some pattern", "bump timeout to 5s"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	res, ok := m.Lookup("backend", "some pattern")
	if !ok || res != "bump timeout to 5s" {
		t.Fatalf("got %q, %v, want recorded resolution", res, ok)
	}
}

func TestRecoverMergeConflictAbortsOnConflict(t *testing.T) {
	v := &fakeRebaseVCS{conflict: true, files: []string{"a.go"}}
	res, err := RecoverMergeConflict(context.Background(), v, "/wt", "main")
	if err != nil {
		t.Fatalf("RecoverMergeConflict: %v", err)
	}
	if res.Rebased {
		t.Fatal("expected Rebased=false on conflict")
	}
	if !v.aborted {
		t.Fatal("expected RebaseAbort to be called on conflict")
	}
	if len(res.ConflictedFiles) != 1 {
		t.Fatalf("got %v", res.ConflictedFiles)
	}
}

type fakeRebaseVCS struct {
	conflict bool
	aborted  bool
	files    []string
}

func (f *fakeRebaseVCS) Rebase(context.Context, string, string) error {
	if f.conflict {
		return errRebaseConflict
	}
	return nil
}
func (f *fakeRebaseVCS) RebaseAbort(context.Context, string) error {
	f.aborted = true
	return nil
}
func (f *fakeRebaseVCS) ConflictedFiles(context.Context, string) ([]string, error) {
	return f.files, nil
}

type rebaseConflictErr struct{}

func (rebaseConflictErr) Error() string { return "conflict" }

var errRebaseConflict = rebaseConflictErr{}
