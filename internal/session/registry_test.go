package session

import (
	"os"
	"testing"
	"time"

	"github.com/steveyegge/pilot/internal/policy"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	pol := policy.Defaults()
	return New(dir, pol), dir
}

func TestRegisterCreatesFreshSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	st, err := r.Register(Context{Role: RoleBackend, AgentName: "toast", HookPID: os.Getpid(), AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if st.Status != StatusActive {
		t.Fatalf("got status %q, want active", st.Status)
	}
	if st.ID == "" {
		t.Fatal("expected non-empty session id")
	}
}

func TestRegisterResurrectsEndedSessionWithMatchingParent(t *testing.T) {
	r, _ := newTestRegistry(t)
	first, err := r.Register(Context{Role: RoleBackend, AgentName: "toast", HookPID: os.Getpid(), AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.End(first.ID, "test teardown"); err != nil {
		t.Fatalf("End: %v", err)
	}

	second, err := r.Register(Context{Role: RoleBackend, AgentName: "toast", HookPID: os.Getpid(), AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("got new session %s, want resurrected %s", second.ID, first.ID)
	}
	if second.Status != StatusActive {
		t.Fatalf("got status %q, want active", second.Status)
	}
}

func TestIsAliveFastPathViaLockfile(t *testing.T) {
	r, _ := newTestRegistry(t)
	st, err := r.Register(Context{Role: RoleBackend, HookPID: os.Getpid(), AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.IsAlive(st.ID) {
		t.Fatal("expected newly-registered session to be alive")
	}
}

func TestGetActiveSessionsExcludesEnded(t *testing.T) {
	r, _ := newTestRegistry(t)
	live, err := r.Register(Context{Role: RoleBackend, HookPID: os.Getpid(), AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	ended, err := r.Register(Context{Role: RoleFrontend, HookPID: os.Getpid() + 999999, AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.End(ended.ID, "done"); err != nil {
		t.Fatalf("End: %v", err)
	}

	active, err := r.GetActiveSessions("")
	if err != nil {
		t.Fatalf("GetActiveSessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != live.ID {
		t.Fatalf("got %+v, want only %s", active, live.ID)
	}
}

func TestCleanupRepairsZombie(t *testing.T) {
	r, dir := newTestRegistry(t)
	st, err := r.Register(Context{Role: RoleBackend, HookPID: os.Getpid(), AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Force the zombie invariant violation directly on disk.
	st.EndedAt = time.Now()
	if err := r.save(st); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = dir

	res, err := r.CleanupStaleSessions()
	if err != nil {
		t.Fatalf("CleanupStaleSessions: %v", err)
	}
	if res.ZombiesRepaired != 1 {
		t.Fatalf("got %d zombies repaired, want 1", res.ZombiesRepaired)
	}
	got, err := r.Get(st.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("got status %q, want ended after repair", got.Status)
	}
}

func TestArchiveSessionsMovesOldEnded(t *testing.T) {
	r, _ := newTestRegistry(t)
	st, err := r.Register(Context{Role: RoleBackend, HookPID: os.Getpid(), AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.End(st.ID, "done"); err != nil {
		t.Fatalf("End: %v", err)
	}
	// Backdate ended_at so it clears the archive threshold.
	got, _ := r.Get(st.ID)
	got.EndedAt = time.Now().Add(-48 * time.Hour)
	if err := r.save(got); err != nil {
		t.Fatalf("save: %v", err)
	}

	moved, err := r.ArchiveSessions(24 * time.Hour)
	if err != nil {
		t.Fatalf("ArchiveSessions: %v", err)
	}
	if moved != 1 {
		t.Fatalf("got %d moved, want 1", moved)
	}
	if _, err := r.Get(st.ID); err == nil {
		t.Fatal("expected session file to be gone from the active dir")
	}
}

func TestFindTownRootWalksUpToMarker(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir+"/.pilot", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	nested := dir + "/a/b/c"
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	root, ok := FindTownRoot(nested)
	if !ok {
		t.Fatal("expected to find town root")
	}
	if root != dir {
		t.Fatalf("got %s, want %s", root, dir)
	}
}

func TestFindTownRootNoMarker(t *testing.T) {
	dir := t.TempDir()
	if _, ok := FindTownRoot(dir); ok {
		t.Fatal("expected no town root to be found")
	}
}
