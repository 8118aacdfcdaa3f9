package scheduler

import (
	"os"
	"testing"
	"time"

	"github.com/steveyegge/pilot/internal/claim"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/session"
)

type fakeCost struct {
	today    map[string]int64
	exceeded map[string]bool
}

func (f fakeCost) AgentTodayTokens(sessionID string) int64 { return f.today[sessionID] }
func (f fakeCost) BudgetExceeded(sessionID string) bool    { return f.exceeded[sessionID] }

func newTestScheduler(t *testing.T) (*Scheduler, *session.Registry, *claim.AreaManager) {
	t.Helper()
	dir := t.TempDir()
	pol := policy.Defaults()
	sessions := session.New(dir, pol)
	alwaysLive := func(string) bool { return true }
	claims := claim.New(dir, alwaysLive)
	areas := claim.NewAreaManager(dir, alwaysLive)
	sched := New(dir, pol, sessions, claims, areas, fakeCost{today: map[string]int64{}, exceeded: map[string]bool{}})
	return sched, sessions, areas
}

func registerLive(t *testing.T, sessions *session.Registry, role session.Role) *session.State {
	t.Helper()
	st, err := sessions.Register(session.Context{Role: role, HookPID: os.Getpid(), AssistantProcessName: "__no_such_process__"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return st
}

func TestScheduleOnePicksHighestSkillMatch(t *testing.T) {
	s, sessions, _ := newTestScheduler(t)
	backend := registerLive(t, sessions, session.RoleBackend)
	frontend := registerLive(t, sessions, session.RoleFrontend)

	a, err := s.ScheduleOne(Task{ID: "T-1", RequiredCapabilities: []string{"go", "api"}})
	if err != nil {
		t.Fatalf("ScheduleOne: %v", err)
	}
	if a == nil {
		t.Fatal("expected an assignment")
	}
	if a.SessionID != backend.ID {
		t.Fatalf("got %q, want backend session %q (frontend was %q)", a.SessionID, backend.ID, frontend.ID)
	}
}

func TestScheduleOneReturnsNilWhenNoneEligible(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	a, err := s.ScheduleOne(Task{ID: "T-1"})
	if err != nil {
		t.Fatalf("ScheduleOne: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil, got %+v", a)
	}
}

func TestScheduleOneExcludesOverBudgetAgent(t *testing.T) {
	dir := t.TempDir()
	pol := policy.Defaults()
	sessions := session.New(dir, pol)
	alwaysLive := func(string) bool { return true }
	claims := claim.New(dir, alwaysLive)
	areas := claim.NewAreaManager(dir, alwaysLive)
	st := registerLive(t, sessions, session.RoleBackend)
	cost := fakeCost{today: map[string]int64{}, exceeded: map[string]bool{st.ID: true}}
	s := New(dir, pol, sessions, claims, areas, cost)

	a, err := s.ScheduleOne(Task{ID: "T-1"})
	if err != nil {
		t.Fatalf("ScheduleOne: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil (excluded by budget), got %+v", a)
	}
}

func TestScheduleOneExcludesAgentLockedOutOfArea(t *testing.T) {
	s, sessions, areas := newTestScheduler(t)
	holder := registerLive(t, sessions, session.RoleBackend)
	other := registerLive(t, sessions, session.RoleBackend)
	if err := areas.LockArea(holder.ID, "backend"); err != nil {
		t.Fatal(err)
	}

	a, err := s.ScheduleOne(Task{ID: "T-1", Area: "backend"})
	if err != nil {
		t.Fatalf("ScheduleOne: %v", err)
	}
	if a == nil || a.SessionID != holder.ID {
		t.Fatalf("got %+v, want assignment to area holder %q (not %q)", a, holder.ID, other.ID)
	}
}

func TestScheduleOneAppliesStarvationBoost(t *testing.T) {
	s, sessions, _ := newTestScheduler(t)
	registerLive(t, sessions, session.RoleBackend)

	fresh := Task{ID: "T-fresh", CreatedAt: time.Now()}
	old := Task{ID: "T-old", CreatedAt: time.Now().Add(-time.Hour)}

	aFresh, err := s.ScheduleOne(fresh)
	if err != nil {
		t.Fatal(err)
	}
	aOld, err := s.ScheduleOne(old)
	if err != nil {
		t.Fatal(err)
	}
	if aOld.Score <= aFresh.Score {
		t.Fatalf("expected starved task to score higher: old=%v fresh=%v", aOld.Score, aFresh.Score)
	}
}

func TestScheduleGreedyAssignsWithinCapacity(t *testing.T) {
	s, sessions, _ := newTestScheduler(t)
	a1 := registerLive(t, sessions, session.RoleBackend)
	a2 := registerLive(t, sessions, session.RoleBackend)

	tasks := []Task{{ID: "T-1"}, {ID: "T-2"}, {ID: "T-3"}}
	res, err := s.Schedule(tasks)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(res.Assignments) != 2 {
		t.Fatalf("got %d assignments, want 2 (capacity-bound): %+v", len(res.Assignments), res.Assignments)
	}
	if len(res.Unassigned) != 1 {
		t.Fatalf("got %d unassigned, want 1: %+v", len(res.Unassigned), res.Unassigned)
	}
	seen := map[string]bool{}
	for _, a := range res.Assignments {
		if a.SessionID != a1.ID && a.SessionID != a2.ID {
			t.Fatalf("unexpected assignee %q", a.SessionID)
		}
		if seen[a.SessionID] {
			t.Fatalf("agent %q assigned twice, capacity bookkeeping failed", a.SessionID)
		}
		seen[a.SessionID] = true
	}
}

func TestAffinityStoreRecordAndLookup(t *testing.T) {
	dir := t.TempDir()
	store := NewAffinityStore(dir)

	if rate := store.SuccessRate(session.RoleBackend, "backend"); rate != neutralAffinity {
		t.Fatalf("got %v, want neutral %v before any record", rate, neutralAffinity)
	}
	if err := store.RecordOutcome(session.RoleBackend, "backend", true); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordOutcome(session.RoleBackend, "backend", false); err != nil {
		t.Fatal(err)
	}
	if rate := store.SuccessRate(session.RoleBackend, "backend"); rate != 0.5 {
		t.Fatalf("got %v, want 0.5 after 1 hit / 2 total", rate)
	}
}

func TestAutoscaleScaleDownOnBudgetExhausted(t *testing.T) {
	pol := policy.Defaults()
	d := Autoscale(AutoscaleInput{ActiveCount: 4, BudgetRemainingFrac: 0}, pol, time.Now())
	if d.Action != ScaleDown {
		t.Fatalf("got %s, want scale_down", d.Action)
	}
}

func TestAutoscaleScaleUpOnQueueRatio(t *testing.T) {
	pol := policy.Defaults()
	d := Autoscale(AutoscaleInput{ActiveCount: 2, QueueDepth: 10, BudgetRemainingFrac: 1}, pol, time.Now())
	if d.Action != ScaleUp {
		t.Fatalf("got %s, want scale_up", d.Action)
	}
	if d.Target < pol.Pool.Min || d.Target > pol.Pool.Max {
		t.Fatalf("target %d out of pool bounds [%d,%d]", d.Target, pol.Pool.Min, pol.Pool.Max)
	}
}

func TestAutoscaleHoldSteadyState(t *testing.T) {
	pol := policy.Defaults()
	d := Autoscale(AutoscaleInput{ActiveCount: 3, QueueDepth: 1, IdleCount: 1, BudgetRemainingFrac: 1}, pol, time.Now())
	if d.Action != Hold {
		t.Fatalf("got %s, want hold", d.Action)
	}
}

func TestAutoscaleClampsToPoolBounds(t *testing.T) {
	pol := policy.Defaults()
	pol.Pool.Max = 3
	d := Autoscale(AutoscaleInput{ActiveCount: 3, QueueDepth: 100, BudgetRemainingFrac: 1}, pol, time.Now())
	if d.Target > pol.Pool.Max {
		t.Fatalf("got target %d, want <= pool max %d", d.Target, pol.Pool.Max)
	}
}
