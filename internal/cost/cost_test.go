package cost

import (
	"testing"
	"time"

	"github.com/steveyegge/pilot/internal/policy"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	dir := t.TempDir()
	return New(dir, policy.Defaults())
}

func TestRecordTaskCostAccumulates(t *testing.T) {
	tr := newTestTracker(t)

	if err := tr.RecordTaskCost("S-1", "T-1", 400); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	if err := tr.RecordTaskCost("S-1", "T-1", 800); err != nil {
		t.Fatalf("record 2: %v", err)
	}

	c, err := tr.GetTaskCost("T-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.TotalBytes != 1200 {
		t.Fatalf("got TotalBytes=%d, want 1200", c.TotalBytes)
	}
	if c.TotalTokens != 300 {
		t.Fatalf("got TotalTokens=%d, want 300", c.TotalTokens)
	}
	if c.RespawnCount != 0 {
		t.Fatalf("got RespawnCount=%d, want 0 (same session both times)", c.RespawnCount)
	}
}

func TestRecordTaskCostBumpsRespawnOnSessionChange(t *testing.T) {
	tr := newTestTracker(t)

	_ = tr.RecordTaskCost("S-1", "T-1", 100)
	_ = tr.RecordTaskCost("S-2", "T-1", 100)
	_ = tr.RecordTaskCost("S-2", "T-1", 100)
	_ = tr.RecordTaskCost("S-3", "T-1", 100)

	c, err := tr.GetTaskCost("T-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.RespawnCount != 2 {
		t.Fatalf("got RespawnCount=%d, want 2", c.RespawnCount)
	}
}

func TestRecordTaskCostUpdatesAgentAndDaily(t *testing.T) {
	tr := newTestTracker(t)

	_ = tr.RecordTaskCost("S-1", "T-1", 400)
	_ = tr.RecordTaskCost("S-1", "T-2", 400)

	agent, err := tr.GetAgentCost("S-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.TotalTokens != 200 || agent.TodayTokens != 200 {
		t.Fatalf("got %+v, want 200/200", agent)
	}

	daily, err := tr.GetDailyCost()
	if err != nil {
		t.Fatalf("get daily: %v", err)
	}
	if daily.TotalTokens != 200 {
		t.Fatalf("got daily=%d, want 200", daily.TotalTokens)
	}
}

func TestGetAgentCostResetsTodayOnDateChange(t *testing.T) {
	tr := newTestTracker(t)
	tr.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }

	if err := tr.RecordTaskCost("S-1", "T-1", 400); err != nil {
		t.Fatalf("record: %v", err)
	}

	tr.now = func() time.Time { return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC) }
	agent, err := tr.GetAgentCost("S-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.TodayTokens != 0 {
		t.Fatalf("got TodayTokens=%d, want 0 after date rollover", agent.TodayTokens)
	}
	if agent.TotalTokens != 100 {
		t.Fatalf("got TotalTokens=%d, want 100 (unaffected by rollover)", agent.TotalTokens)
	}
}

func TestCheckBudgetOKWhenUnderThresholds(t *testing.T) {
	tr := newTestTracker(t)
	_ = tr.RecordTaskCost("S-1", "T-1", 400)

	check, err := tr.CheckBudget("S-1", "T-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Status != StatusOK {
		t.Fatalf("got %+v, want ok", check)
	}
}

func TestCheckBudgetWarnsThenExceedsOnTaskTier(t *testing.T) {
	tr := newTestTracker(t)
	tr.pol.BudgetPerTask = policy.BudgetTier{WarnTokens: 10, BlockTokens: 20}

	_ = tr.RecordTaskCost("S-1", "T-1", 15*bytesPerToken)
	check, err := tr.CheckBudget("S-1", "T-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Status != StatusWarning {
		t.Fatalf("got %+v, want warning", check)
	}
	if check.Fatal() {
		t.Fatalf("warning should never be fatal")
	}

	_ = tr.RecordTaskCost("S-1", "T-1", 15*bytesPerToken)
	check, err = tr.CheckBudget("S-1", "T-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Status != StatusExceeded {
		t.Fatalf("got %+v, want exceeded", check)
	}
}

func TestCheckBudgetFatalOnlyUnderHardEnforcement(t *testing.T) {
	tr := newTestTracker(t)
	tr.pol.BudgetPerTask = policy.BudgetTier{WarnTokens: 10, BlockTokens: 20}
	_ = tr.RecordTaskCost("S-1", "T-1", 30*bytesPerToken)

	tr.pol.BudgetEnforcement = policy.EnforcementSoft
	check, err := tr.CheckBudget("S-1", "T-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Status != StatusExceeded {
		t.Fatalf("got %+v, want exceeded", check)
	}
	if check.Fatal() {
		t.Fatalf("soft enforcement should never be fatal")
	}

	tr.pol.BudgetEnforcement = policy.EnforcementHard
	check, err = tr.CheckBudget("S-1", "T-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Fatal() {
		t.Fatalf("hard enforcement exceeding should be fatal")
	}
}

func TestBudgetExceededMatchesAgentDayBlockThreshold(t *testing.T) {
	tr := newTestTracker(t)
	tr.pol.BudgetPerAgentDay = policy.BudgetTier{WarnTokens: 10, BlockTokens: 20}

	if tr.BudgetExceeded("S-1") {
		t.Fatalf("expected not exceeded before any spend")
	}
	_ = tr.RecordTaskCost("S-1", "T-1", 25*bytesPerToken)
	if !tr.BudgetExceeded("S-1") {
		t.Fatalf("expected exceeded after crossing block threshold")
	}
}

func TestGetEfficiencyMetrics(t *testing.T) {
	tr := newTestTracker(t)
	_ = tr.RecordTaskCost("S-1", "T-1", 400*bytesPerToken)
	_ = tr.IncrementCommits("T-1")
	_ = tr.IncrementCommits("T-1")
	_ = tr.IncrementSteps("T-1")
	_ = tr.IncrementSteps("T-1")
	_ = tr.IncrementSteps("T-1")
	_ = tr.IncrementSteps("T-1")

	m, err := tr.GetEfficiencyMetrics("T-1")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TokensPerCommit != 200 {
		t.Fatalf("got TokensPerCommit=%v, want 200", m.TokensPerCommit)
	}
	if m.TokensPerStep != 100 {
		t.Fatalf("got TokensPerStep=%v, want 100", m.TokensPerStep)
	}
}

func TestGetEfficiencyMetricsZeroDenominators(t *testing.T) {
	tr := newTestTracker(t)
	_ = tr.RecordTaskCost("S-1", "T-1", 400)

	m, err := tr.GetEfficiencyMetrics("T-1")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TokensPerCommit != 0 || m.TokensPerStep != 0 {
		t.Fatalf("got %+v, want zero ratios with no commits/steps", m)
	}
}
