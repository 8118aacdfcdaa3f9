// Package cost implements Pilot's token-spend ledger and budget enforcement
// (spec §4.11). Grounded on internal/claim.Manager's lock-load-mutate-save
// shape, applied here to three small tables instead of one: a per-task
// ledger, a per-agent(-day) ledger, and a per-day ledger, each its own JSON
// file under <town>/.pilot/costs/{tasks,agents,daily}.
package cost

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/util"
)

// bytesPerToken is the fixed token-to-byte approximation (spec §4.11): the
// model is replaceable but the schema it feeds is stable, so it is kept as
// a single named constant rather than threaded through every call site.
const bytesPerToken = 4

// TaskCost is the per-task ledger row.
type TaskCost struct {
	TaskID        string `json:"task_id"`
	TotalBytes    int64  `json:"total_bytes"`
	TotalTokens   int64  `json:"total_tokens"`
	RespawnCount  int    `json:"respawn_count"`
	Steps         int    `json:"steps"`
	Commits       int    `json:"commits"`
	LastSessionID string `json:"last_session_id"`
}

// AgentCost is the per-agent ledger row. TodayTokens resets whenever a
// record lands on a new calendar day (TodayDate tracks the last day it was
// touched).
type AgentCost struct {
	SessionID   string `json:"session_id"`
	TotalTokens int64  `json:"total_tokens"`
	TodayTokens int64  `json:"today_tokens"`
	TodayDate   string `json:"today_date"`
}

// DailyCost is the per-day ledger row, summed across every agent.
type DailyCost struct {
	Date        string `json:"date"`
	TotalTokens int64  `json:"total_tokens"`
}

// Status is checkBudget's verdict (spec §4.11).
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
)

// BudgetCheck is checkBudget's return shape.
type BudgetCheck struct {
	Status      Status
	Reason      string
	Enforcement policy.EnforcementMode
}

// Fatal reports whether this check should stop the agent loop: only an
// exceeded status under hard enforcement is fatal (spec §4.11 and §4.12).
func (b BudgetCheck) Fatal() bool {
	return b.Status == StatusExceeded && b.Enforcement == policy.EnforcementHard
}

// EfficiencyMetrics is getEfficiencyMetrics's return shape.
type EfficiencyMetrics struct {
	TaskID          string
	TokensPerCommit float64
	TokensPerStep   float64
}

// Tracker owns the three cost tables for one town.
type Tracker struct {
	townRoot string
	pol      *policy.Policy
	log      *eventlog.Log
	now      func() time.Time
}

// New returns a Tracker. pol supplies the budget thresholds (spec's
// loadBudgetPolicy(): already part of policy.Policy rather than a separate
// document).
func New(townRoot string, pol *policy.Policy) *Tracker {
	return &Tracker{townRoot: townRoot, pol: pol, log: eventlog.Open(townRoot), now: time.Now}
}

func (t *Tracker) taskPath(taskID string) string {
	return filepath.Join(constants.CostsDir(t.townRoot), "tasks", taskID+".json")
}

func (t *Tracker) taskLockPath(taskID string) string {
	return filepath.Join(constants.CostsDir(t.townRoot), "tasks", "."+taskID+".lock")
}

func (t *Tracker) agentPath(sessionID string) string {
	return filepath.Join(constants.CostsDir(t.townRoot), "agents", sessionID+".json")
}

func (t *Tracker) agentLockPath(sessionID string) string {
	return filepath.Join(constants.CostsDir(t.townRoot), "agents", "."+sessionID+".lock")
}

func (t *Tracker) dailyPath(date string) string {
	return filepath.Join(constants.CostsDir(t.townRoot), "daily", date+".json")
}

func (t *Tracker) dailyLockPath(date string) string {
	return filepath.Join(constants.CostsDir(t.townRoot), "daily", "."+date+".lock")
}

func (t *Tracker) today() string {
	return t.now().Format("2006-01-02")
}

func loadTaskCost(path, taskID string) (*TaskCost, error) {
	var c TaskCost
	if err := util.ReadJSON(path, &c); err != nil {
		if os.IsNotExist(err) {
			return &TaskCost{TaskID: taskID}, nil
		}
		return nil, err
	}
	return &c, nil
}

func loadAgentCost(path, sessionID string) (*AgentCost, error) {
	var c AgentCost
	if err := util.ReadJSON(path, &c); err != nil {
		if os.IsNotExist(err) {
			return &AgentCost{SessionID: sessionID}, nil
		}
		return nil, err
	}
	return &c, nil
}

func loadDailyCost(path, date string) (*DailyCost, error) {
	var c DailyCost
	if err := util.ReadJSON(path, &c); err != nil {
		if os.IsNotExist(err) {
			return &DailyCost{Date: date}, nil
		}
		return nil, err
	}
	return &c, nil
}

// RecordTaskCost implements spec §4.11's recordTaskCost(sessionId, taskId,
// bytes): updates the task, agent, and daily ledgers in that order. A
// sessionID recording against a task for the first time, or a different
// sessionID than the task's last recorder, bumps RespawnCount — the ledger's
// proxy for "this task has been picked up by a new agent attempt".
func (t *Tracker) RecordTaskCost(sessionID, taskID string, bytes int64) error {
	tokens := bytes / bytesPerToken

	if err := lock.WithLock(t.taskLockPath(taskID), func() error {
		c, err := loadTaskCost(t.taskPath(taskID), taskID)
		if err != nil {
			return err
		}
		if c.LastSessionID != "" && c.LastSessionID != sessionID {
			c.RespawnCount++
		}
		c.LastSessionID = sessionID
		c.TotalBytes += bytes
		c.TotalTokens += tokens
		return util.AtomicWriteJSON(t.taskPath(taskID), c)
	}); err != nil {
		return fmt.Errorf("recording task cost for %s: %w", taskID, err)
	}

	today := t.today()
	if err := lock.WithLock(t.agentLockPath(sessionID), func() error {
		c, err := loadAgentCost(t.agentPath(sessionID), sessionID)
		if err != nil {
			return err
		}
		if c.TodayDate != today {
			c.TodayDate = today
			c.TodayTokens = 0
		}
		c.TotalTokens += tokens
		c.TodayTokens += tokens
		return util.AtomicWriteJSON(t.agentPath(sessionID), c)
	}); err != nil {
		return fmt.Errorf("recording agent cost for %s: %w", sessionID, err)
	}

	if err := lock.WithLock(t.dailyLockPath(today), func() error {
		c, err := loadDailyCost(t.dailyPath(today), today)
		if err != nil {
			return err
		}
		c.TotalTokens += tokens
		return util.AtomicWriteJSON(t.dailyPath(today), c)
	}); err != nil {
		return fmt.Errorf("recording daily cost for %s: %w", today, err)
	}

	return nil
}

// IncrementSteps bumps taskID's step counter, for getEfficiencyMetrics's
// tokens-per-step figure. The agent loop calls this once per EXECUTING step.
func (t *Tracker) IncrementSteps(taskID string) error {
	return lock.WithLock(t.taskLockPath(taskID), func() error {
		c, err := loadTaskCost(t.taskPath(taskID), taskID)
		if err != nil {
			return err
		}
		c.Steps++
		return util.AtomicWriteJSON(t.taskPath(taskID), c)
	})
}

// IncrementCommits bumps taskID's commit counter, for getEfficiencyMetrics's
// tokens-per-commit figure.
func (t *Tracker) IncrementCommits(taskID string) error {
	return lock.WithLock(t.taskLockPath(taskID), func() error {
		c, err := loadTaskCost(t.taskPath(taskID), taskID)
		if err != nil {
			return err
		}
		c.Commits++
		return util.AtomicWriteJSON(t.taskPath(taskID), c)
	})
}

// GetTaskCost implements spec §4.11's getTaskCost(taskId).
func (t *Tracker) GetTaskCost(taskID string) (*TaskCost, error) {
	return loadTaskCost(t.taskPath(taskID), taskID)
}

// GetAgentCost implements spec §4.11's getAgentCost(sessionId).
func (t *Tracker) GetAgentCost(sessionID string) (*AgentCost, error) {
	c, err := loadAgentCost(t.agentPath(sessionID), sessionID)
	if err != nil {
		return nil, err
	}
	if c.TodayDate != t.today() {
		c.TodayDate = t.today()
		c.TodayTokens = 0
	}
	return c, nil
}

// GetDailyCost implements spec §4.11's getDailyCost(), returning today's
// ledger.
func (t *Tracker) GetDailyCost() (*DailyCost, error) {
	return loadDailyCost(t.dailyPath(t.today()), t.today())
}

// AgentTodayTokens implements scheduler.CostLookup.
func (t *Tracker) AgentTodayTokens(sessionID string) int64 {
	c, err := t.GetAgentCost(sessionID)
	if err != nil {
		return 0
	}
	return c.TodayTokens
}

// BudgetExceeded implements scheduler.CostLookup: reports whether sessionID
// is over its per-agent-day block threshold, regardless of enforcement mode
// (scheduler uses this purely to steer assignments away from hot agents).
func (t *Tracker) BudgetExceeded(sessionID string) bool {
	tokens := t.AgentTodayTokens(sessionID)
	return t.pol.BudgetPerAgentDay.BlockTokens > 0 && tokens >= t.pol.BudgetPerAgentDay.BlockTokens
}

// CheckBudget implements spec §4.11's checkBudget(sessionId, taskId):
// checks task, agent-day, and day thresholds in that order and returns the
// worst verdict found. Enforcement is carried on the result so the caller
// (agentloop) can decide whether an "exceeded" status is fatal.
func (t *Tracker) CheckBudget(sessionID, taskID string) (BudgetCheck, error) {
	enforcement := t.pol.BudgetEnforcement

	taskCost, err := t.GetTaskCost(taskID)
	if err != nil {
		return BudgetCheck{}, err
	}
	if verdict, reason, ok := tierVerdict(taskCost.TotalTokens, t.pol.BudgetPerTask); ok {
		check := BudgetCheck{Status: verdict, Reason: "task: " + reason, Enforcement: enforcement}
		t.logVerdict(sessionID, taskID, check)
		return check, nil
	}

	agentCost, err := t.GetAgentCost(sessionID)
	if err != nil {
		return BudgetCheck{}, err
	}
	if verdict, reason, ok := tierVerdict(agentCost.TodayTokens, t.pol.BudgetPerAgentDay); ok {
		check := BudgetCheck{Status: verdict, Reason: "agent-day: " + reason, Enforcement: enforcement}
		t.logVerdict(sessionID, taskID, check)
		return check, nil
	}

	dailyCost, err := t.GetDailyCost()
	if err != nil {
		return BudgetCheck{}, err
	}
	if verdict, reason, ok := tierVerdict(dailyCost.TotalTokens, t.pol.BudgetPerDay); ok {
		check := BudgetCheck{Status: verdict, Reason: "day: " + reason, Enforcement: enforcement}
		t.logVerdict(sessionID, taskID, check)
		return check, nil
	}

	return BudgetCheck{Status: StatusOK, Reason: "within budget", Enforcement: enforcement}, nil
}

// logVerdict appends a budget_warned/budget_exceeded event for a non-ok
// checkBudget verdict, giving the PM loop's cost scan (spec §4.13) a trail
// to sweep without re-deriving it from the ledgers.
func (t *Tracker) logVerdict(sessionID, taskID string, check BudgetCheck) {
	fields := map[string]any{"task_id": taskID, "reason": check.Reason}
	switch check.Status {
	case StatusWarning:
		_ = t.log.Append(eventlog.BudgetWarned, sessionID, fields)
	case StatusExceeded:
		_ = t.log.Append(eventlog.BudgetExceeded, sessionID, fields)
	}
}

// tierVerdict reports the worst non-ok verdict for tokens against tier, and
// false when tokens is within the warn threshold.
func tierVerdict(tokens int64, tier policy.BudgetTier) (Status, string, bool) {
	if tier.BlockTokens > 0 && tokens >= tier.BlockTokens {
		return StatusExceeded, fmt.Sprintf("%d tokens >= block threshold %d", tokens, tier.BlockTokens), true
	}
	if tier.WarnTokens > 0 && tokens >= tier.WarnTokens {
		return StatusWarning, fmt.Sprintf("%d tokens >= warn threshold %d", tokens, tier.WarnTokens), true
	}
	return StatusOK, "", false
}

// GetEfficiencyMetrics implements spec §4.11's getEfficiencyMetrics(taskId):
// tokens-per-commit and tokens-per-step, 0 when the denominator is 0.
func (t *Tracker) GetEfficiencyMetrics(taskID string) (EfficiencyMetrics, error) {
	c, err := t.GetTaskCost(taskID)
	if err != nil {
		return EfficiencyMetrics{}, err
	}
	m := EfficiencyMetrics{TaskID: taskID}
	if c.Commits > 0 {
		m.TokensPerCommit = float64(c.TotalTokens) / float64(c.Commits)
	}
	if c.Steps > 0 {
		m.TokensPerStep = float64(c.TotalTokens) / float64(c.Steps)
	}
	return m, nil
}
