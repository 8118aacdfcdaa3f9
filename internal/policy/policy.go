// Package policy loads Pilot's structured configuration document and
// supplies defaults for every recognized option (spec §4.1). The document
// format is TOML, parsed with BurntSushi/toml — the same dependency gastown
// itself carries.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MergeStrategy is the worktree merge strategy.
type MergeStrategy string

const (
	MergeSquash MergeStrategy = "squash"
	MergeNoFF   MergeStrategy = "no-ff"
)

// EnforcementMode controls whether a BudgetExceeded is fatal.
type EnforcementMode string

const (
	EnforcementSoft EnforcementMode = "soft"
	EnforcementHard EnforcementMode = "hard"
)

// BudgetTier is a warn/block token-count pair.
type BudgetTier struct {
	WarnTokens  int64 `toml:"warn_tokens"`
	BlockTokens int64 `toml:"block_tokens"`
}

// SchedulerWeights holds the multi-factor scoring weights (spec §4.9). They
// are normalized to sum to 1 by Normalize.
type SchedulerWeights struct {
	Skill    float64 `toml:"skill"`
	Load     float64 `toml:"load"`
	Affinity float64 `toml:"affinity"`
	Cost     float64 `toml:"cost"`
}

// Normalize rescales the weights to sum to 1, avoiding division by zero.
func (w SchedulerWeights) Normalize() SchedulerWeights {
	sum := w.Skill + w.Load + w.Affinity + w.Cost
	if sum <= 0 {
		return SchedulerWeights{Skill: 0.25, Load: 0.25, Affinity: 0.25, Cost: 0.25}
	}
	return SchedulerWeights{
		Skill:    w.Skill / sum,
		Load:     w.Load / sum,
		Affinity: w.Affinity / sum,
		Cost:     w.Cost / sum,
	}
}

// StarvationParams controls the starvation boost added to an unassigned
// task's score as it ages.
type StarvationParams struct {
	IntervalMs float64 `toml:"interval_ms"`
	BoostMax   float64 `toml:"boost_max"`
	K          float64 `toml:"k"`
}

// PoolBounds bounds the optional autoscaler's target agent count.
type PoolBounds struct {
	Min int `toml:"min"`
	Max int `toml:"max"`
}

// AutoscalerParams tunes the optional autoscaler's scale-up/scale-down
// decision (spec §4.9).
type AutoscalerParams struct {
	QueueRatioThreshold    float64 `toml:"queue_ratio_threshold"`
	ResourcePressureCPUPct float64 `toml:"resource_pressure_cpu_pct"`
	ResourcePressureMemPct float64 `toml:"resource_pressure_mem_pct"`
	IdleThresholdPct       float64 `toml:"idle_threshold_pct"`
	IdleCooldownSec        int     `toml:"idle_cooldown_seconds"`
}

// ExceptionGlobs names path globs exempt from the normal governance checks.
type ExceptionGlobs struct {
	NeverEdit    []string `toml:"never_edit"`
	NoTaskNeeded []string `toml:"no_task_required"`
	NoPlanNeeded []string `toml:"no_plan_required"`
}

// Policy is the fully-defaulted, typed configuration consumed by the core.
type Policy struct {
	MaxConcurrentSessions int           `toml:"max_concurrent_sessions"`
	HeartbeatInterval     time.Duration `toml:"-"`
	HeartbeatIntervalSec  int           `toml:"heartbeat_interval_seconds"`
	StaleMultiplier       float64       `toml:"stale_multiplier"`

	WorktreeEnabled      bool          `toml:"worktree_enabled"`
	WorktreeBaseDir      string        `toml:"worktree_base_dir"`
	WorktreeBranchPrefix string        `toml:"worktree_branch_prefix"`
	MergeStrategy        MergeStrategy `toml:"merge_strategy"`
	MergeAutoResolve     bool          `toml:"merge_auto_resolve"`

	BudgetPerTask     BudgetTier      `toml:"budget_per_task"`
	BudgetPerAgentDay BudgetTier      `toml:"budget_per_agent_day"`
	BudgetPerDay      BudgetTier      `toml:"budget_per_day"`
	BudgetEnforcement EnforcementMode `toml:"budget_enforcement"`

	Pool       PoolBounds       `toml:"pool"`
	Autoscaler AutoscalerParams `toml:"autoscaler"`

	SchedulerWeights SchedulerWeights `toml:"scheduler_weights"`
	Starvation       StarvationParams `toml:"starvation"`

	AreaLockingEnabled bool           `toml:"area_locking_enabled"`
	ProtectedBranches  []string       `toml:"protected_branches"`
	Exceptions         ExceptionGlobs `toml:"exceptions"`

	Areas map[string][]string `toml:"areas"`

	ApprovalTimeout         time.Duration `toml:"-"`
	ApprovalTimeoutSec      int           `toml:"approval_timeout_seconds"`
	AutoPlanOnTimeout       bool          `toml:"auto_plan_on_timeout"`
	CheckpointPressurePct   int           `toml:"checkpoint_at_pressure_pct"`
	MaxConsecutiveExecSteps int           `toml:"max_consecutive_exec_steps"`
	MaxConsecutiveErrors    int           `toml:"max_consecutive_errors"`
	CheckpointHistoryDepth  int           `toml:"checkpoint_history_depth"`

	AssistantProcessName string `toml:"assistant_process_name"`

	HealthScanInterval      time.Duration `toml:"-"`
	HealthScanIntervalSec   int           `toml:"health_scan_interval_seconds"`
	CostScanInterval        time.Duration `toml:"-"`
	CostScanIntervalSec     int           `toml:"cost_scan_interval_seconds"`
	DriftScanInterval       time.Duration `toml:"-"`
	DriftScanIntervalSec    int           `toml:"drift_scan_interval_seconds"`
	RecoveryScanInterval    time.Duration `toml:"-"`
	RecoveryScanIntervalSec int           `toml:"recovery_scan_interval_seconds"`
	PRStatusScanInterval    time.Duration `toml:"-"`
	PRStatusScanIntervalSec int           `toml:"pr_status_scan_interval_seconds"`
	ChannelScanInterval     time.Duration `toml:"-"`
	ChannelScanIntervalSec  int           `toml:"channel_scan_interval_seconds"`

	// IdleClaimThreshold is how long a live session may sit with no claimed
	// task before the PM loop's health scan nudges it (spec §4.13).
	IdleClaimThreshold    time.Duration `toml:"-"`
	IdleClaimThresholdSec int           `toml:"idle_claim_threshold_seconds"`

	// ChannelAllowlist is the external-channel's sender authentication list
	// (spec §4.14): an empty list rejects every sender, there is no
	// "allow all" default.
	ChannelAllowlist          []string `toml:"channel_allowlist"`
	ChannelRateLimitPerMinute int      `toml:"channel_rate_limit_per_minute"`
	ChannelRateLimitPerHour   int      `toml:"channel_rate_limit_per_hour"`
	ChannelMaxHistoryTurns    int      `toml:"channel_max_history_turns"`
	ChannelHistoryCharCap     int      `toml:"channel_history_char_cap"`
	ChannelMaxMessageLen      int      `toml:"channel_max_message_len"`
}

// Defaults returns a Policy with every field set to its spec-mandated
// default (spec §4.1, §4.12, §3's "retain last N ≈ 5" checkpoint rule).
func Defaults() *Policy {
	p := &Policy{
		MaxConcurrentSessions: 8,
		HeartbeatIntervalSec:  30,
		StaleMultiplier:       3,

		WorktreeEnabled:      true,
		WorktreeBaseDir:      "worktrees",
		WorktreeBranchPrefix: "pilot/",
		MergeStrategy:        MergeSquash,
		MergeAutoResolve:     false,

		BudgetPerTask:     BudgetTier{WarnTokens: 2_000_000, BlockTokens: 5_000_000},
		BudgetPerAgentDay: BudgetTier{WarnTokens: 5_000_000, BlockTokens: 12_000_000},
		BudgetPerDay:      BudgetTier{WarnTokens: 20_000_000, BlockTokens: 50_000_000},
		BudgetEnforcement: EnforcementSoft,

		Pool: PoolBounds{Min: 1, Max: 12},
		Autoscaler: AutoscalerParams{
			QueueRatioThreshold:    2.0,
			ResourcePressureCPUPct: 90,
			ResourcePressureMemPct: 90,
			IdleThresholdPct:       0.25,
			IdleCooldownSec:        5 * 60,
		},

		SchedulerWeights: SchedulerWeights{Skill: 0.4, Load: 0.25, Affinity: 0.2, Cost: 0.15},
		Starvation:       StarvationParams{IntervalMs: float64(10 * time.Minute / time.Millisecond), BoostMax: 0.3, K: 1.0},

		AreaLockingEnabled: true,
		ProtectedBranches:  []string{"main", "master"},
		Exceptions: ExceptionGlobs{
			NeverEdit:    []string{".git/**"},
			NoTaskNeeded: []string{"docs/**", "*.md"},
			NoPlanNeeded: []string{"**/*_test.go"},
		},

		Areas: map[string][]string{
			"frontend": {"src/components/**", "src/pages/**", "*.tsx", "*.jsx"},
			"backend":  {"internal/**", "cmd/**", "*.go"},
			"hooks":    {".pilot/hooks/**"},
			"config":   {"*.toml", "*.yaml", "*.yml", "*.json"},
			"tests":    {"**/*_test.go", "tests/**"},
			"docs":     {"docs/**", "*.md"},
		},

		ApprovalTimeoutSec:      10 * 60,
		AutoPlanOnTimeout:       false,
		CheckpointPressurePct:   60,
		MaxConsecutiveExecSteps: 50,
		MaxConsecutiveErrors:    3,
		CheckpointHistoryDepth:  5,

		AssistantProcessName: "claude",

		HealthScanIntervalSec:   60,
		CostScanIntervalSec:     60,
		DriftScanIntervalSec:    120,
		RecoveryScanIntervalSec: 30,
		PRStatusScanIntervalSec: 300,
		ChannelScanIntervalSec:  10,
		IdleClaimThresholdSec:   10 * 60,

		ChannelRateLimitPerMinute: 10,
		ChannelRateLimitPerHour:   100,
		ChannelMaxHistoryTurns:    20,
		ChannelHistoryCharCap:     500,
		ChannelMaxMessageLen:      4000,
	}
	p.resolveDurations()
	return p
}

func (p *Policy) resolveDurations() {
	p.HeartbeatInterval = time.Duration(p.HeartbeatIntervalSec) * time.Second
	p.ApprovalTimeout = time.Duration(p.ApprovalTimeoutSec) * time.Second
	p.HealthScanInterval = time.Duration(p.HealthScanIntervalSec) * time.Second
	p.CostScanInterval = time.Duration(p.CostScanIntervalSec) * time.Second
	p.DriftScanInterval = time.Duration(p.DriftScanIntervalSec) * time.Second
	p.RecoveryScanInterval = time.Duration(p.RecoveryScanIntervalSec) * time.Second
	p.PRStatusScanInterval = time.Duration(p.PRStatusScanIntervalSec) * time.Second
	p.ChannelScanInterval = time.Duration(p.ChannelScanIntervalSec) * time.Second
	p.IdleClaimThreshold = time.Duration(p.IdleClaimThresholdSec) * time.Second
}

// StaleAfter returns the duration after which a session's heartbeat is
// considered stale: multiplier × interval (spec §4.1).
func (p *Policy) StaleAfter() time.Duration {
	return time.Duration(float64(p.HeartbeatInterval) * p.StaleMultiplier)
}

// Load reads path (TOML) and returns a fully-defaulted Policy, overriding
// defaults with whatever fields the document sets. A missing file yields an
// all-defaults Policy, matching the "return empty state on file-not-found"
// idiom used throughout the teacher's state managers.
func Load(path string) (*Policy, error) {
	p := Defaults()

	var doc Policy
	meta, err := toml.DecodeFile(path, &doc)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}

	applyOverrides(p, &doc, meta)
	p.resolveDurations()
	return p, nil
}

// applyOverrides copies fields the document explicitly set onto p, field by
// field, using the decode metadata so an absent TOML key never clobbers a
// coded default with a zero value.
func applyOverrides(p *Policy, doc *Policy, meta toml.MetaData) {
	set := func(key string) bool { return meta.IsDefined(key) }

	if set("max_concurrent_sessions") {
		p.MaxConcurrentSessions = doc.MaxConcurrentSessions
	}
	if set("heartbeat_interval_seconds") {
		p.HeartbeatIntervalSec = doc.HeartbeatIntervalSec
	}
	if set("stale_multiplier") {
		p.StaleMultiplier = doc.StaleMultiplier
	}
	if set("worktree_enabled") {
		p.WorktreeEnabled = doc.WorktreeEnabled
	}
	if set("worktree_base_dir") {
		p.WorktreeBaseDir = doc.WorktreeBaseDir
	}
	if set("worktree_branch_prefix") {
		p.WorktreeBranchPrefix = doc.WorktreeBranchPrefix
	}
	if set("merge_strategy") {
		p.MergeStrategy = doc.MergeStrategy
	}
	if set("merge_auto_resolve") {
		p.MergeAutoResolve = doc.MergeAutoResolve
	}
	if set("budget_per_task") {
		p.BudgetPerTask = doc.BudgetPerTask
	}
	if set("budget_per_agent_day") {
		p.BudgetPerAgentDay = doc.BudgetPerAgentDay
	}
	if set("budget_per_day") {
		p.BudgetPerDay = doc.BudgetPerDay
	}
	if set("budget_enforcement") {
		p.BudgetEnforcement = doc.BudgetEnforcement
	}
	if set("pool") {
		p.Pool = doc.Pool
	}
	if set("autoscaler") {
		p.Autoscaler = doc.Autoscaler
	}
	if set("scheduler_weights") {
		p.SchedulerWeights = doc.SchedulerWeights.Normalize()
	}
	if set("starvation") {
		p.Starvation = doc.Starvation
	}
	if set("area_locking_enabled") {
		p.AreaLockingEnabled = doc.AreaLockingEnabled
	}
	if set("protected_branches") {
		p.ProtectedBranches = doc.ProtectedBranches
	}
	if set("exceptions") {
		p.Exceptions = doc.Exceptions
	}
	if set("areas") {
		p.Areas = doc.Areas
	}
	if set("approval_timeout_seconds") {
		p.ApprovalTimeoutSec = doc.ApprovalTimeoutSec
	}
	if set("auto_plan_on_timeout") {
		p.AutoPlanOnTimeout = doc.AutoPlanOnTimeout
	}
	if set("checkpoint_at_pressure_pct") {
		p.CheckpointPressurePct = doc.CheckpointPressurePct
	}
	if set("max_consecutive_exec_steps") {
		p.MaxConsecutiveExecSteps = doc.MaxConsecutiveExecSteps
	}
	if set("max_consecutive_errors") {
		p.MaxConsecutiveErrors = doc.MaxConsecutiveErrors
	}
	if set("checkpoint_history_depth") {
		p.CheckpointHistoryDepth = doc.CheckpointHistoryDepth
	}
	if set("assistant_process_name") {
		p.AssistantProcessName = doc.AssistantProcessName
	}
	if set("health_scan_interval_seconds") {
		p.HealthScanIntervalSec = doc.HealthScanIntervalSec
	}
	if set("cost_scan_interval_seconds") {
		p.CostScanIntervalSec = doc.CostScanIntervalSec
	}
	if set("drift_scan_interval_seconds") {
		p.DriftScanIntervalSec = doc.DriftScanIntervalSec
	}
	if set("recovery_scan_interval_seconds") {
		p.RecoveryScanIntervalSec = doc.RecoveryScanIntervalSec
	}
	if set("pr_status_scan_interval_seconds") {
		p.PRStatusScanIntervalSec = doc.PRStatusScanIntervalSec
	}
	if set("channel_scan_interval_seconds") {
		p.ChannelScanIntervalSec = doc.ChannelScanIntervalSec
	}
	if set("idle_claim_threshold_seconds") {
		p.IdleClaimThresholdSec = doc.IdleClaimThresholdSec
	}
	if set("channel_allowlist") {
		p.ChannelAllowlist = doc.ChannelAllowlist
	}
	if set("channel_rate_limit_per_minute") {
		p.ChannelRateLimitPerMinute = doc.ChannelRateLimitPerMinute
	}
	if set("channel_rate_limit_per_hour") {
		p.ChannelRateLimitPerHour = doc.ChannelRateLimitPerHour
	}
	if set("channel_max_history_turns") {
		p.ChannelMaxHistoryTurns = doc.ChannelMaxHistoryTurns
	}
	if set("channel_history_char_cap") {
		p.ChannelHistoryCharCap = doc.ChannelHistoryCharCap
	}
	if set("channel_max_message_len") {
		p.ChannelMaxMessageLen = doc.ChannelMaxMessageLen
	}
}

// AreaForPath resolves a repo-relative path to its symbolic area using the
// policy's glob table (spec §4.3). Returns "" if no area claims the path.
func (p *Policy) AreaForPath(relPath string) string {
	for area, globs := range p.Areas {
		for _, g := range globs {
			if matchGlob(g, relPath) {
				return area
			}
		}
	}
	return ""
}

// matchGlob matches rel against pattern, treating "**" as "zero or more path
// segments" in addition to filepath.Match's single-segment "*". Patterns
// without "**" fall straight through to filepath.Match against the whole
// path, and also against each path segment for a bare basename pattern like
// "*.md".
func matchGlob(pattern, rel string) bool {
	rel = filepath.ToSlash(rel)
	pattern = filepath.ToSlash(pattern)

	if !strings.Contains(pattern, "**") {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
		return false
	}

	parts := strings.Split(pattern, "**")
	// "a/**/b" -> prefix "a/", suffix "/b" (trimmed of the shared slash)
	prefix := strings.TrimSuffix(parts[0], "/")
	suffix := strings.TrimPrefix(parts[len(parts)-1], "/")

	if prefix != "" && !strings.HasPrefix(rel, prefix) {
		return false
	}
	if suffix == "" {
		return true
	}
	if ok, _ := filepath.Match(suffix, filepath.Base(rel)); ok {
		return true
	}
	return strings.HasSuffix(rel, suffix)
}
