// Package pmloop implements Pilot's supervisory loop (spec §4.13): a single
// cooperative, single-threaded process that runs six scans to completion,
// one after another, each gated by its own minimum interval — health, cost,
// drift, recovery, PR status, and external-channel.
//
// Grounded on internal/deacon.ScanStaleHooks's "scan, build a typed result
// struct with per-item findings, act on the stale ones" shape (generalized
// from one stale-hook scan to six independent scans dispatched by a single
// loop), and on internal/quota.PlanRotation's "scan, then decide/act"
// split for the cost and drift scans' notify-vs-halt/escalate branches.
package pmloop

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/steveyegge/pilot/internal/agentloop"
	"github.com/steveyegge/pilot/internal/board"
	"github.com/steveyegge/pilot/internal/bus"
	"github.com/steveyegge/pilot/internal/checkpoint"
	"github.com/steveyegge/pilot/internal/claim"
	"github.com/steveyegge/pilot/internal/cost"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/recovery"
	"github.com/steveyegge/pilot/internal/session"
)

// PRStatusScanner refreshes cached pull-request states for in-flight tasks.
// Optional: a town with no VCS-hosting collaborator wired in leaves this
// nil and the PR-status scan is simply skipped.
type PRStatusScanner interface {
	RefreshPRStatuses() ([]string, error)
}

// ChannelScanner drains the external-channel inbox and dispatches intents
// (spec §4.14). Optional, nil when no external channel is configured.
type ChannelScanner interface {
	DrainAndDispatch() (int, error)
}

// HealthFinding is one nudged session from the health scan.
type HealthFinding struct {
	SessionID string
	Role      string
	IdleFor   time.Duration
}

// CostFinding is one budget verdict surfaced by the cost scan.
type CostFinding struct {
	SessionID string
	TaskID    string
	Status    cost.Status
	Reason    string
}

// DriftFinding is one plan/scope mismatch surfaced by the drift scan.
type DriftFinding struct {
	SessionID    string
	TaskID       string
	OutOfScope   []string
	DeclaredArea []string
}

// RecoveryFinding is one dead session the recovery scan acted on.
type RecoveryFinding struct {
	SessionID string
	Strategy  recovery.Strategy
}

// ScanResults aggregates whichever scans were due this tick. A nil slice
// means that scan either wasn't due yet or found nothing.
type ScanResults struct {
	RanAt    time.Time
	Health   []HealthFinding
	Cost     []CostFinding
	Drift    []DriftFinding
	Recovery []RecoveryFinding
	PRStatus []string
	ChannelN int
}

// Loop is the PM's supervisory process. All collaborators are injected, the
// same way agentloop.Loop takes its dependencies, so the scan logic can be
// exercised with fakes.
type Loop struct {
	TownRoot string

	Policy      *policy.Policy
	Sessions    *session.Registry
	Claims      *claim.Manager
	Areas       *claim.AreaManager
	Checkpoints *checkpoint.Store
	Costs       *cost.Tracker
	Bus         *bus.Bus
	Board       *board.Board
	Recovery    *recovery.Engine
	LoopStates  *agentloop.Store

	PRStatus PRStatusScanner // may be nil
	Channel  ChannelScanner  // may be nil

	pmSessionID string
	running     bool
	lastRun     map[string]time.Time

	log *eventlog.Log
	now func() time.Time
}

// New returns a Loop wired to the given collaborators.
func New(townRoot string, pol *policy.Policy, sessions *session.Registry, claims *claim.Manager,
	areas *claim.AreaManager, checkpoints *checkpoint.Store, costs *cost.Tracker, b *bus.Bus,
	brd *board.Board, rec *recovery.Engine, loopStates *agentloop.Store) *Loop {
	return &Loop{
		TownRoot: townRoot, Policy: pol, Sessions: sessions, Claims: claims, Areas: areas,
		Checkpoints: checkpoints, Costs: costs, Bus: b, Board: brd, Recovery: rec, LoopStates: loopStates,
		lastRun: make(map[string]time.Time), log: eventlog.Open(townRoot), now: time.Now,
	}
}

const (
	scanHealth   = "health"
	scanCost     = "cost"
	scanDrift    = "drift"
	scanRecovery = "recovery"
	scanPR       = "pr_status"
	scanChannel  = "channel"
)

// Initialize implements spec §4.13's initialize(pmSessionId): records the
// PM's own session id and marks the loop running. Scan timers start fresh
// so every scan runs on the very first tick.
func (l *Loop) Initialize(pmSessionID string) {
	l.pmSessionID = pmSessionID
	l.running = true
	l.lastRun = make(map[string]time.Time)
}

// Stop implements spec §4.13's stop(reason): cooperative shutdown. The
// current scan (if any) always finishes; RunPeriodicScans checks Running()
// before starting the next one.
func (l *Loop) Stop(reason string) error {
	l.running = false
	if l.pmSessionID == "" {
		return nil
	}
	_ = l.log.Append(eventlog.SessionEnded, l.pmSessionID, map[string]any{"reason": reason, "role": "pm"})
	return l.Sessions.End(l.pmSessionID, reason)
}

// Running reports whether Stop has been called.
func (l *Loop) Running() bool { return l.running }

func (l *Loop) due(name string, interval time.Duration) bool {
	last, ok := l.lastRun[name]
	if !ok {
		return true
	}
	return l.now().Sub(last) >= interval
}

func (l *Loop) markRun(name string) {
	l.lastRun[name] = l.now()
}

// RunPeriodicScans implements spec §4.13's runPeriodicScans(): runs every
// scan that is currently due, strictly sequentially, and returns their
// aggregate results. A scan that errors is logged and skipped; it does not
// block the scans after it.
func (l *Loop) RunPeriodicScans() (ScanResults, error) {
	res := ScanResults{RanAt: l.now()}

	if l.due(scanHealth, l.Policy.HealthScanInterval) {
		findings, err := l.healthScan()
		l.reportScanError(scanHealth, err)
		res.Health = findings
		l.markRun(scanHealth)
	}

	if l.due(scanCost, l.Policy.CostScanInterval) {
		findings, err := l.costScan()
		l.reportScanError(scanCost, err)
		res.Cost = findings
		l.markRun(scanCost)
	}

	if l.due(scanDrift, l.Policy.DriftScanInterval) {
		findings, err := l.driftScan()
		l.reportScanError(scanDrift, err)
		res.Drift = findings
		l.markRun(scanDrift)
	}

	if l.due(scanRecovery, l.Policy.RecoveryScanInterval) {
		findings, err := l.recoveryScan()
		l.reportScanError(scanRecovery, err)
		res.Recovery = findings
		l.markRun(scanRecovery)
	}

	if l.PRStatus != nil && l.due(scanPR, l.Policy.PRStatusScanInterval) {
		findings, err := l.PRStatus.RefreshPRStatuses()
		l.reportScanError(scanPR, err)
		res.PRStatus = findings
		l.markRun(scanPR)
	}

	if l.Channel != nil && l.due(scanChannel, l.Policy.ChannelScanInterval) {
		n, err := l.Channel.DrainAndDispatch()
		l.reportScanError(scanChannel, err)
		res.ChannelN = n
		l.markRun(scanChannel)
	}

	return res, nil
}

func (l *Loop) reportScanError(scan string, err error) {
	if err == nil {
		return
	}
	_ = l.log.Append(eventlog.ScanError, l.pmSessionID, map[string]any{"scan": scan, "error": err.Error()})
}

// healthScan implements spec §4.13's health scan: every active session
// with a recent heartbeat but no claimed task beyond IdleClaimThreshold
// gets a nudge.
func (l *Loop) healthScan() ([]HealthFinding, error) {
	sessions, err := l.Sessions.GetActiveSessions(l.pmSessionID)
	if err != nil {
		return nil, err
	}

	var findings []HealthFinding
	for _, st := range sessions {
		if st.ClaimedTaskID != "" {
			continue
		}
		idleFor := l.now().Sub(st.CreatedAt)
		if idleFor < l.Policy.IdleClaimThreshold {
			continue
		}
		if _, err := l.Bus.SendToAgent(l.pmSessionID, st.AgentName, "idle_nudge",
			map[string]any{"session_id": st.ID, "idle_for": idleFor.String()}); err != nil {
			return findings, err
		}
		findings = append(findings, HealthFinding{SessionID: st.ID, Role: string(st.Role), IdleFor: idleFor})
	}
	return findings, nil
}

// costScan implements spec §4.13's cost scan: sweep every active session
// with a claimed task, notify on a warning, halt on a block.
func (l *Loop) costScan() ([]CostFinding, error) {
	sessions, err := l.Sessions.GetActiveSessions(l.pmSessionID)
	if err != nil {
		return nil, err
	}

	var findings []CostFinding
	for _, st := range sessions {
		if st.ClaimedTaskID == "" {
			continue
		}
		check, err := l.Costs.CheckBudget(st.ID, st.ClaimedTaskID)
		if err != nil {
			return findings, err
		}
		switch check.Status {
		case cost.StatusWarning:
			if _, err := l.Bus.SendToAgent(l.pmSessionID, st.AgentName, "budget_warning",
				map[string]any{"task_id": st.ClaimedTaskID, "reason": check.Reason}); err != nil {
				return findings, err
			}
			findings = append(findings, CostFinding{SessionID: st.ID, TaskID: st.ClaimedTaskID, Status: check.Status, Reason: check.Reason})
		case cost.StatusExceeded:
			if _, err := l.Bus.SendBlockOnTask(l.pmSessionID, st.ClaimedTaskID, check.Reason); err != nil {
				return findings, err
			}
			findings = append(findings, CostFinding{SessionID: st.ID, TaskID: st.ClaimedTaskID, Status: check.Status, Reason: check.Reason})
		}
	}
	return findings, nil
}

// driftScan implements spec §4.13's drift scan: for each agent with an
// approved plan (i.e. past PLANNING, loop state carries a non-empty scope),
// diff the checkpoint's files-modified list against the plan's declared
// scope and escalate on any file outside it.
func (l *Loop) driftScan() ([]DriftFinding, error) {
	sessions, err := l.Sessions.GetActiveSessions(l.pmSessionID)
	if err != nil {
		return nil, err
	}

	var findings []DriftFinding
	for _, st := range sessions {
		if st.ClaimedTaskID == "" {
			continue
		}
		loopState, err := l.LoopStates.Load(st.ID)
		if err != nil {
			return findings, err
		}
		if len(loopState.Plan.Scope) == 0 {
			continue
		}

		cp, err := l.Checkpoints.Load(st.ID)
		if err != nil {
			return findings, err
		}
		if cp == nil {
			continue
		}

		var outOfScope []string
		for _, f := range cp.FilesModified {
			if !inScope(f, loopState.Plan.Scope) {
				outOfScope = append(outOfScope, f)
			}
		}
		if len(outOfScope) == 0 {
			continue
		}

		if _, err := l.Bus.SendWithEscalation(l.pmSessionID, st.ID, "plan_drift",
			map[string]any{"task_id": st.ClaimedTaskID, "out_of_scope": outOfScope, "scope": loopState.Plan.Scope}); err != nil {
			return findings, err
		}
		findings = append(findings, DriftFinding{
			SessionID: st.ID, TaskID: st.ClaimedTaskID, OutOfScope: outOfScope, DeclaredArea: loopState.Plan.Scope,
		})
	}
	return findings, nil
}

// inScope reports whether path falls under one of scope's declared areas.
// A scope entry containing glob metacharacters is matched with
// filepath.Match; otherwise it's treated as a plain directory prefix, since
// plans commonly declare scope as a bare directory ("internal/cost")
// rather than a glob.
func inScope(path string, scope []string) bool {
	path = filepath.ToSlash(path)
	for _, area := range scope {
		area = filepath.ToSlash(area)
		if area == path {
			return true
		}
		if strings.ContainsAny(area, "*?[") {
			if ok, _ := filepath.Match(area, path); ok {
				return true
			}
			continue
		}
		if strings.HasPrefix(path, strings.TrimSuffix(area, "/")+"/") {
			return true
		}
	}
	return false
}

// recoveryScan implements spec §4.13's recovery scan: detect stale
// sessions (spec §4.2) and run the §4.8 recovery decision on each.
func (l *Loop) recoveryScan() ([]RecoveryFinding, error) {
	result, err := l.Sessions.CleanupStaleSessions()
	if err != nil {
		return nil, err
	}

	var findings []RecoveryFinding
	for _, deadID := range result.Ended {
		assessment, err := l.Recovery.AssessRecovery(deadID)
		if err != nil {
			return findings, err
		}

		switch assessment.Strategy {
		case recovery.StrategyResume, recovery.StrategyReassign:
			if _, err := l.Recovery.ReleaseAndReassign(deadID, l.pmSessionID); err != nil {
				return findings, err
			}
		case recovery.StrategyCleanup:
			if err := l.Recovery.Cleanup(deadID); err != nil {
				return findings, err
			}
		}
		findings = append(findings, RecoveryFinding{SessionID: deadID, Strategy: assessment.Strategy})
	}
	return findings, nil
}
