package scheduler

import (
	"time"

	"github.com/steveyegge/pilot/internal/policy"
)

// AutoscaleAction is one of the optional autoscaler's verdicts (spec §4.9).
type AutoscaleAction string

const (
	ScaleUp   AutoscaleAction = "scale_up"
	ScaleDown AutoscaleAction = "scale_down"
	Hold      AutoscaleAction = "hold"
)

// AutoscaleInput is everything the autoscaler consumes for one decision.
type AutoscaleInput struct {
	QueueDepth          int
	ActiveCount         int
	PendingWithNoAgents bool // true when pending tasks exist but zero agents are assigned any
	IdleCount           int
	BudgetRemainingFrac float64 // remaining / total, in [0,1]
	CPUPct              float64
	MemPct              float64
	IdleSince           time.Time // when ActiveCount last dropped to IdleCount == ActiveCount (fully idle)
}

// AutoscaleDecision is the autoscaler's verdict: an action and a target
// agent count bounded by pool.min/pool.max.
type AutoscaleDecision struct {
	Action AutoscaleAction
	Target int
	Reason string
}

// Autoscale implements spec §4.9's optional autoscaler: scale-down inputs
// are checked first for safety, then scale-up, else hold. The target count
// is always clamped to [pool.min, pool.max].
func Autoscale(in AutoscaleInput, pol *policy.Policy, now time.Time) AutoscaleDecision {
	p := pol.Autoscaler
	clamp := func(n int) int {
		if n < pol.Pool.Min {
			n = pol.Pool.Min
		}
		if n > pol.Pool.Max {
			n = pol.Pool.Max
		}
		return n
	}

	if in.BudgetRemainingFrac <= 0 {
		return AutoscaleDecision{Action: ScaleDown, Target: clamp(in.ActiveCount - 1), Reason: "budget_exhausted"}
	}
	if in.CPUPct >= p.ResourcePressureCPUPct || in.MemPct >= p.ResourcePressureMemPct {
		return AutoscaleDecision{Action: ScaleDown, Target: clamp(in.ActiveCount - 1), Reason: "resource_pressure"}
	}
	if !in.IdleSince.IsZero() && now.Sub(in.IdleSince) >= time.Duration(p.IdleCooldownSec)*time.Second {
		return AutoscaleDecision{Action: ScaleDown, Target: clamp(in.ActiveCount - 1), Reason: "idle_cooldown_elapsed"}
	}

	queueRatio := 0.0
	if in.ActiveCount > 0 {
		queueRatio = float64(in.QueueDepth) / float64(in.ActiveCount)
	} else if in.QueueDepth > 0 {
		queueRatio = float64(in.QueueDepth)
	}
	idleFrac := 0.0
	if in.ActiveCount > 0 {
		idleFrac = float64(in.IdleCount) / float64(in.ActiveCount)
	}

	switch {
	case queueRatio >= p.QueueRatioThreshold:
		return AutoscaleDecision{Action: ScaleUp, Target: clamp(in.ActiveCount + 1), Reason: "queue_ratio"}
	case in.PendingWithNoAgents:
		return AutoscaleDecision{Action: ScaleUp, Target: clamp(in.ActiveCount + 1), Reason: "pending_no_agents"}
	case idleFrac <= p.IdleThresholdPct && in.QueueDepth > 0:
		return AutoscaleDecision{Action: ScaleUp, Target: clamp(in.ActiveCount + 1), Reason: "low_idle_with_pending"}
	}

	return AutoscaleDecision{Action: Hold, Target: clamp(in.ActiveCount), Reason: "steady_state"}
}
