// Package recovery implements Pilot's recovery engine (spec §4.8): decides
// how to recover a dead session's work (resume from checkpoint, reassign its
// claimed task, or just clean up), and carries out the transfer.
//
// Grounded on witness.Manager's crash-recovery scan
// (internal/witness/manager.go's liveness-driven state repair) generalized
// from "repair a witness's recorded state" to "decide what to do about a
// dead agent session's claimed work".
package recovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/steveyegge/pilot/internal/bus"
	"github.com/steveyegge/pilot/internal/checkpoint"
	"github.com/steveyegge/pilot/internal/claim"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/session"
	"github.com/steveyegge/pilot/internal/worktree"
)

// Strategy is assessRecovery's verdict (spec §4.8).
type Strategy string

const (
	StrategyResume   Strategy = "resume"
	StrategyReassign Strategy = "reassign"
	StrategyCleanup  Strategy = "cleanup"
)

// SessionCleaner is implemented by components that hold their own
// per-session scratch state outside the registry/claim/area/worktree set
// recovery already knows about (agentloop's loop state and context-pressure
// tracking, in particular). Injected rather than imported to avoid a cycle:
// agentloop will depend on recovery, not the other way around.
type SessionCleaner interface {
	CleanupSession(sessionID string) error
}

// Assessment is assessRecovery's return shape.
type Assessment struct {
	Strategy   Strategy
	Checkpoint *checkpoint.Checkpoint
	Session    *session.State
}

// Engine wires the registry, claim/area managers, worktree manager,
// checkpoint store, and bus together to recover a dead session's work.
type Engine struct {
	Sessions    *session.Registry
	Claims      *claim.Manager
	Areas       *claim.AreaManager
	Worktrees   *worktree.Manager
	Checkpoints *checkpoint.Store
	Bus         *bus.Bus
	log         *eventlog.Log
	cleaners    []SessionCleaner
}

// New returns an Engine. extraCleaners are consulted during the cleanup
// strategy in addition to recovery's own lockfile/cursor teardown.
func New(townRoot string, sessions *session.Registry, claims *claim.Manager, areas *claim.AreaManager, worktrees *worktree.Manager, checkpoints *checkpoint.Store, b *bus.Bus, extraCleaners ...SessionCleaner) *Engine {
	return &Engine{
		Sessions: sessions, Claims: claims, Areas: areas, Worktrees: worktrees,
		Checkpoints: checkpoints, Bus: b, log: eventlog.Open(townRoot), cleaners: extraCleaners,
	}
}

// AssessRecovery implements spec §4.8's assessRecovery(sessionId).
func (e *Engine) AssessRecovery(sessionID string) (*Assessment, error) {
	st, err := e.Sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	cp, err := e.Checkpoints.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", sessionID, err)
	}

	switch {
	case cp != nil && cp.TaskID != "":
		return &Assessment{Strategy: StrategyResume, Checkpoint: cp, Session: st}, nil
	case st.ClaimedTaskID != "":
		return &Assessment{Strategy: StrategyReassign, Checkpoint: cp, Session: st}, nil
	default:
		return &Assessment{Strategy: StrategyCleanup, Checkpoint: cp, Session: st}, nil
	}
}

// ResumeContext is what recoverFromCheckpoint hands back for a resuming
// session.
type ResumeContext struct {
	Checkpoint *checkpoint.Checkpoint
	Prompt     string
}

// RecoverFromCheckpoint implements spec §4.8's
// recoverFromCheckpoint(deadSession): loads the checkpoint and builds the
// restoration prompt a freshly-started agent can resume from.
func (e *Engine) RecoverFromCheckpoint(deadSessionID string) (*ResumeContext, error) {
	cp, err := e.Checkpoints.Load(deadSessionID)
	if err != nil {
		return nil, err
	}
	_ = e.log.Append(eventlog.RecoveryAttempted, deadSessionID, map[string]any{"strategy": string(StrategyResume)})
	return &ResumeContext{Checkpoint: cp, Prompt: checkpoint.BuildRestorationPrompt(cp)}, nil
}

// ReleaseAndReassign implements spec §4.8's releaseAndReassign(deadSession,
// pmSession): releases the dead session's claim and area locks, publishes
// task.needs_reassign to the PM, and memory-records the event under the
// dead session's role.
func (e *Engine) ReleaseAndReassign(deadSessionID, pmSessionID string) ([]string, error) {
	st, err := e.Sessions.Get(deadSessionID)
	if err != nil {
		return nil, err
	}

	released, err := e.Claims.Release(deadSessionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.Areas.ReleaseAll(deadSessionID); err != nil {
		return nil, err
	}

	if e.Bus != nil {
		for _, taskID := range released {
			if _, err := e.Bus.SendToAgent(deadSessionID, pmSessionID, "task.needs_reassign", map[string]any{
				"task_id": taskID, "dead_session": deadSessionID, "role": string(st.Role),
			}); err != nil {
				return released, err
			}
		}
	}

	_ = e.log.Append(eventlog.RecoveryAttempted, deadSessionID, map[string]any{
		"strategy": string(StrategyReassign), "role": string(st.Role), "released": released,
	})
	return released, nil
}

// RecoverSession implements spec §4.8's recoverSession(deadSessionId,
// newSessionId, leaseMs): transfers the claim, locked areas, and worktree
// path from dead to new, then ends the dead session.
func (e *Engine) RecoverSession(ctx context.Context, ack Assessment, newSessionID string, leaseMs int64) error {
	deadSessionID := ack.Session.ID
	leaseDur := time.Duration(leaseMs) * time.Millisecond

	released, err := e.Claims.Release(deadSessionID)
	if err != nil {
		return err
	}
	for _, taskID := range released {
		if _, err := e.Claims.Claim(newSessionID, taskID, leaseDur); err != nil {
			return fmt.Errorf("transferring claim %s to %s: %w", taskID, newSessionID, err)
		}
	}

	areas, err := e.Areas.ReleaseAll(deadSessionID)
	if err != nil {
		return err
	}
	for _, area := range areas {
		if err := e.Areas.LockArea(newSessionID, area); err != nil {
			return fmt.Errorf("transferring area lock %s to %s: %w", area, newSessionID, err)
		}
	}

	// Worktree paths are derived from task id, not session id, so there is
	// nothing to physically move — the new session simply reuses
	// Worktrees.PathFor(taskID) for whichever task it inherited above.
	_ = ctx

	if err := e.Sessions.End(deadSessionID, "recovered"); err != nil {
		return err
	}
	_ = e.log.Append(eventlog.RecoverySucceeded, deadSessionID, map[string]any{"new_session": newSessionID, "tasks": released})
	return nil
}

// Cleanup implements spec §4.8's cleanup strategy: no task claimed, so just
// remove the session's lockfile (via End), bus cursor, and anything the
// injected SessionCleaners (loop state, pressure state, nudge files) track.
func (e *Engine) Cleanup(sessionID string) error {
	if e.Bus != nil {
		if err := e.Bus.DeleteCursor(sessionID); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	for _, c := range e.cleaners {
		if err := c.CleanupSession(sessionID); err != nil {
			return fmt.Errorf("cleaning up session %s: %w", sessionID, err)
		}
	}
	if err := e.Sessions.End(sessionID, "cleaned_up"); err != nil {
		return err
	}
	_ = e.log.Append(eventlog.RecoveryAttempted, sessionID, map[string]any{"strategy": string(StrategyCleanup)})
	return nil
}
