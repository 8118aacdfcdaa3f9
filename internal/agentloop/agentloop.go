// Package agentloop implements Pilot's per-agent state machine (spec
// §4.12): IDLE → CLAIMING → PLANNING → WAITING_APPROVAL → EXECUTING →
// CHECKPOINTING → DONE → IDLE, driven one step at a time by Tick so a
// dual-rate poller can advance it without blocking.
//
// Grounded on internal/feed.Curator's Start/Stop/ctx+ticker shape for the
// poller (context-cancelable background goroutine, sync.Once-guarded
// start), and on internal/quota.Rotator's "drive named steps through an
// injected executor, classify failures as critical or not" shape for the
// step/error-handling split between Tick's per-state methods.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/pilot/internal/board"
	"github.com/steveyegge/pilot/internal/bus"
	"github.com/steveyegge/pilot/internal/checkpoint"
	"github.com/steveyegge/pilot/internal/claim"
	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/cost"
	"github.com/steveyegge/pilot/internal/eventlog"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/recovery"
	"github.com/steveyegge/pilot/internal/session"
)

// Loop drives one session's state machine. All dependencies are injected so
// it can be exercised with fakes in tests (spec §4.12).
type Loop struct {
	TownRoot string
	Role     session.Role

	Policy       *policy.Policy
	Sessions     *session.Registry
	Claims       *claim.Manager
	Areas        *claim.AreaManager
	Checkpoints  *checkpoint.Store
	Costs        *cost.Tracker
	Bus          *bus.Bus
	Board        *board.Board
	TestFailures *recovery.TestFailureMemory

	Tasks   TaskSource    // may be nil: delegation messages are always checked first
	Tracker TrackerStatus // may be nil
	Runtime Runtime

	store *Store
	log   *eventlog.Log
	now   func() time.Time
}

// New returns a Loop for sessionID/role, wired to the given collaborators.
func New(townRoot string, role session.Role, pol *policy.Policy, sessions *session.Registry,
	claims *claim.Manager, areas *claim.AreaManager, checkpoints *checkpoint.Store,
	costs *cost.Tracker, b *bus.Bus, brd *board.Board, testFailures *recovery.TestFailureMemory,
	rt Runtime) *Loop {
	return &Loop{
		TownRoot: townRoot, Role: role, Policy: pol, Sessions: sessions, Claims: claims,
		Areas: areas, Checkpoints: checkpoints, Costs: costs, Bus: b, Board: brd,
		TestFailures: testFailures, Runtime: rt,
		store: NewStore(townRoot), log: eventlog.Open(townRoot), now: time.Now,
	}
}

// CleanupSession implements recovery.SessionCleaner: recovery's cleanup
// strategy calls this alongside its own lockfile/cursor teardown.
func (l *Loop) CleanupSession(sessionID string) error {
	return l.store.Delete(sessionID)
}

// RecoverOnStart implements spec §4.12's self-recovery on start: a
// non-terminal saved state means the process died mid-task. If a
// checkpoint exists, resume EXECUTING from it; otherwise release whatever
// the session was holding and fall back to IDLE.
func (l *Loop) RecoverOnStart(sessionID string) error {
	st, err := l.store.Load(sessionID)
	if err != nil {
		return err
	}
	if st.State == StateIdle || st.State == StateDone {
		return nil
	}

	cp, err := l.Checkpoints.Load(sessionID)
	if err != nil {
		return err
	}
	if cp != nil {
		st.State = StateExecuting
		st.TaskID = cp.TaskID
		st.TaskTitle = cp.TaskTitle
		st.PlanStep = cp.PlanStep
		st.ConsecutiveExecSteps = 0
		st.Stopped = false
		_ = l.log.Append(eventlog.SessionRecovered, sessionID, map[string]any{"task_id": cp.TaskID, "strategy": "checkpoint"})
		return l.store.Save(st)
	}

	if _, err := l.Claims.Release(sessionID); err != nil {
		return err
	}
	if _, err := l.Areas.ReleaseAll(sessionID); err != nil {
		return err
	}
	_ = l.log.Append(eventlog.SessionRecovered, sessionID, map[string]any{"strategy": "fallback_idle"})
	return l.store.Save(&LoopState{SessionID: sessionID, State: StateIdle})
}

// Tick advances sessionID's state machine by one step. It is safe to call
// repeatedly from a poller; each call does at most one unit of blocking
// work (a claim attempt, a plan generation, one execution step, ...).
func (l *Loop) Tick(ctx context.Context, sessionID string) error {
	st, err := l.store.Load(sessionID)
	if err != nil {
		return err
	}
	if st.Stopped {
		return nil
	}

	switch st.State {
	case StateIdle:
		err = l.tickIdle(ctx, st)
	case StateClaiming:
		err = l.tickClaiming(ctx, st)
	case StatePlanning:
		err = l.tickPlanning(ctx, st)
	case StateWaitingApproval:
		err = l.tickWaitingApproval(ctx, st)
	case StateExecuting:
		err = l.tickExecuting(ctx, st)
	case StateCheckpointing:
		err = l.tickCheckpointing(ctx, st)
	case StateDone:
		err = l.tickDone(ctx, st)
	default:
		st.State = StateIdle
	}
	if err != nil {
		return err
	}
	return l.store.Save(st)
}

// decodePayload round-trips a bus message's Payload.Data (a map[string]any
// after its JSONL read-back) into a concrete struct.
func decodePayload(data any, out any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (l *Loop) tickIdle(ctx context.Context, st *LoopState) error {
	msgs, err := l.Bus.ReadMessages(st.SessionID, bus.Filter{})
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Topic != "task_delegation" {
			continue
		}
		var task Task
		if err := decodePayload(m.Payload.Data, &task); err != nil {
			continue
		}
		st.TaskID, st.TaskTitle, st.Description, st.TaskArea = task.ID, task.Title, task.Description, task.Area
		st.State = StateClaiming
		return nil
	}

	if l.Tasks != nil {
		task, ok, err := l.Tasks.NextReadyTask(string(l.Role))
		if err != nil {
			return err
		}
		if ok {
			st.TaskID, st.TaskTitle, st.Description, st.TaskArea = task.ID, task.Title, task.Description, task.Area
			st.State = StateClaiming
		}
	}
	return nil
}

func (l *Loop) tickClaiming(ctx context.Context, st *LoopState) error {
	_, err := l.Claims.Claim(st.SessionID, st.TaskID, constants.DefaultLeaseDuration)
	var conflict *claim.ConflictError
	if errors.As(err, &conflict) {
		*st = LoopState{SessionID: st.SessionID, State: StateIdle}
		return nil
	}
	if err != nil {
		return err
	}
	if l.Tracker != nil {
		_ = l.Tracker.MarkInProgress(st.TaskID)
	}
	_ = l.publishBoard(st, board.StatusWorking)
	st.State = StatePlanning
	return nil
}

func (l *Loop) tickPlanning(ctx context.Context, st *LoopState) error {
	task := Task{ID: st.TaskID, Title: st.TaskTitle, Description: st.Description, Area: st.TaskArea}
	plan, err := l.Runtime.GeneratePlan(ctx, task, st.RejectionFeedback)
	if err != nil {
		return l.recordStepError(st, err)
	}

	st.Plan = plan
	st.PlanStep = 0
	st.RejectionFeedback = ""

	msg, err := l.Bus.Send(bus.Message{
		From: st.SessionID, ToRole: "pm", Type: bus.TypeRequest, Topic: "plan_approval_request",
		Priority: bus.PriorityNormal,
		Payload:  bus.Payload{Action: "plan_approval_request", Data: map[string]any{"task_id": st.TaskID, "plan": plan}},
		Ack:      &bus.AckContract{Required: true, DeadlineMs: int64(l.Policy.ApprovalTimeout / time.Millisecond)},
	})
	if err != nil {
		return err
	}

	st.ApprovalMessageID = msg.ID
	st.ApprovalDeadline = l.now().Add(l.Policy.ApprovalTimeout)
	st.ApprovalEscalated = false
	st.State = StateWaitingApproval
	return nil
}

func (l *Loop) tickWaitingApproval(ctx context.Context, st *LoopState) error {
	msgs, err := l.Bus.ReadMessages(st.SessionID, bus.Filter{})
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.CorrelationID != st.ApprovalMessageID {
			continue
		}
		switch m.Payload.Action {
		case "approve":
			st.State = StateExecuting
			st.ConsecutiveExecSteps = 0
			return nil
		case "reject":
			if reason, ok := m.Payload.Data.(string); ok {
				st.RejectionFeedback = reason
			} else {
				st.RejectionFeedback = fmt.Sprintf("%v", m.Payload.Data)
			}
			st.State = StatePlanning
			return nil
		}
	}

	if l.now().Before(st.ApprovalDeadline) {
		return nil
	}
	if l.Policy.AutoPlanOnTimeout {
		st.State = StateExecuting
		st.ConsecutiveExecSteps = 0
		return nil
	}
	if !st.ApprovalEscalated {
		_, err := l.Bus.SendWithEscalation(st.SessionID, "pm", "plan_approval_timeout",
			map[string]any{"task_id": st.TaskID, "message_id": st.ApprovalMessageID})
		if err != nil {
			return err
		}
		st.ApprovalEscalated = true
	}
	return nil
}

func (l *Loop) tickExecuting(ctx context.Context, st *LoopState) error {
	if pct := l.Runtime.ContextPressurePct(ctx); pct >= l.Policy.CheckpointPressurePct {
		st.State = StateCheckpointing
		return nil
	}

	task := Task{ID: st.TaskID, Title: st.TaskTitle, Description: st.Description, Area: st.TaskArea}
	result, err := l.Runtime.ExecuteStep(ctx, task, st.Plan, st.PlanStep)
	if err != nil {
		return l.recordStepError(st, err)
	}
	st.ConsecutiveErrors = 0
	st.LastErrorHint = ""

	if err := l.Costs.RecordTaskCost(st.SessionID, st.TaskID, result.BytesUsed); err != nil {
		return err
	}
	if result.CommitMade {
		if err := l.Costs.IncrementCommits(st.TaskID); err != nil {
			return err
		}
	}
	if err := l.Costs.IncrementSteps(st.TaskID); err != nil {
		return err
	}

	check, err := l.Costs.CheckBudget(st.SessionID, st.TaskID)
	if err != nil {
		return err
	}
	if check.Fatal() {
		st.Stopped = true
		st.StoppedReason = "budget exceeded: " + check.Reason
		_, _ = l.Bus.SendBlockOnTask(st.SessionID, st.TaskID, st.StoppedReason)
		return nil
	}

	_ = l.publishBoard(st, board.StatusWorking)
	st.PlanStep++
	st.ConsecutiveExecSteps++

	if result.Done || st.PlanStep >= len(st.Plan.Steps) {
		st.State = StateDone
		return nil
	}
	if st.ConsecutiveExecSteps >= l.Policy.MaxConsecutiveExecSteps {
		st.State = StateCheckpointing
	}
	return nil
}

func (l *Loop) tickCheckpointing(ctx context.Context, st *LoopState) error {
	_, err := l.Checkpoints.Save(st.SessionID, checkpoint.Checkpoint{
		TaskID:     st.TaskID,
		TaskTitle:  st.TaskTitle,
		PlanStep:   st.PlanStep,
		TotalSteps: len(st.Plan.Steps),
	})
	if err != nil {
		return err
	}
	_ = l.log.Append(eventlog.CheckpointSaved, st.SessionID, map[string]any{"task_id": st.TaskID, "plan_step": st.PlanStep})
	st.ConsecutiveExecSteps = 0
	st.State = StateExecuting
	return nil
}

func (l *Loop) tickDone(ctx context.Context, st *LoopState) error {
	taskID := st.TaskID
	if _, err := l.Claims.Release(st.SessionID); err != nil {
		return err
	}
	if l.Tracker != nil {
		_ = l.Tracker.MarkDone(taskID)
	}
	if _, err := l.Bus.NotifyTaskComplete(st.SessionID, taskID, nil); err != nil {
		return err
	}
	if err := l.Board.RemoveAgent(st.SessionID); err != nil {
		return err
	}
	*st = LoopState{SessionID: st.SessionID, State: StateIdle}
	return nil
}

// recordStepError implements spec §4.12's error handling: try to diagnose
// the failure against the per-role memory of known patterns before
// counting it against MAX_ERRORS.
func (l *Loop) recordStepError(st *LoopState, stepErr error) error {
	pattern := recovery.ExtractPattern(stepErr.Error())
	if hint, ok := l.TestFailures.Lookup(string(l.Role), pattern); ok {
		st.ConsecutiveErrors = 0
		st.LastErrorHint = hint
		return nil
	}

	st.ConsecutiveErrors++
	if st.ConsecutiveErrors < l.Policy.MaxConsecutiveErrors {
		return nil
	}

	st.Stopped = true
	st.StoppedReason = fmt.Sprintf("%d consecutive errors, last: %v", st.ConsecutiveErrors, stepErr)
	_, err := l.Bus.SendWithEscalation(st.SessionID, "pm", "agent_error_limit",
		map[string]any{"task_id": st.TaskID, "reason": st.StoppedReason})
	return err
}

func (l *Loop) publishBoard(st *LoopState, status board.Status) error {
	return l.Board.PublishProgress(st.SessionID, board.Snapshot{
		SessionID:  st.SessionID,
		TaskID:     st.TaskID,
		TaskTitle:  st.TaskTitle,
		Step:       st.PlanStep,
		TotalSteps: len(st.Plan.Steps),
		Status:     status,
	})
}
