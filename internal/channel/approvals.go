package channel

import (
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/util"
)

// ApprovalKind distinguishes a plan approval waiting on an agent loop from
// an escalation waiting on a human response (spec §4.14's approve/reject vs
// approve_escalation/reject_escalation actions).
type ApprovalKind string

const (
	ApprovalPlan       ApprovalKind = "plan"
	ApprovalEscalation ApprovalKind = "escalation"
)

// PendingApproval is one outstanding yes/no decision routed out to the
// external channel. SessionID and CorrelationID are the wiring a resolution
// needs to unblock the waiting agentloop.Loop: tickWaitingApproval matches
// incoming bus messages by CorrelationID == the plan_approval_request's
// message id, and only sees messages addressed directly To its own session
// id (spec §4.12's WAITING_APPROVAL state) — so resolving an approval means
// sending a bus message To SessionID with CorrelationID set to exactly that
// id.
type PendingApproval struct {
	ApprovalID    string       `json:"approval_id"`
	Kind          ApprovalKind `json:"kind"`
	TaskID        string       `json:"task_id,omitempty"`
	ChatID        string       `json:"chat_id"`
	SessionID     string       `json:"session_id"`
	CorrelationID string       `json:"correlation_id"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	Escalated     bool         `json:"escalated"`
}

func (p PendingApproval) expired(now time.Time) bool { return !now.Before(p.ExpiresAt) }

type approvalTable struct {
	Approvals map[string]PendingApproval `json:"approvals"`
}

func (h *Handler) approvalsPath() string {
	return filepath.Join(constants.ChannelDir(h.TownRoot), constants.FileApprovals)
}

func (h *Handler) approvalsLockPath() string {
	return filepath.Join(constants.ChannelDir(h.TownRoot), ".approvals.lock")
}

func (h *Handler) loadApprovals() (*approvalTable, error) {
	var t approvalTable
	if err := util.ReadJSON(h.approvalsPath(), &t); err != nil {
		if os.IsNotExist(err) {
			return &approvalTable{Approvals: map[string]PendingApproval{}}, nil
		}
		return nil, err
	}
	if t.Approvals == nil {
		t.Approvals = map[string]PendingApproval{}
	}
	return &t, nil
}

func (h *Handler) saveApprovals(t *approvalTable) error {
	return util.AtomicWriteJSON(h.approvalsPath(), t)
}

// RegisterApproval records a new pending approval, keyed by its own
// ApprovalID. Whoever creates the situation needing a yes/no answer (the PM
// loop relaying a plan_approval_request out to the channel, or the bus
// relaying an exhausted escalation) owns calling this — the handler itself
// only resolves entries already registered.
func (h *Handler) RegisterApproval(p PendingApproval) error {
	return lock.WithLock(h.approvalsLockPath(), func() error {
		t, err := h.loadApprovals()
		if err != nil {
			return err
		}
		t.Approvals[p.ApprovalID] = p
		return h.saveApprovals(t)
	})
}

// resolveApproval finds the pending approval a human's approve/reject reply
// refers to. Per spec §4.14: an explicit approvalID always wins; failing
// that, a taskID match; failing that (and only for plan approvals, never
// escalations, which must always name their approvalID explicitly), the
// single outstanding entry if exactly one exists.
func resolveApproval(t *approvalTable, kind ApprovalKind, approvalID, taskID string) (PendingApproval, bool) {
	if approvalID != "" {
		p, ok := t.Approvals[approvalID]
		if ok && p.Kind == kind {
			return p, true
		}
		return PendingApproval{}, false
	}
	if kind == ApprovalEscalation {
		return PendingApproval{}, false
	}
	if taskID != "" {
		for _, p := range t.Approvals {
			if p.Kind == kind && p.TaskID == taskID {
				return p, true
			}
		}
	}
	var only PendingApproval
	count := 0
	for _, p := range t.Approvals {
		if p.Kind != kind {
			continue
		}
		only = p
		count++
		if count > 1 {
			break
		}
	}
	if count == 1 {
		return only, true
	}
	return PendingApproval{}, false
}

// takeApproval removes and returns the approval resolveApproval matched,
// atomically under the approvals lock so two near-simultaneous replies
// can't both resolve the same entry.
func (h *Handler) takeApproval(kind ApprovalKind, approvalID, taskID string) (PendingApproval, bool, error) {
	var found PendingApproval
	var ok bool
	err := lock.WithLock(h.approvalsLockPath(), func() error {
		t, err := h.loadApprovals()
		if err != nil {
			return err
		}
		found, ok = resolveApproval(t, kind, approvalID, taskID)
		if ok {
			delete(t.Approvals, found.ApprovalID)
			return h.saveApprovals(t)
		}
		return nil
	})
	return found, ok, err
}

// checkApprovalTimeouts flags (but never deletes) any pending approval whose
// deadline has passed and that hasn't already been flagged, notifying the
// approval's chat once. Never re-escalates an entry a second time.
func (h *Handler) checkApprovalTimeouts() error {
	now := time.Now()
	var toNotify []PendingApproval
	err := lock.WithLock(h.approvalsLockPath(), func() error {
		t, err := h.loadApprovals()
		if err != nil {
			return err
		}
		changed := false
		for id, p := range t.Approvals {
			if p.Escalated || !p.expired(now) {
				continue
			}
			p.Escalated = true
			t.Approvals[id] = p
			toNotify = append(toNotify, p)
			changed = true
		}
		if !changed {
			return nil
		}
		return h.saveApprovals(t)
	})
	if err != nil {
		return err
	}
	for _, p := range toNotify {
		h.reply(p.ChatID, "Approval "+p.ApprovalID+" for task "+p.TaskID+" timed out waiting for a response.")
	}
	return nil
}
