package agentloop

import (
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/lock"
	"github.com/steveyegge/pilot/internal/util"
)

// State is one of the agent loop's fixed states (spec §4.12).
type State string

const (
	StateIdle            State = "idle"
	StateClaiming        State = "claiming"
	StatePlanning        State = "planning"
	StateWaitingApproval State = "waiting_approval"
	StateExecuting       State = "executing"
	StateCheckpointing   State = "checkpointing"
	StateDone            State = "done"
)

// Terminal reports whether s requires no further action this tick (spec
// §4.12's DONE transitions straight back to IDLE; Tick never leaves a
// session parked in DONE).
func (s State) Terminal() bool { return s == StateDone }

// LoopState is the on-disk shape of one session's agent-loop progress
// (spec §4.12), persisted so a restart can resume or unwind correctly
// (spec's "self-recovery on start").
type LoopState struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`

	TaskID      string `json:"task_id,omitempty"`
	TaskTitle   string `json:"task_title,omitempty"`
	TaskArea    string `json:"task_area,omitempty"`
	Description string `json:"description,omitempty"`

	Plan     Plan `json:"plan,omitempty"`
	PlanStep int  `json:"plan_step,omitempty"`

	ApprovalMessageID string    `json:"approval_message_id,omitempty"`
	ApprovalDeadline  time.Time `json:"approval_deadline,omitempty"`
	ApprovalEscalated bool      `json:"approval_escalated,omitempty"`
	RejectionFeedback string    `json:"rejection_feedback,omitempty"`

	ConsecutiveExecSteps int    `json:"consecutive_exec_steps,omitempty"`
	ConsecutiveErrors    int    `json:"consecutive_errors,omitempty"`
	LastErrorHint        string `json:"last_error_hint,omitempty"`

	// Stopped marks a loop that hit MAX_ERRORS with no known pattern, or a
	// hard budget block — it sits in its current State until an operator
	// or the PM loop intervenes; Tick is a no-op while Stopped is true.
	Stopped       bool   `json:"stopped,omitempty"`
	StoppedReason string `json:"stopped_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists one LoopState file per session under
// <town>/.pilot/state/loopstate/<session-id>.json, flock-guarded the same
// way checkpoint.Store guards its current-checkpoint file — but with no
// history rotation, since only the live state matters here.
type Store struct {
	townRoot string
}

// NewStore returns a Store rooted at townRoot.
func NewStore(townRoot string) *Store {
	return &Store{townRoot: townRoot}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(constants.LoopStateDir(s.townRoot), sessionID+".json")
}

func (s *Store) lockPath(sessionID string) string {
	return filepath.Join(constants.LoopStateDir(s.townRoot), "."+sessionID+".lock")
}

// Load returns sessionID's loop state, or a fresh IDLE state if none has
// ever been saved.
func (s *Store) Load(sessionID string) (*LoopState, error) {
	var ls LoopState
	if err := util.ReadJSON(s.path(sessionID), &ls); err != nil {
		if os.IsNotExist(err) {
			return &LoopState{SessionID: sessionID, State: StateIdle}, nil
		}
		return nil, err
	}
	return &ls, nil
}

// Save writes ls atomically under sessionID's flock.
func (s *Store) Save(ls *LoopState) error {
	return lock.WithLock(s.lockPath(ls.SessionID), func() error {
		ls.UpdatedAt = time.Now()
		return util.AtomicWriteJSON(s.path(ls.SessionID), ls)
	})
}

// Delete removes sessionID's loop state file. Implements the teardown half
// of recovery.SessionCleaner (spec §4.8's "loop state... track" extra
// per-session scratch).
func (s *Store) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
