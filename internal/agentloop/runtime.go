package agentloop

import "context"

// Task is the unit of work the agent loop claims and executes (spec §4.12).
// It is a deliberately thin projection of whatever an issue tracker holds —
// collaborator's tracker adapter is what actually knows about PRs, issue
// numbers, and labels; the loop only needs enough to claim, plan, and show
// progress on a board.
type Task struct {
	ID          string
	Title       string
	Description string
	Area        string
}

// Plan is planning's output: an ordered list of step descriptions plus the
// scope (areas/file globs) the plan declares it will touch. The PM loop's
// drift scan (spec §4.13) diffs files actually touched against Scope.
type Plan struct {
	Steps []string `json:"steps,omitempty"`
	Scope []string `json:"scope,omitempty"`
}

// StepResult is one EXECUTING step's outcome.
type StepResult struct {
	Done          bool
	BytesUsed     int64
	FilesModified []string
	CommitMade    bool
}

// Runtime is the narrow interface to the actual coding-assistant process
// doing the work — injected so the state machine never depends on which
// assistant is wired up, the same way internal/quota.TmuxExecutor lets the
// teacher's Rotator drive tmux panes without hard-coding tmux calls inline.
type Runtime interface {
	// GeneratePlan produces a step list for task. feedback is the previous
	// plan's rejection reason, empty on a first attempt.
	GeneratePlan(ctx context.Context, task Task, feedback string) (Plan, error)
	// ExecuteStep runs one step of plan and reports what it did.
	ExecuteStep(ctx context.Context, task Task, plan Plan, stepIndex int) (StepResult, error)
	// ContextPressurePct reports the assistant's current context-window
	// fullness as a percentage (spec §4.12's checkpoint trigger).
	ContextPressurePct(ctx context.Context) int
}

// TaskSource supplies ready-to-claim work when no delegation message is
// waiting (spec §4.12's "periodic scan that finds an unclaimed ready
// task"). Injected for the same reason Runtime is: the concrete source
// (an issue tracker, a decompose.Result backlog) is collaborator's concern,
// not the loop's.
type TaskSource interface {
	NextReadyTask(role string) (Task, bool, error)
}

// TrackerStatus optionally reflects claim/done transitions back to an
// external issue tracker. Nil-safe: every call site checks for nil before
// using it, since plenty of towns run without one wired up.
type TrackerStatus interface {
	MarkInProgress(taskID string) error
	MarkDone(taskID string) error
}
