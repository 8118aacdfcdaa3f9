package collaborator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/pilot/internal/agentloop"
	"github.com/steveyegge/pilot/internal/util"
)

// defaultAssistantTimeout bounds one CommandRuntime subprocess call. Coding
// assistant turns run far longer than the 10s
// constants.ExternalProgramTimeout used for git/ps shells, so this is its
// own, much larger default.
const defaultAssistantTimeout = 15 * time.Minute

// CommandRuntime implements agentloop.Runtime by spawning the configured
// coding-assistant process (policy.AssistantProcessName, "claude" by
// default) once per call: spec §6 describes the interactive-assistant
// collaborator as "spawn a new one with a given working directory,
// environment (including PILOT_SESSION_ID, optionally PILOT_AGENT_ROLE),
// and prompt" — this is the default, simplest implementation of that
// contract. It passes the prompt as a CLI argument and the session identity
// through the environment (util.ExecOutputEnv), the same subprocess idiom
// gastown's own collaborators use (internal/util.ExecRun via
// internal/mail/router.go), and expects the assistant to print a single
// JSON object on stdout describing its answer.
//
// A richer integration (resumable tmux panes, streaming output) is a
// different Runtime implementation behind the same interface; nothing in
// agentloop needs to change to swap one in.
type CommandRuntime struct {
	WorkDir     string
	SessionID   string
	Role        string
	ProcessName string        // defaults to "claude"
	Timeout     time.Duration // defaults to defaultAssistantTimeout
}

// NewCommandRuntime returns a CommandRuntime for one session's work directory.
func NewCommandRuntime(workDir, sessionID, role, processName string) *CommandRuntime {
	if processName == "" {
		processName = "claude"
	}
	return &CommandRuntime{WorkDir: workDir, SessionID: sessionID, Role: role, ProcessName: processName}
}

func (r *CommandRuntime) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defaultAssistantTimeout
}

func (r *CommandRuntime) env() []string {
	env := []string{"PILOT_SESSION_ID=" + r.SessionID}
	if r.Role != "" {
		env = append(env, "PILOT_AGENT_ROLE="+r.Role)
	}
	return env
}

func (r *CommandRuntime) call(ctx context.Context, prompt string, out any) error {
	outBytes, err := util.ExecOutputEnv(r.timeout(), r.WorkDir, r.env(), r.ProcessName, "-p", prompt)
	if err != nil {
		return fmt.Errorf("running %s: %w", r.ProcessName, err)
	}
	start := strings.IndexByte(string(outBytes), '{')
	if start < 0 {
		return fmt.Errorf("%s produced no JSON object on stdout", r.ProcessName)
	}
	if err := json.Unmarshal(outBytes[start:], out); err != nil {
		return fmt.Errorf("parsing %s output: %w", r.ProcessName, err)
	}
	return nil
}

// GeneratePlan implements agentloop.Runtime.
func (r *CommandRuntime) GeneratePlan(ctx context.Context, task agentloop.Task, feedback string) (agentloop.Plan, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Plan task %s: %s\n%s\n", task.ID, task.Title, task.Description)
	if feedback != "" {
		fmt.Fprintf(&prompt, "Previous plan was rejected: %s\n", feedback)
	}
	prompt.WriteString(`Reply with a single JSON object: {"steps":["..."],"scope":["..."]}.`)

	var plan agentloop.Plan
	if err := r.call(ctx, prompt.String(), &plan); err != nil {
		return agentloop.Plan{}, err
	}
	return plan, nil
}

// ExecuteStep implements agentloop.Runtime.
func (r *CommandRuntime) ExecuteStep(ctx context.Context, task agentloop.Task, plan agentloop.Plan, stepIndex int) (agentloop.StepResult, error) {
	if stepIndex < 0 || stepIndex >= len(plan.Steps) {
		return agentloop.StepResult{}, fmt.Errorf("step index %d out of range (plan has %d steps)", stepIndex, len(plan.Steps))
	}
	prompt := fmt.Sprintf(
		"Execute step %d/%d of task %s: %s\nReply with a single JSON object: "+
			`{"done":bool,"bytes_used":int,"files_modified":["..."],"commit_made":bool}.`,
		stepIndex+1, len(plan.Steps), task.ID, plan.Steps[stepIndex])

	var raw struct {
		Done          bool     `json:"done"`
		BytesUsed     int64    `json:"bytes_used"`
		FilesModified []string `json:"files_modified"`
		CommitMade    bool     `json:"commit_made"`
	}
	if err := r.call(ctx, prompt, &raw); err != nil {
		return agentloop.StepResult{}, err
	}
	return agentloop.StepResult{
		Done: raw.Done, BytesUsed: raw.BytesUsed,
		FilesModified: raw.FilesModified, CommitMade: raw.CommitMade,
	}, nil
}

// ContextPressurePct implements agentloop.Runtime. A call failure is
// reported as 0% pressure rather than an error — Tick's checkpoint trigger
// degrades gracefully to "never checkpoint on pressure" rather than
// blocking progress on a status query the assistant doesn't support.
func (r *CommandRuntime) ContextPressurePct(ctx context.Context) int {
	var raw struct {
		ContextPressurePct int `json:"context_pressure_pct"`
	}
	prompt := `Report your current context window usage. Reply with a single JSON object: {"context_pressure_pct":int}.`
	if err := r.call(ctx, prompt, &raw); err != nil {
		return 0
	}
	return raw.ContextPressurePct
}
