package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/pilot/internal/agentloop"
	"github.com/steveyegge/pilot/internal/board"
	"github.com/steveyegge/pilot/internal/checkpoint"
	"github.com/steveyegge/pilot/internal/collaborator"
	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/cost"
	"github.com/steveyegge/pilot/internal/recovery"
	"github.com/steveyegge/pilot/internal/session"
	"github.com/steveyegge/pilot/internal/style"
)

var agentCmd = &cobra.Command{
	Use:     "agent",
	GroupID: GroupAgents,
	Short:   "Run an agent's work loop",
}

var (
	agentRunRole      string
	agentRunAgentName string
)

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register (or resume) a session and drive its work loop until interrupted",
	Long: `Runs spec §4.12's agent loop: claim-or-delegate, plan, execute steps,
checkpoint, repeat. Polls at the active/idle cadence from pilot.toml
(agentloop.Poller) and blocks until interrupted (Ctrl-C), at which point
the session is left registered — a subsequent 'pilot agent run' from the
same process tree resumes it rather than starting fresh.`,
	RunE: runAgentRun,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentRunCmd)

	agentRunCmd.Flags().StringVar(&agentRunRole, "role", "", "agent role (required for a fresh session)")
	agentRunCmd.Flags().StringVar(&agentRunAgentName, "agent-name", "", "human-readable agent name")
}

func runAgentRun(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}

	sessionID, ok := callerIdentity(cs.sessions)
	if !ok {
		if agentRunRole == "" {
			return fmt.Errorf("no existing session for this process and --role was not given; pass --role to register one")
		}
		st, err := cs.sessions.Register(session.Context{
			Role: session.Role(agentRunRole), AgentName: agentRunAgentName, HookPID: os.Getpid(),
		})
		if err != nil {
			return err
		}
		sessionID = st.ID
	}

	st, err := cs.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	checkpoints := checkpoint.New(cs.root).WithMaxHistory(cs.policy.CheckpointHistoryDepth)
	costs := cost.New(cs.root, cs.policy)
	brd := board.New(cs.root)
	testFailures := recovery.NewTestFailureMemory(cs.root)
	runtime := collaborator.NewCommandRuntime(cs.root, sessionID, string(st.Role), cs.policy.AssistantProcessName)
	tasks := collaborator.NewTaskStore(cs.root)

	loop := agentloop.New(cs.root, st.Role, cs.policy, cs.sessions, cs.claims, cs.areas,
		checkpoints, costs, cs.bus, brd, testFailures, runtime)
	loop.Tasks = tasks
	loop.Tracker = tasks

	if err := loop.RecoverOnStart(sessionID); err != nil {
		return fmt.Errorf("recovering session %s: %w", sessionID, err)
	}

	poller := agentloop.NewPoller(loop, sessionID, constants.DefaultActivePollInterval, constants.DefaultIdlePollInterval)
	fmt.Printf("%s Running session %s (role=%s); Ctrl-C to stop\n", style.Bold.Render("✓"), sessionID, st.Role)
	poller.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	poller.Stop()
	fmt.Printf("\n%s Stopped session %s\n", style.Bold.Render("✓"), sessionID)
	return nil
}
