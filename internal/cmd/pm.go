package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/pilot/internal/agentloop"
	"github.com/steveyegge/pilot/internal/board"
	"github.com/steveyegge/pilot/internal/channel"
	"github.com/steveyegge/pilot/internal/checkpoint"
	"github.com/steveyegge/pilot/internal/cost"
	"github.com/steveyegge/pilot/internal/pmloop"
	"github.com/steveyegge/pilot/internal/recovery"
	"github.com/steveyegge/pilot/internal/session"
	"github.com/steveyegge/pilot/internal/style"
	"github.com/steveyegge/pilot/internal/worktree"
)

var pmCmd = &cobra.Command{
	Use:     "pm",
	GroupID: GroupAgents,
	Short:   "Run the project-manager loop",
}

var pmRunAgentName string

var pmRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register a PM session and run its periodic scans until interrupted",
	Long: `Runs spec §4.13's PM loop: health, cost, drift, and recovery scans on
their own intervals (pilot.toml), plus the channel drain when a transport
is configured. Each scan round's findings are logged; blocks until
interrupted.`,
	RunE: runPmRun,
}

func init() {
	rootCmd.AddCommand(pmCmd)
	pmCmd.AddCommand(pmRunCmd)

	pmRunCmd.Flags().StringVar(&pmRunAgentName, "agent-name", "pm", "human-readable agent name for the PM session")
}

func runPmRun(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}

	st, err := cs.sessions.Register(session.Context{Role: session.RolePM, AgentName: pmRunAgentName, HookPID: os.Getpid()})
	if err != nil {
		return err
	}

	checkpoints := checkpoint.New(cs.root).WithMaxHistory(cs.policy.CheckpointHistoryDepth)
	costs := cost.New(cs.root, cs.policy)
	brd := board.New(cs.root)
	wt := worktree.New(cs.root, cs.root, cs.policy, worktree.NewGitVCS())
	rec := recovery.New(cs.root, cs.sessions, cs.claims, cs.areas, wt, checkpoints, cs.bus)
	loopStates := agentloop.NewStore(cs.root)

	loop := pmloop.New(cs.root, cs.policy, cs.sessions, cs.claims, cs.areas, checkpoints, costs,
		cs.bus, brd, rec, loopStates)

	transport := channel.NewFileTransport(cs.root)
	loop.Channel = channel.New(cs.root, cs.policy, cs.sessions, cs.claims, cs.areas, cs.bus, brd, costs, transport, nil)

	loop.Initialize(st.ID)
	fmt.Printf("%s PM session %s running; Ctrl-C to stop\n", style.Bold.Render("✓"), st.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(pmScanTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n%s Stopped PM session %s\n", style.Bold.Render("✓"), st.ID)
			return nil
		case <-ticker.C:
			results, err := loop.RunPeriodicScans()
			if err != nil {
				fmt.Fprintln(os.Stderr, "scan error:", err)
				continue
			}
			reportScans(results)
		}
	}
}

func reportScans(r pmloop.ScanResults) {
	if len(r.Health) == 0 && len(r.Cost) == 0 && len(r.Drift) == 0 && len(r.Recovery) == 0 {
		return
	}
	b, _ := json.Marshal(r)
	fmt.Println(string(b))
}

// pmScanTick is the PM loop's own wake cadence: frequent enough that every
// scan's configured interval (pmloop.Loop.due) gets checked promptly,
// independent of any one scan's own period.
const pmScanTick = 5 * time.Second
