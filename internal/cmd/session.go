package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/pilot/internal/session"
	"github.com/steveyegge/pilot/internal/style"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: GroupAgents,
	Short:   "Manage agent sessions",
}

var (
	sessionRegisterRole  string
	sessionRegisterAgent string
	sessionListJSON      bool
	sessionEndReason     string
)

var sessionRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent session (or resurrect a matching ended one)",
	RunE:  runSessionRegister,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	RunE:  runSessionList,
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionEnd,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionRegisterCmd, sessionListCmd, sessionEndCmd)

	sessionRegisterCmd.Flags().StringVar(&sessionRegisterRole, "role", "", "agent role (backend, frontend, testing, ...)")
	sessionRegisterCmd.Flags().StringVar(&sessionRegisterAgent, "agent-name", "", "human-readable agent name")
	sessionListCmd.Flags().BoolVar(&sessionListJSON, "json", false, "emit JSON instead of a table")
	sessionEndCmd.Flags().StringVar(&sessionEndReason, "reason", "", "reason recorded for the session's end")
}

func runSessionRegister(cmd *cobra.Command, args []string) error {
	if sessionRegisterRole == "" {
		return fmt.Errorf("--role is required")
	}
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	st, err := cs.sessions.Register(session.Context{
		Role: session.Role(sessionRegisterRole), AgentName: sessionRegisterAgent, HookPID: os.Getpid(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s Registered session %s (role=%s)\n", style.Bold.Render("✓"), st.ID, st.Role)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	active, err := cs.sessions.GetActiveSessions("")
	if err != nil {
		return err
	}

	if sessionListJSON {
		return json.NewEncoder(os.Stdout).Encode(active)
	}

	t := style.NewTable(
		style.Column{Name: "ID", Width: 24},
		style.Column{Name: "ROLE", Width: 10},
		style.Column{Name: "AGENT", Width: 16},
		style.Column{Name: "TASK", Width: 10},
		style.Column{Name: "STATUS", Width: 8},
	)
	for _, st := range active {
		t.AddRow(st.ID, string(st.Role), st.AgentName, st.ClaimedTaskID, string(st.Status))
	}
	fmt.Print(t.Render())
	return nil
}

func runSessionEnd(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	if err := cs.sessions.End(args[0], sessionEndReason); err != nil {
		return err
	}
	fmt.Printf("%s Ended session %s\n", style.Bold.Render("✓"), args[0])
	return nil
}
