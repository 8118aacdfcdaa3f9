// Package cmd implements the pilot CLI (spec §6's external interface,
// "cmd/pilot: init, session, claim, bus, agent run, pm run, board,
// doctor"). Grounded on gastown's internal/cmd package: one cobra.Command
// var per verb, each file registering its subcommand(s) onto a parent via
// init(), town root resolved once per RunE via session.FindTownRoot, and
// cmd/pilot/main.go reduced to os.Exit(cmd.Execute()).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Command groups, mirroring gastown's GroupAgents/GroupDiag split: agent
// lifecycle/coordination verbs vs. town setup and health verbs.
const (
	GroupAgents = "agents"
	GroupTown   = "town"
)

var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "Pilot coordinates a town of AI coding agents",
	Long: `Pilot is a multi-agent orchestration substrate: it registers agent
sessions, arbitrates task and file-area claims, carries messages over a
durable bus, tracks token cost, and recovers crashed agents from
checkpoints.

A "town" is a repository working copy with a .pilot/ state directory.
Most subcommands resolve the town root by walking up from the current
directory, the same way git finds .git.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupTown, Title: "Town:"},
		&cobra.Group{ID: GroupAgents, Title: "Agents:"},
	)
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
