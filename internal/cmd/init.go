package cmd

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/policy"
	"github.com/steveyegge/pilot/internal/style"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: GroupTown,
	Short:   "Initialize a new pilot town in the current directory",
	Long: `Create the .pilot state directory tree and a default pilot.toml in
the current directory, turning it into a pilot town.

Safe to re-run: existing files and directories are left untouched.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// townDirs lists every directory runInit ensures exists, grounded on
// internal/constants's directory layout.
func townDirs(root string) []string {
	return []string{
		constants.PilotDir(root),
		constants.RuntimeDir(root),
		constants.StateDir(root),
		constants.SessionsDir(root),
		constants.ArchiveDir(root),
		constants.LocksDir(root),
		constants.ClaimsDir(root),
		constants.AreasDir(root),
		constants.WorktreesDir(root),
		constants.BoardDir(root),
		constants.CostsDir(root),
		constants.AffinityDir(root),
		constants.LoopStateDir(root),
		constants.BusDir(root),
		constants.CheckpointsDir(root),
		constants.ChannelDir(root),
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}

	for _, d := range townDirs(root) {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}

	policyPath := constants.PolicyPath(root)
	if _, err := os.Stat(policyPath); os.IsNotExist(err) {
		f, err := os.Create(policyPath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", policyPath, err)
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(policy.Defaults()); err != nil {
			return fmt.Errorf("writing default policy: %w", err)
		}
		fmt.Printf("%s Wrote %s\n", style.Bold.Render("✓"), policyPath)
	}

	fmt.Printf("%s Initialized pilot town at %s\n", style.Bold.Render("✓"), root)
	return nil
}
