package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/style"
)

var claimCmd = &cobra.Command{
	Use:     "claim",
	GroupID: GroupAgents,
	Short:   "Claim, release, and inspect task and area locks",
}

var claimTaskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Claim a task for the calling session",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimTask,
}

var claimReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release every task and area held by the calling session",
	RunE:  runClaimRelease,
}

var claimListCmd = &cobra.Command{
	Use:   "list <task-id>",
	Short: "Show who holds a task claim",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimList,
}

var claimAreaCmd = &cobra.Command{
	Use:   "area <area-name>",
	Short: "Lock an area for the calling session",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimArea,
}

var claimUnlockAreaCmd = &cobra.Command{
	Use:   "unlock-area <area-name>",
	Short: "Unlock an area held by the calling session",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimUnlockArea,
}

func init() {
	rootCmd.AddCommand(claimCmd)
	claimCmd.AddCommand(claimTaskCmd, claimReleaseCmd, claimListCmd, claimAreaCmd, claimUnlockAreaCmd)
}

// resolveCallerSession resolves the invoking session id or fails with a
// clear error, used by every claim/release verb since spec §4.3's claim
// operations are always scoped to "the calling session."
func resolveCallerSession(cs *collaborators) (string, error) {
	sessionID, ok := callerIdentity(cs.sessions)
	if !ok {
		return "", fmt.Errorf("could not resolve a session identity for this process; register one with 'pilot session register'")
	}
	return sessionID, nil
}

func runClaimTask(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	sessionID, err := resolveCallerSession(cs)
	if err != nil {
		return err
	}
	c, err := cs.claims.Claim(sessionID, args[0], constants.DefaultLeaseDuration)
	if err != nil {
		return err
	}
	fmt.Printf("%s Claimed %s (expires %s)\n", style.Bold.Render("✓"), c.TaskID, c.LeaseExpiry.Format("15:04:05"))
	return nil
}

func runClaimRelease(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	sessionID, err := resolveCallerSession(cs)
	if err != nil {
		return err
	}
	tasks, err := cs.claims.Release(sessionID)
	if err != nil {
		return err
	}
	areas, err := cs.areas.ReleaseAll(sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("%s Released %d task(s), %d area(s)\n", style.Bold.Render("✓"), len(tasks), len(areas))
	return nil
}

func runClaimList(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	holder := cs.claims.HolderOf(args[0])
	if holder == "" {
		fmt.Printf("%s is unclaimed\n", args[0])
		return nil
	}
	fmt.Printf("%s is claimed by %s\n", args[0], holder)
	return nil
}

func runClaimArea(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	sessionID, err := resolveCallerSession(cs)
	if err != nil {
		return err
	}
	if err := cs.areas.LockArea(sessionID, args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Locked area %s\n", style.Bold.Render("✓"), args[0])
	return nil
}

func runClaimUnlockArea(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	sessionID, err := resolveCallerSession(cs)
	if err != nil {
		return err
	}
	if err := cs.areas.UnlockArea(sessionID, args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Unlocked area %s\n", style.Bold.Render("✓"), args[0])
	return nil
}
