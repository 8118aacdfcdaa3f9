package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/pilot/internal/style"
)

var doctorFix bool

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: GroupTown,
	Short:   "Run health checks on the town",
	Long: `Runs a handful of quick sanity checks on the current town:

  policy-loads       pilot.toml parses
  state-dirs-exist    every .pilot/state subdirectory is present
  stale-sessions      sweeps zombies and stale heartbeats (--fix applies the
                      sweep; without it, a pending finding is only reported)

Exits non-zero if any check fails.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "apply the stale-sessions sweep instead of only reporting it")
}

type doctorCheck struct {
	name   string
	ok     bool
	detail string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	root, err := townRoot()
	if err != nil {
		return err
	}

	var checks []doctorCheck

	_, polErr := loadPolicy(root)
	checks = append(checks, doctorCheck{name: "policy-loads", ok: polErr == nil, detail: errDetail(polErr)})

	missing := 0
	for _, d := range townDirs(root) {
		info, statErr := os.Stat(d)
		if statErr != nil || !info.IsDir() {
			missing++
		}
	}
	checks = append(checks, doctorCheck{
		name: "state-dirs-exist", ok: missing == 0,
		detail: pluralDetail(missing, "directory", "directories", "missing"),
	})

	if cs, csErr := newCollaborators(); csErr == nil && doctorFix {
		result, cleanErr := cs.sessions.CleanupStaleSessions()
		checks = append(checks, doctorCheck{
			name: "stale-sessions", ok: cleanErr == nil,
			detail: fmt.Sprintf("%d zombie(s) repaired, %d refreshed, %d ended", result.ZombiesRepaired, result.Refreshed, len(result.Ended)),
		})
		if cleanErr != nil {
			checks[len(checks)-1].detail = errDetail(cleanErr)
		}
	} else {
		checks = append(checks, doctorCheck{name: "stale-sessions", ok: true, detail: "not checked (pass --fix to sweep)"})
	}

	allOK := true
	for _, c := range checks {
		mark := style.Good.Render("ok")
		if !c.ok {
			mark = style.Bad.Render("fail")
			allOK = false
		}
		line := fmt.Sprintf("  %-20s %s", c.name, mark)
		if c.detail != "" {
			line += "  " + c.detail
		}
		fmt.Println(line)
	}

	if !allOK {
		return fmt.Errorf("doctor found unresolved issues")
	}
	fmt.Printf("%s All checks passed\n", style.Bold.Render("✓"))
	return nil
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func pluralDetail(n int, singular, plural, suffix string) string {
	if n == 0 {
		return ""
	}
	noun := plural
	if n == 1 {
		noun = singular
	}
	return fmt.Sprintf("%d %s %s", n, noun, suffix)
}
