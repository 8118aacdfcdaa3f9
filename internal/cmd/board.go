package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/pilot/internal/board"
	"github.com/steveyegge/pilot/internal/style"
	"github.com/steveyegge/pilot/internal/tui"
)

// minBannerWidth gates the plain-text "PILOT STATUS BOARD" title on a
// wide-enough terminal, the same term.GetSize-gated-banner idiom gastown's
// dashboard command uses for its own startup banner.
const minBannerWidth = 60

var (
	boardJSON bool
	boardTUI  bool
)

var boardCmd = &cobra.Command{
	Use:     "board",
	GroupID: GroupAgents,
	Short:   "Show the live agent status board",
	RunE:    runBoard,
}

func init() {
	rootCmd.AddCommand(boardCmd)
	boardCmd.Flags().BoolVar(&boardJSON, "json", false, "emit JSON instead of a table")
	boardCmd.Flags().BoolVar(&boardTUI, "watch", false, "launch the interactive bubbletea board viewer")
}

func runBoard(cmd *cobra.Command, args []string) error {
	root, err := townRoot()
	if err != nil {
		return err
	}
	brd := board.New(root)

	if boardTUI {
		p := tea.NewProgram(tui.New(brd.GetStatusBoard, 0))
		_, err := p.Run()
		return err
	}

	snaps, err := brd.GetStatusBoard()
	if err != nil {
		return err
	}

	if boardJSON {
		return json.NewEncoder(os.Stdout).Encode(snaps)
	}

	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width >= minBannerWidth {
		fmt.Println(style.Title.Render("PILOT STATUS BOARD"))
	}

	t := style.NewTable(
		style.Column{Name: "SESSION", Width: 24},
		style.Column{Name: "TASK", Width: 10},
		style.Column{Name: "STATUS", Width: 9},
		style.Column{Name: "STEP", Width: 7},
		style.Column{Name: "FILES", Width: 6},
	)
	for _, s := range snaps {
		step := ""
		if s.TotalSteps > 0 {
			step = fmt.Sprintf("%d/%d", s.Step, s.TotalSteps)
		}
		t.AddRow(s.SessionID, s.TaskID, string(s.Status), step, fmt.Sprintf("%d", len(s.FilesModified)))
	}
	fmt.Print(t.Render())
	return nil
}
