// Package tui implements Pilot's live status-board viewer (spec §4.6's
// board, spec §6's "board renders ... as an interactive terminal view").
// Grounded on gastown's internal/tui/convoy package: a mutex-guarded Model
// with a sync.Once-free Init/Update/View bubbletea lifecycle, a
// fetchXMsg-after-fetchX() polling pattern, and bubbles/help plus
// bubbles/key for keybinding display. Where convoy polls an external `bd`
// subprocess, Model polls board.Board directly — Pilot's board state is
// already local JSON files, so there is no subprocess to shell out to.
package tui

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/steveyegge/pilot/internal/board"
	"github.com/steveyegge/pilot/internal/style"
)

// KeyMap is Model's keybinding set, implementing bubbles/help.KeyMap.
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

// DefaultKeyMap returns Model's standard bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Refresh, k.Help, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Refresh}, {k.Help, k.Quit}}
}

// Fetcher returns the current board snapshot list, injected so Model never
// depends on a particular town — the same reasoning behind every other
// narrow collaborator interface in Pilot (bus.LiveLookup, agentloop.Runtime).
type Fetcher func() ([]board.Snapshot, error)

// Model is the bubbletea model for the status board.
type Model struct {
	fetch    Fetcher
	interval time.Duration

	snapshots []board.Snapshot
	err       error

	keys     KeyMap
	help     help.Model
	showHelp bool
	table    table.Model
	width    int
	height   int

	// mu protects every field View() reads (snapshots, err, showHelp,
	// width, height) from concurrent Update mutation, the same
	// responsibility convoy.Model.mu documents.
	mu sync.RWMutex
}

// New returns a Model that polls fetch every interval (0 defaults to 2s).
func New(fetch Fetcher, interval time.Duration) *Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	cols := []table.Column{
		{Title: "SESSION", Width: 14},
		{Title: "TASK", Width: 10},
		{Title: "STATUS", Width: 9},
		{Title: "STEP", Width: 7},
		{Title: "FILES", Width: 6},
		{Title: "UPDATED", Width: 10},
	}
	t := table.New(table.WithColumns(cols), table.WithFocused(true), table.WithHeight(15))
	tStyles := table.DefaultStyles()
	tStyles.Header = tStyles.Header.Bold(true).BorderBottom(true)
	tStyles.Selected = tStyles.Selected.Bold(false).Background(lipgloss.Color("57"))
	t.SetStyles(tStyles)

	return &Model{
		fetch: fetch, interval: interval,
		keys: DefaultKeyMap(), help: help.New(), table: t,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchBoard, tickCmd(m.interval))
}

type fetchBoardMsg struct {
	snapshots []board.Snapshot
	err       error
}

type tickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) fetchBoard() tea.Msg {
	snaps, err := m.fetch()
	return fetchBoardMsg{snapshots: snaps, err: err}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.mu.Lock()
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.mu.Unlock()
		return m, nil

	case fetchBoardMsg:
		m.mu.Lock()
		m.snapshots, m.err = msg.snapshots, msg.err
		m.rebuildTableLocked()
		m.mu.Unlock()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchBoard, tickCmd(m.interval))

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.mu.Lock()
			m.showHelp = !m.showHelp
			m.mu.Unlock()
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetchBoard
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// rebuildTableLocked refreshes the table's rows from m.snapshots. Caller
// must hold m.mu (write lock).
func (m *Model) rebuildTableLocked() {
	sorted := make([]board.Snapshot, len(m.snapshots))
	copy(sorted, m.snapshots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SessionID < sorted[j].SessionID })

	rows := make([]table.Row, 0, len(sorted))
	for _, s := range sorted {
		rows = append(rows, table.Row{
			s.SessionID, s.TaskID, string(s.Status),
			stepCell(s), lenCell(s.FilesModified), s.UpdatedAt.Format("15:04:05"),
		})
	}
	m.table.SetRows(rows)
}

func stepCell(s board.Snapshot) string {
	if s.TotalSteps == 0 {
		return ""
	}
	return itoa(s.Step) + "/" + itoa(s.TotalSteps)
}

func lenCell(files []string) string {
	return itoa(len(files))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// View implements tea.Model.
func (m *Model) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.renderLocked()
}

func (m *Model) renderLocked() string {
	var b strings.Builder
	b.WriteString(style.Title.Render("Pilot Status Board"))
	b.WriteString("\n\n")
	if m.err != nil {
		b.WriteString(style.Bad.Render("error: "+m.err.Error()) + "\n\n")
	}
	b.WriteString(m.table.View())
	b.WriteString("\n\n")
	if m.showHelp {
		b.WriteString(m.help.FullHelpView(m.keys.FullHelp()))
	} else {
		b.WriteString(m.help.ShortHelpView(m.keys.ShortHelp()))
	}
	return b.String()
}
