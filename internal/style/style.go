// Package style provides Pilot's terminal styling, grounded on gastown's
// internal/style package: a handful of named lipgloss.Style values plus a
// small Table renderer (table.go) for lists of rows, reused by both
// cmd/pilot's plain-text output and internal/tui's non-interactive fallback.
package style

import "github.com/charmbracelet/lipgloss"

var (
	Bold  = lipgloss.NewStyle().Bold(true)
	Dim   = lipgloss.NewStyle().Faint(true)
	Good  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	Warn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	Bad   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	Title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)
