package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/conveyorhq/conveyor/internal/task"
)

var (
	// Panel chrome.
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("63"))
	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("238"))
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)
	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	// One style per status, used by the summary bar and detail view.
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("220")).
				Bold(true)
	StyleStatusSucceeded = lipgloss.NewStyle().
				Foreground(lipgloss.Color("42")).
				Bold(true)
	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)
	StyleStatusRetrying = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214"))
	StyleStatusReady = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39"))
	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245"))
)

// StatusStyle returns the display style for a status. Queued and
// cancelled share the muted pending style.
func StatusStyle(s task.Status) lipgloss.Style {
	switch s {
	case task.StatusRunning:
		return StyleStatusRunning
	case task.StatusSucceeded:
		return StyleStatusSucceeded
	case task.StatusFailed:
		return StyleStatusFailed
	case task.StatusRetrying:
		return StyleStatusRetrying
	case task.StatusReady:
		return StyleStatusReady
	}
	return StyleStatusPending
}
