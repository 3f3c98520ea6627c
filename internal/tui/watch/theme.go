// Package watch implements the provisiond task watch TUI.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/provisiond/internal/task"
)

// Theme keeps every color of the watch TUI in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPending lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Help      lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// StatusStyle returns the style used for a task status.
func (t Theme) StatusStyle(s task.Status) lipgloss.Style {
	switch s {
	case task.StatusCompleted:
		return t.StatusOK
	case task.StatusFailed, task.StatusTimeout:
		return t.StatusFailed
	case task.StatusRunning:
		return t.StatusRunning
	default:
		return t.StatusPending
	}
}

// statusSymbol is the one-cell glyph shown in the task table.
func statusSymbol(s task.Status) string {
	switch s {
	case task.StatusCompleted:
		return "●"
	case task.StatusFailed:
		return "∅"
	case task.StatusTimeout:
		return "◑"
	case task.StatusRunning:
		return "◉"
	default:
		return "○"
	}
}
