package tui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62"))

	footerStyle = lipgloss.NewStyle().
			Faint(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	mergedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	blockedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	detailStyle = lipgloss.NewStyle().
			Faint(true)
)
