package tui

import "github.com/charmbracelet/lipgloss"

const sidebarWidth = 30

var (
	primary = lipgloss.Color("#7C3AED")
	accent  = lipgloss.Color("#06B6D4")
	muted   = lipgloss.Color("#6C7086")
	success = lipgloss.Color("#A6E3A1")
	failure = lipgloss.Color("#F38BA8")
	border  = lipgloss.Color("#45475A")

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(primary)
	sidebarStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1).Width(sidebarWidth)
	chatBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1)
	inputBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(primary).Padding(0, 1)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(accent)
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(primary)
	systemStyle    = lipgloss.NewStyle().Italic(true).Foreground(muted)
	errorStyle     = lipgloss.NewStyle().Foreground(failure)
	mutedStyle     = lipgloss.NewStyle().Foreground(muted)
	statusStyle    = lipgloss.NewStyle().Foreground(success)
)
