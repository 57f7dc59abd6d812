package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/quocson95/ftpdeck/pkg/controller"
)

// Styles for the UI
var (
	accent = lipgloss.Color("#7D56F4")
	muted  = lipgloss.Color("#626262")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accent).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle()

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(accent).
				Bold(true)

	markedItemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	sizeStyle = lipgloss.NewStyle().
			Foreground(muted)

	pathStyle = lipgloss.NewStyle().
			Foreground(muted).
			Italic(true)

	localTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#04B575"))

	remoteTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FFA500"))

	activeBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(accent).
				Padding(0, 1)

	inactiveBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(muted).
				Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	progressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00BFFF"))

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(1, 2).
			Width(60)

	warnPopupStyle = popupStyle.
			BorderForeground(lipgloss.Color("#FFA500"))

	dangerPopupStyle = popupStyle.
				BorderForeground(lipgloss.Color("#FF0000"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(1, 2)
)

func statusStyle(level controller.Level) lipgloss.Style {
	switch level {
	case controller.Error:
		return errorStyle
	case controller.Success:
		return successStyle
	}
	return infoStyle
}
