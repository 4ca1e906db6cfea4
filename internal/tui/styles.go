package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorRed     = lipgloss.Color("#FF5F5F")
	colorGreen   = lipgloss.Color("#5FFF87")
	colorYellow  = lipgloss.Color("#FFD75F")
	colorCyan    = lipgloss.Color("#5FD7FF")
	colorMagenta = lipgloss.Color("#D787FF")
	colorGray    = lipgloss.Color("#666666")
	colorDimGray = lipgloss.Color("#444444")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	connectedStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	connectingStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	idleStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	errorTextStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	userLabelStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	modelLabelStyle = lipgloss.NewStyle().
			Foreground(colorMagenta).
			Bold(true)

	partialTextStyle = lipgloss.NewStyle().
				Foreground(colorYellow)

	levelLowStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	levelHighStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	levelEmptyStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	footerDescStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	dividerStyle = lipgloss.NewStyle().
			Foreground(colorDimGray)
)
