package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

// theme centralizes the colors used for human-readable output.
type theme struct {
	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusStopped lipgloss.Style

	Title  lipgloss.Style
	Header lipgloss.Style
	Label  lipgloss.Style
	Dim    lipgloss.Style
	Box    lipgloss.Style
}

func newTheme() theme {
	purple := lipgloss.Color("#874BFD")

	return theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusWarn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Label: lipgloss.NewStyle().Width(14),
		Dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1),
	}
}

// plainTheme renders without color, for pipes and tests.
func plainTheme() theme {
	s := lipgloss.NewStyle()
	return theme{
		StatusOK:      s,
		StatusWarn:    s,
		StatusFailed:  s,
		StatusStopped: s,
		Title:         s,
		Header:        s,
		Label:         s.Width(14),
		Dim:           s,
		Box:           s,
	}
}

// outputTheme picks the colored theme only when stdout is a terminal.
func outputTheme() theme {
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return newTheme()
	}
	return plainTheme()
}

// status colors a run or call status.
func (t theme) status(s string) string {
	switch s {
	case "completed", "queued", "dispatched", "initiated", "ok":
		return t.StatusOK.Render(s)
	case "stopped", "interrupted", "running":
		return t.StatusStopped.Render(s)
	case "failed", "error":
		return t.StatusFailed.Render(s)
	default:
		return t.StatusWarn.Render(s)
	}
}
