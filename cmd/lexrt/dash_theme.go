package main

import (
	"github.com/charmbracelet/lipgloss"

	"lexrt/pkg/realtime"
	"lexrt/pkg/stream"
)

// Theme defines the color palette for the dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
	Border    lipgloss.Color
}

// DefaultTheme returns the default color palette.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("#6E56CF"),
		Secondary: lipgloss.Color("14"),
		Success:   lipgloss.Color("#30A46C"),
		Warning:   lipgloss.Color("#E5A836"),
		Error:     lipgloss.Color("#E5484D"),
		Muted:     lipgloss.Color("240"),
		Border:    lipgloss.Color("#3E4347"),
	}
}

// SessionColor maps a session status to its display color.
func (t Theme) SessionColor(s stream.Status) lipgloss.Color {
	switch s {
	case stream.StatusStreaming:
		return t.Warning
	case stream.StatusCompleted:
		return t.Success
	case stream.StatusFailed:
		return t.Error
	default:
		return t.Muted
	}
}

// ChannelColor maps a channel snapshot to its display color.
func (t Theme) ChannelColor(s realtime.ChannelSnapshot) lipgloss.Color {
	switch {
	case s.Disposed:
		return t.Muted
	case s.Auth == realtime.AuthAuthenticated:
		return t.Success
	case s.Auth == realtime.AuthFailed || s.LastError != "":
		return t.Error
	case s.Transport == realtime.StateConnecting:
		return t.Warning
	default:
		return t.Muted
	}
}

// panelStyle is the bordered box around one dashboard panel.
func (t Theme) panelStyle(width int) lipgloss.Style {
	s := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Border).
		Padding(0, 1)
	if width > 0 {
		s = s.Width(width)
	}
	return s
}
