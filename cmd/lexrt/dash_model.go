package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lexrt/pkg/realtime"
	"lexrt/pkg/stream"
)

const (
	refreshInterval  = time.Second
	reconnectTimeout = 10 * time.Second
	maxListed        = 8 // sessions shown in the sessions panel
	maxNotes         = 4 // notifications shown
	chromeHeight     = 22
)

// dashSource is the read side of the client the dashboard renders.
type dashSource interface {
	Identity() string
	Snapshots() []realtime.ChannelSnapshot
	Sessions() []stream.Session
	Notifications() []realtime.Notification
	Reconnect(ctx context.Context, name string) error
}

// askFunc runs one chat turn to completion.
type askFunc func(ctx context.Context, message string) (stream.Session, error)

// tickMsg triggers a periodic refresh of channel state.
type tickMsg time.Time

// sessionMsg carries a session change pushed by the store.
type sessionMsg stream.Session

// askDoneMsg ends a chat turn started from the input line.
type askDoneMsg struct {
	sess stream.Session
	err  error
}

// reconnectDoneMsg ends a manual reconnect of every channel.
type reconnectDoneMsg struct{ err error }

// dashModel is the dashboard's bubbletea model.
type dashModel struct {
	ctx   context.Context
	src   dashSource
	ask   askFunc
	theme Theme

	spinner spinner.Model
	input   textinput.Model
	content viewport.Model

	identity string
	channels []realtime.ChannelSnapshot
	sessions []stream.Session
	notes    []realtime.Notification

	selected string // session shown in the content panel
	asking   bool
	status   string // last error or action result
	width    int
}

func newDashModel(ctx context.Context, src dashSource, ask askFunc) dashModel {
	in := textinput.New()
	in.Placeholder = "message"
	in.Prompt = "> "
	in.CharLimit = 4000
	in.Focus()

	m := dashModel{
		ctx:     ctx,
		src:     src,
		ask:     ask,
		theme:   DefaultTheme(),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		input:   in,
		content: viewport.New(80, 8),
	}
	m.refresh()
	return m
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init starts the refresh tick, the spinner and the cursor blink.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick, textinput.Blink)
}

// Update handles incoming messages.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.content.Width = max(20, msg.Width-4)
		m.content.Height = max(3, msg.Height-chromeHeight)
		m.syncContent()
		return m, nil
	case tickMsg:
		m.refresh()
		return m, tickCmd()
	case sessionMsg:
		m.selected = msg.ID
		m.refresh()
		return m, nil
	case askDoneMsg:
		m.asking = false
		m.status = ""
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		if msg.sess.ID != "" {
			m.selected = msg.sess.ID
		}
		m.refresh()
		return m, nil
	case reconnectDoneMsg:
		m.status = "reconnected"
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		m.refresh()
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m dashModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.asking {
			return m, nil
		}
		m.input.Reset()
		m.asking = true
		m.status = ""
		return m, m.askCmd(text)
	case "ctrl+r":
		m.status = "reconnecting"
		return m, m.reconnectCmd()
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.content, cmd = m.content.Update(msg)
		return m, cmd
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m dashModel) askCmd(text string) tea.Cmd {
	ctx, ask := m.ctx, m.ask
	return func() tea.Msg {
		sess, err := ask(ctx, text)
		return askDoneMsg{sess: sess, err: err}
	}
}

func (m dashModel) reconnectCmd() tea.Cmd {
	ctx, src := m.ctx, m.src
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name)
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, reconnectTimeout)
		defer cancel()
		var errs []error
		for _, name := range names {
			if err := src.Reconnect(ctx, name); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		return reconnectDoneMsg{err: errors.Join(errs...)}
	}
}

// refresh pulls the current state from the source.
func (m *dashModel) refresh() {
	m.identity = m.src.Identity()
	m.channels = m.src.Snapshots()
	m.sessions = m.src.Sessions()
	m.notes = m.src.Notifications()
	if m.selected == "" && len(m.sessions) > 0 {
		m.selected = m.sessions[len(m.sessions)-1].ID
	}
	m.syncContent()
}

func (m *dashModel) selectedSession() (stream.Session, bool) {
	for _, s := range m.sessions {
		if s.ID == m.selected {
			return s, true
		}
	}
	return stream.Session{}, false
}

func (m *dashModel) syncContent() {
	sess, ok := m.selectedSession()
	if !ok {
		m.content.SetContent("")
		return
	}
	text := sess.Content
	if sess.Status == stream.StatusFailed {
		text += "\n[failed: " + sess.Error + "]"
	}
	m.content.SetContent(lipgloss.NewStyle().Width(m.content.Width).Render(text))
	m.content.GotoBottom()
}

// View renders the dashboard.
func (m dashModel) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatusBar(),
		m.renderChannels(),
		m.renderSessions(),
		m.theme.panelStyle(m.panelWidth()).Render(m.content.View()),
		m.renderNotifications(),
		m.input.View(),
		m.renderHelp(),
	)
}

func (m dashModel) panelWidth() int {
	if m.width <= 4 {
		return 0
	}
	return m.width - 2
}

func (m dashModel) renderStatusBar() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("lexrt")
	identity := m.identity
	if identity == "" {
		identity = "(none)"
	}
	parts := []string{title, " | identity: ", lipgloss.NewStyle().Foreground(m.theme.Secondary).Render(identity)}
	if m.asking {
		parts = append(parts, " | ", m.spinner.View(), " waiting for reply")
	}
	if m.status != "" {
		parts = append(parts, " | ", lipgloss.NewStyle().Foreground(m.theme.Warning).Render(m.status))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, parts...)
}

func (m dashModel) renderChannels() string {
	lines := []string{lipgloss.NewStyle().Bold(true).Render("Channels")}
	if len(m.channels) == 0 {
		lines = append(lines, lipgloss.NewStyle().Foreground(m.theme.Muted).Render("no channels"))
	}
	for _, ch := range m.channels {
		dot := lipgloss.NewStyle().Foreground(m.theme.ChannelColor(ch)).Render("●")
		line := fmt.Sprintf("%s %-10s %-12s %-15s cycle %d", dot, ch.Name, ch.Transport, ch.Auth, ch.Cycle)
		if ch.LastError != "" {
			line += "  " + lipgloss.NewStyle().Foreground(m.theme.Error).Render(ch.LastError)
		}
		lines = append(lines, line)
	}
	return m.theme.panelStyle(m.panelWidth()).Render(strings.Join(lines, "\n"))
}

func (m dashModel) renderSessions() string {
	lines := []string{lipgloss.NewStyle().Bold(true).Render("Sessions")}
	list := m.sessions
	if len(list) > maxListed {
		list = list[len(list)-maxListed:]
	}
	if len(list) == 0 {
		lines = append(lines, lipgloss.NewStyle().Foreground(m.theme.Muted).Render("no sessions"))
	}
	for _, s := range list {
		marker := " "
		if !s.Status.Terminal() {
			marker = m.spinner.View()
		}
		cursor := "  "
		if s.ID == m.selected {
			cursor = "> "
		}
		status := lipgloss.NewStyle().Foreground(m.theme.SessionColor(s.Status)).Render(string(s.Status))
		line := fmt.Sprintf("%s%s %-13s %-14s %s", cursor, marker, s.Kind, shortID(s.ID), status)
		if s.Kind == stream.KindSummarization {
			line += fmt.Sprintf(" %3d%%", s.Progress)
		}
		lines = append(lines, line)
	}
	return m.theme.panelStyle(m.panelWidth()).Render(strings.Join(lines, "\n"))
}

func (m dashModel) renderNotifications() string {
	notes := m.notes
	if len(notes) > maxNotes {
		notes = notes[len(notes)-maxNotes:]
	}
	if len(notes) == 0 {
		return ""
	}
	lines := make([]string, 0, len(notes))
	for _, n := range notes {
		lines = append(lines, fmt.Sprintf("%s [%s] %s: %s", n.At.Format(time.TimeOnly), n.Level, n.Channel, n.Message))
	}
	return lipgloss.NewStyle().Foreground(m.theme.Muted).Render(strings.Join(lines, "\n"))
}

func (m dashModel) renderHelp() string {
	return lipgloss.NewStyle().Foreground(m.theme.Muted).Render("enter send · ctrl+r reconnect · pgup/pgdn scroll · esc quit")
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
