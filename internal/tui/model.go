// Package tui is the terminal front-end. Update is the single context that
// owns the transcript; the completion call is the only work handed to a
// tea.Cmd goroutine.
package tui

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

	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/chatmirror/backend/internal/service/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/service/conversation"
	"github.com/zhouzirui/chatmirror/backend/internal/service/relay"
)

// Deps wires the model to the conversation core.
type Deps struct {
	Context     context.Context
	Loop        *relay.Loop
	Driver      *conversation.Driver
	Transcript  *chatservice.Transcript
	Session     relay.SessionSource
	Notify      <-chan struct{}
	Interval    time.Duration
	PersonaName string
}

type tickMsg time.Time

type inboxMsg struct{}

type completionMsg struct {
	pending *conversation.Pending
	reply   string
	err     error
}

type theme struct {
	header    lipgloss.Style
	live      lipgloss.Style
	offline   lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	errorLine lipgloss.Style
	help      lipgloss.Style
}

func newTheme() theme {
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	muted := lipgloss.Color("#7f8c98")
	return theme{
		header:    lipgloss.NewStyle().Bold(true).Foreground(blue),
		live:      lipgloss.NewStyle().Foreground(mint).Bold(true),
		offline:   lipgloss.NewStyle().Foreground(pink).Bold(true),
		user:      lipgloss.NewStyle().Foreground(mint).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(blue).Bold(true),
		system:    lipgloss.NewStyle().Foreground(muted).Bold(true),
		errorLine: lipgloss.NewStyle().Foreground(pink),
		help:      lipgloss.NewStyle().Foreground(muted),
	}
}

type Model struct {
	ctx        context.Context
	loop       *relay.Loop
	driver     *conversation.Driver
	transcript *chatservice.Transcript
	session    relay.SessionSource
	notify     <-chan struct{}
	interval   time.Duration
	persona    string

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    theme

	width    int
	height   int
	busy     bool
	status   string
	lastErr  string
	rawError string
}

func New(deps Deps) Model {
	ctx := deps.Context
	if ctx == nil {
		ctx = context.Background()
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Ask for a status report or a production change"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(80, 20)
	timeline.MouseWheelEnabled = true

	m := Model{
		ctx:        ctx,
		loop:       deps.Loop,
		driver:     deps.Driver,
		transcript: deps.Transcript,
		session:    deps.Session,
		notify:     deps.Notify,
		interval:   interval,
		persona:    deps.PersonaName,
		input:      input,
		timeline:   timeline,
		spinner:    sp,
		theme:      newTheme(),
		width:      80,
		status:     "ready",
	}
	m.render()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		tickEvery(m.interval),
		waitNotify(m.notify),
	)
}

func tickEvery(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitNotify(ch <-chan struct{}) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return inboxMsg{}
	}
}

func (m Model) completeCmd(pending *conversation.Pending) tea.Cmd {
	ctx := m.ctx
	driver := m.driver
	return func() tea.Msg {
		reply, err := driver.Complete(ctx, pending)
		return completionMsg{pending: pending, reply: reply, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.timeline.Width = msg.Width
		m.timeline.Height = max(msg.Height-5, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.render()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+l":
			m.transcript.Clear()
			m.lastErr, m.rawError = "", ""
			m.status = "transcript cleared"
			m.render()
			return m, nil
		case "enter":
			return m.submit()
		}

	case tickMsg:
		m.drain()
		cmds = append(cmds, tickEvery(m.interval))

	case inboxMsg:
		m.drain()
		cmds = append(cmds, waitNotify(m.notify))

	case completionMsg:
		m.busy = false
		if _, err := m.driver.Finish(m.ctx, msg.pending, msg.reply, msg.err); err != nil {
			m.showError(err)
		} else {
			m.status = "ready"
		}
		m.render()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := m.input.Value()
	pending, err := m.driver.Begin(m.ctx, text)
	if err != nil {
		if errors.Is(err, conversation.ErrSubmissionPending) {
			m.status = "still waiting for the previous reply"
			return m, nil
		}
		m.showError(err)
		return m, nil
	}
	m.input.Reset()
	if pending == nil {
		return m, nil
	}

	m.busy = true
	m.lastErr, m.rawError = "", ""
	m.status = "waiting for reply"
	m.render()
	return m, m.completeCmd(pending)
}

func (m *Model) drain() {
	if appended := m.loop.Tick(); len(appended) > 0 {
		m.render()
	}
}

func (m *Model) showError(err error) {
	m.status = "request failed"
	m.lastErr = err.Error()
	m.rawError = ""
	var completionErr *ai.CompletionError
	if errors.As(err, &completionErr) {
		m.rawError = completionErr.Body
	}
}

func (m *Model) render() {
	var b strings.Builder
	wrap := lipgloss.NewStyle().Width(max(m.width-2, 20))
	for _, turn := range m.transcript.Turns() {
		b.WriteString(m.label(turn.Role))
		b.WriteString("\n")
		b.WriteString(wrap.Render(turn.Content))
		b.WriteString("\n\n")
	}
	m.timeline.SetContent(b.String())
	m.timeline.GotoBottom()
}

func (m Model) label(role chat.Role) string {
	switch role {
	case chat.RoleUser:
		return m.theme.user.Render("you")
	case chat.RoleAssistant:
		name := m.persona
		if name == "" {
			name = "assistant"
		}
		return m.theme.assistant.Render(name)
	default:
		return m.theme.system.Render(string(role))
	}
}

func (m Model) View() string {
	session := m.session.Session()
	liveness := m.theme.offline.Render("offline")
	if session.Live {
		liveness = m.theme.live.Render("live")
	}

	status := m.status
	if m.busy {
		status = m.spinner.View() + " " + status
	}

	header := m.theme.header.Render(fmt.Sprintf("%s · %s", session.Topic, session.ClientID)) + "  " + liveness + "  " + status

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(m.timeline.View())
	b.WriteString("\n")
	if m.lastErr != "" {
		b.WriteString(m.theme.errorLine.Render(m.lastErr))
		b.WriteString("\n")
		if m.rawError != "" {
			b.WriteString(m.theme.errorLine.Render("raw: " + m.rawError))
			b.WriteString("\n")
		}
	}
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.theme.help.Render("enter send · ctrl+l clear · esc quit"))
	return b.String()
}
