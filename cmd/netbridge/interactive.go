package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-netbridge/bridge"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	requestStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	responseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const statsInterval = time.Second

// chrome is the number of lines around the response pane.
const chrome = 6

type consoleModel struct {
	ctx      context.Context
	session  *session
	filename string

	input textinput.Model
	pane  viewport.Model
	lines []string
	ready bool

	stats bridge.Stats
	crash *bridge.EventCrashed
	err   error
}

type responseMsg string

type crashMsg bridge.EventCrashed

type stoppedMsg struct{}

type statsMsg struct {
	stats bridge.Stats
	err   error
}

type sentMsg struct {
	err error
}

func newConsoleModel(ctx context.Context, s *session, filename string) *consoleModel {
	ti := textinput.New()
	ti.Placeholder = `{"jsonrpc":"2.0","id":1,"method":"system_health","params":[]}`
	ti.Prompt = "> "
	ti.CharLimit = 0
	ti.Focus()

	return &consoleModel{
		ctx:      ctx,
		session:  s,
		filename: filename,
		input:    ti,
	}
}

func (m *consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitResponse, m.waitCrash, m.waitStopped, m.fetchStats)
}

func (m *consoleModel) waitResponse() tea.Msg {
	select {
	case r := <-m.session.responses:
		return responseMsg(r)
	case <-m.ctx.Done():
		return nil
	}
}

func (m *consoleModel) waitCrash() tea.Msg {
	select {
	case c := <-m.session.crashed:
		return crashMsg(c)
	case <-m.ctx.Done():
		return nil
	}
}

func (m *consoleModel) waitStopped() tea.Msg {
	select {
	case <-m.session.done:
		return stoppedMsg{}
	case <-m.ctx.Done():
		return nil
	}
}

func (m *consoleModel) fetchStats() tea.Msg {
	ctx, cancel := context.WithTimeout(m.ctx, statsInterval)
	defer cancel()
	st, err := m.session.bridge.Stats(ctx)
	return statsMsg{stats: st, err: err}
}

func (m *consoleModel) send(request string) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{err: m.session.send(m.ctx, request)}
	}
}

func (m *consoleModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	if m.ready {
		m.pane.SetContent(strings.Join(m.lines, "\n"))
		m.pane.GotoBottom()
	}
}

func (m *consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := max(msg.Height-chrome, 1)
		if !m.ready {
			m.pane = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.pane.Width = msg.Width
			m.pane.Height = height
		}
		m.input.Width = max(msg.Width-4, 10)
		m.pane.SetContent(strings.Join(m.lines, "\n"))
		m.pane.GotoBottom()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			request := strings.TrimSpace(m.input.Value())
			if request == "" || m.crash != nil {
				return m, nil
			}
			m.input.Reset()
			m.appendLine(requestStyle.Render("→ " + request))
			return m, m.send(request)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.pane, cmd = m.pane.Update(msg)
			return m, cmd
		}

	case responseMsg:
		m.appendLine(responseStyle.Render("← " + string(msg)))
		cmds = append(cmds, m.waitResponse)

	case sentMsg:
		if msg.err != nil {
			m.appendLine(errorStyle.Render("✗ " + msg.err.Error()))
		}

	case crashMsg:
		c := bridge.EventCrashed(msg)
		m.crash = &c
		m.input.Blur()

	case stoppedMsg:
		if m.crash == nil {
			return m, tea.Quit
		}

	case statsMsg:
		m.stats, m.err = msg.stats, msg.err
		if !m.stats.Dead {
			cmds = append(cmds, tea.Tick(statsInterval, func(time.Time) tea.Msg { return m.fetchStats() }))
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *consoleModel) status() string {
	if m.crash != nil {
		text := "guest crashed: " + m.crash.Message
		if m.crash.Task != "" {
			text += fmt.Sprintf(" (in %q)", m.crash.Task)
		}
		return errorStyle.Render(text)
	}
	if m.err != nil {
		return errorStyle.Render("stats: " + m.err.Error())
	}
	mx, sc := m.stats.Mux, m.stats.Scheduler
	return statusStyle.Render(fmt.Sprintf(
		"connections %d (opening %d) • substreams %d • timers %d • slices %d • busy %s • yielded %s",
		mx.Connections, mx.Opening, mx.Substreams, m.stats.Timers,
		sc.Slices, sc.Busy.Round(time.Millisecond), sc.Yielded.Round(time.Millisecond),
	))
}

func (m *consoleModel) View() string {
	if !m.ready {
		return "Starting..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("netbridge"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")
	b.WriteString(m.pane.View())
	b.WriteString("\n")
	b.WriteString(m.status())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter send • pgup/pgdown scroll • esc quit"))
	return b.String()
}

func runInteractive(ctx context.Context, s *session, filename string) error {
	p := tea.NewProgram(newConsoleModel(ctx, s, filename), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	select {
	case <-s.done:
		if s.runErr != nil {
			return s.runErr
		}
	default:
	}
	return err
}
