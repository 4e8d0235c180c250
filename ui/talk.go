package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"parley.chat/etc"
	"parley.chat/session"
	"parley.chat/transcript"
)

type changedMsg struct{}

type startDoneMsg struct {
	err error
}

type stoppedMsg struct{}

type model struct {
	viewport   viewport.Model
	session    *session.Session
	agentID    string
	snap       session.Snapshot
	logEntries []string
	seen       int
	ready      bool
	showLog    bool
	quitting   bool
}

func initialModel(s *session.Session, agentID string) model {
	return model{
		session:    s,
		agentID:    agentID,
		snap:       s.Snapshot(),
		logEntries: []string{},
	}
}

// Run drives the talk TUI until the user quits. The session is started
// on entry and stopped before the program exits.
func Run(s *session.Session, agentID string) error {
	p := tea.NewProgram(initialModel(s, agentID), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		startSession(m.session, m.agentID),
		waitForChange(m.session),
	)
}

func startSession(s *session.Session, agentID string) tea.Cmd {
	return func() tea.Msg {
		return startDoneMsg{err: s.Start(context.Background(), agentID)}
	}
}

func waitForChange(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		<-s.Changed()
		return changedMsg{}
	}
}

func stopSession(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.Stop(ctx)
		return stoppedMsg{}
	}
}

func toggleMicrophone(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// A failed toggle lands in the snapshot notice on its own.
		s.ToggleMicrophone(ctx)
		return changedMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.quitting {
				m.quitting = true
				return m, stopSession(m.session)
			}
		case "m":
			cmds = append(cmds, toggleMicrophone(m.session))
		case "e":
			m = m.exportTranscript()
			m.viewport.SetContent(m.contentView())
		case "c":
			m.session.ClearTranscript()
		case "tab":
			m.showLog = !m.showLog
			m.viewport.SetContent(m.contentView())
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.contentView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}

	case changedMsg:
		m = m.absorbSnapshot(m.session.Snapshot())
		if m.ready {
			m.viewport.SetContent(m.contentView())
			m.viewport.GotoBottom()
		}
		cmds = append(cmds, waitForChange(m.session))

	case startDoneMsg:
		if msg.err != nil {
			m.logEntries = append(m.logEntries, fmt.Sprintf("ERR %v", msg.err))
		}
		m = m.absorbSnapshot(m.session.Snapshot())
		if m.ready {
			m.viewport.SetContent(m.contentView())
		}

	case stoppedMsg:
		return m, tea.Quit
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// absorbSnapshot folds a fresh snapshot into the model and keeps the
// event log up to date with what changed.
func (m model) absorbSnapshot(snap session.Snapshot) model {
	if snap.State != m.snap.State {
		m.logEntries = append(m.logEntries,
			fmt.Sprintf("... state %s -> %s", m.snap.State, snap.State))
	}

	if len(snap.Entries) < m.seen {
		// The transcript was cleared under us.
		m.seen = len(snap.Entries)
	}
	for _, entry := range snap.Entries[m.seen:] {
		m.logEntries = append(m.logEntries, fmt.Sprintf("%s %s \"%s\"",
			logPrefix(entry.Final), entry.Speaker, entry.Text))
	}
	m.seen = len(snap.Entries)

	m.snap = snap
	return m
}

func (m model) exportTranscript() model {
	data, filename := m.session.ExportTranscript()
	if err := os.WriteFile(filename, data, 0644); err != nil {
		m.logEntries = append(m.logEntries, fmt.Sprintf("ERR save transcript: %v", err))
		return m
	}
	m.logEntries = append(m.logEntries, fmt.Sprintf("... saved transcript to %s", filename))
	return m
}

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m model) headerView() string {
	name := "Parley"
	if m.snap.AgentID != "" {
		name = fmt.Sprintf("Parley · %s", m.snap.AgentID)
	}
	title := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFDF5")).
		Background(lipgloss.Color("#25A065")).
		Padding(0, 1).
		Render(name)

	status := m.statusView()
	line := strings.Repeat(
		"─",
		max(0, m.viewport.Width-lipgloss.Width(title)-lipgloss.Width(status)),
	)
	return lipgloss.JoinHorizontal(lipgloss.Center, title, line, status)
}

func (m model) statusView() string {
	dot := lipgloss.NewStyle().
		Foreground(stateColor(m.snap.State)).
		Render("●")

	mic := "mic off"
	if m.snap.MicrophoneOn {
		mic = "mic on"
	}

	activity := ""
	if m.snap.UserSpeaking {
		activity = " · speaking"
	}
	if m.snap.Transcribing {
		activity += " …"
	}

	return fmt.Sprintf(" %s %s · %s%s ", dot, m.snap.State, mic, activity)
}

func (m model) footerView() string {
	info := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFDF5")).
		Background(lipgloss.Color("#25A065")).
		Padding(0, 1).
		Render("m mic · e export · c clear · tab log · q quit")
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	footer := lipgloss.JoinHorizontal(lipgloss.Center, line, info)

	notice := " "
	if m.snap.Notice != "" {
		notice = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Render("! " + m.snap.Notice)
	}
	return notice + "\n" + footer
}

func (m model) contentView() string {
	if m.showLog {
		return m.logView()
	}
	return m.transcriptView()
}

func (m model) transcriptView() string {
	var content strings.Builder
	for _, entry := range m.snap.Entries {
		content.WriteString(renderEntry(entry))
		content.WriteString("\n")
	}
	return content.String()
}

func (m model) logView() string {
	var content strings.Builder
	for _, entry := range m.logEntries {
		content.WriteString(entry)
		content.WriteString("\n")
	}
	return content.String()
}

func renderEntry(entry transcript.Entry) string {
	clock := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Render("[" + etc.ClockStamp(entry.Timestamp) + "]")

	speakerStyle := lipgloss.NewStyle().Bold(true)
	if entry.Speaker == transcript.SpeakerAgent {
		speakerStyle = speakerStyle.Foreground(lipgloss.Color("#25A065"))
	}

	textStyle := lipgloss.NewStyle()
	if !entry.Final {
		textStyle = textStyle.Foreground(lipgloss.Color("240")) // Dark gray foreground for interim segments
	} else if entry.Confidence > 0 {
		textStyle = textStyle.Foreground(getConfidenceColor(entry.Confidence))
	}

	return fmt.Sprintf("%s %s %s",
		clock,
		speakerStyle.Render(string(entry.Speaker)+":"),
		textStyle.Render(entry.Text))
}

func getConfidenceColor(confidence float64) lipgloss.Color {
	switch {
	case confidence >= 0.9:
		return lipgloss.Color("#FFFFFF")
	case confidence >= 0.8:
		return lipgloss.Color("#FFFF00")
	default:
		return lipgloss.Color("#FF0000")
	}
}

func stateColor(s session.State) lipgloss.Color {
	switch s {
	case session.StateActive:
		return lipgloss.Color("#25A065")
	case session.StateConnecting:
		return lipgloss.Color("#FFFF00")
	case session.StateError:
		return lipgloss.Color("#FF0000")
	default:
		return lipgloss.Color("240")
	}
}

func logPrefix(final bool) string {
	if final {
		return "FIN"
	}
	return "TMP"
}
