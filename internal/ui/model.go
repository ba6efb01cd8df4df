package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/audiolibrelab/pwmloop/internal/loopback"
	"github.com/audiolibrelab/pwmloop/internal/service"
	tea "github.com/charmbracelet/bubbletea"
)

// Controller is the part of the service the TUI drives
type Controller interface {
	Status() service.Status
	Restart(ctx context.Context) error
}

// Model represents the TUI state
type Model struct {
	ctrl     Controller
	interval time.Duration

	// Engine
	state   service.EngineStatus
	session string
	profile string

	// Loop
	phase      string
	cycles     int64
	cursor     int
	limit      int
	samples    int
	oversample int

	// Stats
	levelsOut int64
	rejected  int64
	spurious  int64
	lastCycle *loopback.CycleReport
	lastError string

	width  int
	height int
}

// StatusMsg carries a fresh service snapshot
type StatusMsg struct {
	Status service.Status
}

// RestartMsg reports the outcome of a restart request
type RestartMsg struct {
	Err error
}

type tickMsg time.Time

// NewModel creates a new TUI model polling ctrl every interval
func NewModel(ctrl Controller, interval time.Duration) Model {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return Model{
		ctrl:     ctrl,
		interval: interval,
		state:    service.StatusStandby,
		phase:    loopback.PhaseIdle.String(),
	}
}

// Run creates the TUI program
func Run(ctrl Controller, interval time.Duration) *tea.Program {
	return tea.NewProgram(NewModel(ctrl, interval), tea.WithAltScreen())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts the refresh ticker
func (m Model) Init() tea.Cmd {
	return m.tick()
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		if m.ctrl != nil {
			m.applyStatus(StatusMsg{Status: m.ctrl.Status()})
		}
		return m, m.tick()
	case StatusMsg:
		m.applyStatus(msg)
	case RestartMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
		}
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		if m.ctrl == nil {
			return m, nil
		}
		ctrl := m.ctrl
		return m, func() tea.Msg {
			return RestartMsg{Err: ctrl.Restart(context.Background())}
		}
	}
	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	st := msg.Status
	m.state = st.State
	m.session = st.Session
	m.profile = st.Profile
	m.phase = st.Loop.PhaseName
	m.cycles = st.Loop.Cycles
	m.cursor = st.Loop.Cursor
	m.limit = st.Loop.Limit
	m.samples = st.Samples
	m.oversample = st.Oversample
	m.levelsOut = st.LevelsOut
	m.rejected = st.Loop.RejectedTicks
	m.spurious = st.Spurious
	m.lastError = st.LastError
	if st.LastCycle != nil {
		last := *st.LastCycle
		m.lastCycle = &last
	}
}

// View renders the TUI
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderLoop())
	b.WriteString(m.renderStats())
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderHeader() string {
	session := m.session
	if session == "" {
		session = "-"
	}
	return fmt.Sprintf(`┌─ pwmloop ────────────────────────────────────────────┐
│ Engine:  %-43s │
│ Profile: %-43s │
│ Session: %-43s │
├──────────────────────────────────────────────────────┤
`, string(m.state), truncate(m.profile, 43), truncate(session, 43))
}

func (m Model) renderLoop() string {
	return fmt.Sprintf("│ Phase:   %-43s │\n"+
		"│ Cycle:   %-43d │\n"+
		"│ Cursor:  [%s] %11s │\n"+
		"│ Buffer:  %-43s │\n",
		m.phase,
		m.cycles+1,
		renderBar(m.cursor, m.limit, 30), fmt.Sprintf("%d/%d", m.cursor, m.limit),
		fmt.Sprintf("%d samples x%d", m.samples, m.oversample))
}

func (m Model) renderStats() string {
	last := "-"
	if m.lastCycle != nil {
		last = fmt.Sprintf("#%d min %d max %d in %s",
			m.lastCycle.Cycle, m.lastCycle.Min, m.lastCycle.Max, m.lastCycle.Duration.Round(time.Millisecond))
	}
	s := "├──────────────────────────────────────────────────────┤\n"
	s += fmt.Sprintf("│ Levels out: %-10d Rejected: %-6d Spurious: %-3d│\n", m.levelsOut, m.rejected, m.spurious)
	s += fmt.Sprintf("│ Last cycle: %-40s │\n", truncate(last, 40))
	if m.lastError != "" {
		s += fmt.Sprintf("│ Error: %-45s │\n", truncate(m.lastError, 45))
	}
	return s
}

func (m Model) renderHelp() string {
	return `│ r:Restart  q:Quit                                    │
└──────────────────────────────────────────────────────┘
`
}

// Utility functions
func renderBar(value, max, width int) string {
	filled := 0
	if max > 0 {
		filled = (value * width) / max
	}
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
