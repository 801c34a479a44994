// Package status renders the top bar: connection state, entity counts and
// the dashboard's own resource use.
package status

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/agent-racer/interactive/internal/tui/theme"
)

// SampleInterval is how often process usage is refreshed.
const SampleInterval = 2 * time.Second

// SampleMsg carries one process usage reading.
type SampleMsg struct {
	CPU float64
	RSS uint64
	Err error
}

// Model holds the status bar state.
type Model struct {
	State        string
	SessionID    string
	Ready        bool
	Scenes       int
	Groups       int
	Controls     int
	Participants int
	Inputs       int
	CPU          float64
	RSS          uint64
	Width        int
}

// New creates a status bar model.
func New() Model {
	return Model{State: "closed"}
}

// SetCounts updates the entity counts.
func (m *Model) SetCounts(scenes, groups, controls, participants int) {
	m.Scenes = scenes
	m.Groups = groups
	m.Controls = controls
	m.Participants = participants
}

// Apply records a sample. Failed samples keep the previous reading.
func (m *Model) Apply(s SampleMsg) {
	if s.Err != nil {
		return
	}
	m.CPU = s.CPU
	m.RSS = s.RSS
}

// Sample returns a command that reads this process's CPU and resident
// memory after SampleInterval.
func Sample() tea.Cmd {
	return tea.Tick(SampleInterval, func(time.Time) tea.Msg {
		return readSample(int32(os.Getpid()))
	})
}

func readSample(pid int32) SampleMsg {
	p, err := process.NewProcess(pid)
	if err != nil {
		return SampleMsg{Err: err}
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return SampleMsg{Err: err}
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return SampleMsg{Err: err}
	}
	return SampleMsg{CPU: cpu, RSS: mem.RSS}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	connStr := lipgloss.NewStyle().Foreground(theme.StateColor(m.State)).Render("● " + m.State)
	if m.SessionID != "" {
		connStr += theme.StyleDimmed.Render(" " + shortID(m.SessionID))
	}

	readyStr := lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("not ready")
	if m.Ready {
		readyStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("ready")
	}

	counts := fmt.Sprintf("%d scenes  %d groups  %d controls  %d viewers  %d inputs",
		m.Scenes, m.Groups, m.Controls, m.Participants, m.Inputs)
	usage := theme.StyleDimmed.Render(fmt.Sprintf("cpu %.1f%%  rss %s", m.CPU, formatBytes(m.RSS)))

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + readyStr + sep + counts + sep + usage

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBytes(n uint64) string {
	const unit = 1024
	switch {
	case n >= unit*unit*unit:
		return fmt.Sprintf("%.1fG", float64(n)/(unit*unit*unit))
	case n >= unit*unit:
		return fmt.Sprintf("%.1fM", float64(n)/(unit*unit))
	case n >= unit:
		return fmt.Sprintf("%.1fK", float64(n)/unit)
	}
	return fmt.Sprintf("%dB", n)
}
