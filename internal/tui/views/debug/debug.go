// Package debug provides a scrollable overlay of the session log.
package debug

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/interactive/internal/tui/theme"
	"github.com/agent-racer/interactive/pkg/interactive"
)

const maxEntries = 500

// Entry is a single log line.
type Entry struct {
	Time    time.Time
	Level   interactive.DebugLevel
	Message string
}

// Model holds the log buffer and the overlay's scroll and filter state.
type Model struct {
	Entries []Entry
	Offset  int // from bottom
	// Min hides entries below this level. DebugTrace shows everything.
	Min interactive.DebugLevel

	now func() time.Time
}

// New creates an empty log showing every level.
func New() Model {
	return Model{Min: interactive.DebugTrace, now: time.Now}
}

// Add appends an entry and caps the buffer. The view snaps to the bottom.
func (m *Model) Add(level interactive.DebugLevel, message string) {
	m.Entries = append(m.Entries, Entry{Time: m.now(), Level: level, Message: message})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

// CycleFilter steps Min through trace, info, warning and error.
func (m *Model) CycleFilter() {
	if m.Min <= interactive.DebugError {
		m.Min = interactive.DebugTrace
	} else {
		m.Min--
	}
	m.Offset = 0
}

// Visible returns the entries that pass the filter.
func (m Model) Visible() []Entry {
	out := make([]Entry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.Level <= m.Min {
			out = append(out, e)
		}
	}
	return out
}

// ScrollUp moves the viewport up.
func (m *Model) ScrollUp(n int) {
	m.Offset += n
	limit := len(m.Visible()) - 1
	if limit < 0 {
		limit = 0
	}
	if m.Offset > limit {
		m.Offset = limit
	}
}

// ScrollDown moves the viewport down.
func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	if m.Offset < 0 {
		m.Offset = 0
	}
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)
}

// View renders the log as an overlay panel.
func (m Model) View(width, height int) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}
	visibleLines := height - 6
	if visibleLines < 3 {
		visibleLines = 3
	}

	entries := m.Visible()
	title := theme.StyleHeader.Render(" SESSION LOG ")
	help := theme.StyleDimmed.Render(fmt.Sprintf("j/k:scroll  v:level ≤ %s  esc:close  %d/%d entries",
		m.Min, len(entries), len(m.Entries)))

	if len(entries) == 0 {
		body := theme.StyleDimmed.Render("  No log lines yet.")
		return panelStyle(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help))
	}

	end := len(entries) - m.Offset
	if end < 0 {
		end = 0
	}
	start := end - visibleLines
	if start < 0 {
		start = 0
	}

	var lines []string
	for _, e := range entries[start:end] {
		ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
		lvl := lipgloss.NewStyle().Foreground(theme.LevelColor(e.Level.String())).Width(5).Render(levelTag(e.Level))
		msg := e.Message
		if innerW > 24 && len(msg) > innerW-22 {
			msg = msg[:innerW-25] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", ts, lvl, msg))
	}

	more := ""
	if m.Offset > 0 {
		more = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset))
	}
	content := lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"), more, help)
	return panelStyle(innerW).Render(content)
}

func levelTag(l interactive.DebugLevel) string {
	switch l {
	case interactive.DebugError:
		return "ERR"
	case interactive.DebugWarning:
		return "WARN"
	case interactive.DebugInfo:
		return "INFO"
	}
	return "TRC"
}
