// Package inputs keeps a rolling log of participant input and a tally per
// control.
package inputs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/interactive/internal/tui/theme"
	"github.com/agent-racer/interactive/pkg/input"
)

const maxEvents = 200

// Model holds the recent events.
type Model struct {
	Width  int
	events []input.Event
	names  map[string]string
	tally  map[string]int
	total  int
}

// New creates an empty log.
func New() Model {
	return Model{names: make(map[string]string), tally: make(map[string]int)}
}

// SetNames maps participant session ids to display names.
func (m *Model) SetNames(names map[string]string) {
	m.names = names
}

// Add records an event.
func (m *Model) Add(e input.Event) {
	m.events = append(m.events, e)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.tally[e.Control.ID]++
	m.total++
}

// Total is the number of events seen, including ones rolled off the log.
func (m Model) Total() int { return m.total }

// Count is the number of events seen on one control.
func (m Model) Count(controlID string) int { return m.tally[controlID] }

// View renders the newest events that fit in height lines, newest last,
// under a tally header.
func (m Model) View(height int) string {
	if len(m.events) == 0 {
		return theme.StyleDimmed.Render("  Waiting for input")
	}

	ids := make([]string, 0, len(m.tally))
	for id := range m.tally {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if m.tally[ids[i]] != m.tally[ids[j]] {
			return m.tally[ids[i]] > m.tally[ids[j]]
		}
		return ids[i] < ids[j]
	})
	var tally []string
	for _, id := range ids {
		tally = append(tally, fmt.Sprintf("%s:%d", id, m.tally[id]))
	}
	lines := []string{theme.StyleHeader.Render(fmt.Sprintf("%d inputs", m.total)) + "  " +
		theme.StyleDimmed.Render(strings.Join(tally, " "))}

	rows := max(height-1, 1)
	start := max(len(m.events)-rows, 0)
	for _, e := range m.events[start:] {
		lines = append(lines, m.renderEvent(e))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderEvent(e input.Event) string {
	who := m.names[e.ParticipantID]
	if who == "" {
		who = e.ParticipantID
		if len(who) > 8 {
			who = who[:8]
		}
	}
	ts := theme.StyleDimmed.Render(e.ReceivedAt.Format("15:04:05.000"))
	kind := lipgloss.NewStyle().Foreground(theme.EventColor(e.Type.String())).Width(11).Render(e.Type.String())
	line := fmt.Sprintf("%s %s %-18s %-10s %s", ts, kind, who, e.Control.ID, detail(e))
	if e.TransactionID != "" {
		line += theme.StyleDimmed.Render(" txn " + e.TransactionID[:min(8, len(e.TransactionID))])
	}
	return line
}

func detail(e input.Event) string {
	if b, ok := e.Button(); ok {
		switch {
		case b.KeyCode != 0:
			return fmt.Sprintf("key %d", b.KeyCode)
		case b.Position != nil:
			return fmt.Sprintf("button %d at %.2f,%.2f", b.Button, b.Position.X, b.Position.Y)
		}
		return fmt.Sprintf("button %d", b.Button)
	}
	if c, ok := e.Coordinates(); ok {
		return fmt.Sprintf("x %.2f y %.2f", c.X, c.Y)
	}
	if r, ok := e.Raw(); ok {
		s := string(r)
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return s
	}
	return ""
}
