package status

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0B"},
		{512, "512B"},
		{2048, "2.0K"},
		{5 * 1024 * 1024, "5.0M"},
		{3 * 1024 * 1024 * 1024, "3.0G"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApplyKeepsReadingOnError(t *testing.T) {
	m := New()
	m.Apply(SampleMsg{CPU: 12.5, RSS: 4096})
	m.Apply(SampleMsg{Err: errors.New("gone")})
	if m.CPU != 12.5 || m.RSS != 4096 {
		t.Errorf("reading = %v/%d, want 12.5/4096", m.CPU, m.RSS)
	}
}

func TestReadSampleOwnProcess(t *testing.T) {
	s := readSample(int32(os.Getpid()))
	if s.Err != nil {
		t.Skipf("process stats unavailable: %v", s.Err)
	}
	if s.RSS == 0 {
		t.Error("RSS = 0, want a resident size for a running process")
	}
}

func TestViewShowsStateAndCounts(t *testing.T) {
	m := New()
	m.Width = 160
	m.State = "open"
	m.SessionID = "0123456789abcdef"
	m.Ready = true
	m.SetCounts(2, 3, 4, 5)

	v := m.View()
	for _, want := range []string{"open", "01234567", "ready", "2 scenes", "3 groups", "4 controls", "5 viewers"} {
		if !strings.Contains(v, want) {
			t.Errorf("View() missing %q", want)
		}
	}
	if strings.Contains(v, "0123456789abcdef") {
		t.Error("View() should shorten the session id")
	}
}
