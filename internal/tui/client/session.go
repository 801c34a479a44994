// Package client bridges an interactive session into Bubble Tea messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agent-racer/interactive/pkg/input"
	"github.com/agent-racer/interactive/pkg/interactive"
	"github.com/agent-racer/interactive/pkg/state"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	maxLogBacklog      = 512
)

// Source is the part of *interactive.Session the dashboard drives.
type Source interface {
	SetHandlers(h interactive.Handlers)
	SetDebugHandler(fn interactive.DebugFunc)
	Run(timeout time.Duration) error
	Reconnect(ctx context.Context) error

	State() interactive.State
	SessionID() string
	Ready() bool
	ServerTime() time.Time
	Counts() (scenes, groups, controls, participants int)
	Scenes() []state.Scene
	SceneControls(sceneID string) ([]state.Control, error)
	Participants() []state.Participant

	SetReady(ctx context.Context, ready bool) error
	SetParticipantGroup(ctx context.Context, userID uint32, groupID string) error
	CaptureTransaction(ctx context.Context, transactionID string) error
	TriggerCooldown(ctx context.Context, sceneID, controlID string, cooldown time.Duration) error
}

// --- Bubble Tea messages ---

// BatchMsg carries every notification delivered by one Run call. Err is the
// Run result. Cmds are host actions the notifications asked for.
type BatchMsg struct {
	Msgs []tea.Msg
	Cmds []tea.Cmd
	Err  error
}

// ConnectedMsg is sent once a reconnect succeeds.
type ConnectedMsg struct{}

// StateMsg reports a connection state change.
type StateMsg struct {
	From, To interactive.State
	Err      error
}

// ParticipantMsg reports a participant change.
type ParticipantMsg struct {
	Action      interactive.Action
	Participant state.Participant
}

// GroupMsg reports a group change.
type GroupMsg struct {
	Action interactive.Action
	Group  state.Group
}

// SceneMsg reports a scene change.
type SceneMsg struct {
	Action interactive.Action
	Scene  state.Scene
}

// ControlMsg reports a control change.
type ControlMsg struct {
	Action  interactive.Action
	Control state.Control
}

// ReadyMsg reports the ready flag.
type ReadyMsg struct{ Ready bool }

// InputMsg carries one participant input event.
type InputMsg struct{ Event input.Event }

// ErrorMsg wraps an error reported by the session.
type ErrorMsg struct{ Err error }

// TransactionMsg reports a settled method call.
type TransactionMsg struct {
	ID     uint64
	Method string
	Err    error
}

// LogMsg mirrors one session log line.
type LogMsg struct {
	Level   interactive.DebugLevel
	Message string
}

// ActionMsg reports the outcome of a host action started from the UI.
type ActionMsg struct {
	Name string
	Err  error
}

// Pump runs the session on Bubble Tea command goroutines. Only one pump
// command is in flight at a time, so the pending batch needs no lock; logs
// arrive from the session's own goroutines and do.
type Pump struct {
	src  Source
	poll time.Duration

	batch []tea.Msg
	cmds  []tea.Cmd

	hostCtx context.Context
	group   string
	timeout time.Duration

	logMu sync.Mutex
	logs  []tea.Msg
}

// NewPump installs handlers on src that feed the returned pump.
func NewPump(src Source, poll time.Duration) *Pump {
	p := &Pump{src: src, poll: poll}
	src.SetHandlers(interactive.Handlers{
		OnStateChange: func(from, to interactive.State, err error) {
			p.add(StateMsg{From: from, To: to, Err: err})
		},
		OnParticipant: func(a interactive.Action, v state.Participant) {
			p.add(ParticipantMsg{Action: a, Participant: v})
			if p.hostCtx != nil && p.group != "" && a == interactive.ActionCreated && v.GroupID != p.group {
				p.cmds = append(p.cmds, MoveParticipant(p.hostCtx, p.src, v, p.group, p.timeout))
			}
		},
		OnGroup: func(a interactive.Action, v state.Group) {
			p.add(GroupMsg{Action: a, Group: v})
		},
		OnScene: func(a interactive.Action, v state.Scene) {
			p.add(SceneMsg{Action: a, Scene: v})
		},
		OnControl: func(a interactive.Action, v state.Control) {
			p.add(ControlMsg{Action: a, Control: v})
		},
		OnReady: func(ready bool) { p.add(ReadyMsg{Ready: ready}) },
		OnInput: func(e input.Event) {
			p.add(InputMsg{Event: e})
			if p.hostCtx != nil && e.TransactionID != "" {
				p.cmds = append(p.cmds, Capture(p.hostCtx, p.src, e.TransactionID, p.timeout))
			}
		},
		OnError: func(err error) { p.add(ErrorMsg{Err: err}) },
		OnTransaction: func(id uint64, method string, err error) {
			p.add(TransactionMsg{ID: id, Method: method, Err: err})
		},
	})
	src.SetDebugHandler(p.log)
	return p
}

// Host makes the pump act for the host program: every charged input is
// captured, and participants that join are moved into group unless it is
// empty.
func (p *Pump) Host(ctx context.Context, group string, timeout time.Duration) {
	p.hostCtx = ctx
	p.group = group
	p.timeout = timeout
}

func (p *Pump) add(msg tea.Msg) {
	p.batch = append(p.batch, msg)
}

func (p *Pump) log(level interactive.DebugLevel, message string) {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	if len(p.logs) >= maxLogBacklog {
		p.logs = p.logs[1:]
	}
	p.logs = append(p.logs, LogMsg{Level: level, Message: message})
}

func (p *Pump) takeLogs() []tea.Msg {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	logs := p.logs
	p.logs = nil
	return logs
}

// Next returns a command that runs the session once and reports what it
// delivered.
func (p *Pump) Next() tea.Cmd {
	return func() tea.Msg {
		err := p.src.Run(p.poll)
		msgs := append(p.takeLogs(), p.batch...)
		cmds := p.cmds
		p.batch, p.cmds = nil, nil
		return BatchMsg{Msgs: msgs, Cmds: cmds, Err: err}
	}
}

// Reconnect returns a command that reopens the session, backing off between
// attempts until ctx is done.
func (p *Pump) Reconnect(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			err := p.src.Reconnect(ctx)
			if err == nil {
				return ConnectedMsg{}
			}
			if errors.Is(err, interactive.ErrInvalidConfig) {
				return ErrorMsg{Err: err}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
		}
	}
}

// SetReady returns a command that flips the ready flag.
func SetReady(ctx context.Context, src Source, ready bool, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		name := "not ready"
		if ready {
			name = "ready"
		}
		return ActionMsg{Name: name, Err: src.SetReady(ctx, ready)}
	}
}

// Cooldown returns a command that disables a button for d.
func Cooldown(ctx context.Context, src Source, ctl state.Control, d, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := src.TriggerCooldown(ctx, ctl.SceneID, ctl.ID, d)
		return ActionMsg{Name: "cooldown " + ctl.ID, Err: err}
	}
}

// Capture returns a command that charges the participant behind an input
// transaction.
func Capture(ctx context.Context, src Source, transactionID string, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return ActionMsg{Name: "capture " + transactionID, Err: src.CaptureTransaction(ctx, transactionID)}
	}
}

// MoveParticipant returns a command that moves a participant into group.
func MoveParticipant(ctx context.Context, src Source, part state.Participant, group string, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := src.SetParticipantGroup(ctx, part.UserID, group)
		return ActionMsg{Name: fmt.Sprintf("move %s to %s", part.UserName, group), Err: err}
	}
}
