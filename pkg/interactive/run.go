package interactive

import (
	"encoding/json"
	"time"

	"github.com/agent-racer/interactive/pkg/input"
	"github.com/agent-racer/interactive/pkg/state"
)

// maxPendingNotes caps notifications held for a host that stops calling Run.
const maxPendingNotes = 8192

// Action says what happened to an entity.
type Action int

const (
	ActionCreated Action = iota
	ActionUpdated
	ActionDeleted
)

func (a Action) String() string {
	switch a {
	case ActionCreated:
		return "created"
	case ActionUpdated:
		return "updated"
	case ActionDeleted:
		return "deleted"
	}
	return "unknown"
}

func actionOf(op state.Op) Action {
	switch op {
	case state.OpUpdate:
		return ActionUpdated
	case state.OpDelete:
		return ActionDeleted
	}
	return ActionCreated
}

// Handlers receive notifications on the goroutine that calls Run. Nil
// fields are skipped. When OnInput is nil input stays queued for Drain.
type Handlers struct {
	OnStateChange     func(from, to State, err error)
	OnParticipant     func(action Action, p state.Participant)
	OnGroup           func(action Action, g state.Group)
	OnScene           func(action Action, sc state.Scene)
	OnControl         func(action Action, c state.Control)
	OnReady           func(ready bool)
	OnInput           func(e input.Event)
	OnUnhandledMethod func(method string, params json.RawMessage)
	OnError           func(err error)
	OnTransaction     func(id uint64, method string, err error)
}

type note func(h *Handlers)

// SetHandlers replaces the notification handlers.
func (s *Session) SetHandlers(h Handlers) {
	s.handlers.Store(&h)
}

func (s *Session) notify(n note) {
	s.notesMu.Lock()
	if len(s.notes) >= maxPendingNotes {
		s.notes = s.notes[1:]
		s.logger.Warn("notification backlog full, dropping oldest")
	}
	s.notes = append(s.notes, n)
	s.notesMu.Unlock()
	s.signal()
}

// signal wakes a Run that is waiting for work.
func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) takeNotes() []note {
	s.notesMu.Lock()
	defer s.notesMu.Unlock()
	notes := s.notes
	s.notes = nil
	return notes
}

func (s *Session) pending() bool {
	s.notesMu.Lock()
	n := len(s.notes)
	s.notesMu.Unlock()
	if n > 0 || s.queue.Len() > 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal != nil
}

// Run pumps the session on the calling goroutine. It waits up to timeout
// for work (zero does not wait), delivers queued notifications to the
// handlers and returns. A connection failure is returned once; after that,
// and whenever the session is not Open, Run returns ErrNotConnected.
func (s *Session) Run(timeout time.Duration) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrConcurrentRun
	}
	defer s.running.Store(false)

	if timeout > 0 && !s.pending() {
		timer := time.NewTimer(timeout)
		select {
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
	select {
	case <-s.wake:
	default:
	}

	h := s.handlers.Load()
	for _, n := range s.takeNotes() {
		n(h)
	}
	if h.OnInput != nil {
		for _, e := range s.queue.Drain(0) {
			h.OnInput(e)
		}
	}

	s.mu.Lock()
	err, st := s.terminal, s.state
	s.terminal = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if st != StateOpen {
		return ErrNotConnected
	}
	return nil
}

// Drain removes up to max queued input events in arrival order. Zero or
// less drains everything.
func (s *Session) Drain(max int) []input.Event {
	return s.queue.Drain(max)
}
