package interactive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// DebugLevel gates session logging.
type DebugLevel int

const (
	DebugNone DebugLevel = iota
	DebugError
	DebugWarning
	DebugInfo
	DebugTrace
)

var debugLevelNames = map[DebugLevel]string{
	DebugNone:    "none",
	DebugError:   "error",
	DebugWarning: "warning",
	DebugInfo:    "info",
	DebugTrace:   "trace",
}

func (l DebugLevel) String() string {
	if s, ok := debugLevelNames[l]; ok {
		return s
	}
	return "unknown"
}

// ParseDebugLevel maps a config name to a level.
func ParseDebugLevel(name string) (DebugLevel, error) {
	for l, s := range debugLevelNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}
	return DebugNone, fmt.Errorf("unknown debug level %q", name)
}

// slogLevel is the lowest slog level that passes l.
func (l DebugLevel) slogLevel() slog.Level {
	switch l {
	case DebugError:
		return slog.LevelError
	case DebugWarning:
		return slog.LevelWarn
	case DebugInfo:
		return slog.LevelInfo
	case DebugTrace:
		return slog.LevelDebug
	}
	return slog.LevelError + 4
}

func debugLevelOf(l slog.Level) DebugLevel {
	switch {
	case l >= slog.LevelError:
		return DebugError
	case l >= slog.LevelWarn:
		return DebugWarning
	case l >= slog.LevelInfo:
		return DebugInfo
	}
	return DebugTrace
}

// DebugFunc receives every log line that passes the debug level.
type DebugFunc func(level DebugLevel, message string)

// debugHandler gates records on a shared LevelVar and mirrors them to an
// optional DebugFunc before passing them on.
type debugHandler struct {
	level *slog.LevelVar
	fn    *atomic.Pointer[DebugFunc]
	next  slog.Handler
	attrs string
}

func (h *debugHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *debugHandler) Handle(ctx context.Context, r slog.Record) error {
	if fn := h.fn.Load(); fn != nil {
		var b strings.Builder
		b.WriteString(r.Message)
		b.WriteString(h.attrs)
		r.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
			return true
		})
		(*fn)(debugLevelOf(r.Level), b.String())
	}
	return h.next.Handle(ctx, r)
}

func (h *debugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	return &debugHandler{level: h.level, fn: h.fn, next: h.next.WithAttrs(attrs), attrs: b.String()}
}

func (h *debugHandler) WithGroup(name string) slog.Handler {
	return &debugHandler{level: h.level, fn: h.fn, next: h.next.WithGroup(name), attrs: h.attrs}
}

// SetDebugLevel changes which log lines are emitted.
func (s *Session) SetDebugLevel(l DebugLevel) {
	s.level.Set(l.slogLevel())
	s.debugLevel.Store(int32(l))
}

// DebugLevel returns the current level.
func (s *Session) DebugLevel() DebugLevel {
	return DebugLevel(s.debugLevel.Load())
}

// SetDebugHandler installs fn as a mirror of the session log. Pass nil to
// remove it.
func (s *Session) SetDebugHandler(fn DebugFunc) {
	if fn == nil {
		s.debugFn.Store(nil)
		return
	}
	s.debugFn.Store(&fn)
}
