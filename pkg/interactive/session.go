// Package interactive runs a client session against the interactive
// service. A session connects and authenticates, mirrors the service state
// into a local tree, queues participant input for the host and correlates
// method calls with their replies.
package interactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agent-racer/interactive/pkg/auth"
	"github.com/agent-racer/interactive/pkg/input"
	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/state"
	"github.com/agent-racer/interactive/pkg/transport"
	"github.com/agent-racer/interactive/pkg/txn"
)

const tracerName = "github.com/agent-racer/interactive"

// dispatchPoll bounds how long the dispatch goroutine blocks in Receive
// before checking for shutdown.
const dispatchPoll = 100 * time.Millisecond

// State is the connection lifecycle of a session.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateAuthenticating
	StateOpen
	StateClosing
)

var stateNames = map[State]string{
	StateClosed:         "closed",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateOpen:           "open",
	StateClosing:        "closing",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Session is one client connection to the interactive service. Accessors
// are safe from any goroutine; Run must be pumped from a single one.
type Session struct {
	cfg        Config
	logger     *slog.Logger
	level      *slog.LevelVar
	debugLevel atomic.Int32
	debugFn    atomic.Pointer[DebugFunc]
	tracer     trace.Tracer
	metrics    *metrics

	tree  *state.Tree
	queue *input.Queue
	txns  *txn.Registry

	mu          sync.Mutex
	state       State
	conn        transport.Conn
	stop        chan struct{}
	done        chan struct{}
	token       auth.Token
	sessionID   string
	clockOffset time.Duration
	ready       bool
	throttles   map[protocol.ThrottleTarget]protocol.Throttle
	userContext string
	terminal    error

	notesMu  sync.Mutex
	notes    []note
	wake     chan struct{}
	handlers atomic.Pointer[Handlers]
	running  atomic.Bool
}

// New validates cfg and returns a Closed session. Call Reconnect to open it.
func New(cfg Config) (*Session, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	s := &Session{
		cfg:       cfg,
		level:     new(slog.LevelVar),
		tracer:    otel.Tracer(tracerName),
		tree:      state.NewTree(cfg.Cascade),
		queue:     input.NewQueue(),
		token:     cfg.Token,
		throttles: maps.Clone(cfg.Throttles),
		wake:      make(chan struct{}, 1),
	}
	if s.throttles == nil {
		s.throttles = make(map[protocol.ThrottleTarget]protocol.Throttle)
	}
	s.logger = slog.New(&debugHandler{level: s.level, fn: &s.debugFn, next: base.Handler()}).With("component", "interactive")
	s.SetDebugLevel(cfg.DebugLevel)
	s.txns = txn.New(s.logger)
	s.metrics = newMetrics(cfg.Registerer, func() float64 { return float64(s.queue.Len()) })
	if s.cfg.Transport == nil {
		s.cfg.Transport = transport.NewWebSocket(s.logger)
	}
	s.handlers.Store(&Handlers{})
	return s, nil
}

// Open creates a session and connects it. On failure the session is
// discarded and the error wraps ErrInvalidConfig, ErrConnection,
// ErrAuthRejected or an auth error from refreshing the token.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Reconnect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reconnect opens a Closed session again. The local state is rebuilt from
// the service.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) (err error) {
	if !s.transition(StateClosed, StateConnecting, nil) {
		return fmt.Errorf("interactive: cannot connect while %s", s.State())
	}

	ctx, span := s.tracer.Start(ctx, "interactive.connect",
		trace.WithAttributes(attribute.String("interactive.endpoint", s.cfg.Endpoint)))
	defer func() {
		endSpan(span, err)
		if err != nil {
			s.metrics.connectsTotal.WithLabelValues(errorType(err)).Inc()
		} else {
			s.metrics.connectsTotal.WithLabelValues("ok").Inc()
		}
	}()

	s.tree.Reset()
	s.queue.Clear()
	s.mu.Lock()
	s.ready = false
	s.sessionID = ""
	s.terminal = nil
	s.mu.Unlock()

	tok, err := s.freshToken(ctx)
	if err != nil {
		s.shutdown(err, false, false)
		return err
	}

	conn, err := s.cfg.Transport.Dial(ctx, s.cfg.Endpoint, s.header(tok))
	if err != nil {
		err = fmt.Errorf("%w: dial %s: %w", ErrConnection, s.cfg.Endpoint, err)
		s.shutdown(err, false, false)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: closed while connecting", ErrConnection)
	}
	s.conn = conn
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()
	go s.dispatch(conn, stop, done)

	if !s.transition(StateConnecting, StateAuthenticating, nil) {
		return fmt.Errorf("%w: closed while connecting", ErrConnection)
	}

	hello := protocol.HelloParams{
		Authorization:   tok.Authorization(),
		ProtocolVersion: protocol.Version,
		VersionID:       s.cfg.VersionID,
		ShareCode:       s.cfg.ShareCode,
	}
	var result protocol.HelloResult
	_, err = s.invoke(ctx, conn, protocol.MethodHello, hello, func(res json.RawMessage) error {
		return decodeResult(protocol.MethodHello, res, &result)
	})
	if err != nil {
		var werr *protocol.Error
		switch {
		case errors.As(err, &werr):
			err = fmt.Errorf("%w: %w", ErrAuthRejected, err)
		case !errors.Is(err, ErrConnection):
			err = fmt.Errorf("%w: handshake: %w", ErrConnection, err)
		}
		s.shutdown(err, false, false)
		return err
	}

	s.mu.Lock()
	s.sessionID = result.SessionID
	s.mu.Unlock()
	if !s.transition(StateAuthenticating, StateOpen, nil) {
		return fmt.Errorf("%w: closed during handshake", ErrConnection)
	}
	span.SetAttributes(attribute.String("interactive.session_id", result.SessionID))

	if err := s.bootstrap(ctx, conn); err != nil {
		if !errors.Is(err, ErrConnection) {
			err = fmt.Errorf("%w: bootstrap: %w", ErrConnection, err)
		}
		s.shutdown(err, false, false)
		return err
	}
	s.logger.Info("session open", "session_id", result.SessionID)
	return nil
}

func (s *Session) header(tok auth.Token) http.Header {
	h := http.Header{}
	h.Set("Authorization", tok.Authorization())
	h.Set("X-Protocol-Version", protocol.Version)
	h.Set("X-Interactive-Version", s.cfg.VersionID)
	if s.cfg.ShareCode != "" {
		h.Set("X-Interactive-Sharecode", s.cfg.ShareCode)
	}
	return h
}

// freshToken refreshes the session token when it is stale and an auth
// manager is configured.
func (s *Session) freshToken(ctx context.Context) (auth.Token, error) {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()

	if tok.Valid() && !auth.IsStale(tok, s.cfg.Now(), s.cfg.StaleMargin) {
		return tok, nil
	}
	if s.cfg.Auth == nil || tok.RefreshToken == "" {
		s.logger.Warn("connecting with a stale token")
		return tok, nil
	}

	fresh, err := s.cfg.Auth.Refresh(ctx, tok)
	if err != nil {
		return auth.Token{}, fmt.Errorf("refreshing token: %w", err)
	}
	s.metrics.tokenRefreshes.Inc()
	s.logger.Info("token refreshed", "expires_at", fresh.ExpiresAt)

	s.mu.Lock()
	s.token = fresh
	s.mu.Unlock()
	if s.cfg.OnTokenRefresh != nil {
		s.cfg.OnTokenRefresh(fresh)
	}
	return fresh, nil
}

// bootstrap pulls the clock, scenes, groups and participants into the tree.
func (s *Session) bootstrap(ctx context.Context, conn transport.Conn) error {
	sent := s.cfg.Now()
	_, err := s.invoke(ctx, conn, protocol.MethodGetTime, nil, func(res json.RawMessage) error {
		var t protocol.TimeResult
		if err := decodeResult(protocol.MethodGetTime, res, &t); err != nil {
			return err
		}
		now := s.cfg.Now()
		mid := sent.Add(now.Sub(sent) / 2)
		s.mu.Lock()
		s.clockOffset = time.UnixMilli(t.Time).Sub(mid)
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	_, err = s.invoke(ctx, conn, protocol.MethodGetScenes, nil, func(res json.RawMessage) error {
		var p protocol.ScenesParams
		if err := decodeResult(protocol.MethodGetScenes, res, &p); err != nil {
			return err
		}
		patches, err := scenePatches(p.Scenes, state.OpCreate)
		if err != nil {
			return err
		}
		return s.applyPatches(protocol.MethodGetScenes, patches)
	})
	if err != nil {
		return err
	}

	_, err = s.invoke(ctx, conn, protocol.MethodGetGroups, nil, func(res json.RawMessage) error {
		var p protocol.GroupsParams
		if err := decodeResult(protocol.MethodGetGroups, res, &p); err != nil {
			return err
		}
		return s.applyPatches(protocol.MethodGetGroups, groupPatches(p.Groups, state.OpCreate))
	})
	if err != nil {
		return err
	}

	if err := s.loadParticipants(ctx, conn); err != nil {
		return err
	}

	if s.cfg.GoInteractive {
		if _, err := s.invoke(ctx, conn, protocol.MethodReady, protocol.ReadyParams{IsReady: true}, s.readyApplied(true)); err != nil {
			return err
		}
	}

	s.mu.Lock()
	throttles := maps.Clone(s.throttles)
	s.mu.Unlock()
	if len(throttles) > 0 {
		params := protocol.ThrottleParams{}
		for target, t := range throttles {
			params[target.Method()] = t
		}
		if _, err := s.invoke(ctx, conn, protocol.MethodSetBandwidthThrottle, params, nil); err != nil {
			return err
		}
	}
	return nil
}

// loadParticipants pages through getAllParticipants.
func (s *Session) loadParticipants(ctx context.Context, conn transport.Conn) error {
	var from int64
	for {
		var page protocol.ParticipantsPage
		var last int64
		_, err := s.invoke(ctx, conn, protocol.MethodGetAllParticipants, protocol.ParticipantsPageParams{From: from}, func(res json.RawMessage) error {
			if err := decodeResult(protocol.MethodGetAllParticipants, res, &page); err != nil {
				return err
			}
			patches, err := participantPatches(page.Participants, state.OpCreate)
			if err != nil {
				return err
			}
			for _, raw := range page.Participants {
				var p protocol.ParticipantData
				if json.Unmarshal(raw, &p) == nil && p.ConnectedAt > last {
					last = p.ConnectedAt
				}
			}
			return s.applyPatches(protocol.MethodGetAllParticipants, patches)
		})
		if err != nil {
			return err
		}
		s.logger.Debug("participants page", "from", from, "count", len(page.Participants), "total", page.Total)
		if !page.HasMore || len(page.Participants) == 0 || last <= from {
			return nil
		}
		from = last
	}
}

// Close ends the session. Outstanding transactions fail with
// txn.ErrCancelled and queued input is dropped. Closing a closed session is
// a no-op.
func (s *Session) Close() error {
	s.shutdown(nil, false, false)
	return nil
}

// shutdown moves the session through Closing to Closed. report keeps cause
// for the next Run. fromDispatch is set when called on the dispatch
// goroutine, which must not wait for itself.
func (s *Session) shutdown(cause error, report, fromDispatch bool) bool {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	s.state = StateClosing
	conn, stop, done := s.conn, s.stop, s.done
	s.conn, s.stop, s.done = nil, nil, nil
	s.mu.Unlock()
	s.stateChanged(prev, StateClosing, nil)

	if stop != nil {
		close(stop)
	}
	reason := cause
	if reason == nil {
		reason = errSessionClosed
	}
	cancelled := s.txns.CancelAll(reason)
	dropped := s.queue.Clear()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("closing transport", "error", err)
		}
	}
	if done != nil && !fromDispatch {
		<-done
	}

	s.stateChanged(StateClosing, StateClosed, cause)
	s.mu.Lock()
	s.state = StateClosed
	if report {
		s.terminal = cause
	}
	s.mu.Unlock()

	s.logger.Info("session closed", "cancelled", cancelled, "dropped_inputs", dropped, "cause", cause)
	return true
}

// transition moves the session from one state to another and reports
// whether it was in from.
func (s *Session) transition(from, to State, cause error) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.stateChanged(from, to, cause)
	return true
}

func (s *Session) stateChanged(from, to State, cause error) {
	s.metrics.state.Set(float64(to))
	s.logger.Debug("state changed", "from", from, "to", to)
	s.notify(func(h *Handlers) {
		if h.OnStateChange != nil {
			h.OnStateChange(from, to, cause)
		}
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID is the id the service assigned in the handshake.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Token returns the credential in use, which may have been refreshed.
func (s *Session) Token() auth.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// ServerTime estimates the service clock from the offset measured at
// connect time.
func (s *Session) ServerTime() time.Time {
	s.mu.Lock()
	offset := s.clockOffset
	s.mu.Unlock()
	return s.cfg.Now().Add(offset)
}

// Ready reports whether the service has marked the session interactive.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// SessionContext returns the host's opaque value.
func (s *Session) SessionContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userContext
}

// SetSessionContext stores an opaque value for the host.
func (s *Session) SetSessionContext(v string) {
	s.mu.Lock()
	s.userContext = v
	s.mu.Unlock()
}

func (s *Session) openConn() (transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.conn == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotConnected, s.state)
	}
	return s.conn, nil
}

func decodeResult(method string, res json.RawMessage, v any) error {
	if err := json.Unmarshal(res, v); err != nil {
		return fmt.Errorf("%w: %s result: %v", protocol.ErrMalformedFrame, method, err)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
