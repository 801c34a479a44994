package interactive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/interactive/pkg/auth"
	"github.com/agent-racer/interactive/pkg/input"
	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/state"
	"github.com/agent-racer/interactive/pkg/transport"
	"github.com/agent-racer/interactive/pkg/txn"
)

const waitFor = 2 * time.Second

// fakeService plays the service end of a memory pipe.
type fakeService struct {
	t    *testing.T
	conn *transport.MemoryConn
}

func acceptService(t *testing.T, tr *transport.MemoryTransport) *fakeService {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := tr.Accept(ctx)
	require.NoError(t, err)
	return &fakeService{t: t, conn: conn}
}

func (f *fakeService) next() protocol.Message {
	f.t.Helper()
	frame, err := f.conn.Receive(waitFor)
	require.NoError(f.t, err)
	msg, err := protocol.Decode(frame)
	require.NoError(f.t, err)
	return msg
}

func (f *fakeService) expect(method string) protocol.Message {
	f.t.Helper()
	msg := f.next()
	require.Equal(f.t, protocol.TypeMethod, msg.Type)
	require.Equal(f.t, method, msg.Method)
	return msg
}

func (f *fakeService) reply(id uint64, result any) {
	f.t.Helper()
	frame, err := protocol.NewReply(id, result, nil)
	require.NoError(f.t, err)
	require.NoError(f.t, f.conn.Send(context.Background(), frame))
}

func (f *fakeService) replyError(id uint64, code int, message string) {
	f.t.Helper()
	frame, err := protocol.NewReply(id, nil, &protocol.Error{Code: code, Message: message})
	require.NoError(f.t, err)
	require.NoError(f.t, f.conn.Send(context.Background(), frame))
}

func (f *fakeService) push(method string, params any) {
	f.t.Helper()
	frame, err := protocol.NewMethod(0, method, params, true)
	require.NoError(f.t, err)
	require.NoError(f.t, f.conn.Send(context.Background(), frame))
}

type world struct {
	scenes       []protocol.SceneData
	groups       []protocol.GroupData
	participants []json.RawMessage
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func defaultWorld(t *testing.T) world {
	return world{
		scenes: []protocol.SceneData{
			{SceneID: "default", Controls: []json.RawMessage{
				json.RawMessage(`{"controlID":"boost","kind":"button","text":"Boost","cost":10}`),
			}},
			{SceneID: "s1", Controls: []json.RawMessage{
				json.RawMessage(`{"controlID":"steer","kind":"joystick","sampleRate":50}`),
			}},
		},
		groups: []protocol.GroupData{{GroupID: "default", SceneID: "default"}},
		participants: []json.RawMessage{
			rawJSON(t, protocol.ParticipantData{SessionID: "p1", UserID: 11, Username: "ada", GroupID: "default", ConnectedAt: 100}),
		},
	}
}

// handshake answers hello and the bootstrap calls.
func (f *fakeService) handshake(w world) {
	f.t.Helper()
	m := f.expect(protocol.MethodHello)
	f.reply(m.ID, protocol.HelloResult{SessionID: "sess-1"})
	m = f.expect(protocol.MethodGetTime)
	f.reply(m.ID, protocol.TimeResult{Time: time.Now().UnixMilli()})
	m = f.expect(protocol.MethodGetScenes)
	f.reply(m.ID, protocol.ScenesParams{Scenes: w.scenes})
	m = f.expect(protocol.MethodGetGroups)
	f.reply(m.ID, protocol.GroupsParams{Groups: w.groups})
	m = f.expect(protocol.MethodGetAllParticipants)
	f.reply(m.ID, protocol.ParticipantsPage{Participants: w.participants, Total: len(w.participants)})
}

func testConfig(tr transport.Transport) Config {
	return Config{
		Endpoint:    "ws://interactive.test/gameClient",
		VersionID:   "42",
		Token:       auth.Token{AccessToken: "access", RefreshToken: "refresh-1", ExpiresAt: time.Now().Add(time.Hour)},
		Transport:   tr,
		CallTimeout: waitFor,
	}
}

type openResult struct {
	s   *Session
	err error
}

func openAsync(cfg Config) <-chan openResult {
	ch := make(chan openResult, 1)
	go func() {
		s, err := Open(context.Background(), cfg)
		ch <- openResult{s, err}
	}()
	return ch
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func openTest(t *testing.T) (*Session, *fakeService) {
	t.Helper()
	tr := transport.NewMemoryTransport()
	ch := openAsync(testConfig(tr))
	f := acceptService(t, tr)
	f.handshake(defaultWorld(t))
	r := wait(t, ch)
	require.NoError(t, r.err)
	t.Cleanup(func() { r.s.Close() })
	return r.s, f
}

func TestOpenBootstrapsState(t *testing.T) {
	tr := transport.NewMemoryTransport()
	ch := openAsync(testConfig(tr))
	f := acceptService(t, tr)

	assert.Equal(t, "Bearer access", f.conn.Header.Get("Authorization"))
	assert.Equal(t, protocol.Version, f.conn.Header.Get("X-Protocol-Version"))
	assert.Equal(t, "42", f.conn.Header.Get("X-Interactive-Version"))
	assert.Empty(t, f.conn.Header.Get("X-Interactive-Sharecode"))

	hello := f.expect(protocol.MethodHello)
	var hp protocol.HelloParams
	require.NoError(t, hello.DecodeParams(&hp))
	assert.Equal(t, "Bearer access", hp.Authorization)
	assert.Equal(t, "42", hp.VersionID)
	f.reply(hello.ID, protocol.HelloResult{SessionID: "sess-1"})

	m := f.expect(protocol.MethodGetTime)
	f.reply(m.ID, protocol.TimeResult{Time: time.Now().Add(time.Hour).UnixMilli()})
	w := defaultWorld(t)
	m = f.expect(protocol.MethodGetScenes)
	f.reply(m.ID, protocol.ScenesParams{Scenes: w.scenes})
	m = f.expect(protocol.MethodGetGroups)
	f.reply(m.ID, protocol.GroupsParams{Groups: w.groups})
	m = f.expect(protocol.MethodGetAllParticipants)
	f.reply(m.ID, protocol.ParticipantsPage{Participants: w.participants, Total: 1})

	r := wait(t, ch)
	require.NoError(t, r.err)
	s := r.s
	defer s.Close()

	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, "sess-1", s.SessionID())
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ServerTime(), 5*time.Second)

	scenes := s.Scenes()
	require.Len(t, scenes, 2)
	assert.Equal(t, "default", scenes[0].ID)
	assert.Equal(t, "s1", scenes[1].ID)

	controls, err := s.SceneControls("default")
	require.NoError(t, err)
	require.Len(t, controls, 1)
	assert.Equal(t, "Boost", controls[0].Button().Text)

	parts := s.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, uint32(11), parts[0].UserID)
	require.NoError(t, s.tree.Check())

	assert.NoError(t, s.Run(0))
	assert.Empty(t, s.Drain(0))
}

func TestOpenPagesParticipants(t *testing.T) {
	tr := transport.NewMemoryTransport()
	ch := openAsync(testConfig(tr))
	f := acceptService(t, tr)
	w := defaultWorld(t)

	m := f.expect(protocol.MethodHello)
	f.reply(m.ID, protocol.HelloResult{SessionID: "sess-1"})
	m = f.expect(protocol.MethodGetTime)
	f.reply(m.ID, protocol.TimeResult{Time: time.Now().UnixMilli()})
	m = f.expect(protocol.MethodGetScenes)
	f.reply(m.ID, protocol.ScenesParams{Scenes: w.scenes})
	m = f.expect(protocol.MethodGetGroups)
	f.reply(m.ID, protocol.GroupsParams{Groups: w.groups})

	m = f.expect(protocol.MethodGetAllParticipants)
	var page protocol.ParticipantsPageParams
	require.NoError(t, m.DecodeParams(&page))
	assert.Equal(t, int64(0), page.From)
	f.reply(m.ID, protocol.ParticipantsPage{Participants: w.participants, Total: 2, HasMore: true})

	m = f.expect(protocol.MethodGetAllParticipants)
	require.NoError(t, m.DecodeParams(&page))
	assert.Equal(t, int64(100), page.From)
	second := rawJSON(t, protocol.ParticipantData{SessionID: "p2", UserID: 12, Username: "bo", ConnectedAt: 200})
	f.reply(m.ID, protocol.ParticipantsPage{Participants: []json.RawMessage{second}, Total: 2})

	r := wait(t, ch)
	require.NoError(t, r.err)
	defer r.s.Close()
	assert.Len(t, r.s.Participants(), 2)
}

func TestInputQueuedInArrivalOrder(t *testing.T) {
	s, f := openTest(t)

	x, y := 0.5, -0.25
	f.push(protocol.GiveInput, protocol.GiveInputParams{
		ParticipantID: "p1",
		TransactionID: "tx1",
		Input:         protocol.InputData{ControlID: "boost", Event: protocol.EventMouseDown, Button: 0},
	})
	f.push(protocol.GiveInput, protocol.GiveInputParams{
		ParticipantID: "p1",
		Input:         protocol.InputData{ControlID: "steer", Event: protocol.EventMove, X: &x, Y: &y},
	})

	require.Eventually(t, func() bool { return s.queue.Len() == 2 }, waitFor, 5*time.Millisecond)

	events := s.Drain(0)
	require.Len(t, events, 2)

	assert.Equal(t, input.ButtonDown, events[0].Type)
	assert.Equal(t, "boost", events[0].Control.ID)
	assert.Equal(t, "default", events[0].Control.SceneID)
	assert.Equal(t, protocol.KindButton, events[0].Control.Kind)
	b, ok := events[0].Button()
	require.True(t, ok)
	assert.True(t, b.Pressed)

	assert.Equal(t, input.Move, events[1].Type)
	assert.Equal(t, "s1", events[1].Control.SceneID)
	c, ok := events[1].Coordinates()
	require.True(t, ok)
	assert.Equal(t, input.CoordinateData{X: 0.5, Y: -0.25}, c)

	assert.Empty(t, s.Drain(0))
}

func TestParticipantInputPushIsQueued(t *testing.T) {
	s, f := openTest(t)

	var unhandled string
	s.SetHandlers(Handlers{OnUnhandledMethod: func(m string, _ json.RawMessage) { unhandled = m }})
	f.push(protocol.OnParticipantInput, protocol.GiveInputParams{
		ParticipantID: "p1",
		TransactionID: "t1",
		Input:         protocol.InputData{ControlID: "btn1", Event: protocol.EventMouseDown},
	})

	require.Eventually(t, func() bool { return s.queue.Len() == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, s.Run(50*time.Millisecond))
	assert.Empty(t, unhandled)

	events := s.Drain(1)
	require.Len(t, events, 1)
	assert.Equal(t, "t1", events[0].TransactionID)
	assert.Equal(t, "btn1", events[0].Control.ID)
	assert.Equal(t, "p1", events[0].ParticipantID)
}

func TestRunDeliversInputToHandler(t *testing.T) {
	s, f := openTest(t)
	require.NoError(t, s.Run(0))

	var got []input.Event
	s.SetHandlers(Handlers{OnInput: func(e input.Event) { got = append(got, e) }})
	f.push(protocol.GiveInput, protocol.GiveInputParams{
		ParticipantID: "p1",
		TransactionID: "tx1",
		Input:         protocol.InputData{ControlID: "boost", Event: protocol.EventMouseUp},
	})

	require.Eventually(t, func() bool {
		assert.NoError(t, s.Run(10*time.Millisecond))
		return len(got) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, input.ButtonUp, got[0].Type)
	assert.Zero(t, s.queue.Len())
}

func TestSendMethodAppliesLocalPatchBeforeAwait(t *testing.T) {
	s, f := openTest(t)
	ctx := context.Background()

	id, err := s.SendMethod(ctx, protocol.MethodCreateGroups, protocol.GroupsParams{
		Groups: []protocol.GroupData{{GroupID: "g1", SceneID: "s1"}},
	}, false)
	require.NoError(t, err)
	require.NotZero(t, id)

	m := f.expect(protocol.MethodCreateGroups)
	assert.Equal(t, id, m.ID)
	f.reply(m.ID, nil)

	_, err = s.Await(ctx, id, waitFor)
	require.NoError(t, err)

	groups, err := s.SceneGroups("s1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "g1", groups[0].ID)
}

func TestDiscardedMethodHasNoTransaction(t *testing.T) {
	s, f := openTest(t)

	id, err := s.SendMethod(context.Background(), "notify", map[string]int{"n": 1}, true)
	require.NoError(t, err)
	assert.Zero(t, id)

	m := f.expect("notify")
	assert.True(t, m.Discard)
	assert.Zero(t, s.txns.Outstanding())
}

func TestCallReturnsReplyError(t *testing.T) {
	s, f := openTest(t)

	errc := make(chan error, 1)
	go func() {
		errc <- s.CreateGroup(context.Background(), "g1", "nowhere")
	}()
	m := f.expect(protocol.MethodCreateGroups)
	f.replyError(m.ID, protocol.CodeUnknownScene, "unknown scene")

	err := wait(t, errc)
	var werr *protocol.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, protocol.CodeUnknownScene, werr.Code)
	_, ok := s.tree.Group("g1")
	assert.False(t, ok)
}

func TestCloseCancelsOutstandingAwait(t *testing.T) {
	s, f := openTest(t)
	ctx := context.Background()

	id, err := s.SendMethod(ctx, protocol.MethodGetTime, nil, false)
	require.NoError(t, err)
	f.expect(protocol.MethodGetTime)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Close()
	}()
	_, err = s.Await(ctx, id, waitFor)
	assert.ErrorIs(t, err, txn.ErrCancelled)

	require.Eventually(t, func() bool { return s.State() == StateClosed }, waitFor, time.Millisecond)
	assert.True(t, f.conn.Closed())
	assert.NoError(t, s.Close())

	_, err = s.SendMethod(ctx, protocol.MethodGetTime, nil, false)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.Run(0), ErrNotConnected)
}

func TestSceneDeleteReassignsGroups(t *testing.T) {
	s, f := openTest(t)

	f.push(protocol.OnGroupCreate, protocol.GroupsParams{Groups: []protocol.GroupData{{GroupID: "g1", SceneID: "s1"}}})
	require.Eventually(t, func() bool {
		g, ok := s.tree.Group("g1")
		return ok && g.SceneID == "s1"
	}, waitFor, time.Millisecond)

	f.push(protocol.OnSceneDelete, protocol.SceneDeleteParams{SceneID: "s1", ReassignSceneID: "default"})
	require.Eventually(t, func() bool {
		g, _ := s.tree.Group("g1")
		return g.SceneID == "default"
	}, waitFor, time.Millisecond)

	_, err := s.SceneControls("s1")
	assert.Error(t, err)
	_, ok := s.Control("s1", "steer")
	assert.False(t, ok)
	assert.NoError(t, s.tree.Check())
}

func TestPushNotifiesHandlers(t *testing.T) {
	s, f := openTest(t)
	require.NoError(t, s.Run(0))

	var (
		joined []string
		ready  []bool
	)
	s.SetHandlers(Handlers{
		OnParticipant: func(a Action, p state.Participant) {
			if a == ActionCreated {
				joined = append(joined, p.SessionID)
			}
		},
		OnReady: func(r bool) { ready = append(ready, r) },
	})

	f.push(protocol.OnParticipantJoin, protocol.ParticipantsParams{Participants: []json.RawMessage{
		rawJSON(t, protocol.ParticipantData{SessionID: "p2", UserID: 12, Username: "bo"}),
	}})
	f.push(protocol.OnReady, protocol.ReadyParams{IsReady: true})

	require.Eventually(t, func() bool {
		assert.NoError(t, s.Run(10*time.Millisecond))
		return len(joined) == 1 && len(ready) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, []string{"p2"}, joined)
	assert.True(t, s.Ready())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	s, f := openTest(t)

	require.NoError(t, f.conn.Send(context.Background(), []byte("{not json")))
	require.NoError(t, f.conn.Send(context.Background(), []byte(`{"type":"method"}`)))
	f.push(protocol.OnReady, protocol.ReadyParams{IsReady: true})

	require.Eventually(t, s.Ready, waitFor, time.Millisecond)
	assert.Equal(t, StateOpen, s.State())
}

func TestUnhandledMethodIsSurfaced(t *testing.T) {
	s, f := openTest(t)

	var method string
	var params json.RawMessage
	s.SetHandlers(Handlers{OnUnhandledMethod: func(m string, p json.RawMessage) {
		method, params = m, p
	}})
	f.push("onWeather", map[string]string{"sky": "blue"})

	require.Eventually(t, func() bool {
		assert.NoError(t, s.Run(10*time.Millisecond))
		return method != ""
	}, waitFor, time.Millisecond)
	assert.Equal(t, "onWeather", method)
	assert.JSONEq(t, `{"sky":"blue"}`, string(params))
	assert.Equal(t, StateOpen, s.State())
}

func TestRejectedPatchReportsError(t *testing.T) {
	s, f := openTest(t)

	var errs []error
	s.SetHandlers(Handlers{OnError: func(err error) { errs = append(errs, err) }})
	f.push(protocol.OnGroupCreate, protocol.GroupsParams{Groups: []protocol.GroupData{{GroupID: "g9", SceneID: "missing"}}})

	require.Eventually(t, func() bool {
		assert.NoError(t, s.Run(10*time.Millisecond))
		return len(errs) == 1
	}, waitFor, time.Millisecond)
	assert.ErrorIs(t, errs[0], state.ErrUnknownReference)
	_, ok := s.tree.Group("g9")
	assert.False(t, ok)
}

func TestTriggerCooldownRollsBackOnError(t *testing.T) {
	s, f := openTest(t)

	errc := make(chan error, 1)
	go func() {
		errc <- s.TriggerCooldown(context.Background(), "default", "boost", 5*time.Second)
	}()

	m := f.expect(protocol.MethodUpdateControls)
	var p protocol.UpdateControlsParams
	require.NoError(t, m.DecodeParams(&p))
	require.Len(t, p.Controls, 1)
	until := p.Controls[0].Cooldown
	assert.Greater(t, until, time.Now().UnixMilli())

	ctl, ok := s.Control("default", "boost")
	require.True(t, ok)
	assert.Equal(t, until, ctl.Button().Cooldown)

	f.replyError(m.ID, protocol.CodeUnknownControl, "no such control")
	err := wait(t, errc)
	var werr *protocol.Error
	require.ErrorAs(t, err, &werr)

	ctl, _ = s.Control("default", "boost")
	assert.Zero(t, ctl.Button().Cooldown)
}

func TestTriggerCooldownKeepsValueOnSuccess(t *testing.T) {
	s, f := openTest(t)

	errc := make(chan error, 1)
	go func() {
		errc <- s.TriggerCooldown(context.Background(), "default", "boost", time.Second)
	}()
	m := f.expect(protocol.MethodUpdateControls)
	f.reply(m.ID, nil)
	require.NoError(t, wait(t, errc))

	ctl, _ := s.Control("default", "boost")
	assert.Greater(t, ctl.Button().Cooldown, int64(0))

	err := s.TriggerCooldown(context.Background(), "default", "missing", time.Second)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestSetParticipantGroup(t *testing.T) {
	s, f := openTest(t)
	f.push(protocol.OnGroupCreate, protocol.GroupsParams{Groups: []protocol.GroupData{{GroupID: "red"}}})
	require.Eventually(t, func() bool {
		_, ok := s.tree.Group("red")
		return ok
	}, waitFor, time.Millisecond)

	errc := make(chan error, 1)
	go func() { errc <- s.SetParticipantGroup(context.Background(), 11, "red") }()

	m := f.expect(protocol.MethodUpdateParticipants)
	var p protocol.UpdateParticipantsParams
	require.NoError(t, m.DecodeParams(&p))
	assert.Equal(t, []protocol.ParticipantGroup{{SessionID: "p1", GroupID: "red"}}, p.Participants)
	f.reply(m.ID, nil)
	require.NoError(t, wait(t, errc))

	part, ok := s.Participant("p1")
	require.True(t, ok)
	assert.Equal(t, "red", part.GroupID)

	assert.ErrorIs(t, s.SetParticipantGroup(context.Background(), 99, "red"), state.ErrNotFound)
}

func TestCaptureTransaction(t *testing.T) {
	s, f := openTest(t)
	f.push(protocol.GiveInput, protocol.GiveInputParams{
		ParticipantID: "p1",
		TransactionID: "tx9",
		Input:         protocol.InputData{ControlID: "boost", Event: protocol.EventMouseDown},
	})
	require.Eventually(t, func() bool { return s.queue.Len() == 1 }, waitFor, time.Millisecond)

	errc := make(chan error, 1)
	go func() { errc <- s.CaptureTransaction(context.Background(), "tx9") }()
	m := f.expect(protocol.MethodCapture)
	var p protocol.CaptureParams
	require.NoError(t, m.DecodeParams(&p))
	assert.Equal(t, "tx9", p.TransactionID)
	f.reply(m.ID, nil)
	require.NoError(t, wait(t, errc))

	assert.ErrorIs(t, s.CaptureTransaction(context.Background(), "tx9"), input.ErrAlreadyCaptured)
	assert.ErrorIs(t, s.CaptureTransaction(context.Background(), "nope"), input.ErrUnknownTransaction)
}

func TestSetBandwidthThrottle(t *testing.T) {
	s, f := openTest(t)

	errc := make(chan error, 1)
	go func() {
		errc <- s.SetBandwidthThrottle(context.Background(), protocol.ThrottleInput, 100, 10)
	}()
	m := f.expect(protocol.MethodSetBandwidthThrottle)
	var p protocol.ThrottleParams
	require.NoError(t, m.DecodeParams(&p))
	assert.Equal(t, protocol.Throttle{Capacity: 100, DrainRate: 10}, p["giveInput"])
	f.reply(m.ID, nil)
	require.NoError(t, wait(t, errc))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, protocol.Throttle{Capacity: 100, DrainRate: 10}, s.throttles[protocol.ThrottleInput])
}

func TestGoInteractiveSendsReady(t *testing.T) {
	tr := transport.NewMemoryTransport()
	cfg := testConfig(tr)
	cfg.GoInteractive = true
	ch := openAsync(cfg)
	f := acceptService(t, tr)
	f.handshake(defaultWorld(t))

	m := f.expect(protocol.MethodReady)
	var p protocol.ReadyParams
	require.NoError(t, m.DecodeParams(&p))
	assert.True(t, p.IsReady)
	f.reply(m.ID, nil)

	r := wait(t, ch)
	require.NoError(t, r.err)
	defer r.s.Close()
	assert.True(t, r.s.Ready())
}

func TestHelloErrorRejectsAuthentication(t *testing.T) {
	tr := transport.NewMemoryTransport()
	ch := openAsync(testConfig(tr))
	f := acceptService(t, tr)

	m := f.expect(protocol.MethodHello)
	f.replyError(m.ID, protocol.CodeCannotAuthenticate, "bad token")

	r := wait(t, ch)
	require.Error(t, r.err)
	assert.Nil(t, r.s)
	assert.ErrorIs(t, r.err, ErrAuthRejected)
	var werr *protocol.Error
	require.ErrorAs(t, r.err, &werr)
	assert.Equal(t, protocol.CodeCannotAuthenticate, werr.Code)
	require.Eventually(t, f.conn.Closed, waitFor, time.Millisecond)
}

func TestDialFailureIsConnectionError(t *testing.T) {
	tr := transport.NewMemoryTransport()
	tr.FailDials(errors.New("connection refused"))

	s, err := Open(context.Background(), testConfig(tr))
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestInvalidConfig(t *testing.T) {
	tr := transport.NewMemoryTransport()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no endpoint", func(c *Config) { c.Endpoint = "" }},
		{"no version", func(c *Config) { c.VersionID = "" }},
		{"no token", func(c *Config) { c.Token = auth.Token{} }},
		{"refresh without manager", func(c *Config) { c.Token = auth.Token{RefreshToken: "r"} }},
		{"bad scheme", func(c *Config) { c.Transport = nil; c.Endpoint = "http://x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tr)
			tt.mutate(&cfg)
			_, err := Open(context.Background(), cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestStaleTokenRefreshedBeforeHandshake(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"bearer","refresh_token":"refresh-2","expires_in":3600}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := transport.NewMemoryTransport()
	cfg := testConfig(tr)
	cfg.Token.ExpiresAt = time.Now().Add(-time.Minute)
	cfg.Auth = auth.NewManager(auth.Config{BaseURL: srv.URL, ClientID: "client-1", HTTPClient: srv.Client()})
	refreshed := make(chan auth.Token, 1)
	cfg.OnTokenRefresh = func(tok auth.Token) { refreshed <- tok }

	ch := openAsync(cfg)
	f := acceptService(t, tr)
	assert.Equal(t, "Bearer fresh", f.conn.Header.Get("Authorization"))
	f.handshake(defaultWorld(t))

	r := wait(t, ch)
	require.NoError(t, r.err)
	defer r.s.Close()

	tok := wait(t, refreshed)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "fresh", r.s.Token().AccessToken)
}

func TestTransportLossReportedOnce(t *testing.T) {
	s, f := openTest(t)

	var states []State
	s.SetHandlers(Handlers{OnStateChange: func(_, to State, _ error) { states = append(states, to) }})
	require.NoError(t, s.Run(0))
	states = nil

	f.conn.Close()
	require.Eventually(t, func() bool { return s.State() == StateClosed }, waitFor, time.Millisecond)

	err := s.Run(0)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, []State{StateClosing, StateClosed}, states)
	assert.ErrorIs(t, s.Run(0), ErrNotConnected)
}

func TestReconnectRebuildsState(t *testing.T) {
	tr := transport.NewMemoryTransport()
	ch := openAsync(testConfig(tr))
	f := acceptService(t, tr)
	f.handshake(defaultWorld(t))
	r := wait(t, ch)
	require.NoError(t, r.err)
	s := r.s
	defer s.Close()

	require.NoError(t, s.Close())

	errc := make(chan error, 1)
	go func() { errc <- s.Reconnect(context.Background()) }()
	f = acceptService(t, tr)
	f.handshake(world{
		scenes: []protocol.SceneData{{SceneID: "default"}},
		groups: []protocol.GroupData{{GroupID: "default", SceneID: "default"}},
	})
	require.NoError(t, wait(t, errc))

	assert.Equal(t, StateOpen, s.State())
	assert.Len(t, s.Scenes(), 1)
	assert.Empty(t, s.Participants())
	assert.Error(t, s.Reconnect(context.Background()))
}

func TestConcurrentRunIsRejected(t *testing.T) {
	s, _ := openTest(t)
	require.NoError(t, s.Run(0))

	done := make(chan error, 1)
	go func() { done <- s.Run(time.Second) }()
	require.Eventually(t, s.running.Load, waitFor, time.Millisecond)

	assert.ErrorIs(t, s.Run(0), ErrConcurrentRun)
	s.signal()
	assert.NoError(t, wait(t, done))
}

func TestDebugHandlerMirrorsLog(t *testing.T) {
	s, f := openTest(t)

	var mu sync.Mutex
	var lines []string
	s.SetDebugHandler(func(level DebugLevel, msg string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, level.String()+" "+msg)
	})
	s.SetDebugLevel(DebugInfo)
	assert.Equal(t, DebugInfo, s.DebugLevel())

	f.push("onWeather", nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range lines {
			if strings.HasPrefix(l, "info unhandled method") && strings.Contains(l, "method=onWeather") {
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond)
}

func TestStrayReplyLoggedOnce(t *testing.T) {
	s, f := openTest(t)

	var mu sync.Mutex
	var stray, weather int
	s.SetDebugHandler(func(_ DebugLevel, msg string) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.Contains(msg, "unknown transaction"):
			stray++
		case strings.Contains(msg, "method=onWeather"):
			weather++
		}
	})
	s.SetDebugLevel(DebugTrace)

	f.reply(999, nil)
	// Frames are handled in order, so the stray reply is done once the
	// push after it shows up.
	f.push("onWeather", nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return weather > 0
	}, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, stray)
}

func TestSessionContext(t *testing.T) {
	s, err := New(testConfig(transport.NewMemoryTransport()))
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State())
	s.SetSessionContext("lobby-7")
	assert.Equal(t, "lobby-7", s.SessionContext())

	_, err = s.Call(context.Background(), protocol.MethodGetTime, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestParseDebugLevel(t *testing.T) {
	l, err := ParseDebugLevel("Trace")
	require.NoError(t, err)
	assert.Equal(t, DebugTrace, l)
	_, err = ParseDebugLevel("loud")
	assert.Error(t, err)
}
