package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-racer/interactive/pkg/protocol"
)

const testVersion = "7"

type testEnv struct {
	svc   *Service
	id    *Identity
	srv   *httptest.Server
	token string
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{now: time.UnixMilli(1_700_000_000_000)}
	e.id = NewIdentity(time.Hour, 1)
	e.svc = NewService(Options{
		VersionID: testVersion,
		Identity:  e.id,
		Now:       func() time.Time { return e.now },
	})
	e.srv = httptest.NewServer(NewServer(e.svc, e.id, nil).Routes())
	e.token = e.id.Issue("test").AccessToken
	t.Cleanup(func() {
		e.svc.Broadcaster().Close()
		e.srv.Close()
	})

	track := protocol.SceneData{
		SceneID: "track",
		Controls: []json.RawMessage{
			json.RawMessage(`{"controlID":"boost","kind":"button","text":"Boost","cost":5}`),
			json.RawMessage(`{"controlID":"steer","kind":"joystick","sampleRate":50}`),
		},
	}
	if err := e.svc.CreateScene(track); err != nil {
		t.Fatalf("CreateScene: %v", err)
	}
	lobby := protocol.SceneData{
		SceneID:  protocol.DefaultScene,
		Controls: []json.RawMessage{json.RawMessage(`{"controlID":"wave","kind":"button","text":"Wave"}`)},
	}
	if err := e.svc.CreateScene(lobby); err != nil {
		t.Fatalf("CreateScene: %v", err)
	}
	return e
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/gameClient"
}

type gameClient struct {
	t      *testing.T
	conn   *websocket.Conn
	token  string
	nextID uint64
	pushes []protocol.Message
}

func (e *testEnv) dial(t *testing.T) *gameClient {
	t.Helper()
	h := http.Header{"Authorization": {"Bearer " + e.token}}
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &gameClient{t: t, conn: conn, token: e.token}
}

// connect dials and completes hello.
func (e *testEnv) connect(t *testing.T) *gameClient {
	t.Helper()
	g := e.dial(t)
	reply := g.call(protocol.MethodHello, protocol.HelloParams{
		Authorization:   "Bearer " + g.token,
		ProtocolVersion: protocol.Version,
		VersionID:       testVersion,
	})
	if reply.Error != nil {
		t.Fatalf("hello: %v", reply.Error)
	}
	return g
}

func (g *gameClient) read() protocol.Message {
	g.t.Helper()
	g.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := g.conn.ReadMessage()
	if err != nil {
		g.t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		g.t.Fatalf("decode: %v", err)
	}
	return msg
}

// call sends a method and returns its reply. Pushes read on the way are
// kept for nextPush.
func (g *gameClient) call(method string, params any) protocol.Message {
	g.t.Helper()
	g.nextID++
	frame, err := protocol.NewMethod(g.nextID, method, params, false)
	if err != nil {
		g.t.Fatal(err)
	}
	if err := g.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		g.t.Fatalf("write: %v", err)
	}
	for {
		msg := g.read()
		if msg.Type == protocol.TypeReply && msg.ID == g.nextID {
			return msg
		}
		g.pushes = append(g.pushes, msg)
	}
}

// nextPush returns the next push in arrival order.
func (g *gameClient) nextPush() protocol.Message {
	g.t.Helper()
	if len(g.pushes) > 0 {
		msg := g.pushes[0]
		g.pushes = g.pushes[1:]
		return msg
	}
	for {
		msg := g.read()
		if msg.Type != protocol.TypeReply {
			return msg
		}
	}
}

func (g *gameClient) expectPush(method string) protocol.Message {
	g.t.Helper()
	msg := g.nextPush()
	if msg.Method != method {
		g.t.Fatalf("push = %s, want %s", msg.Method, method)
	}
	return msg
}

func wantCode(t *testing.T, reply protocol.Message, code int) {
	t.Helper()
	if reply.Error == nil {
		t.Fatalf("reply error = nil, want code %d", code)
	}
	if reply.Error.Code != code {
		t.Errorf("reply error code = %d, want %d (%s)", reply.Error.Code, code, reply.Error.Message)
	}
}

func wantOK(t *testing.T, reply protocol.Message) {
	t.Helper()
	if reply.Error != nil {
		t.Fatalf("reply error = %v, want nil", reply.Error)
	}
}
