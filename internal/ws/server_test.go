package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-racer/interactive/pkg/auth"
	"github.com/agent-racer/interactive/pkg/input"
	"github.com/agent-racer/interactive/pkg/interactive"
	"github.com/agent-racer/interactive/pkg/protocol"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"localhost", nil, "http://localhost:3000", true},
		{"loopback", nil, "http://127.0.0.1:9000", true},
		{"foreign", nil, "https://evil.example", false},
		{"allowed list", []string{"https://app.example"}, "https://app.example", true},
		{"not in list", []string{"https://app.example"}, "http://localhost:3000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(NewService(Options{}), nil, tt.allowed)
			req := httptest.NewRequest(http.MethodGet, "http://mock.test/gameClient", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestUpgradeRequiresToken(t *testing.T) {
	e := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), http.Header{"Authorization": {"Bearer wrong"}})
	if err == nil {
		t.Fatal("dial with a bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestAdminAPIRequiresToken(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /api/state without token = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(e.srv.URL + "/api/state?token=" + e.token)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /api/state = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	g := e.connect(t)
	wantOK(t, g.call(protocol.MethodGetTime, nil))

	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `interactive_mock_calls_total{method="getTime",outcome="ok"} 1`) {
		t.Errorf("metrics missing getTime call:\n%s", body)
	}
}

func TestShortCodeLoginAgainstIdentity(t *testing.T) {
	e := newTestEnv(t)
	m := auth.NewManager(auth.Config{
		BaseURL:      e.srv.URL,
		ClientID:     "racer",
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	code, err := m.BeginShortCode(ctx, "", []string{"interactive:robot:self"})
	if err != nil {
		t.Fatalf("BeginShortCode: %v", err)
	}
	tok, err := m.WaitForShortCode(ctx, code.Handle, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForShortCode: %v", err)
	}
	if !e.id.Valid(tok.AccessToken) {
		t.Error("issued access token is not valid")
	}

	fresh, err := m.Refresh(ctx, tok)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fresh.AccessToken == tok.AccessToken || fresh.RefreshToken == tok.RefreshToken {
		t.Error("refresh did not rotate the token pair")
	}
	if _, err := m.Refresh(ctx, tok); err == nil {
		t.Error("reusing a rotated refresh token succeeded")
	}
}

func TestShortCodeDenied(t *testing.T) {
	id := NewIdentity(time.Hour, 0)
	srv := httptest.NewServer(NewServer(NewService(Options{}), id, nil).Routes())
	defer srv.Close()

	m := auth.NewManager(auth.Config{BaseURL: srv.URL, ClientID: "racer", PollInterval: 10 * time.Millisecond})
	code, err := m.BeginShortCode(context.Background(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !id.Approve(code.Code, false) {
		t.Fatal("Approve did not find the code")
	}
	if _, err := m.WaitForShortCode(context.Background(), code.Handle, time.Second); !errors.Is(err, auth.ErrDenied) {
		t.Errorf("WaitForShortCode = %v, want ErrDenied", err)
	}
}

func TestSessionAgainstService(t *testing.T) {
	e := newTestEnv(t)
	part, err := e.svc.Join("viewer")
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	sess, err := interactive.Open(ctx, interactive.Config{
		Endpoint:      e.wsURL(),
		VersionID:     testVersion,
		Token:         auth.Token{AccessToken: e.token, ExpiresAt: time.Now().Add(time.Hour)},
		GoInteractive: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	scenes, groups, controls, participants := sess.Counts()
	if scenes != 2 || groups != 1 || controls != 3 || participants != 1 {
		t.Errorf("Counts() = %d, %d, %d, %d; want 2, 1, 3, 1", scenes, groups, controls, participants)
	}
	if !sess.Ready() {
		t.Error("Ready() = false after going interactive")
	}

	if err := sess.CreateGroup(ctx, "racers", "track"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if g, ok := e.svc.tree.Group("racers"); !ok || g.SceneID != "track" {
		t.Errorf("service group = %+v, %v", g, ok)
	}

	if _, err := e.svc.Input(part.SessionID, protocol.InputData{ControlID: "wave", Event: protocol.EventMouseDown}); err != nil {
		t.Fatalf("Input: %v", err)
	}

	var got []input.Event
	deadline := time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		if err := sess.Run(50 * time.Millisecond); err != nil {
			t.Fatalf("Run: %v", err)
		}
		got = sess.Drain(0)
	}
	if len(got) != 1 {
		t.Fatalf("inputs = %d, want 1", len(got))
	}
	if got[0].ParticipantID != part.SessionID || got[0].Control.ID != "wave" {
		t.Errorf("input = %+v", got[0])
	}
}
