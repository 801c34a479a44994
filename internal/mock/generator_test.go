package mock

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agent-racer/interactive/internal/config"
	"github.com/agent-racer/interactive/internal/ws"
	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/state"
)

func newTestStage(t *testing.T) *ws.Service {
	t.Helper()
	svc := ws.NewService(ws.Options{})
	if err := SeedWorld(svc); err != nil {
		t.Fatalf("SeedWorld: %v", err)
	}
	return svc
}

func testAudience(n int) config.AudienceConfig {
	return config.AudienceConfig{
		Participants: n,
		Tick:         time.Millisecond,
		InputChance:  1,
		Seed:         42,
	}
}

func TestSeedWorldCreatesScenes(t *testing.T) {
	svc := newTestStage(t)
	snap := svc.Snapshot()

	if len(snap.Scenes) != len(DefaultWorld()) {
		t.Fatalf("scenes = %d, want %d", len(snap.Scenes), len(DefaultWorld()))
	}
	for _, sc := range snap.Scenes {
		if sc.ID == "track" && len(sc.Controls) != 3 {
			t.Errorf("track controls = %v, want 3", sc.Controls)
		}
	}
}

func TestRunJoinsInitialAudience(t *testing.T) {
	svc := newTestStage(t)
	gen := NewGenerator(svc, testAudience(5))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gen.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for gen.Viewers() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if got := len(svc.Participants()); got < 5 {
		t.Errorf("participants = %d, want at least 5", got)
	}
	if got := gen.Stats().Joined; got < 5 {
		t.Errorf("Stats().Joined = %d, want at least 5", got)
	}
}

func TestStepSendsInputs(t *testing.T) {
	svc := newTestStage(t)
	gen := NewGenerator(svc, testAudience(0))
	for i := 0; i < 4; i++ {
		if err := gen.join(); err != nil {
			t.Fatal(err)
		}
	}

	for tick := 1; tick <= 4; tick++ {
		gen.step(tick)
	}

	if got := gen.Stats().Inputs; got == 0 {
		t.Error("no inputs delivered after four ticks with input chance 1")
	}
}

func TestMasherReleasesHeldButton(t *testing.T) {
	svc := newTestStage(t)
	gen := NewGenerator(svc, testAudience(0))
	if err := gen.join(); err != nil {
		t.Fatal(err)
	}
	v := gen.viewers[0]
	v.pattern = "masher"

	gen.act(v, 1)
	if v.held != "join_race" {
		t.Fatalf("held = %q, want join_race", v.held)
	}
	gen.act(v, 2)
	if v.held != "" {
		t.Errorf("held = %q after release, want empty", v.held)
	}
	if got := gen.Stats().Inputs; got != 2 {
		t.Errorf("Stats().Inputs = %d, want 2", got)
	}
}

func TestCooldownCountsAsRefused(t *testing.T) {
	svc := newTestStage(t)
	gen := NewGenerator(svc, testAudience(0))
	if err := gen.join(); err != nil {
		t.Fatal(err)
	}
	v := gen.viewers[0]
	v.pattern = "masher"

	until := time.Now().Add(time.Hour).UnixMilli()
	doc, _ := json.Marshal(map[string]any{"controlID": "join_race", "cooldown": until})
	if err := svc.UpdateControl(protocol.DefaultScene, doc); err != nil {
		t.Fatal(err)
	}

	gen.act(v, 1)
	if v.held != "" {
		t.Errorf("held = %q, want nothing while cooling down", v.held)
	}
	if got := gen.Stats().Refused; got != 1 {
		t.Errorf("Stats().Refused = %d, want 1", got)
	}
}

func TestPickPrefersJoystickForSteerer(t *testing.T) {
	gen := NewGenerator(nil, testAudience(0))
	controls := []state.Control{
		{ID: "boost", Kind: protocol.KindButton},
		{ID: "steer", Kind: protocol.KindJoystick},
	}

	if got := gen.pick(&viewer{pattern: "steerer"}, controls); got.ID != "steer" {
		t.Errorf("steerer picked %q, want steer", got.ID)
	}
	if got := gen.pick(&viewer{pattern: "masher"}, controls); got.ID != "boost" {
		t.Errorf("masher picked %q, want boost", got.ID)
	}
}

func TestAdvanceProgressUpdatesBoost(t *testing.T) {
	svc := newTestStage(t)
	gen := NewGenerator(svc, testAudience(0))

	gen.advanceProgress(10)

	boost, ok := svc.Control("track", "boost")
	if !ok {
		t.Fatal("boost control missing")
	}
	if got := boost.Button().Progress; got != 0.74 {
		t.Errorf("boost progress = %v, want 0.74", got)
	}
	if got := boost.Button().Text; got != "Boost" {
		t.Errorf("boost text = %q, want Boost", got)
	}
}
