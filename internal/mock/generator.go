package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/agent-racer/interactive/internal/config"
	"github.com/agent-racer/interactive/internal/ws"
	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/state"
)

// Stage is the part of the interactive service an audience drives.
type Stage interface {
	CreateScene(sc protocol.SceneData) error
	Join(username string) (state.Participant, error)
	Leave(sessionID string) error
	Input(sessionID string, in protocol.InputData) (string, error)
	ParticipantControls(sessionID string) []state.Control
	UpdateControl(sceneID string, doc json.RawMessage) error
}

var patterns = []string{"masher", "steerer", "typist", "lurker"}

var (
	adjectives = []string{"swift", "curious", "eager", "tiny", "brave", "sleepy", "loud", "lucky"}
	animals    = []string{"hamster", "gopher", "otter", "falcon", "badger", "lynx", "heron", "yak"}
)

type viewer struct {
	sessionID string
	name      string
	pattern   string
	held      string
	phase     float64
}

// Stats counts what the audience has done so far.
type Stats struct {
	Joined  int
	Left    int
	Inputs  int
	Refused int
}

// Generator simulates an audience: viewers join and leave, and press,
// steer and type on the controls their group shows.
type Generator struct {
	stage Stage
	cfg   config.AudienceConfig
	rng   *rand.Rand

	mu      sync.Mutex
	viewers []*viewer
	names   int
	stats   Stats
}

func NewGenerator(stage Stage, cfg config.AudienceConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	return &Generator{
		stage: stage,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// DefaultWorld is the scene layout the mock service starts with.
func DefaultWorld() []protocol.SceneData {
	doc := func(v map[string]any) json.RawMessage {
		raw, _ := json.Marshal(v)
		return raw
	}
	return []protocol.SceneData{
		{
			SceneID: protocol.DefaultScene,
			Controls: []json.RawMessage{
				doc(map[string]any{"controlID": "join_race", "kind": protocol.KindButton, "text": "Join race", "keyCode": 74}),
			},
		},
		{
			SceneID: "track",
			Controls: []json.RawMessage{
				doc(map[string]any{"controlID": "boost", "kind": protocol.KindButton, "text": "Boost", "cost": 10, "keyCode": 66, "progress": 0}),
				doc(map[string]any{"controlID": "brake", "kind": protocol.KindButton, "text": "Brake", "keyCode": 83}),
				doc(map[string]any{"controlID": "steer", "kind": protocol.KindJoystick, "sampleRate": 50}),
			},
		},
		{
			SceneID: "pit",
			Controls: []json.RawMessage{
				doc(map[string]any{"controlID": "refuel", "kind": protocol.KindButton, "text": "Refuel", "cost": 25}),
			},
		},
	}
}

// SeedWorld creates the default scenes on stage.
func SeedWorld(stage Stage) error {
	for _, sc := range DefaultWorld() {
		if err := stage.CreateScene(sc); err != nil {
			return fmt.Errorf("seeding scene %s: %w", sc.SceneID, err)
		}
	}
	return nil
}

// Run joins the initial audience and advances it every tick until ctx is
// done.
func (g *Generator) Run(ctx context.Context) error {
	for i := 0; i < g.cfg.Participants; i++ {
		if err := g.join(); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(g.cfg.Tick)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			g.step(tick)
		}
	}
}

// Stats returns a copy of the counters.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Viewers returns the number of viewers currently watching.
func (g *Generator) Viewers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.viewers)
}

func (g *Generator) join() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.names++
	name := fmt.Sprintf("%s_%s%d",
		adjectives[g.rng.Intn(len(adjectives))], animals[g.rng.Intn(len(animals))], g.names)
	part, err := g.stage.Join(name)
	if err != nil {
		return fmt.Errorf("joining %s: %w", name, err)
	}
	g.viewers = append(g.viewers, &viewer{
		sessionID: part.SessionID,
		name:      name,
		pattern:   patterns[g.rng.Intn(len(patterns))],
		phase:     g.rng.Float64() * 2 * math.Pi,
	})
	g.stats.Joined++
	return nil
}

func (g *Generator) step(tick int) {
	g.mu.Lock()
	count := len(g.viewers)
	joinRoll := g.rng.Float64()
	g.mu.Unlock()

	limit := g.cfg.ParticipantCap
	if (limit <= 0 || count < limit) && joinRoll < g.cfg.JoinChance {
		if err := g.join(); err != nil {
			log.Printf("audience: %v", err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.viewers[:0]
	for _, v := range g.viewers {
		if len(g.viewers) > 1 && g.rng.Float64() < g.cfg.LeaveChance {
			if err := g.stage.Leave(v.sessionID); err == nil {
				g.stats.Left++
				continue
			}
		}
		kept = append(kept, v)

		chance := g.cfg.InputChance
		if v.pattern == "lurker" {
			chance /= 4
		}
		if v.held == "" && g.rng.Float64() >= chance {
			continue
		}
		g.act(v, tick)
	}
	for i := len(kept); i < len(g.viewers); i++ {
		g.viewers[i] = nil
	}
	g.viewers = kept

	if tick%10 == 0 {
		g.advanceProgress(tick)
	}
}

// act makes v use one of its controls.
func (g *Generator) act(v *viewer, tick int) {
	if v.held != "" {
		g.send(v, protocol.InputData{ControlID: v.held, Event: protocol.EventMouseUp})
		v.held = ""
		return
	}

	controls := g.stage.ParticipantControls(v.sessionID)
	if len(controls) == 0 {
		return
	}
	ctl := g.pick(v, controls)

	switch {
	case ctl.IsJoystick():
		t := float64(tick)/8 + v.phase
		x, y := math.Cos(t), math.Sin(t)
		g.send(v, protocol.InputData{ControlID: ctl.ID, Event: protocol.EventMove, X: &x, Y: &y})
	case v.pattern == "typist":
		code := ctl.Button().KeyCode
		if code == 0 {
			code = 32
		}
		g.send(v, protocol.InputData{ControlID: ctl.ID, Event: protocol.EventKeyDown, KeyCode: code})
		g.send(v, protocol.InputData{ControlID: ctl.ID, Event: protocol.EventKeyUp, KeyCode: code})
	default:
		if g.send(v, protocol.InputData{ControlID: ctl.ID, Event: protocol.EventMouseDown}) {
			v.held = ctl.ID
		}
	}
}

// pick prefers joysticks for steerers and buttons for everyone else.
func (g *Generator) pick(v *viewer, controls []state.Control) state.Control {
	var preferred []state.Control
	for _, c := range controls {
		if c.Disabled {
			continue
		}
		if c.IsJoystick() == (v.pattern == "steerer") {
			preferred = append(preferred, c)
		}
	}
	if len(preferred) == 0 {
		preferred = controls
	}
	return preferred[g.rng.Intn(len(preferred))]
}

func (g *Generator) send(v *viewer, in protocol.InputData) bool {
	_, err := g.stage.Input(v.sessionID, in)
	if err != nil {
		g.stats.Refused++
		if !errors.Is(err, ws.ErrCooldown) && !errors.Is(err, ws.ErrControlUnavailable) {
			log.Printf("audience: %s input on %s: %v", v.name, in.ControlID, err)
		}
		return false
	}
	g.stats.Inputs++
	return true
}

// advanceProgress fills the boost meter along a slow sine wave.
func (g *Generator) advanceProgress(tick int) {
	progress := 0.5 + 0.5*math.Sin(float64(tick)/20.0)
	doc, _ := json.Marshal(map[string]any{"controlID": "boost", "progress": math.Round(progress*100) / 100})
	if err := g.stage.UpdateControl("track", doc); err != nil && !errors.Is(err, state.ErrNotFound) {
		log.Printf("audience: boost progress: %v", err)
	}
}
