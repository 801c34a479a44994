// Package state mirrors the server-authoritative entities of a session:
// scenes, the groups bound to them, their controls and the participants.
package state

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/agent-racer/interactive/pkg/protocol"
)

type Kind int

const (
	KindScene Kind = iota
	KindGroup
	KindControl
	KindParticipant
)

var kindNames = map[Kind]string{
	KindScene:       "scene",
	KindGroup:       "group",
	KindControl:     "control",
	KindParticipant: "participant",
}

var kindFromName = map[string]Kind{
	"scene":       KindScene,
	"group":       KindGroup,
	"control":     KindControl,
	"participant": KindParticipant,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	}
	return nil
}

// Scene owns controls and is shown to the groups bound to it. Groups and
// Controls list ids in arrival order.
type Scene struct {
	ID       string   `json:"sceneID"`
	Groups   []string `json:"groups"`
	Controls []string `json:"controls"`

	seq uint64
}

// Group partitions participants and shows exactly one scene.
type Group struct {
	ID      string `json:"groupID"`
	SceneID string `json:"sceneID"`

	seq uint64
}

// Control is owned by exactly one scene. Props holds every field the server
// has sent for it, merged field by field.
type Control struct {
	ID       string          `json:"controlID"`
	SceneID  string          `json:"sceneID"`
	Kind     string          `json:"kind"`
	Disabled bool            `json:"disabled"`
	Props    json.RawMessage `json:"props,omitempty"`

	seq uint64
}

// IsButton reports whether the control is a button.
func (c Control) IsButton() bool { return c.Kind == protocol.KindButton }

// IsJoystick reports whether the control reports coordinates.
func (c Control) IsJoystick() bool { return c.Kind == protocol.KindJoystick }

// Prop returns a single property by name.
func (c Control) Prop(name string) gjson.Result {
	return gjson.GetBytes(c.Props, gjson.Escape(name))
}

// ButtonView is the typed view of a button's properties.
type ButtonView struct {
	Text     string
	Tooltip  string
	KeyCode  int
	Cost     int
	Progress float64
	// Cooldown is the server timestamp in unix ms until which the button
	// is disabled.
	Cooldown int64
}

// Button decodes the button properties.
func (c Control) Button() ButtonView {
	r := gjson.ParseBytes(c.Props)
	return ButtonView{
		Text:     r.Get("text").String(),
		Tooltip:  r.Get("tooltip").String(),
		KeyCode:  int(r.Get("keyCode").Int()),
		Cost:     int(r.Get("cost").Int()),
		Progress: r.Get("progress").Float(),
		Cooldown: r.Get("cooldown").Int(),
	}
}

// JoystickView is the typed view of a joystick's properties.
type JoystickView struct {
	SampleRate int
	Angle      float64
	Intensity  float64
}

// Joystick decodes the joystick properties.
func (c Control) Joystick() JoystickView {
	r := gjson.ParseBytes(c.Props)
	return JoystickView{
		SampleRate: int(r.Get("sampleRate").Int()),
		Angle:      r.Get("angle").Float(),
		Intensity:  r.Get("intensity").Float(),
	}
}

// Participant is a remote viewer. GroupID is a lookup key, not ownership.
type Participant struct {
	SessionID     string `json:"sessionID"`
	UserID        uint32 `json:"userID"`
	UserName      string `json:"username"`
	GroupID       string `json:"groupID"`
	Level         int    `json:"level"`
	LastInputAtMs int64  `json:"lastInputAt"`
	ConnectedAtMs int64  `json:"connectedAt"`
	Disabled      bool   `json:"disabled"`

	seq uint64
}

// Clone returns a deep copy of the scene.
func (s *Scene) Clone() *Scene {
	c := *s
	c.Groups = append([]string(nil), s.Groups...)
	c.Controls = append([]string(nil), s.Controls...)
	return &c
}

// Clone returns a deep copy of the control.
func (c *Control) Clone() *Control {
	cp := *c
	cp.Props = append(json.RawMessage(nil), c.Props...)
	return &cp
}
