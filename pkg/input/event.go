// Package input buffers participant input until the host consumes it.
package input

import (
	"encoding/json"
	"time"

	"github.com/agent-racer/interactive/pkg/protocol"
)

type EventType int

const (
	ButtonDown EventType = iota
	ButtonUp
	KeyDown
	KeyUp
	Move
	Custom
)

var eventTypeNames = map[EventType]string{
	ButtonDown: "button_down",
	ButtonUp:   "button_up",
	KeyDown:    "key_down",
	KeyUp:      "key_up",
	Move:       "move",
	Custom:     "custom",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// ControlRef identifies the control an event was produced on.
type ControlRef struct {
	ID      string `json:"controlID"`
	SceneID string `json:"sceneID,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Payload is one of ButtonData, CoordinateData or RawPayload.
type Payload interface {
	isPayload()
}

// ButtonData is the payload of button and key events. Position is set when
// the click carried coordinates.
type ButtonData struct {
	Pressed  bool
	Button   int
	KeyCode  int
	Position *CoordinateData
}

// CoordinateData is the payload of joystick moves.
type CoordinateData struct {
	X float64
	Y float64
}

// RawPayload is the full input object of a custom event.
type RawPayload json.RawMessage

func (ButtonData) isPayload()     {}
func (CoordinateData) isPayload() {}
func (RawPayload) isPayload()     {}

// Event is one participant action. Events are never modified after they are
// queued.
type Event struct {
	ParticipantID string
	TransactionID string
	Control       ControlRef
	Type          EventType
	Payload       Payload
	ReceivedAt    time.Time
}

// Button returns the payload as ButtonData.
func (e Event) Button() (ButtonData, bool) {
	b, ok := e.Payload.(ButtonData)
	return b, ok
}

// Coordinates returns the payload as CoordinateData.
func (e Event) Coordinates() (CoordinateData, bool) {
	c, ok := e.Payload.(CoordinateData)
	return c, ok
}

// Raw returns the payload as RawPayload.
func (e Event) Raw() (RawPayload, bool) {
	r, ok := e.Payload.(RawPayload)
	return r, ok
}

// FromWire builds an event from a giveInput push. ctl is the control the
// input resolved to; its ID falls back to the wire control id.
func FromWire(p protocol.GiveInputParams, ctl ControlRef, now time.Time) Event {
	if ctl.ID == "" {
		ctl.ID = p.Input.ControlID
	}
	e := Event{
		ParticipantID: p.ParticipantID,
		TransactionID: p.TransactionID,
		Control:       ctl,
		ReceivedAt:    now,
	}

	in := p.Input
	switch in.Event {
	case protocol.EventMouseDown, protocol.EventMouseUp:
		e.Type = ButtonDown
		if in.Event == protocol.EventMouseUp {
			e.Type = ButtonUp
		}
		b := ButtonData{Pressed: e.Type == ButtonDown, Button: in.Button}
		if in.X != nil && in.Y != nil {
			b.Position = &CoordinateData{X: *in.X, Y: *in.Y}
		}
		e.Payload = b
	case protocol.EventKeyDown, protocol.EventKeyUp:
		e.Type = KeyDown
		if in.Event == protocol.EventKeyUp {
			e.Type = KeyUp
		}
		e.Payload = ButtonData{Pressed: e.Type == KeyDown, KeyCode: in.KeyCode}
	case protocol.EventMove:
		if in.X != nil && in.Y != nil {
			e.Type = Move
			e.Payload = CoordinateData{X: *in.X, Y: *in.Y}
			break
		}
		fallthrough
	default:
		e.Type = Custom
		e.Payload = RawPayload(append(json.RawMessage(nil), in.Raw...))
	}
	return e
}
