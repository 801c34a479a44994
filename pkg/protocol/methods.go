package protocol

import "encoding/json"

// Methods the client calls on the service.
const (
	MethodHello                = "hello"
	MethodReady                = "ready"
	MethodGetTime              = "getTime"
	MethodGetScenes            = "getScenes"
	MethodGetGroups            = "getGroups"
	MethodGetAllParticipants   = "getAllParticipants"
	MethodCreateGroups         = "createGroups"
	MethodUpdateGroups         = "updateGroups"
	MethodDeleteGroup          = "deleteGroup"
	MethodUpdateControls       = "updateControls"
	MethodUpdateParticipants   = "updateParticipants"
	MethodCapture              = "capture"
	MethodSetBandwidthThrottle = "setBandwidthThrottle"
)

// Methods the service pushes to the client.
const (
	OnReady             = "onReady"
	OnParticipantJoin   = "onParticipantJoin"
	OnParticipantLeave  = "onParticipantLeave"
	OnParticipantUpdate = "onParticipantUpdate"
	OnGroupCreate       = "onGroupCreate"
	OnGroupUpdate       = "onGroupUpdate"
	OnGroupDelete       = "onGroupDelete"
	OnSceneCreate       = "onSceneCreate"
	OnSceneUpdate       = "onSceneUpdate"
	OnSceneDelete       = "onSceneDelete"
	OnControlCreate     = "onControlCreate"
	OnControlUpdate     = "onControlUpdate"
	OnControlDelete     = "onControlDelete"
	GiveInput           = "giveInput"
	OnParticipantInput  = "onParticipantInput"
)

// Reserved ids that always exist on a session.
const (
	DefaultScene = "default"
	DefaultGroup = "default"
)

// ParticipantBlockSize is the page size of getAllParticipants.
const ParticipantBlockSize = 100

// Input event names carried by giveInput.
const (
	EventMouseDown = "mousedown"
	EventMouseUp   = "mouseup"
	EventKeyDown   = "keydown"
	EventKeyUp     = "keyup"
	EventMove      = "move"
)

// Control kinds.
const (
	KindButton   = "button"
	KindJoystick = "joystick"
)

// HelloParams opens the handshake.
type HelloParams struct {
	Authorization   string `json:"authorization"`
	ProtocolVersion string `json:"protocolVersion"`
	VersionID       string `json:"versionID"`
	ShareCode       string `json:"shareCode,omitempty"`
}

// HelloResult is the handshake reply.
type HelloResult struct {
	SessionID string `json:"sessionID"`
}

// ReadyParams is used both by ready and onReady.
type ReadyParams struct {
	IsReady bool `json:"isReady"`
}

// TimeResult carries the server clock in unix milliseconds.
type TimeResult struct {
	Time int64 `json:"time"`
}

// SceneData describes one scene with its controls. Controls are kept raw so
// the receiver can tell which fields were present.
type SceneData struct {
	SceneID  string            `json:"sceneID"`
	Controls []json.RawMessage `json:"controls,omitempty"`
}

// ScenesParams is the payload of getScenes replies and scene pushes.
type ScenesParams struct {
	Scenes []SceneData `json:"scenes"`
}

// SceneDeleteParams is the payload of onSceneDelete.
type SceneDeleteParams struct {
	SceneID         string `json:"sceneID"`
	ReassignSceneID string `json:"reassignSceneID,omitempty"`
}

// GroupData names a group and the scene it shows.
type GroupData struct {
	GroupID string `json:"groupID"`
	SceneID string `json:"sceneID,omitempty"`
}

// GroupsParams is the payload of group methods and pushes.
type GroupsParams struct {
	Groups []GroupData `json:"groups"`
}

// GroupDeleteParams is the payload of deleteGroup and onGroupDelete.
type GroupDeleteParams struct {
	GroupID         string `json:"groupID"`
	ReassignGroupID string `json:"reassignGroupID,omitempty"`
}

// ControlHeader holds the identifying fields of a raw control document.
type ControlHeader struct {
	ControlID string `json:"controlID"`
	Kind      string `json:"kind,omitempty"`
}

// ControlsParams is the payload of control pushes.
type ControlsParams struct {
	SceneID  string            `json:"sceneID"`
	Controls []json.RawMessage `json:"controls"`
}

// ControlUpdate is one entry of an updateControls call.
type ControlUpdate struct {
	ControlID string `json:"controlID"`
	Cooldown  int64  `json:"cooldown,omitempty"`
	Disabled  *bool  `json:"disabled,omitempty"`
}

// UpdateControlsParams is sent by the client to change controls.
type UpdateControlsParams struct {
	SceneID  string          `json:"sceneID"`
	Priority int             `json:"priority"`
	Controls []ControlUpdate `json:"controls"`
}

// ParticipantData is a full participant record.
type ParticipantData struct {
	SessionID   string `json:"sessionID"`
	UserID      uint32 `json:"userID"`
	Username    string `json:"username"`
	Level       int    `json:"level"`
	LastInputAt int64  `json:"lastInputAt"`
	ConnectedAt int64  `json:"connectedAt"`
	Disabled    bool   `json:"disabled"`
	GroupID     string `json:"groupID"`
}

// ParticipantsParams is the payload of participant pushes. Entries are raw
// because updates may carry only the changed fields.
type ParticipantsParams struct {
	Participants []json.RawMessage `json:"participants"`
}

// ParticipantsPageParams requests participants connected after From.
type ParticipantsPageParams struct {
	From int64 `json:"from"`
}

// ParticipantsPage is one page of getAllParticipants.
type ParticipantsPage struct {
	Participants []json.RawMessage `json:"participants"`
	Total        int               `json:"total"`
	HasMore      bool              `json:"hasMore"`
}

// ParticipantGroup moves one participant to a group.
type ParticipantGroup struct {
	SessionID string `json:"sessionID"`
	GroupID   string `json:"groupID"`
}

// UpdateParticipantsParams is sent by the client to regroup participants.
type UpdateParticipantsParams struct {
	Participants []ParticipantGroup `json:"participants"`
	Priority     int                `json:"priority"`
}

// GiveInputParams carries one participant input.
type GiveInputParams struct {
	ParticipantID string    `json:"participantID"`
	TransactionID string    `json:"transactionID,omitempty"`
	Input         InputData `json:"input"`
}

// InputData is the input body. Raw holds the whole object for custom events.
type InputData struct {
	ControlID string   `json:"controlID"`
	Event     string   `json:"event"`
	Button    int      `json:"button,omitempty"`
	KeyCode   int      `json:"keyCode,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the full object.
func (d *InputData) UnmarshalJSON(data []byte) error {
	type plain InputData
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = InputData(p)
	d.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// CaptureParams charges a participant for the input transaction.
type CaptureParams struct {
	TransactionID string `json:"transactionID"`
}

// Throttle is a token bucket setting for one method.
type Throttle struct {
	Capacity  uint32 `json:"capacity"`
	DrainRate uint32 `json:"drainRate"`
}

// ThrottleTarget selects which method a throttle applies to.
type ThrottleTarget int

const (
	ThrottleGlobal ThrottleTarget = iota
	ThrottleInput
	ThrottleParticipantJoin
	ThrottleParticipantLeave
)

var throttleMethods = map[ThrottleTarget]string{
	ThrottleGlobal:           "*",
	ThrottleInput:            GiveInput,
	ThrottleParticipantJoin:  OnParticipantJoin,
	ThrottleParticipantLeave: OnParticipantLeave,
}

// Method returns the wire key for the throttle target.
func (t ThrottleTarget) Method() string {
	if m, ok := throttleMethods[t]; ok {
		return m
	}
	return "*"
}

func (t ThrottleTarget) String() string {
	switch t {
	case ThrottleGlobal:
		return "global"
	case ThrottleInput:
		return "input"
	case ThrottleParticipantJoin:
		return "participant_join"
	case ThrottleParticipantLeave:
		return "participant_leave"
	}
	return "unknown"
}

// ParseThrottleTarget maps a config name to a target.
func ParseThrottleTarget(name string) (ThrottleTarget, bool) {
	for t := range throttleMethods {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}

// ThrottleParams is the setBandwidthThrottle payload keyed by method.
type ThrottleParams map[string]Throttle
