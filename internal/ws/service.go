package ws

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/sjson"

	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/state"
)

// Errors returned to the audience simulator and the admin API.
var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrControlUnavailable = errors.New("control unavailable")
	ErrCooldown           = errors.New("control cooling down")
)

const chargeTTL = time.Minute

// Options configures a Service.
type Options struct {
	// VersionID clients must name in hello. Empty accepts any.
	VersionID string
	// Identity validates hello authorization. Nil accepts any token.
	Identity *Identity
	MaxConns int
	Cascade  state.CascadePolicy
	Registry *prometheus.Registry
	Now      func() time.Time
}

type charge struct {
	sessionID string
	at        time.Time
}

// Service is an in-process interactive service. It owns the authoritative
// session state shared by every connected game client and the simulated
// audience.
type Service struct {
	versionID   string
	identity    *Identity
	now         func() time.Time
	tree        *state.Tree
	broadcaster *Broadcaster
	metrics     *serviceMetrics
	registry    *prometheus.Registry

	// mu serializes every mutation with the pushes and replies it causes.
	mu       sync.Mutex
	seq      uint64
	nextUser uint32
	lastJoin int64
	charges  map[string]charge
}

func NewService(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	metrics := newServiceMetrics(opts.Registry)
	s := &Service{
		versionID:   opts.VersionID,
		identity:    opts.Identity,
		now:         opts.Now,
		tree:        state.NewTree(opts.Cascade),
		broadcaster: NewBroadcaster(opts.MaxConns, metrics),
		metrics:     metrics,
		registry:    opts.Registry,
		charges:     make(map[string]charge),
	}
	s.registerClientGauge(opts.Registry)
	return s
}

// Broadcaster returns the client set of the service.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

type methodHandler func(s *Service, c *client, params json.RawMessage) (any, *protocol.Error)

var methodHandlers = map[string]methodHandler{
	protocol.MethodHello:                (*Service).hello,
	protocol.MethodReady:                (*Service).ready,
	protocol.MethodGetTime:              (*Service).getTime,
	protocol.MethodGetScenes:            (*Service).getScenes,
	protocol.MethodGetGroups:            (*Service).getGroups,
	protocol.MethodGetAllParticipants:   (*Service).getAllParticipants,
	protocol.MethodCreateGroups:         (*Service).createGroups,
	protocol.MethodUpdateGroups:         (*Service).updateGroups,
	protocol.MethodDeleteGroup:          (*Service).deleteGroup,
	protocol.MethodUpdateParticipants:   (*Service).updateParticipants,
	protocol.MethodUpdateControls:       (*Service).updateControls,
	protocol.MethodCapture:              (*Service).capture,
	protocol.MethodSetBandwidthThrottle: (*Service).setBandwidthThrottle,
}

// handle answers one frame from c.
func (s *Service) handle(c *client, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("ws client %s: %v", c.id, err)
		return
	}
	if msg.Type != protocol.TypeMethod {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, perr := s.call(c, msg)
	outcome := "ok"
	if perr != nil {
		outcome = strconv.Itoa(perr.Code)
	}
	s.metrics.calls.WithLabelValues(msg.Method, outcome).Inc()
	if msg.Discard {
		return
	}

	reply, err := protocol.NewReply(msg.ID, result, perr)
	if err != nil {
		log.Printf("encode reply to %s: %v", msg.Method, err)
		return
	}
	if !s.broadcaster.deliver(c, reply) {
		log.Printf("ws client %s too slow, disconnecting", c.id)
		s.broadcaster.RemoveClient(c)
	}
}

func (s *Service) call(c *client, msg protocol.Message) (any, *protocol.Error) {
	h, ok := methodHandlers[msg.Method]
	if !ok {
		return nil, &protocol.Error{Code: protocol.CodeUnknownMethod, Message: "unknown method " + msg.Method}
	}
	if msg.Method != protocol.MethodHello && !c.authenticated() {
		return nil, &protocol.Error{Code: protocol.CodeCannotAuthenticate, Message: "hello required"}
	}
	if perr := validateParams(msg.Method, msg.Params); perr != nil {
		return nil, perr
	}
	return h(s, c, msg.Params)
}

// pushLocked sends a push to the clients admitted by f.
func (s *Service) pushLocked(method string, params any, f pushFilter) {
	s.seq++
	frame, err := protocol.NewPush(s.seq, method, params)
	if err != nil {
		log.Printf("encode push %s: %v", method, err)
		return
	}
	s.broadcaster.broadcast(method, frame, f)
}

func decode(params json.RawMessage, v any) *protocol.Error {
	if err := json.Unmarshal(params, v); err != nil {
		return &protocol.Error{Code: protocol.CodeInvalidPayload, Message: err.Error()}
	}
	return nil
}

// treeError maps a rejected patch to a wire error. unknownRef and notFound
// are the codes for the entity kinds the method touches.
func treeError(err error, unknownRef, notFound int) *protocol.Error {
	code := protocol.CodeInvalidPayload
	switch {
	case errors.Is(err, state.ErrUnknownReference):
		code = unknownRef
	case errors.Is(err, state.ErrNotFound):
		code = notFound
	case errors.Is(err, state.ErrReserved):
		code = protocol.CodeCannotDeleteDefault
	case errors.Is(err, state.ErrInvalidPatch):
		code = protocol.CodeInvalidArguments
	}
	return &protocol.Error{Code: code, Message: err.Error()}
}

// --- handshake ---

func (s *Service) hello(c *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.HelloParams
	if perr := decode(params, &p); perr != nil {
		return nil, perr
	}
	if p.ProtocolVersion != protocol.Version {
		return nil, &protocol.Error{Code: protocol.CodeCannotAuthenticate, Message: "unsupported protocol version " + p.ProtocolVersion}
	}
	if s.identity != nil && !s.identity.Valid(p.Authorization) {
		return nil, &protocol.Error{Code: protocol.CodeCannotAuthenticate, Message: "invalid authorization"}
	}
	if s.versionID != "" && p.VersionID != s.versionID {
		return nil, &protocol.Error{Code: protocol.CodeCannotAuthenticate, Message: fmt.Sprintf("unknown version %q", p.VersionID)}
	}
	c.setHello()
	log.Printf("Game client %s connected to version %s", c.id, p.VersionID)
	return protocol.HelloResult{SessionID: c.id}, nil
}

func (s *Service) ready(c *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.ReadyParams
	if perr := decode(params, &p); perr != nil {
		return nil, perr
	}
	c.setReady(p.IsReady)
	s.pushLocked(protocol.OnReady, p, pushFilter{only: c})
	return nil, nil
}

func (s *Service) getTime(*client, json.RawMessage) (any, *protocol.Error) {
	return protocol.TimeResult{Time: s.now().UnixMilli()}, nil
}

// --- reads ---

func (s *Service) getScenes(*client, json.RawMessage) (any, *protocol.Error) {
	scenes := s.tree.Scenes()
	out := protocol.ScenesParams{Scenes: make([]protocol.SceneData, 0, len(scenes))}
	for _, sc := range scenes {
		out.Scenes = append(out.Scenes, s.sceneData(sc.ID))
	}
	return out, nil
}

func (s *Service) sceneData(sceneID string) protocol.SceneData {
	data := protocol.SceneData{SceneID: sceneID}
	controls, _ := s.tree.SceneControls(sceneID)
	for _, ctl := range controls {
		data.Controls = append(data.Controls, controlDoc(ctl))
	}
	return data
}

// controlDoc rebuilds the wire document of a control.
func controlDoc(ctl state.Control) json.RawMessage {
	props := ctl.Props
	if len(props) == 0 {
		props = json.RawMessage(`{}`)
	}
	doc, err := sjson.SetBytes(props, "controlID", ctl.ID)
	if err != nil {
		return props
	}
	return doc
}

func participantDoc(p state.Participant) json.RawMessage {
	raw, _ := json.Marshal(protocol.ParticipantData{
		SessionID:   p.SessionID,
		UserID:      p.UserID,
		Username:    p.UserName,
		Level:       p.Level,
		LastInputAt: p.LastInputAtMs,
		ConnectedAt: p.ConnectedAtMs,
		Disabled:    p.Disabled,
		GroupID:     p.GroupID,
	})
	return raw
}

func (s *Service) getGroups(*client, json.RawMessage) (any, *protocol.Error) {
	groups := s.tree.Groups()
	out := protocol.GroupsParams{Groups: make([]protocol.GroupData, 0, len(groups))}
	for _, g := range groups {
		out.Groups = append(out.Groups, protocol.GroupData{GroupID: g.ID, SceneID: g.SceneID})
	}
	return out, nil
}

func (s *Service) getAllParticipants(_ *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.ParticipantsPageParams
	if len(params) > 0 {
		if perr := decode(params, &p); perr != nil {
			return nil, perr
		}
	}

	all := s.tree.Participants()
	slices.SortFunc(all, func(a, b state.Participant) int {
		return cmp.Compare(a.ConnectedAtMs, b.ConnectedAtMs)
	})

	page := protocol.ParticipantsPage{Participants: make([]json.RawMessage, 0), Total: len(all)}
	for _, part := range all {
		if part.ConnectedAtMs <= p.From {
			continue
		}
		if len(page.Participants) == protocol.ParticipantBlockSize {
			page.HasMore = true
			break
		}
		page.Participants = append(page.Participants, participantDoc(part))
	}
	return page, nil
}

// --- client mutations ---

func (s *Service) createGroups(c *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.GroupsParams
	if perr := decode(params, &p); perr != nil {
		return nil, perr
	}
	patches := make([]state.Patch, 0, len(p.Groups))
	for i, g := range p.Groups {
		if _, ok := s.tree.Group(g.GroupID); ok {
			return nil, &protocol.Error{
				Code:    protocol.CodeGroupExists,
				Message: fmt.Sprintf("group %q already exists", g.GroupID),
				Path:    fmt.Sprintf("groups[%d].groupID", i),
			}
		}
		if g.SceneID == "" {
			p.Groups[i].SceneID = protocol.DefaultScene
		}
		patches = append(patches, state.NewGroup(g.GroupID, p.Groups[i].SceneID))
	}
	if err := s.tree.ApplyAll(patches); err != nil {
		return nil, treeError(err, protocol.CodeUnknownScene, protocol.CodeUnknownGroup)
	}
	s.pushLocked(protocol.OnGroupCreate, p, pushFilter{skip: c})
	return nil, nil
}

func (s *Service) updateGroups(c *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.GroupsParams
	if perr := decode(params, &p); perr != nil {
		return nil, perr
	}
	patches := make([]state.Patch, 0, len(p.Groups))
	for i, g := range p.Groups {
		if g.SceneID == "" {
			p.Groups[i].SceneID = protocol.DefaultScene
		}
		patches = append(patches, state.MoveGroup(g.GroupID, p.Groups[i].SceneID))
	}
	if err := s.tree.ApplyAll(patches); err != nil {
		return nil, treeError(err, protocol.CodeUnknownScene, protocol.CodeUnknownGroup)
	}
	s.pushLocked(protocol.OnGroupUpdate, p, pushFilter{skip: c})
	return nil, nil
}

func (s *Service) deleteGroup(c *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.GroupDeleteParams
	if perr := decode(params, &p); perr != nil {
		return nil, perr
	}
	if p.GroupID == protocol.DefaultGroup {
		return nil, &protocol.Error{Code: protocol.CodeCannotDeleteDefault, Message: "the default group cannot be deleted", Path: "groupID"}
	}
	if _, ok := s.tree.Group(p.GroupID); !ok {
		return nil, &protocol.Error{Code: protocol.CodeUnknownGroup, Message: fmt.Sprintf("unknown group %q", p.GroupID), Path: "groupID"}
	}
	if p.ReassignGroupID == "" {
		p.ReassignGroupID = protocol.DefaultGroup
	}
	err := s.tree.Apply(state.Patch{Op: state.OpDelete, Kind: state.KindGroup, ID: p.GroupID, Reassign: p.ReassignGroupID})
	if err != nil {
		return nil, treeError(err, protocol.CodeUnknownGroup, protocol.CodeUnknownGroup)
	}
	s.pushLocked(protocol.OnGroupDelete, p, pushFilter{skip: c})
	return nil, nil
}

func (s *Service) updateParticipants(c *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.UpdateParticipantsParams
	if perr := decode(params, &p); perr != nil {
		return nil, perr
	}
	patches := make([]state.Patch, 0, len(p.Participants))
	for i, pg := range p.Participants {
		if _, ok := s.tree.Participant(pg.SessionID); !ok {
			return nil, &protocol.Error{
				Code:    protocol.CodeUnknownParticipant,
				Message: fmt.Sprintf("unknown participant %q", pg.SessionID),
				Path:    fmt.Sprintf("participants[%d].sessionID", i),
			}
		}
		patches = append(patches, state.MoveParticipant(pg.SessionID, pg.GroupID))
	}
	if err := s.tree.ApplyAll(patches); err != nil {
		return nil, treeError(err, protocol.CodeUnknownGroup, protocol.CodeUnknownParticipant)
	}

	docs := make([]json.RawMessage, 0, len(p.Participants))
	for _, pg := range p.Participants {
		if part, ok := s.tree.Participant(pg.SessionID); ok {
			docs = append(docs, participantDoc(part))
		}
	}
	s.pushLocked(protocol.OnParticipantUpdate, protocol.ParticipantsParams{Participants: docs}, pushFilter{skip: c})
	return nil, nil
}

func (s *Service) updateControls(c *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.ControlsParams
	if perr := decode(params, &p); perr != nil {
		return nil, perr
	}
	if _, ok := s.tree.Scene(p.SceneID); !ok {
		return nil, &protocol.Error{Code: protocol.CodeUnknownScene, Message: fmt.Sprintf("unknown scene %q", p.SceneID), Path: "sceneID"}
	}

	patches := make([]state.Patch, 0, len(p.Controls))
	ids := make([]string, 0, len(p.Controls))
	for i, doc := range p.Controls {
		var hdr protocol.ControlHeader
		if err := json.Unmarshal(doc, &hdr); err != nil {
			return nil, &protocol.Error{Code: protocol.CodeInvalidPayload, Message: err.Error(), Path: fmt.Sprintf("controls[%d]", i)}
		}
		if _, ok := s.tree.Control(p.SceneID, hdr.ControlID); !ok {
			return nil, &protocol.Error{
				Code:    protocol.CodeUnknownControl,
				Message: fmt.Sprintf("unknown control %q", hdr.ControlID),
				Path:    fmt.Sprintf("controls[%d].controlID", i),
			}
		}
		fields, err := state.FieldsOf(doc)
		if err != nil {
			return nil, &protocol.Error{Code: protocol.CodeInvalidPayload, Message: err.Error(), Path: fmt.Sprintf("controls[%d]", i)}
		}
		patches = append(patches, state.Patch{Op: state.OpUpdate, Kind: state.KindControl, ID: hdr.ControlID, SceneID: p.SceneID, Fields: fields})
		ids = append(ids, hdr.ControlID)
	}
	if err := s.tree.ApplyAll(patches); err != nil {
		return nil, treeError(err, protocol.CodeUnknownScene, protocol.CodeUnknownControl)
	}
	s.pushControlsLocked(p.SceneID, ids, pushFilter{skip: c})
	return nil, nil
}

func (s *Service) pushControlsLocked(sceneID string, ids []string, f pushFilter) {
	docs := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		if ctl, ok := s.tree.Control(sceneID, id); ok {
			docs = append(docs, controlDoc(ctl))
		}
	}
	s.pushLocked(protocol.OnControlUpdate, protocol.ControlsParams{SceneID: sceneID, Controls: docs}, f)
}

func (s *Service) capture(_ *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.CaptureParams
	if perr := decode(params, &p); perr != nil {
		return nil, perr
	}
	ch, ok := s.charges[p.TransactionID]
	if !ok {
		return nil, &protocol.Error{Code: protocol.CodeInvalidTransactionID, Message: "unknown transaction", Path: "transactionID"}
	}
	delete(s.charges, p.TransactionID)
	log.Printf("Captured transaction %s of participant %s", p.TransactionID, ch.sessionID)
	return nil, nil
}

func (s *Service) setBandwidthThrottle(c *client, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.ThrottleParams
	if perr := decode(params, &p); perr != nil {
		return nil, perr
	}
	c.setThrottles(p)
	return nil, nil
}

// --- audience and admin ---

// Join adds a participant to the default group.
func (s *Service) Join(username string) (state.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextUser++
	at := s.now().UnixMilli()
	if at <= s.lastJoin {
		at = s.lastJoin + 1
	}
	s.lastJoin = at

	data := protocol.ParticipantData{
		SessionID:   uuid.NewString(),
		UserID:      s.nextUser,
		Username:    username,
		Level:       1,
		ConnectedAt: at,
		GroupID:     protocol.DefaultGroup,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return state.Participant{}, err
	}
	fields, err := state.FieldsOf(raw)
	if err != nil {
		return state.Participant{}, err
	}
	if err := s.tree.Apply(state.Patch{Op: state.OpCreate, Kind: state.KindParticipant, ID: data.SessionID, Fields: fields}); err != nil {
		return state.Participant{}, err
	}
	s.pushLocked(protocol.OnParticipantJoin, protocol.ParticipantsParams{Participants: []json.RawMessage{raw}}, pushFilter{})

	part, _ := s.tree.Participant(data.SessionID)
	return part, nil
}

// Leave removes a participant.
func (s *Service) Leave(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, ok := s.tree.Participant(sessionID)
	if !ok {
		return ErrUnknownParticipant
	}
	if err := s.tree.Apply(state.Patch{Op: state.OpDelete, Kind: state.KindParticipant, ID: sessionID}); err != nil {
		return err
	}
	s.pushLocked(protocol.OnParticipantLeave, protocol.ParticipantsParams{Participants: []json.RawMessage{participantDoc(part)}}, pushFilter{})
	return nil
}

// Input delivers a participant input to every ready client. Inputs on
// disabled or cooling down controls are refused. A mousedown on a button
// with a cost returns the transaction id a client may capture.
func (s *Service) Input(sessionID string, in protocol.InputData) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txID, err := s.checkInputLocked(sessionID, in)
	if err != nil {
		outcome := "refused"
		if errors.Is(err, ErrCooldown) {
			outcome = "cooldown"
		}
		s.metrics.inputs.WithLabelValues(outcome).Inc()
		return "", err
	}

	s.pushLocked(protocol.GiveInput, protocol.GiveInputParams{
		ParticipantID: sessionID,
		TransactionID: txID,
		Input:         in,
	}, pushFilter{readyOnly: true})
	s.metrics.inputs.WithLabelValues("delivered").Inc()
	return txID, nil
}

func (s *Service) checkInputLocked(sessionID string, in protocol.InputData) (string, error) {
	part, ok := s.tree.Participant(sessionID)
	if !ok {
		return "", ErrUnknownParticipant
	}
	if part.Disabled {
		return "", fmt.Errorf("%w: participant %s is disabled", ErrControlUnavailable, sessionID)
	}
	g, ok := s.tree.Group(part.GroupID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrControlUnavailable, in.ControlID)
	}
	ctl, ok := s.tree.Control(g.SceneID, in.ControlID)
	if !ok || ctl.Disabled {
		return "", fmt.Errorf("%w: %s", ErrControlUnavailable, in.ControlID)
	}
	if !ctl.IsButton() {
		return "", nil
	}

	now := s.now()
	btn := ctl.Button()
	if btn.Cooldown > now.UnixMilli() {
		return "", ErrCooldown
	}
	if btn.Cost == 0 || in.Event != protocol.EventMouseDown {
		return "", nil
	}
	for id, ch := range s.charges {
		if now.Sub(ch.at) > chargeTTL {
			delete(s.charges, id)
		}
	}
	txID := uuid.NewString()
	s.charges[txID] = charge{sessionID: sessionID, at: now}
	return txID, nil
}

// CreateScene adds a scene with its controls.
func (s *Service) CreateScene(sc protocol.SceneData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc.SceneID == "" {
		return fmt.Errorf("%w: empty scene id", state.ErrInvalidPatch)
	}
	patches := []state.Patch{{Op: state.OpCreate, Kind: state.KindScene, ID: sc.SceneID}}
	for _, doc := range sc.Controls {
		var hdr protocol.ControlHeader
		if err := json.Unmarshal(doc, &hdr); err != nil || hdr.ControlID == "" {
			return fmt.Errorf("%w: control without controlID in scene %q", state.ErrInvalidPatch, sc.SceneID)
		}
		fields, err := state.FieldsOf(doc)
		if err != nil {
			return err
		}
		patches = append(patches, state.Patch{Op: state.OpCreate, Kind: state.KindControl, ID: hdr.ControlID, SceneID: sc.SceneID, Fields: fields})
	}
	if err := s.tree.ApplyAll(patches); err != nil {
		return err
	}
	s.pushLocked(protocol.OnSceneCreate, protocol.ScenesParams{Scenes: []protocol.SceneData{s.sceneData(sc.SceneID)}}, pushFilter{})
	return nil
}

// DeleteScene removes a scene. Its groups follow the service cascade
// policy, moving to reassign when it is set.
func (s *Service) DeleteScene(sceneID, reassign string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tree.Scene(sceneID); !ok {
		return fmt.Errorf("scene %q: %w", sceneID, state.ErrNotFound)
	}
	if err := s.tree.Apply(state.Patch{Op: state.OpDelete, Kind: state.KindScene, ID: sceneID, Reassign: reassign}); err != nil {
		return err
	}
	s.pushLocked(protocol.OnSceneDelete, protocol.SceneDeleteParams{SceneID: sceneID, ReassignSceneID: reassign}, pushFilter{})
	return nil
}

// UpdateControl merges doc into an existing control and pushes the result
// to every client.
func (s *Service) UpdateControl(sceneID string, doc json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hdr protocol.ControlHeader
	if err := json.Unmarshal(doc, &hdr); err != nil {
		return fmt.Errorf("%w: %v", state.ErrInvalidPatch, err)
	}
	fields, err := state.FieldsOf(doc)
	if err != nil {
		return err
	}
	if err := s.tree.Apply(state.Patch{Op: state.OpUpdate, Kind: state.KindControl, ID: hdr.ControlID, SceneID: sceneID, Fields: fields}); err != nil {
		return err
	}
	s.pushControlsLocked(sceneID, []string{hdr.ControlID}, pushFilter{})
	return nil
}

// Participants returns every participant.
func (s *Service) Participants() []state.Participant {
	return s.tree.Participants()
}

// Control returns one control.
func (s *Service) Control(sceneID, controlID string) (state.Control, bool) {
	return s.tree.Control(sceneID, controlID)
}

// ParticipantControls returns the controls of the scene the participant's
// group shows.
func (s *Service) ParticipantControls(sessionID string) []state.Control {
	part, ok := s.tree.Participant(sessionID)
	if !ok {
		return nil
	}
	g, ok := s.tree.Group(part.GroupID)
	if !ok {
		return nil
	}
	controls, _ := s.tree.SceneControls(g.SceneID)
	return controls
}

// Snapshot is the admin view of the service.
type Snapshot struct {
	Scenes       []state.Scene       `json:"scenes"`
	Groups       []state.Group       `json:"groups"`
	Participants []state.Participant `json:"participants"`
	Clients      int                 `json:"clients"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Scenes:       s.tree.Scenes(),
		Groups:       s.tree.Groups(),
		Participants: s.tree.Participants(),
		Clients:      s.broadcaster.ClientCount(),
	}
}
