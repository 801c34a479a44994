package interactive

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agent-racer/interactive/pkg/input"
	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/state"
	"github.com/agent-racer/interactive/pkg/transport"
)

// dispatch reads conn until stop is closed or the transport fails. It is
// the only goroutine that reads frames, resolves transactions and applies
// service pushes to the tree.
func (s *Session) dispatch(conn transport.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, err := conn.Receive(dispatchPoll)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			s.logger.Warn("connection lost", "error", err)
			s.shutdown(fmt.Errorf("%w: %w", ErrConnection, err), true, true)
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.metrics.framesIn.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping malformed frame", "error", err, "size", len(frame))
		return
	}

	switch msg.Type {
	case protocol.TypeReply:
		s.metrics.framesIn.WithLabelValues("reply").Inc()
		var rerr error
		if msg.Error != nil {
			rerr = msg.Error
		}
		s.txns.Resolve(msg.ID, msg.Result, rerr)
	default:
		s.metrics.framesIn.WithLabelValues("method").Inc()
		s.handlePush(msg)
	}
}

func (s *Session) handlePush(msg protocol.Message) {
	s.logger.Debug("push", "method", msg.Method, "seq", msg.Seq)

	var err error
	switch msg.Method {
	case protocol.OnReady:
		err = s.onReady(msg)
	case protocol.OnParticipantJoin:
		err = s.onParticipants(msg, state.OpCreate)
	case protocol.OnParticipantUpdate:
		err = s.onParticipants(msg, state.OpUpdate)
	case protocol.OnParticipantLeave:
		err = s.onParticipants(msg, state.OpDelete)
	case protocol.OnGroupCreate:
		err = s.onGroups(msg, state.OpCreate)
	case protocol.OnGroupUpdate:
		err = s.onGroups(msg, state.OpUpdate)
	case protocol.OnGroupDelete:
		err = s.onGroupDelete(msg)
	case protocol.OnSceneCreate:
		err = s.onScenes(msg, state.OpCreate)
	case protocol.OnSceneUpdate:
		err = s.onScenes(msg, state.OpUpdate)
	case protocol.OnSceneDelete:
		err = s.onSceneDelete(msg)
	case protocol.OnControlCreate:
		err = s.onControls(msg, state.OpCreate)
	case protocol.OnControlUpdate:
		err = s.onControls(msg, state.OpUpdate)
	case protocol.OnControlDelete:
		err = s.onControls(msg, state.OpDelete)
	case protocol.GiveInput, protocol.OnParticipantInput:
		err = s.onInput(msg)
	default:
		s.metrics.framesIn.WithLabelValues("unhandled").Inc()
		s.logger.Info("unhandled method", "method", msg.Method)
		method, params := msg.Method, msg.Params
		s.notify(func(h *Handlers) {
			if h.OnUnhandledMethod != nil {
				h.OnUnhandledMethod(method, params)
			}
		})
		return
	}

	// Rejected patches were already reported by applyPatches.
	if err != nil && errors.Is(err, protocol.ErrMalformedFrame) {
		s.metrics.framesIn.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping push", "method", msg.Method, "error", err)
		s.notifyError(err)
	}
}

func (s *Session) onReady(msg protocol.Message) error {
	var p protocol.ReadyParams
	if err := msg.DecodeParams(&p); err != nil {
		return err
	}
	s.setReady(p.IsReady)
	return nil
}

func (s *Session) setReady(ready bool) {
	s.mu.Lock()
	changed := s.ready != ready
	s.ready = ready
	s.mu.Unlock()
	if !changed {
		return
	}
	s.notify(func(h *Handlers) {
		if h.OnReady != nil {
			h.OnReady(ready)
		}
	})
}

func (s *Session) onParticipants(msg protocol.Message, op state.Op) error {
	var p protocol.ParticipantsParams
	if err := msg.DecodeParams(&p); err != nil {
		return err
	}
	patches, err := participantPatches(p.Participants, op)
	if err != nil {
		return err
	}
	return s.applyPatches(msg.Method, patches)
}

func (s *Session) onGroups(msg protocol.Message, op state.Op) error {
	var p protocol.GroupsParams
	if err := msg.DecodeParams(&p); err != nil {
		return err
	}
	return s.applyPatches(msg.Method, groupPatches(p.Groups, op))
}

func (s *Session) onGroupDelete(msg protocol.Message) error {
	var p protocol.GroupDeleteParams
	if err := msg.DecodeParams(&p); err != nil {
		return err
	}
	return s.applyPatches(msg.Method, []state.Patch{{
		Op: state.OpDelete, Kind: state.KindGroup, ID: p.GroupID, Reassign: p.ReassignGroupID,
	}})
}

func (s *Session) onScenes(msg protocol.Message, op state.Op) error {
	var p protocol.ScenesParams
	if err := msg.DecodeParams(&p); err != nil {
		return err
	}
	patches, err := scenePatches(p.Scenes, op)
	if err != nil {
		return err
	}
	return s.applyPatches(msg.Method, patches)
}

func (s *Session) onSceneDelete(msg protocol.Message) error {
	var p protocol.SceneDeleteParams
	if err := msg.DecodeParams(&p); err != nil {
		return err
	}
	return s.applyPatches(msg.Method, []state.Patch{{
		Op: state.OpDelete, Kind: state.KindScene, ID: p.SceneID, Reassign: p.ReassignSceneID,
	}})
}

func (s *Session) onControls(msg protocol.Message, op state.Op) error {
	var p protocol.ControlsParams
	if err := msg.DecodeParams(&p); err != nil {
		return err
	}
	patches, err := controlPatches(p.SceneID, p.Controls, op)
	if err != nil {
		return err
	}
	return s.applyPatches(msg.Method, patches)
}

func (s *Session) onInput(msg protocol.Message) error {
	var p protocol.GiveInputParams
	if err := msg.DecodeParams(&p); err != nil {
		return err
	}
	if p.ParticipantID == "" || p.Input.ControlID == "" {
		return fmt.Errorf("%w: %s without participant or control", protocol.ErrMalformedFrame, msg.Method)
	}

	ref := input.ControlRef{ID: p.Input.ControlID}
	if ctl, ok := s.tree.ParticipantControl(p.ParticipantID, p.Input.ControlID); ok {
		ref = input.ControlRef{ID: ctl.ID, SceneID: ctl.SceneID, Kind: ctl.Kind}
	} else {
		s.logger.Debug("input for unknown control", "participant", p.ParticipantID, "control", p.Input.ControlID)
	}

	s.queue.Push(input.FromWire(p, ref, s.cfg.Now()))
	s.metrics.inputEvents.Inc()
	s.signal()
	return nil
}

// applyPatches applies one batch atomically and queues a notification per
// patch. A rejected batch is logged and reported to OnError.
func (s *Session) applyPatches(source string, patches []state.Patch) error {
	if len(patches) == 0 {
		return nil
	}

	gone := make(map[int]any)
	for i, p := range patches {
		if p.Op != state.OpDelete {
			continue
		}
		if v, ok := s.snapshot(p); ok {
			gone[i] = v
		}
	}

	if err := s.tree.ApplyAll(patches); err != nil {
		s.metrics.patchRejects.Inc()
		s.logger.Warn("state patch rejected", "source", source, "error", err)
		err = fmt.Errorf("%s: %w", source, err)
		s.notifyError(err)
		return err
	}

	for i, p := range patches {
		if p.Op == state.OpDelete {
			if v, ok := gone[i]; ok {
				s.notePatch(p, v)
			}
			continue
		}
		if v, ok := s.snapshot(p); ok {
			s.notePatch(p, v)
		}
	}
	return nil
}

func (s *Session) snapshot(p state.Patch) (any, bool) {
	switch p.Kind {
	case state.KindScene:
		return s.tree.Scene(p.ID)
	case state.KindGroup:
		return s.tree.Group(p.ID)
	case state.KindControl:
		return s.tree.Control(p.SceneID, p.ID)
	case state.KindParticipant:
		return s.tree.Participant(p.ID)
	}
	return nil, false
}

func (s *Session) notePatch(p state.Patch, v any) {
	action := actionOf(p.Op)
	switch e := v.(type) {
	case state.Scene:
		s.notify(func(h *Handlers) {
			if h.OnScene != nil {
				h.OnScene(action, e)
			}
		})
	case state.Group:
		s.notify(func(h *Handlers) {
			if h.OnGroup != nil {
				h.OnGroup(action, e)
			}
		})
	case state.Control:
		s.notify(func(h *Handlers) {
			if h.OnControl != nil {
				h.OnControl(action, e)
			}
		})
	case state.Participant:
		s.notify(func(h *Handlers) {
			if h.OnParticipant != nil {
				h.OnParticipant(action, e)
			}
		})
	}
}

func (s *Session) notifyError(err error) {
	s.notify(func(h *Handlers) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
}

// participantPatches turns raw participant records into patches keyed by
// session id.
func participantPatches(records []json.RawMessage, op state.Op) ([]state.Patch, error) {
	patches := make([]state.Patch, 0, len(records))
	for _, raw := range records {
		fields, err := state.FieldsOf(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: participant: %v", protocol.ErrMalformedFrame, err)
		}
		var id string
		if err := json.Unmarshal(fields["sessionID"], &id); err != nil || id == "" {
			return nil, fmt.Errorf("%w: participant without sessionID", protocol.ErrMalformedFrame)
		}
		patches = append(patches, state.Patch{Op: op, Kind: state.KindParticipant, ID: id, Fields: fields})
	}
	return patches, nil
}

func groupPatches(groups []protocol.GroupData, op state.Op) []state.Patch {
	patches := make([]state.Patch, 0, len(groups))
	for _, g := range groups {
		if op == state.OpCreate {
			patches = append(patches, state.NewGroup(g.GroupID, g.SceneID))
		} else {
			patches = append(patches, state.MoveGroup(g.GroupID, g.SceneID))
		}
	}
	return patches
}

// scenePatches emits each scene followed by its controls. Controls are
// always merged so a scene update can add new ones.
func scenePatches(scenes []protocol.SceneData, op state.Op) ([]state.Patch, error) {
	var patches []state.Patch
	for _, sc := range scenes {
		patches = append(patches, state.Patch{Op: op, Kind: state.KindScene, ID: sc.SceneID})
		controls, err := controlPatches(sc.SceneID, sc.Controls, state.OpCreate)
		if err != nil {
			return nil, err
		}
		patches = append(patches, controls...)
	}
	return patches, nil
}

func controlPatches(sceneID string, docs []json.RawMessage, op state.Op) ([]state.Patch, error) {
	patches := make([]state.Patch, 0, len(docs))
	for _, raw := range docs {
		var hdr protocol.ControlHeader
		if err := json.Unmarshal(raw, &hdr); err != nil || hdr.ControlID == "" {
			return nil, fmt.Errorf("%w: control without controlID in scene %q", protocol.ErrMalformedFrame, sceneID)
		}
		fields, err := state.FieldsOf(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: control %s: %v", protocol.ErrMalformedFrame, hdr.ControlID, err)
		}
		patches = append(patches, state.Patch{Op: op, Kind: state.KindControl, ID: hdr.ControlID, SceneID: sceneID, Fields: fields})
	}
	return patches, nil
}
