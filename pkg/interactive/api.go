package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/state"
	"github.com/agent-racer/interactive/pkg/transport"
)

// applyFunc runs on the dispatch goroutine when a call succeeds. Its error
// is returned by the call.
type applyFunc func(result json.RawMessage) error

// SendMethod sends a method call and returns its transaction id for Await.
// With discard set the service sends no reply and the id is zero. Replies
// to group, participant and control mutations update the local state before
// Await returns.
func (s *Session) SendMethod(ctx context.Context, method string, params any, discard bool) (uint64, error) {
	conn, err := s.openConn()
	if err != nil {
		return 0, err
	}
	return s.send(ctx, conn, method, params, discard, nil, nil)
}

// Await waits for the reply to a transaction sent with SendMethod. A reply
// error is returned as *protocol.Error. Zero timeout waits on ctx alone.
func (s *Session) Await(ctx context.Context, id uint64, timeout time.Duration) (json.RawMessage, error) {
	return s.txns.Await(ctx, id, timeout)
}

// Call sends a method and waits for its reply within the configured call
// timeout.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.call(ctx, method, params, nil)
}

func (s *Session) call(ctx context.Context, method string, params any, apply applyFunc) (json.RawMessage, error) {
	conn, err := s.openConn()
	if err != nil {
		return nil, err
	}
	return s.invoke(ctx, conn, method, params, apply)
}

// invoke sends method on conn and awaits the reply. apply and any local
// patches for the method have run by the time it returns.
func (s *Session) invoke(ctx context.Context, conn transport.Conn, method string, params any, apply applyFunc) (json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "interactive.call",
		trace.WithAttributes(attribute.String("interactive.method", method)))
	start := time.Now()

	var applyErr error
	id, err := s.send(ctx, conn, method, params, false, apply, &applyErr)
	var res json.RawMessage
	if err == nil {
		span.SetAttributes(attribute.Int64("interactive.txn_id", int64(id)))
		res, err = s.txns.Await(ctx, id, s.cfg.CallTimeout)
		if err == nil {
			err = applyErr
		}
	}

	s.metrics.callDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.callErrors.WithLabelValues(method, errorType(err)).Inc()
		s.logger.Debug("call failed", "method", method, "error", err)
	}
	endSpan(span, err)
	return res, err
}

// send encodes and writes one method frame. When a reply is expected the
// transaction is registered with a hook that applies local patches, then
// apply, and stores the first failure in out.
func (s *Session) send(ctx context.Context, conn transport.Conn, method string, params any, discard bool, apply applyFunc, out *error) (uint64, error) {
	var raw json.RawMessage
	var payload any
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return 0, fmt.Errorf("encoding %s params: %w", method, err)
		}
		raw = b
		payload = raw
	}

	if discard {
		frame, err := protocol.NewMethod(0, method, payload, true)
		if err != nil {
			return 0, err
		}
		return 0, s.write(ctx, conn, frame)
	}

	patches, err := localPatches(method, raw)
	if err != nil {
		return 0, err
	}

	var idv atomic.Uint64
	hook := func(res json.RawMessage, err error) {
		if err == nil {
			err = s.applyPatches(method, patches)
		}
		if err == nil && apply != nil {
			err = apply(res)
		}
		if out != nil {
			*out = err
		}
		id := idv.Load()
		s.notify(func(h *Handlers) {
			if h.OnTransaction != nil {
				h.OnTransaction(id, method, err)
			}
		})
	}

	id := s.txns.Register(method, hook)
	idv.Store(id)
	frame, err := protocol.NewMethod(id, method, payload, false)
	if err == nil {
		err = s.write(ctx, conn, frame)
	}
	if err != nil {
		s.txns.Resolve(id, nil, err)
		_, _ = s.txns.Await(ctx, id, 0)
		return 0, err
	}
	return id, nil
}

func (s *Session) write(ctx context.Context, conn transport.Conn, frame []byte) error {
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("%w: send: %w", ErrConnection, err)
	}
	s.metrics.framesOut.Inc()
	return nil
}

// localPatches are the tree changes a successful reply to method implies.
func localPatches(method string, raw json.RawMessage) ([]state.Patch, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	decode := func(v any) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%s params: %w", method, err)
		}
		return nil
	}

	switch method {
	case protocol.MethodCreateGroups, protocol.MethodUpdateGroups:
		var p protocol.GroupsParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		op := state.OpCreate
		if method == protocol.MethodUpdateGroups {
			op = state.OpUpdate
		}
		return groupPatches(p.Groups, op), nil
	case protocol.MethodDeleteGroup:
		var p protocol.GroupDeleteParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return []state.Patch{{Op: state.OpDelete, Kind: state.KindGroup, ID: p.GroupID, Reassign: p.ReassignGroupID}}, nil
	case protocol.MethodUpdateParticipants:
		var p protocol.UpdateParticipantsParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		patches := make([]state.Patch, 0, len(p.Participants))
		for _, pg := range p.Participants {
			patches = append(patches, state.MoveParticipant(pg.SessionID, pg.GroupID))
		}
		return patches, nil
	case protocol.MethodUpdateControls:
		var p protocol.ControlsParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return controlPatches(p.SceneID, p.Controls, state.OpUpdate)
	}
	return nil, nil
}

// Scenes returns every scene in arrival order.
func (s *Session) Scenes() []state.Scene { return s.tree.Scenes() }

// Groups returns every group in arrival order.
func (s *Session) Groups() []state.Group { return s.tree.Groups() }

// Participants returns every connected participant in arrival order.
func (s *Session) Participants() []state.Participant { return s.tree.Participants() }

// SceneControls returns the controls of a scene.
func (s *Session) SceneControls(sceneID string) ([]state.Control, error) {
	return s.tree.SceneControls(sceneID)
}

// SceneGroups returns the groups showing a scene.
func (s *Session) SceneGroups(sceneID string) ([]state.Group, error) {
	return s.tree.SceneGroups(sceneID)
}

// Control returns one control.
func (s *Session) Control(sceneID, controlID string) (state.Control, bool) {
	return s.tree.Control(sceneID, controlID)
}

// Participant looks a participant up by session id.
func (s *Session) Participant(sessionID string) (state.Participant, bool) {
	return s.tree.Participant(sessionID)
}

// Counts returns the number of scenes, groups, controls and participants.
func (s *Session) Counts() (scenes, groups, controls, participants int) {
	return s.tree.Counts()
}

// CreateGroup creates a group showing sceneID, or the default scene when
// sceneID is empty.
func (s *Session) CreateGroup(ctx context.Context, groupID, sceneID string) error {
	if groupID == "" {
		return fmt.Errorf("%w: empty group id", state.ErrInvalidPatch)
	}
	if sceneID == "" {
		sceneID = protocol.DefaultScene
	}
	params := protocol.GroupsParams{Groups: []protocol.GroupData{{GroupID: groupID, SceneID: sceneID}}}
	_, err := s.call(ctx, protocol.MethodCreateGroups, params, nil)
	return err
}

// GroupSetScene points an existing group at another scene.
func (s *Session) GroupSetScene(ctx context.Context, groupID, sceneID string) error {
	params := protocol.GroupsParams{Groups: []protocol.GroupData{{GroupID: groupID, SceneID: sceneID}}}
	_, err := s.call(ctx, protocol.MethodUpdateGroups, params, nil)
	return err
}

// DeleteGroup removes a group, moving its participants to reassignID.
func (s *Session) DeleteGroup(ctx context.Context, groupID, reassignID string) error {
	if groupID == protocol.DefaultGroup {
		return state.ErrReserved
	}
	params := protocol.GroupDeleteParams{GroupID: groupID, ReassignGroupID: reassignID}
	_, err := s.call(ctx, protocol.MethodDeleteGroup, params, nil)
	return err
}

// SetParticipantGroup moves the participant with userID into groupID.
func (s *Session) SetParticipantGroup(ctx context.Context, userID uint32, groupID string) error {
	p, ok := s.tree.ParticipantByUser(userID)
	if !ok {
		return fmt.Errorf("%w: participant with user id %d", state.ErrNotFound, userID)
	}
	params := protocol.UpdateParticipantsParams{
		Participants: []protocol.ParticipantGroup{{SessionID: p.SessionID, GroupID: groupID}},
	}
	_, err := s.call(ctx, protocol.MethodUpdateParticipants, params, nil)
	return err
}

// TriggerCooldown disables a button for cooldown, measured on the service
// clock. The local control shows the cooldown at once and is restored if
// the service rejects it.
func (s *Session) TriggerCooldown(ctx context.Context, sceneID, controlID string, cooldown time.Duration) error {
	if _, err := s.openConn(); err != nil {
		return err
	}
	ctl, ok := s.tree.Control(sceneID, controlID)
	if !ok {
		return fmt.Errorf("%w: control %s/%s", state.ErrNotFound, sceneID, controlID)
	}

	until := s.ServerTime().Add(cooldown).UnixMilli()
	prev := json.RawMessage("0")
	if p := ctl.Prop("cooldown"); p.Exists() {
		prev = json.RawMessage(p.Raw)
	}
	mark := json.RawMessage(strconv.FormatInt(until, 10))
	if err := s.applyPatches(protocol.MethodUpdateControls, []state.Patch{state.SetControlField(sceneID, controlID, "cooldown", mark)}); err != nil {
		return err
	}

	params := protocol.UpdateControlsParams{
		SceneID:  sceneID,
		Priority: 1,
		Controls: []protocol.ControlUpdate{{ControlID: controlID, Cooldown: until}},
	}
	_, err := s.call(ctx, protocol.MethodUpdateControls, params, nil)
	if err != nil {
		// Leave it alone if something newer has landed.
		if cur, ok := s.tree.Control(sceneID, controlID); ok && cur.Prop("cooldown").Int() == until {
			_ = s.applyPatches(protocol.MethodUpdateControls, []state.Patch{state.SetControlField(sceneID, controlID, "cooldown", prev)})
		}
	}
	return err
}

// SetBandwidthThrottle limits how fast the service pushes the target's
// messages. The setting is re-sent after every reconnect.
func (s *Session) SetBandwidthThrottle(ctx context.Context, target protocol.ThrottleTarget, capacity, drainRate uint32) error {
	t := protocol.Throttle{Capacity: capacity, DrainRate: drainRate}
	params := protocol.ThrottleParams{target.Method(): t}
	_, err := s.call(ctx, protocol.MethodSetBandwidthThrottle, params, func(json.RawMessage) error {
		s.mu.Lock()
		s.throttles[target] = t
		s.mu.Unlock()
		return nil
	})
	return err
}

// SetReady tells the service whether participants may give input.
func (s *Session) SetReady(ctx context.Context, ready bool) error {
	_, err := s.call(ctx, protocol.MethodReady, protocol.ReadyParams{IsReady: ready}, s.readyApplied(ready))
	return err
}

func (s *Session) readyApplied(ready bool) applyFunc {
	return func(json.RawMessage) error {
		s.setReady(ready)
		return nil
	}
}

// CaptureTransaction charges the participant for a queued or drained
// input. A failed capture can be retried.
func (s *Session) CaptureTransaction(ctx context.Context, transactionID string) error {
	if _, err := s.openConn(); err != nil {
		return err
	}
	r, err := s.queue.Capture(transactionID)
	if err != nil {
		return err
	}
	if _, err := s.call(ctx, protocol.MethodCapture, r.Params(), nil); err != nil {
		s.queue.Release(transactionID)
		return err
	}
	return nil
}
