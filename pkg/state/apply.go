package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/agent-racer/interactive/pkg/protocol"
)

// journal records the inverse of every mutation in a batch.
type journal []func()

func (j *journal) add(undo func()) { *j = append(*j, undo) }

func (j journal) rollback() {
	for i := len(j) - 1; i >= 0; i-- {
		j[i]()
	}
}

func put[K comparable, V any](j *journal, m map[K]V, k K, v V) {
	old, had := m[k]
	j.add(func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func remove[K comparable, V any](j *journal, m map[K]V, k K) {
	old, had := m[k]
	if !had {
		return
	}
	j.add(func() { m[k] = old })
	delete(m, k)
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func with(ids []string, id string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids...)
	return append(out, id)
}

func (t *Tree) newSeq() uint64 {
	s := t.nextSeq
	t.nextSeq++
	return s
}

func (t *Tree) apply(j *journal, p Patch) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidPatch)
	}
	switch p.Kind {
	case KindScene:
		return t.applyScene(j, p)
	case KindGroup:
		return t.applyGroup(j, p)
	case KindControl:
		return t.applyControl(j, p)
	case KindParticipant:
		return t.applyParticipant(j, p)
	}
	return fmt.Errorf("%w: kind %d", ErrInvalidPatch, p.Kind)
}

// --- scenes ---

func (t *Tree) applyScene(j *journal, p Patch) error {
	switch p.Op {
	case OpCreate:
		if _, ok := t.scenes[p.ID]; ok {
			return nil
		}
		put(j, t.scenes, p.ID, &Scene{ID: p.ID, seq: t.newSeq()})
		return nil
	case OpUpdate:
		if _, ok := t.scenes[p.ID]; !ok {
			return ErrNotFound
		}
		return nil
	case OpDelete:
		return t.deleteScene(j, p)
	}
	return fmt.Errorf("%w: op %d", ErrInvalidPatch, p.Op)
}

func (t *Tree) deleteScene(j *journal, p Patch) error {
	if p.ID == protocol.DefaultScene {
		return ErrReserved
	}
	s, ok := t.scenes[p.ID]
	if !ok {
		return nil
	}

	for _, cid := range s.Controls {
		remove(j, t.controls, controlKey{p.ID, cid})
	}

	switch t.policy {
	case CascadeRemoveGroups:
		for _, gid := range s.Groups {
			if err := t.deleteGroup(j, gid, protocol.DefaultGroup); err != nil {
				return err
			}
		}
	default:
		target := p.Reassign
		if target == "" {
			target = protocol.DefaultScene
		}
		if target == p.ID {
			return fmt.Errorf("%w: scene %q reassigned to itself", ErrUnknownReference, target)
		}
		ts, ok := t.scenes[target]
		if !ok {
			return fmt.Errorf("%w: reassign scene %q", ErrUnknownReference, target)
		}
		moved := ts.Clone()
		for _, gid := range s.Groups {
			g := *t.groups[gid]
			g.SceneID = target
			put(j, t.groups, gid, &g)
			moved.Groups = append(moved.Groups, gid)
		}
		put(j, t.scenes, target, moved)
	}

	remove(j, t.scenes, p.ID)
	return nil
}

// --- groups ---

func (t *Tree) applyGroup(j *journal, p Patch) error {
	switch p.Op {
	case OpCreate:
		if _, ok := t.groups[p.ID]; ok {
			return t.updateGroup(j, p)
		}
		sceneID := protocol.DefaultScene
		if _, err := decodeField(p.Fields, "sceneID", &sceneID); err != nil {
			return err
		}
		if sceneID == "" {
			sceneID = protocol.DefaultScene
		}
		s, ok := t.scenes[sceneID]
		if !ok {
			return fmt.Errorf("%w: scene %q", ErrUnknownReference, sceneID)
		}
		put(j, t.groups, p.ID, &Group{ID: p.ID, SceneID: sceneID, seq: t.newSeq()})
		ns := s.Clone()
		ns.Groups = with(s.Groups, p.ID)
		put(j, t.scenes, sceneID, ns)
		return nil
	case OpUpdate:
		if _, ok := t.groups[p.ID]; !ok {
			return ErrNotFound
		}
		return t.updateGroup(j, p)
	case OpDelete:
		if p.ID == protocol.DefaultGroup {
			return ErrReserved
		}
		if _, ok := t.groups[p.ID]; !ok {
			return nil
		}
		target := p.Reassign
		if target == "" {
			target = protocol.DefaultGroup
		}
		return t.deleteGroup(j, p.ID, target)
	}
	return fmt.Errorf("%w: op %d", ErrInvalidPatch, p.Op)
}

func (t *Tree) updateGroup(j *journal, p Patch) error {
	g := *t.groups[p.ID]
	var sceneID string
	present, err := decodeField(p.Fields, "sceneID", &sceneID)
	if err != nil {
		return err
	}
	if !present || sceneID == "" || sceneID == g.SceneID {
		return nil
	}
	to, ok := t.scenes[sceneID]
	if !ok {
		return fmt.Errorf("%w: scene %q", ErrUnknownReference, sceneID)
	}
	if from, ok := t.scenes[g.SceneID]; ok {
		nf := from.Clone()
		nf.Groups = without(from.Groups, g.ID)
		put(j, t.scenes, from.ID, nf)
	}
	nt := to.Clone()
	nt.Groups = with(to.Groups, g.ID)
	put(j, t.scenes, sceneID, nt)
	g.SceneID = sceneID
	put(j, t.groups, g.ID, &g)
	return nil
}

// deleteGroup removes a group and moves its participants to target.
func (t *Tree) deleteGroup(j *journal, id, target string) error {
	if id == protocol.DefaultGroup {
		// The default group survives scene removal on the default scene.
		g := *t.groups[id]
		if g.SceneID != protocol.DefaultScene {
			return t.updateGroup(j, MoveGroup(id, protocol.DefaultScene))
		}
		return nil
	}
	if target == id {
		return fmt.Errorf("%w: group %q reassigned to itself", ErrUnknownReference, target)
	}
	if _, ok := t.groups[target]; !ok {
		return fmt.Errorf("%w: reassign group %q", ErrUnknownReference, target)
	}
	for sid, part := range t.participants {
		if part.GroupID == id {
			np := *part
			np.GroupID = target
			put(j, t.participants, sid, &np)
		}
	}
	g := t.groups[id]
	if s, ok := t.scenes[g.SceneID]; ok {
		ns := s.Clone()
		ns.Groups = without(s.Groups, id)
		put(j, t.scenes, s.ID, ns)
	}
	remove(j, t.groups, id)
	return nil
}

// --- controls ---

func (t *Tree) applyControl(j *journal, p Patch) error {
	key := controlKey{p.SceneID, p.ID}
	switch p.Op {
	case OpCreate:
		s, ok := t.scenes[p.SceneID]
		if !ok {
			return fmt.Errorf("%w: scene %q", ErrUnknownReference, p.SceneID)
		}
		if existing, ok := t.controls[key]; ok {
			return t.mergeControl(j, existing, p.Fields)
		}
		c := &Control{ID: p.ID, SceneID: p.SceneID, Props: json.RawMessage(`{}`), seq: t.newSeq()}
		if err := mergeControlFields(c, p.Fields); err != nil {
			return err
		}
		put(j, t.controls, key, c)
		ns := s.Clone()
		ns.Controls = with(s.Controls, p.ID)
		put(j, t.scenes, s.ID, ns)
		return nil
	case OpUpdate:
		existing, ok := t.controls[key]
		if !ok {
			return ErrNotFound
		}
		return t.mergeControl(j, existing, p.Fields)
	case OpDelete:
		if _, ok := t.controls[key]; !ok {
			return nil
		}
		remove(j, t.controls, key)
		if s, ok := t.scenes[p.SceneID]; ok {
			ns := s.Clone()
			ns.Controls = without(s.Controls, p.ID)
			put(j, t.scenes, s.ID, ns)
		}
		return nil
	}
	return fmt.Errorf("%w: op %d", ErrInvalidPatch, p.Op)
}

func (t *Tree) mergeControl(j *journal, existing *Control, fields map[string]json.RawMessage) error {
	c := existing.Clone()
	if err := mergeControlFields(c, fields); err != nil {
		return err
	}
	put(j, t.controls, controlKey{c.SceneID, c.ID}, c)
	return nil
}

var sjsonEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func mergeControlFields(c *Control, fields map[string]json.RawMessage) error {
	if _, err := decodeField(fields, "kind", &c.Kind); err != nil {
		return err
	}
	if _, err := decodeField(fields, "disabled", &c.Disabled); err != nil {
		return err
	}
	props := c.Props
	if len(props) == 0 {
		props = json.RawMessage(`{}`)
	}
	for name, value := range fields {
		if name == "" || name == "controlID" || name == "sceneID" {
			continue
		}
		merged, err := sjson.SetRawBytes(props, sjsonEscaper.Replace(name), value)
		if err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrInvalidPatch, name, err)
		}
		props = merged
	}
	c.Props = props
	return nil
}

// --- participants ---

func (t *Tree) applyParticipant(j *journal, p Patch) error {
	switch p.Op {
	case OpCreate:
		if existing, ok := t.participants[p.ID]; ok {
			return t.mergeParticipant(j, *existing, p.Fields)
		}
		part := Participant{SessionID: p.ID, GroupID: protocol.DefaultGroup, seq: t.newSeq()}
		return t.mergeParticipant(j, part, p.Fields)
	case OpUpdate:
		existing, ok := t.participants[p.ID]
		if !ok {
			return ErrNotFound
		}
		return t.mergeParticipant(j, *existing, p.Fields)
	case OpDelete:
		existing, ok := t.participants[p.ID]
		if !ok {
			return nil
		}
		if t.byUser[existing.UserID] == p.ID {
			remove(j, t.byUser, existing.UserID)
		}
		remove(j, t.participants, p.ID)
		return nil
	}
	return fmt.Errorf("%w: op %d", ErrInvalidPatch, p.Op)
}

func (t *Tree) mergeParticipant(j *journal, part Participant, fields map[string]json.RawMessage) error {
	oldUser, hadUser := part.UserID, t.byUser[part.UserID] == part.SessionID

	decoders := []struct {
		key string
		dst any
	}{
		{"userID", &part.UserID},
		{"username", &part.UserName},
		{"level", &part.Level},
		{"lastInputAt", &part.LastInputAtMs},
		{"connectedAt", &part.ConnectedAtMs},
		{"disabled", &part.Disabled},
		{"groupID", &part.GroupID},
	}
	for _, d := range decoders {
		raw, ok := fields[d.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, d.dst); err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrInvalidPatch, d.key, err)
		}
	}
	if part.GroupID == "" {
		part.GroupID = protocol.DefaultGroup
	}
	if _, ok := t.groups[part.GroupID]; !ok {
		return fmt.Errorf("%w: group %q", ErrUnknownReference, part.GroupID)
	}

	if hadUser && oldUser != part.UserID {
		remove(j, t.byUser, oldUser)
	}
	if part.UserID != 0 {
		put(j, t.byUser, part.UserID, part.SessionID)
	}
	put(j, t.participants, part.SessionID, &part)
	return nil
}
