package state

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/agent-racer/interactive/pkg/protocol"
)

// CascadePolicy decides what happens to the groups of a deleted scene.
type CascadePolicy int

const (
	// CascadeReassign binds the groups to the scene named by the delete,
	// or to the default scene when none is named.
	CascadeReassign CascadePolicy = iota
	// CascadeRemoveGroups deletes the groups; their participants move to
	// the default group.
	CascadeRemoveGroups
)

func (c CascadePolicy) String() string {
	if c == CascadeRemoveGroups {
		return "remove_groups"
	}
	return "reassign"
}

// ParseCascadePolicy maps a config name to a policy.
func ParseCascadePolicy(name string) (CascadePolicy, error) {
	switch name {
	case "", "reassign":
		return CascadeReassign, nil
	case "remove_groups":
		return CascadeRemoveGroups, nil
	}
	return 0, fmt.Errorf("unknown cascade policy %q", name)
}

type controlKey struct {
	scene string
	id    string
}

// Tree holds the session entities. Writes come from a single dispatch path;
// readers get copies and never observe a partially applied batch.
type Tree struct {
	mu     sync.RWMutex
	policy CascadePolicy

	scenes       map[string]*Scene
	groups       map[string]*Group
	controls     map[controlKey]*Control
	participants map[string]*Participant
	byUser       map[uint32]string
	nextSeq      uint64
}

// NewTree returns a tree holding only the default scene and group.
func NewTree(policy CascadePolicy) *Tree {
	t := &Tree{policy: policy}
	t.reset()
	return t
}

// Reset drops everything except the default scene and group.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

func (t *Tree) reset() {
	t.scenes = map[string]*Scene{
		protocol.DefaultScene: {ID: protocol.DefaultScene, Groups: []string{protocol.DefaultGroup}},
	}
	t.groups = map[string]*Group{
		protocol.DefaultGroup: {ID: protocol.DefaultGroup, SceneID: protocol.DefaultScene},
	}
	t.controls = make(map[controlKey]*Control)
	t.participants = make(map[string]*Participant)
	t.byUser = make(map[uint32]string)
	t.nextSeq = 1
}

// Policy returns the scene delete cascade policy.
func (t *Tree) Policy() CascadePolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.policy
}

// SetPolicy changes the scene delete cascade policy.
func (t *Tree) SetPolicy(p CascadePolicy) {
	t.mu.Lock()
	t.policy = p
	t.mu.Unlock()
}

// Apply applies one patch. On error the tree is unchanged.
func (t *Tree) Apply(p Patch) error {
	return t.ApplyAll([]Patch{p})
}

// ApplyAll applies patches in order as one batch. If any patch is rejected
// every earlier patch of the batch is rolled back.
func (t *Tree) ApplyAll(patches []Patch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var j journal
	seq := t.nextSeq
	for i, p := range patches {
		if err := t.apply(&j, p); err != nil {
			j.rollback()
			t.nextSeq = seq
			if len(patches) == 1 {
				return fmt.Errorf("%s: %w", p, err)
			}
			return fmt.Errorf("patch %d (%s): %w", i, p, err)
		}
	}
	return nil
}

// Scenes returns all scenes in arrival order.
func (t *Tree) Scenes() []Scene {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Scene, 0, len(t.scenes))
	for _, s := range t.scenes {
		out = append(out, *s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Scene returns one scene.
func (t *Tree) Scene(id string) (Scene, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scenes[id]
	if !ok {
		return Scene{}, false
	}
	return *s.Clone(), true
}

// Groups returns all groups in arrival order.
func (t *Tree) Groups() []Group {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Group, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Group returns one group.
func (t *Tree) Group(id string) (Group, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[id]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// SceneGroups returns the groups bound to a scene in arrival order.
func (t *Tree) SceneGroups(sceneID string) ([]Group, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scenes[sceneID]
	if !ok {
		return nil, fmt.Errorf("scene %q: %w", sceneID, ErrNotFound)
	}
	out := make([]Group, 0, len(s.Groups))
	for _, id := range s.Groups {
		out = append(out, *t.groups[id])
	}
	return out, nil
}

// SceneControls returns the controls of a scene in arrival order.
func (t *Tree) SceneControls(sceneID string) ([]Control, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scenes[sceneID]
	if !ok {
		return nil, fmt.Errorf("scene %q: %w", sceneID, ErrNotFound)
	}
	out := make([]Control, 0, len(s.Controls))
	for _, id := range s.Controls {
		out = append(out, *t.controls[controlKey{sceneID, id}].Clone())
	}
	return out, nil
}

// Control returns one control.
func (t *Tree) Control(sceneID, id string) (Control, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.controls[controlKey{sceneID, id}]
	if !ok {
		return Control{}, false
	}
	return *c.Clone(), true
}

// Participants returns all participants in arrival order.
func (t *Tree) Participants() []Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Participant looks a participant up by session id.
func (t *Tree) Participant(sessionID string) (Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.participants[sessionID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// ParticipantByUser looks a participant up by user id.
func (t *Tree) ParticipantByUser(userID uint32) (Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sid, ok := t.byUser[userID]
	if !ok {
		return Participant{}, false
	}
	return *t.participants[sid], true
}

// ParticipantControl resolves the control a participant's input refers to,
// through the participant's group and that group's scene.
func (t *Tree) ParticipantControl(sessionID, controlID string) (Control, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sceneID := protocol.DefaultScene
	if p, ok := t.participants[sessionID]; ok {
		if g, ok := t.groups[p.GroupID]; ok {
			sceneID = g.SceneID
		}
	}
	if c, ok := t.controls[controlKey{sceneID, controlID}]; ok {
		return *c.Clone(), true
	}
	// Fall back to any scene owning the id.
	keys := make([]controlKey, 0)
	for k := range t.controls {
		if k.id == controlID {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return Control{}, false
	}
	slices.SortFunc(keys, func(a, b controlKey) int { return cmp.Compare(t.controls[a].seq, t.controls[b].seq) })
	return *t.controls[keys[0]].Clone(), true
}

// Counts returns the number of scenes, groups, controls and participants.
func (t *Tree) Counts() (scenes, groups, controls, participants int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.scenes), len(t.groups), len(t.controls), len(t.participants)
}
