package state

import (
	"fmt"
	"slices"

	"github.com/agent-racer/interactive/pkg/protocol"
)

// Check verifies the cross references of the tree: every control and group
// points at a live scene that lists it, every participant points at a live
// group, and the user index agrees with the participants.
func (t *Tree) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.scenes[protocol.DefaultScene]; !ok {
		return fmt.Errorf("default scene missing")
	}
	if _, ok := t.groups[protocol.DefaultGroup]; !ok {
		return fmt.Errorf("default group missing")
	}

	for key, c := range t.controls {
		s, ok := t.scenes[c.SceneID]
		if !ok {
			return fmt.Errorf("control %s/%s: orphaned", key.scene, key.id)
		}
		if key.scene != c.SceneID || key.id != c.ID {
			return fmt.Errorf("control %s/%s: stored under wrong key", c.SceneID, c.ID)
		}
		if !slices.Contains(s.Controls, c.ID) {
			return fmt.Errorf("control %s/%s: not listed by its scene", c.SceneID, c.ID)
		}
	}
	for _, g := range t.groups {
		s, ok := t.scenes[g.SceneID]
		if !ok {
			return fmt.Errorf("group %s: scene %q missing", g.ID, g.SceneID)
		}
		if !slices.Contains(s.Groups, g.ID) {
			return fmt.Errorf("group %s: not listed by scene %s", g.ID, g.SceneID)
		}
	}
	for _, s := range t.scenes {
		for _, id := range s.Controls {
			if _, ok := t.controls[controlKey{s.ID, id}]; !ok {
				return fmt.Errorf("scene %s lists missing control %s", s.ID, id)
			}
		}
		for _, id := range s.Groups {
			g, ok := t.groups[id]
			if !ok || g.SceneID != s.ID {
				return fmt.Errorf("scene %s lists group %s bound elsewhere", s.ID, id)
			}
		}
	}
	for _, p := range t.participants {
		if _, ok := t.groups[p.GroupID]; !ok {
			return fmt.Errorf("participant %s: group %q missing", p.SessionID, p.GroupID)
		}
	}
	for uid, sid := range t.byUser {
		p, ok := t.participants[sid]
		if !ok || p.UserID != uid {
			return fmt.Errorf("user index %d points at %s", uid, sid)
		}
	}
	return nil
}
