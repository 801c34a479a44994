package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/agent-racer/interactive/pkg/protocol"
)

func fields(t *testing.T, raw string) map[string]json.RawMessage {
	t.Helper()
	f, err := FieldsOf(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("FieldsOf(%s): %v", raw, err)
	}
	return f
}

func mustApply(t *testing.T, tree *Tree, patches ...Patch) {
	t.Helper()
	if err := tree.ApplyAll(patches); err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}
	if err := tree.Check(); err != nil {
		t.Fatalf("Check after ApplyAll: %v", err)
	}
}

func sceneCreate(id string) Patch { return Patch{Op: OpCreate, Kind: KindScene, ID: id} }

func controlCreate(t *testing.T, sceneID, id, raw string) Patch {
	return Patch{Op: OpCreate, Kind: KindControl, SceneID: sceneID, ID: id, Fields: fields(t, raw)}
}

func groupIDs(groups []Group) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.ID
	}
	return out
}

func TestNewTreeHasDefaults(t *testing.T) {
	tree := NewTree(CascadeReassign)
	scenes := tree.Scenes()
	if len(scenes) != 1 || scenes[0].ID != protocol.DefaultScene {
		t.Fatalf("Scenes() = %+v, want only default", scenes)
	}
	g, ok := tree.Group(protocol.DefaultGroup)
	if !ok || g.SceneID != protocol.DefaultScene {
		t.Errorf("default group = %+v, %v", g, ok)
	}
	if err := tree.Check(); err != nil {
		t.Errorf("Check() = %v", err)
	}
}

func TestGroupWithUnknownSceneRejected(t *testing.T) {
	tree := NewTree(CascadeReassign)
	err := tree.Apply(NewGroup("g2", "sX"))
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("Apply = %v, want ErrUnknownReference", err)
	}
	for _, g := range tree.Groups() {
		if g.ID == "g2" {
			t.Error("rejected group g2 is visible in Groups()")
		}
	}
}

func TestBatchRollsBackOnReject(t *testing.T) {
	tree := NewTree(CascadeReassign)
	err := tree.ApplyAll([]Patch{
		sceneCreate("s1"),
		controlCreate(t, "s1", "btn1", `{"controlID":"btn1","kind":"button"}`),
		NewGroup("g1", "s1"),
		NewGroup("g2", "missing"),
	})
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("ApplyAll = %v, want ErrUnknownReference", err)
	}
	if _, ok := tree.Scene("s1"); ok {
		t.Error("scene s1 survived rollback")
	}
	if _, ok := tree.Group("g1"); ok {
		t.Error("group g1 survived rollback")
	}
	if len(tree.Groups()) != 1 {
		t.Errorf("Groups() = %v, want only default", groupIDs(tree.Groups()))
	}
	if err := tree.Check(); err != nil {
		t.Errorf("Check() = %v", err)
	}

	// The arrival counter is rolled back too.
	mustApply(t, tree, sceneCreate("s2"))
	if s, _ := tree.Scene("s2"); s.seq != 1 {
		t.Errorf("seq after rollback = %d, want 1", s.seq)
	}
}

func TestControlFieldMerge(t *testing.T) {
	tree := NewTree(CascadeReassign)
	mustApply(t, tree,
		sceneCreate("s1"),
		controlCreate(t, "s1", "btn1", `{"controlID":"btn1","kind":"button","text":"Jump","cost":10,"keyCode":32}`),
	)

	err := tree.Apply(Patch{Op: OpUpdate, Kind: KindControl, SceneID: "s1", ID: "btn1",
		Fields: fields(t, `{"controlID":"btn1","cooldown":1500,"disabled":true}`)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	c, ok := tree.Control("s1", "btn1")
	if !ok {
		t.Fatal("control missing")
	}
	b := c.Button()
	if b.Text != "Jump" || b.Cost != 10 || b.KeyCode != 32 {
		t.Errorf("unspecified fields lost: %+v", b)
	}
	if b.Cooldown != 1500 {
		t.Errorf("Cooldown = %d, want 1500", b.Cooldown)
	}
	if !c.Disabled || !c.IsButton() {
		t.Errorf("control = %+v", c)
	}
}

func TestControlEmptyFieldNameSkipped(t *testing.T) {
	tree := NewTree(CascadeReassign)
	mustApply(t, tree,
		sceneCreate("s1"),
		controlCreate(t, "s1", "btn1", `{"controlID":"btn1","kind":"button","text":"Jump"}`),
	)

	err := tree.Apply(Patch{Op: OpUpdate, Kind: KindControl, SceneID: "s1", ID: "btn1",
		Fields: fields(t, `{"controlID":"btn1","":"junk","text":"Leap"}`)})
	if err != nil {
		t.Fatalf("update with empty field name: %v", err)
	}
	c, _ := tree.Control("s1", "btn1")
	if got := c.Button().Text; got != "Leap" {
		t.Errorf("Text = %q, want Leap", got)
	}
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	tree := NewTree(CascadeReassign)
	tests := []Patch{
		{Op: OpUpdate, Kind: KindScene, ID: "nope"},
		MoveGroup("nope", protocol.DefaultScene),
		SetControlField(protocol.DefaultScene, "nope", "text", json.RawMessage(`"x"`)),
		MoveParticipant("nope", protocol.DefaultGroup),
	}
	for _, p := range tests {
		if err := tree.Apply(p); !errors.Is(err, ErrNotFound) {
			t.Errorf("Apply(%s) = %v, want ErrNotFound", p, err)
		}
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	tree := NewTree(CascadeReassign)
	for _, k := range []Kind{KindScene, KindGroup, KindControl, KindParticipant} {
		if err := tree.Apply(Patch{Op: OpDelete, Kind: k, ID: "ghost", SceneID: protocol.DefaultScene}); err != nil {
			t.Errorf("delete missing %s = %v, want nil", k, err)
		}
	}
}

func TestReservedCannotBeDeleted(t *testing.T) {
	tree := NewTree(CascadeReassign)
	if err := tree.Apply(Patch{Op: OpDelete, Kind: KindScene, ID: protocol.DefaultScene}); !errors.Is(err, ErrReserved) {
		t.Errorf("delete default scene = %v", err)
	}
	if err := tree.Apply(Patch{Op: OpDelete, Kind: KindGroup, ID: protocol.DefaultGroup}); !errors.Is(err, ErrReserved) {
		t.Errorf("delete default group = %v", err)
	}
}

func TestSceneDeleteReassign(t *testing.T) {
	tree := NewTree(CascadeReassign)
	mustApply(t, tree,
		sceneCreate("s1"),
		sceneCreate("s2"),
		controlCreate(t, "s1", "btn1", `{"kind":"button"}`),
		NewGroup("g1", "s1"),
	)

	tests := []struct {
		name      string
		reassign  string
		wantScene string
	}{
		{"server names target", "s2", "s2"},
		{"falls back to default", "", protocol.DefaultScene},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mustApply(t, tree, sceneCreate("s1"), MoveGroup("g1", "s1"),
				controlCreate(t, "s1", "btn1", `{"kind":"button"}`))

			mustApply(t, tree, Patch{Op: OpDelete, Kind: KindScene, ID: "s1", Reassign: tt.reassign})

			if _, ok := tree.Scene("s1"); ok {
				t.Error("scene s1 still present")
			}
			if _, ok := tree.Control("s1", "btn1"); ok {
				t.Error("control of deleted scene survived")
			}
			g, _ := tree.Group("g1")
			if g.SceneID != tt.wantScene {
				t.Errorf("g1.SceneID = %q, want %q", g.SceneID, tt.wantScene)
			}
		})
	}
}

func TestSceneDeleteReassignUnknownTarget(t *testing.T) {
	tree := NewTree(CascadeReassign)
	mustApply(t, tree, sceneCreate("s1"), NewGroup("g1", "s1"))
	err := tree.Apply(Patch{Op: OpDelete, Kind: KindScene, ID: "s1", Reassign: "nowhere"})
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("Apply = %v, want ErrUnknownReference", err)
	}
	if _, ok := tree.Scene("s1"); !ok {
		t.Error("scene removed despite rejected patch")
	}
}

func TestSceneDeleteRemoveGroups(t *testing.T) {
	tree := NewTree(CascadeRemoveGroups)
	mustApply(t, tree,
		sceneCreate("s1"),
		NewGroup("g1", "s1"),
		Patch{Op: OpCreate, Kind: KindParticipant, ID: "p1", Fields: fields(t, `{"userID":7,"username":"ann","groupID":"g1"}`)},
		MoveGroup(protocol.DefaultGroup, "s1"),
	)

	mustApply(t, tree, Patch{Op: OpDelete, Kind: KindScene, ID: "s1"})

	if _, ok := tree.Group("g1"); ok {
		t.Error("group g1 survived remove_groups cascade")
	}
	p, _ := tree.Participant("p1")
	if p.GroupID != protocol.DefaultGroup {
		t.Errorf("participant group = %q, want default", p.GroupID)
	}
	g, _ := tree.Group(protocol.DefaultGroup)
	if g.SceneID != protocol.DefaultScene {
		t.Errorf("default group scene = %q, want default", g.SceneID)
	}
}

func TestGroupDeleteMovesParticipants(t *testing.T) {
	tree := NewTree(CascadeReassign)
	mustApply(t, tree,
		NewGroup("red", protocol.DefaultScene),
		NewGroup("blue", protocol.DefaultScene),
		Patch{Op: OpCreate, Kind: KindParticipant, ID: "p1", Fields: fields(t, `{"userID":1,"groupID":"red"}`)},
	)
	mustApply(t, tree, Patch{Op: OpDelete, Kind: KindGroup, ID: "red", Reassign: "blue"})

	p, _ := tree.Participant("p1")
	if p.GroupID != "blue" {
		t.Errorf("GroupID = %q, want blue", p.GroupID)
	}
	gs, _ := tree.SceneGroups(protocol.DefaultScene)
	if got := fmt.Sprint(groupIDs(gs)); got != "[default blue]" {
		t.Errorf("SceneGroups = %s", got)
	}
}

func TestParticipantIndexes(t *testing.T) {
	tree := NewTree(CascadeReassign)
	mustApply(t, tree, Patch{Op: OpCreate, Kind: KindParticipant, ID: "sess-1",
		Fields: fields(t, `{"sessionID":"sess-1","userID":42,"username":"zoe","level":3,"connectedAt":100}`)})

	p, ok := tree.ParticipantByUser(42)
	if !ok || p.SessionID != "sess-1" || p.UserName != "zoe" || p.Level != 3 {
		t.Fatalf("ParticipantByUser = %+v, %v", p, ok)
	}
	if p.GroupID != protocol.DefaultGroup {
		t.Errorf("GroupID = %q, want default", p.GroupID)
	}

	mustApply(t, tree, Patch{Op: OpUpdate, Kind: KindParticipant, ID: "sess-1", Fields: fields(t, `{"disabled":true}`)})
	p, _ = tree.Participant("sess-1")
	if !p.Disabled || p.UserName != "zoe" {
		t.Errorf("after update = %+v", p)
	}

	mustApply(t, tree, Patch{Op: OpDelete, Kind: KindParticipant, ID: "sess-1"})
	if _, ok := tree.ParticipantByUser(42); ok {
		t.Error("user index not cleared on delete")
	}
}

func TestParticipantUnknownGroup(t *testing.T) {
	tree := NewTree(CascadeReassign)
	err := tree.Apply(Patch{Op: OpCreate, Kind: KindParticipant, ID: "p", Fields: fields(t, `{"groupID":"nope"}`)})
	if !errors.Is(err, ErrUnknownReference) {
		t.Errorf("Apply = %v, want ErrUnknownReference", err)
	}
	if len(tree.Participants()) != 0 {
		t.Error("participant added despite rejection")
	}
}

func TestGettersReturnCopies(t *testing.T) {
	tree := NewTree(CascadeReassign)
	mustApply(t, tree, sceneCreate("s1"), controlCreate(t, "s1", "c", `{"kind":"custom","text":"a"}`))

	ctls, _ := tree.SceneControls("s1")
	ctls[0].Props[2] = 'X'
	ctls[0].Kind = "mutated"

	s, _ := tree.Scene("s1")
	s.Controls[0] = "mutated"

	c, _ := tree.Control("s1", "c")
	if c.Kind != "custom" || c.Prop("text").String() != "a" {
		t.Errorf("mutation leaked into tree: %+v", c)
	}
	s2, _ := tree.Scene("s1")
	if s2.Controls[0] != "c" {
		t.Error("scene slice mutation leaked into tree")
	}
}

func TestSceneGroupsUnknownScene(t *testing.T) {
	tree := NewTree(CascadeReassign)
	if _, err := tree.SceneGroups("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SceneGroups = %v", err)
	}
	if _, err := tree.SceneControls("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SceneControls = %v", err)
	}
}

func TestParticipantControlFollowsGroupScene(t *testing.T) {
	tree := NewTree(CascadeReassign)
	mustApply(t, tree,
		sceneCreate("s1"),
		controlCreate(t, "s1", "stick", `{"kind":"joystick","sampleRate":50}`),
		controlCreate(t, protocol.DefaultScene, "stick", `{"kind":"button"}`),
		NewGroup("g1", "s1"),
		Patch{Op: OpCreate, Kind: KindParticipant, ID: "p1", Fields: fields(t, `{"groupID":"g1"}`)},
	)
	c, ok := tree.ParticipantControl("p1", "stick")
	if !ok || c.SceneID != "s1" || !c.IsJoystick() || c.Joystick().SampleRate != 50 {
		t.Errorf("ParticipantControl = %+v, %v", c, ok)
	}
	c, ok = tree.ParticipantControl("stranger", "stick")
	if !ok || c.SceneID != protocol.DefaultScene {
		t.Errorf("unknown participant resolved to %+v, %v", c, ok)
	}
}

// TestRandomPatchesStayConsistent throws random patch sequences at the tree
// and checks no control or group is ever left pointing at a missing scene.
func TestRandomPatchesStayConsistent(t *testing.T) {
	ids := []string{"a", "b", "c", protocol.DefaultScene}
	for _, policy := range []CascadePolicy{CascadeReassign, CascadeRemoveGroups} {
		rng := rand.New(rand.NewSource(1))
		tree := NewTree(policy)
		for i := 0; i < 3000; i++ {
			pick := func() string { return ids[rng.Intn(len(ids))] }
			var p Patch
			op := Op(rng.Intn(3))
			switch rng.Intn(4) {
			case 0:
				p = Patch{Op: op, Kind: KindScene, ID: pick(), Reassign: pick()}
			case 1:
				p = Patch{Op: op, Kind: KindGroup, ID: "g" + pick(), Fields: map[string]json.RawMessage{"sceneID": quote(pick())}, Reassign: "g" + pick()}
			case 2:
				p = Patch{Op: op, Kind: KindControl, SceneID: pick(), ID: "c" + pick(), Fields: map[string]json.RawMessage{"kind": quote("button")}}
			case 3:
				p = Patch{Op: op, Kind: KindParticipant, ID: "p" + pick(), Fields: map[string]json.RawMessage{"groupID": quote("g" + pick()), "userID": json.RawMessage(fmt.Sprint(rng.Intn(3)))}}
			}
			_ = tree.Apply(p)
			if err := tree.Check(); err != nil {
				t.Fatalf("policy %s step %d after %s: %v", policy, i, p, err)
			}
		}
	}
}
