package state

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownReference rejects a patch naming a parent that does not exist.
	ErrUnknownReference = errors.New("state: unknown reference")
	// ErrNotFound rejects an update of an entity that does not exist.
	ErrNotFound = errors.New("state: entity not found")
	// ErrReserved rejects deleting the default scene or group.
	ErrReserved = errors.New("state: reserved entity")
	// ErrInvalidPatch rejects a patch whose fields cannot be decoded.
	ErrInvalidPatch = errors.New("state: invalid patch")
)

type Op int

const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Patch is one create, update or delete of a single entity.
//
// For controls SceneID names the owning scene. Fields carries the wire
// fields to merge; absent fields keep their prior value. Reassign is the
// server's instruction for dependents of a deleted scene or group.
type Patch struct {
	Op       Op
	Kind     Kind
	ID       string
	SceneID  string
	Fields   map[string]json.RawMessage
	Reassign string
}

func (p Patch) String() string {
	if p.Kind == KindControl {
		return fmt.Sprintf("%s %s %s/%s", p.Op, p.Kind, p.SceneID, p.ID)
	}
	return fmt.Sprintf("%s %s %s", p.Op, p.Kind, p.ID)
}

// FieldsOf splits a raw JSON object into its top level fields.
func FieldsOf(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return fields, nil
}

// FieldsFrom marshals v and splits it into fields.
func FieldsFrom(v any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return FieldsOf(raw)
}

func quote(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

// NewGroup creates group id bound to sceneID.
func NewGroup(id, sceneID string) Patch {
	return Patch{Op: OpCreate, Kind: KindGroup, ID: id, Fields: map[string]json.RawMessage{"sceneID": quote(sceneID)}}
}

// MoveGroup binds an existing group to sceneID.
func MoveGroup(id, sceneID string) Patch {
	return Patch{Op: OpUpdate, Kind: KindGroup, ID: id, Fields: map[string]json.RawMessage{"sceneID": quote(sceneID)}}
}

// MoveParticipant moves the participant with sessionID into groupID.
func MoveParticipant(sessionID, groupID string) Patch {
	return Patch{Op: OpUpdate, Kind: KindParticipant, ID: sessionID, Fields: map[string]json.RawMessage{"groupID": quote(groupID)}}
}

// SetControlField updates a single control property.
func SetControlField(sceneID, controlID, name string, value json.RawMessage) Patch {
	return Patch{Op: OpUpdate, Kind: KindControl, ID: controlID, SceneID: sceneID, Fields: map[string]json.RawMessage{name: value}}
}

// decodeField unmarshals fields[key] into dst and reports whether it was
// present.
func decodeField[T any](fields map[string]json.RawMessage, key string, dst *T) (bool, error) {
	raw, ok := fields[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("%w: field %s: %v", ErrInvalidPatch, key, err)
	}
	return true, nil
}
