// Package protocol defines the interactive service wire format: the JSON
// envelope shared by method calls, replies and events, the method names both
// sides use, and their payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is sent in the X-Protocol-Version header and the hello handshake.
const Version = "2.0"

// MessageType discriminates the envelope.
type MessageType string

const (
	TypeMethod MessageType = "method"
	TypeReply  MessageType = "reply"
	TypeEvent  MessageType = "event"
)

// ErrMalformedFrame is returned by Decode for frames that are not a valid
// envelope. The dispatch path logs and drops these.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Message is the envelope for every frame in either direction.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Discard bool            `json:"discard,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

// Error is a wire-level error carried by a reply.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("interactive error %d at %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("interactive error %d: %s", e.Code, e.Message)
}

// Wire error codes used by the service.
const (
	CodeInvalidPayload       = 4000
	CodeUnknownMethod        = 4003
	CodeInvalidArguments     = 4004
	CodeInvalidTransactionID = 4006
	CodeUnknownGroup         = 4008
	CodeGroupExists          = 4009
	CodeUnknownScene         = 4010
	CodeUnknownControl       = 4012
	CodeUnknownParticipant   = 4015
	CodeSessionClosing       = 4016
	CodeCannotDeleteDefault  = 4018
	CodeCannotAuthenticate   = 4019
	CodeThrottled            = 4021
)

// NewMethod encodes an outgoing method call. params may be nil.
func NewMethod(id uint64, method string, params any, discard bool) ([]byte, error) {
	msg := Message{Type: TypeMethod, ID: id, Method: method, Discard: discard}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return json.Marshal(msg)
}

// NewPush encodes a service push. Pushes carry no id and expect no reply;
// seq orders them per connection.
func NewPush(seq uint64, method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}
	return json.Marshal(Message{Type: TypeMethod, Method: method, Params: raw, Discard: true, Seq: seq})
}

// NewReply encodes a reply to the call with the given id. When replyErr is
// non-nil the result is omitted.
func NewReply(id uint64, result any, replyErr *Error) ([]byte, error) {
	msg := Message{Type: TypeReply, ID: id, Error: replyErr}
	if replyErr == nil {
		if result == nil {
			result = struct{}{}
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encoding reply %d: %w", id, err)
		}
		msg.Result = raw
	}
	return json.Marshal(msg)
}

// Decode parses a frame and checks the envelope is well formed.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch msg.Type {
	case TypeMethod, TypeEvent:
		if msg.Method == "" {
			return Message{}, fmt.Errorf("%w: %s without method name", ErrMalformedFrame, msg.Type)
		}
	case TypeReply:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, msg.Type)
	}
	return msg, nil
}

// DecodeParams unmarshals the params of a method message into v.
func (m Message) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return fmt.Errorf("%w: %s has no params", ErrMalformedFrame, m.Method)
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return fmt.Errorf("%w: %s params: %v", ErrMalformedFrame, m.Method, err)
	}
	return nil
}
