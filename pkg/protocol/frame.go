// Package protocol defines the JSON frames exchanged over the chat
// WebSocket and the bodies of the HTTP auth API.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> server frame types
const (
	TypeAuth    = "auth"
	TypeMessage = "message"
	TypeRecall  = "recall"
	TypeDelete  = "delete"
)

// Server -> client frame types. TypeMessage is shared with the client side.
const (
	TypeAuthSuccess     = "auth_success"
	TypeAuthError       = "auth_error"
	TypeMessageRecalled = "message_recalled"
	TypeMessageDeleted  = "message_deleted"
	TypeUsersUpdate     = "users_update"
	TypeError           = "error"
)

// Close codes the server puts in the WebSocket close frame when it ends a
// session on purpose. Clients should not reconnect after either.
const (
	CloseAuthFailed      = 4001
	CloseSessionReplaced = 4002
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
)

// ClientFrame is any frame a client may send. Which fields are meaningful
// depends on Type.
type ClientFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	Text           string `json:"text,omitempty"`
	QuoteMessageID string `json:"quoteMessageId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

// DecodeClientFrame parses one client frame. Frames that are not a JSON
// object, have no type, or carry a type the server does not handle are
// rejected.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeAuth, TypeMessage, TypeRecall, TypeDelete:
		return &f, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

// Encode marshals the frame for sending.
func (f *ClientFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ServerFrame is the client-side view of any server frame. Message holds
// either a record (TypeMessage) or a string (TypeAuthError, TypeError);
// use Record or Text to read it.
type ServerFrame struct {
	Type      string          `json:"type"`
	Username  string          `json:"username,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Users     []string        `json:"users,omitempty"`
}

// DecodeServerFrame parses one server frame.
func DecodeServerFrame(data []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &f, nil
}

// Record returns the record carried by a message frame.
func (f *ServerFrame) Record() (Record, error) {
	var r Record
	if f.Type != TypeMessage {
		return r, fmt.Errorf("%w: %s frame has no record", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Message, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return r, nil
}

// Text returns the human readable message of an auth_error or error frame,
// or "" for any other frame.
func (f *ServerFrame) Text() string {
	var s string
	if err := json.Unmarshal(f.Message, &s); err != nil {
		return ""
	}
	return s
}
