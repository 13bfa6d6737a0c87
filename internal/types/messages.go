// Package types is the board server's wire protocol: websocket frames and
// REST bodies.
package types

import (
	"encoding/json"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/ephemeral"
)

// Client -> Server frame types. Every frame carries the ephemeral key it acts
// on, which must belong to the sending user.
const (
	FrameSet                = "set"
	FrameRemove             = "remove"
	FrameOnDisconnect       = "onDisconnect"
	FrameCancelOnDisconnect = "cancelOnDisconnect"
)

// Server -> Client frame types.
const (
	FrameEphemeral = "ephemeral"
	FrameChange    = "change"
	FrameError     = "error"
)

type ClientMessage struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type ServerMessage struct {
	Type   string             `json:"type"`
	Event  *ephemeral.Event   `json:"event,omitempty"`
	Change *boardstore.Change `json:"change,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func EphemeralMessage(ev ephemeral.Event) ServerMessage {
	return ServerMessage{Type: FrameEphemeral, Event: &ev}
}

func ChangeMessage(c boardstore.Change) ServerMessage {
	return ServerMessage{Type: FrameChange, Change: &c}
}

func ErrorMessage(msg string) ServerMessage {
	return ServerMessage{Type: FrameError, Error: msg}
}
