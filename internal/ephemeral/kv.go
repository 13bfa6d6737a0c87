// Package ephemeral carries the high-frequency, never-persisted board state:
// presence, cursors and in-progress drags and transforms. Records live in a
// key-value store whose entries can be removed automatically when their
// writer disconnects.
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var ErrDisconnected = errors.New("ephemeral connection closed")

type Channel string

const (
	ChannelPresence  Channel = "presence"
	ChannelCursor    Channel = "cursor"
	ChannelDrag      Channel = "drag"
	ChannelTransform Channel = "transform"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelPresence, ChannelCursor, ChannelDrag, ChannelTransform:
		return true
	}
	return false
}

// Event is a put (Removed false) or a removal of one key.
type Event struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Removed bool            `json:"removed,omitempty"`
}

// CancelFunc unregisters a disconnect hook. Calling it more than once is a
// no-op.
type CancelFunc func(ctx context.Context) error

type KV interface {
	Set(ctx context.Context, key string, value json.RawMessage) error
	Remove(ctx context.Context, key string) error
	// OnDisconnectRemove arranges for key to be removed when this client's
	// connection drops without a graceful teardown.
	OnDisconnectRemove(ctx context.Context, key string) (CancelFunc, error)
	// Watch streams the current values under prefix followed by every later
	// change, until ctx ends or the returned function is called.
	Watch(ctx context.Context, prefix string) (<-chan Event, func(), error)
}

// Key returns boards/{board}/{channel}/{user}.
func Key(boardID string, ch Channel, userID string) string {
	return Prefix(boardID, ch) + userID
}

func Prefix(boardID string, ch Channel) string {
	return "boards/" + boardID + "/" + string(ch) + "/"
}

// ParseKey splits a key built by Key.
func ParseKey(key string) (boardID string, ch Channel, userID string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "boards" {
		return "", "", "", false
	}
	if parts[1] == "" || parts[3] == "" || !Channel(parts[2]).Valid() {
		return "", "", "", false
	}
	return parts[1], Channel(parts[2]), parts[3], true
}
