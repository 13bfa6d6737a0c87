package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/ephemeral"
	"github.com/DoyleJ11/collab-board/internal/shape"
	"github.com/DoyleJ11/collab-board/internal/types"
)

// helper: receive one frame with a timeout so tests never hang
func recvFrame(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) types.ServerMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return m
	case <-time.After(within):
		t.Fatalf("timed out waiting for frame")
		return types.ServerMessage{} // unreachable
	}
}

func recvNoFrame(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no frame within %v, but got: %+v", within, m)
	case <-time.After(within):
	}
}

func recvView(t *testing.T, r *Room) View {
	t.Helper()
	reply := make(chan View, 1)
	r.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func newRoom(t *testing.T) (*Room, *boardstore.Memory) {
	t.Helper()
	store := boardstore.NewMemory()
	t.Cleanup(store.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r, err := New(ctx, "b1", store, nil)
	if err != nil {
		t.Fatalf("new room: %v", err)
	}
	return r, store
}

func join(r *Room, client, user string, buffer int) chan types.ServerMessage {
	out := make(chan types.ServerMessage, buffer)
	r.Inbox() <- Join{ClientID: client, UserID: user, Outbox: out}
	return out
}

func set(r *Room, client, key, value string) {
	r.Inbox() <- FromClient{ClientID: client, Msg: types.ClientMessage{
		Type: types.FrameSet, Key: key, Value: json.RawMessage(value),
	}}
}

func TestRoom_SetBroadcastsAndJoinReplays(t *testing.T) {
	r, _ := newRoom(t)
	alice := join(r, "c1", "alice", 8)

	key := ephemeral.Key("b1", ephemeral.ChannelCursor, "alice")
	set(r, "c1", key, `{"x":1}`)

	m := recvFrame(t, alice, time.Second)
	if m.Type != types.FrameEphemeral || m.Event.Key != key || m.Event.Removed {
		t.Fatalf("unexpected frame %+v", m)
	}

	bob := join(r, "c2", "bob", 8)
	m = recvFrame(t, bob, time.Second)
	if m.Event == nil || m.Event.Key != key || string(m.Event.Value) != `{"x":1}` {
		t.Fatalf("join should replay current records, got %+v", m)
	}

	if v := recvView(t, r); v.NumClients != 2 || len(v.Ephemeral) != 1 {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestRoom_RejectsForeignKeys(t *testing.T) {
	r, _ := newRoom(t)
	alice := join(r, "c1", "alice", 8)
	bob := join(r, "c2", "bob", 8)

	set(r, "c1", ephemeral.Key("b1", ephemeral.ChannelCursor, "bob"), `{}`)
	m := recvFrame(t, alice, time.Second)
	if m.Type != types.FrameError {
		t.Fatalf("want error frame, got %+v", m)
	}
	recvNoFrame(t, bob, 50*time.Millisecond)

	set(r, "c1", ephemeral.Key("other", ephemeral.ChannelCursor, "alice"), `{}`)
	if m := recvFrame(t, alice, time.Second); m.Type != types.FrameError {
		t.Fatalf("want error frame for other board, got %+v", m)
	}
}

func TestRoom_LeaveFiresDisconnectHooks(t *testing.T) {
	r, _ := newRoom(t)
	alice := join(r, "c1", "alice", 8)
	bob := join(r, "c2", "bob", 8)

	key := ephemeral.Key("b1", ephemeral.ChannelPresence, "bob")
	set(r, "c2", key, `{"status":"online"}`)
	r.Inbox() <- FromClient{ClientID: "c2", Msg: types.ClientMessage{Type: types.FrameOnDisconnect, Key: key}}
	recvFrame(t, alice, time.Second)
	recvFrame(t, bob, time.Second)

	r.Inbox() <- Leave{ClientID: "c2"}
	m := recvFrame(t, alice, time.Second)
	if m.Event == nil || m.Event.Key != key || !m.Event.Removed {
		t.Fatalf("expected removal of %s, got %+v", key, m)
	}
}

func TestRoom_CancelledHookDoesNotFire(t *testing.T) {
	r, _ := newRoom(t)
	alice := join(r, "c1", "alice", 8)
	_ = join(r, "c2", "bob", 8)

	key := ephemeral.Key("b1", ephemeral.ChannelDrag, "bob")
	set(r, "c2", key, `{}`)
	r.Inbox() <- FromClient{ClientID: "c2", Msg: types.ClientMessage{Type: types.FrameOnDisconnect, Key: key}}
	r.Inbox() <- FromClient{ClientID: "c2", Msg: types.ClientMessage{Type: types.FrameCancelOnDisconnect, Key: key}}
	recvFrame(t, alice, time.Second)

	r.Inbox() <- Leave{ClientID: "c2"}
	recvNoFrame(t, alice, 100*time.Millisecond)
	if v := recvView(t, r); len(v.Ephemeral) != 1 {
		t.Fatalf("record should survive, view %+v", v)
	}
}

func TestRoom_ForwardsDurableChanges(t *testing.T) {
	r, store := newRoom(t)
	alice := join(r, "c1", "alice", 8)
	recvView(t, r) // join processed

	rec := boardstore.Record{Shape: shape.Shape{ID: "s1", Type: shape.TypeRect, UpdatedAt: 1}}
	if err := store.Create(context.Background(), "b1", rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	m := recvFrame(t, alice, time.Second)
	if m.Type != types.FrameChange || m.Change.Type != boardstore.ChangeAdded || m.Change.Record.ID != "s1" {
		t.Fatalf("unexpected frame %+v", m)
	}
}

func TestRoom_SlowClientIsDroppedAndItsHooksFire(t *testing.T) {
	r, _ := newRoom(t)
	alice := join(r, "c1", "alice", 64)
	slow := join(r, "c2", "bob", 1)

	bobKey := ephemeral.Key("b1", ephemeral.ChannelPresence, "bob")
	set(r, "c2", bobKey, `{}`)
	r.Inbox() <- FromClient{ClientID: "c2", Msg: types.ClientMessage{Type: types.FrameOnDisconnect, Key: bobKey}}

	key := ephemeral.Key("b1", ephemeral.ChannelCursor, "alice")
	for i := 0; i < 5; i++ {
		set(r, "c1", key, `{"x":1}`)
	}

	deadline := time.After(time.Second)
	for closed := false; !closed; {
		select {
		case _, ok := <-slow:
			closed = !ok
		case <-deadline:
			t.Fatal("slow client was not dropped")
		}
	}

	for {
		m := recvFrame(t, alice, time.Second)
		if m.Event != nil && m.Event.Key == bobKey && m.Event.Removed {
			break
		}
	}
	if v := recvView(t, r); v.NumClients != 1 {
		t.Fatalf("want 1 client, got %d", v.NumClients)
	}
}

func TestRoom_ShutdownClosesOutboxes(t *testing.T) {
	r, _ := newRoom(t)
	out := join(r, "c1", "alice", 8)
	r.Inbox() <- Shutdown{}

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected closed outbox")
		}
	case <-time.After(time.Second):
		t.Fatal("outbox not closed on shutdown")
	}
}
