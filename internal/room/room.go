// Package room runs one board on the server: it owns the board's ephemeral
// store, the connected clients, and fans out ephemeral events and durable
// changes to them.
package room

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/ephemeral"
	"github.com/DoyleJ11/collab-board/internal/types"
)

type Msg interface{ isRoomMsg() }

type Join struct {
	ClientID string
	UserID   string
	Outbox   chan types.ServerMessage // where this client receives frames
}

func (Join) isRoomMsg() {}

// Leave is sent when a client's socket closes, however it closed. Its
// disconnect hooks fire.
type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

type FromClient struct {
	ClientID string
	Msg      types.ClientMessage
}

func (FromClient) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type View struct {
	NumClients int
	Ephemeral  map[string]json.RawMessage
}

type client struct {
	userID string
	outbox chan types.ServerMessage
	conn   *ephemeral.Conn
}

type Room struct {
	board   string
	inbox   chan Msg
	clients map[string]*client
	kv      *ephemeral.Memory
	events  <-chan ephemeral.Event
	changes <-chan boardstore.Change
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New subscribes to the board's change stream and starts the room loop.
func New(parent context.Context, boardID string, durable boardstore.Store, log *zap.Logger) (*Room, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	log = log.With(zap.String("board", boardID))

	changes, _, err := durable.Subscribe(ctx, boardID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe board %s: %w", boardID, err)
	}

	kv := ephemeral.NewMemory(log)
	events, _, err := kv.Connect("room").Watch(ctx, "boards/"+boardID+"/")
	if err != nil {
		cancel()
		return nil, err
	}

	r := &Room{
		board:   boardID,
		inbox:   make(chan Msg, 64),
		clients: make(map[string]*client),
		kv:      kv,
		events:  events,
		changes: changes,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}

	go r.loop()
	return r, nil
}

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				break
			}
			r.broadcast(types.EphemeralMessage(ev))

		case c, ok := <-r.changes:
			if !ok {
				r.changes = nil
				break
			}
			r.broadcast(types.ChangeMessage(c))

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.join(msg)

			case Leave:
				if c, ok := r.clients[msg.ClientID]; ok {
					r.drop(msg.ClientID, c)
				}

			case FromClient:
				c, ok := r.clients[msg.ClientID]
				if !ok {
					break
				}
				if err := r.apply(c, msg.Msg); err != nil {
					r.send(msg.ClientID, c, types.ErrorMessage(err.Error()))
				}

			case GetState:
				msg.Reply <- View{
					NumClients: len(r.clients),
					Ephemeral:  r.kv.Snapshot("boards/" + r.board + "/"),
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

// join registers the client and replays the current ephemeral records to it.
func (r *Room) join(msg Join) {
	c := &client{userID: msg.UserID, outbox: msg.Outbox, conn: r.kv.Connect(msg.ClientID)}
	r.clients[msg.ClientID] = c
	for k, v := range r.kv.Snapshot("boards/" + r.board + "/") {
		if !r.send(msg.ClientID, c, types.EphemeralMessage(ephemeral.Event{Key: k, Value: v})) {
			return
		}
	}
	r.log.Debug("client joined", zap.String("client", msg.ClientID), zap.String("user", msg.UserID))
}

func (r *Room) apply(c *client, m types.ClientMessage) error {
	board, _, user, ok := ephemeral.ParseKey(m.Key)
	if !ok || board != r.board {
		return fmt.Errorf("invalid key %q", m.Key)
	}
	if user != c.userID {
		return fmt.Errorf("key %q belongs to another user", m.Key)
	}

	switch m.Type {
	case types.FrameSet:
		if !json.Valid(m.Value) {
			return fmt.Errorf("invalid value for %q", m.Key)
		}
		return c.conn.Set(r.ctx, m.Key, m.Value)
	case types.FrameRemove:
		return c.conn.Remove(r.ctx, m.Key)
	case types.FrameOnDisconnect:
		_, err := c.conn.OnDisconnectRemove(r.ctx, m.Key)
		return err
	case types.FrameCancelOnDisconnect:
		c.conn.CancelOnDisconnect(m.Key)
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", m.Type)
	}
}

func (r *Room) broadcast(m types.ServerMessage) {
	for id, c := range r.clients {
		r.send(id, c, m)
	}
}

// send delivers without blocking. A client whose outbox is full is dropped.
func (r *Room) send(id string, c *client, m types.ServerMessage) bool {
	select {
	case c.outbox <- m:
		return true
	default:
		r.log.Warn("dropping slow client", zap.String("client", id), zap.String("user", c.userID))
		r.drop(id, c)
		return false
	}
}

// drop disconnects a client: its outbox closes and its hooks fire.
func (r *Room) drop(id string, c *client) {
	delete(r.clients, id)
	close(c.outbox)
	c.conn.Drop()
}

func (r *Room) shutdown() {
	for id, c := range r.clients {
		close(c.outbox) // Tell client no more frames
		delete(r.clients, id)
	}
	r.kv.Close()
	r.cancel()
}

// Inbox exposes the room's mailbox to the websocket layer and tests.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) Board() string { return r.board }
