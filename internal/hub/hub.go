// Package hub owns the set of live board rooms.
package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/room"
)

type HubMsg interface{ isHubMsg() }

type GetRoom struct {
	Board string
	Reply chan *room.Room
}

// EnsureRoom returns the board's room, starting it if needed. The reply is
// nil if the room could not start.
type EnsureRoom struct {
	Board string
	Reply chan *room.Room
}

type RemoveRoom struct {
	Board string
}

type ShutdownHub struct{}

func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

// Hub keeps rooms alive until shutdown.
// TODO: evict rooms once their last client leaves.
type Hub struct {
	inbox   chan HubMsg
	rooms   map[string]*room.Room
	durable boardstore.Store
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, durable boardstore.Store, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		rooms:   make(map[string]*room.Room),
		durable: durable,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Ensure is a synchronous EnsureRoom.
func (h *Hub) Ensure(ctx context.Context, board string) *room.Room {
	reply := make(chan *room.Room, 1)
	select {
	case h.inbox <- EnsureRoom{Board: board, Reply: reply}:
	case <-ctx.Done():
		return nil
	}
	select {
	case rm := <-reply:
		return rm
	case <-ctx.Done():
		return nil
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetRoom:
				msg.Reply <- h.rooms[msg.Board] // May be nil

			case EnsureRoom:
				if rm := h.rooms[msg.Board]; rm != nil {
					msg.Reply <- rm
					break
				}
				rm, err := room.New(h.ctx, msg.Board, h.durable, h.log)
				if err != nil {
					h.log.Error("start room", zap.String("board", msg.Board), zap.Error(err))
					msg.Reply <- nil
					break
				}
				h.rooms[msg.Board] = rm
				msg.Reply <- rm

			case RemoveRoom:
				if rm := h.rooms[msg.Board]; rm != nil {
					rm.Inbox() <- room.Shutdown{}
					delete(h.rooms, msg.Board)
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, rm := range h.rooms {
		rm.Inbox() <- room.Shutdown{}
	}
	clear(h.rooms)
	h.cancel()
}
