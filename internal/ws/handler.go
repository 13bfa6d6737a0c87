// Package ws serves the board websocket: ephemeral record frames from the
// client, ephemeral events and durable changes to it.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/collab-board/internal/hub"
	"github.com/DoyleJ11/collab-board/internal/room"
	"github.com/DoyleJ11/collab-board/internal/types"
)

const (
	outboxSize   = 256
	writeTimeout = 3 * time.Second
	pingInterval = 20 * time.Second
)

func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		board := r.URL.Query().Get("board")
		user := r.URL.Query().Get("user")
		if board == "" || user == "" {
			http.Error(w, "missing board or user", http.StatusBadRequest)
			return
		}

		rm := h.Ensure(r.Context(), board)
		if rm == nil {
			http.Error(w, "board unavailable", http.StatusServiceUnavailable)
			return
		}

		clientID := uuid.NewString()
		log := log.With(zap.String("board", board), zap.String("user", user), zap.String("client", clientID))

		// Join before the handshake completes, so a dialer that sees the
		// upgrade is already in the room.
		out := make(chan types.ServerMessage, outboxSize)
		rm.Inbox() <- room.Join{ClientID: clientID, UserID: user, Outbox: out}
		// Any way out of the handler is a disconnect for the room.
		defer func() { rm.Inbox() <- room.Leave{ClientID: clientID} }()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go writeLoop(ctx, cancel, conn, out, log)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Debug("client closed")
				default:
					log.Debug("client read failed", zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeFrame(ctx, conn, types.ErrorMessage("bad json"))
				continue
			}
			rm.Inbox() <- room.FromClient{ClientID: clientID, Msg: cm}
		}
	}
}

// writeLoop drains the outbox and keeps the connection alive with pings. When
// the room closes the outbox, or a write or ping fails, the connection ends.
func writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan types.ServerMessage, log *zap.Logger) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case m, ok := <-out:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "dropped by server")
				return
			}
			if err := writeFrame(ctx, conn, m); err != nil {
				log.Debug("write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, m types.ServerMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
