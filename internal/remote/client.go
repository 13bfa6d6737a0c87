// Package remote talks to a board server. Client implements both the durable
// store (over REST) and the ephemeral store (over the board websocket), so a
// board session can run against a real server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/ephemeral"
	"github.com/DoyleJ11/collab-board/internal/shape"
	"github.com/DoyleJ11/collab-board/internal/types"
)

const (
	requestTimeout = 10 * time.Second
	readLimit      = 4 << 20
)

var ErrOtherBoard = errors.New("client is connected to a different board")

type Option func(*Client)

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

type Client struct {
	base  string
	board string
	user  string
	http  *http.Client
	conn  *websocket.Conn
	log   *zap.Logger

	mu     sync.Mutex
	mirror map[string]json.RawMessage

	events  *fanout[ephemeral.Event]
	changes *fanout[boardstore.Change]

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ boardstore.Store = (*Client)(nil)
	_ ephemeral.KV     = (*Client)(nil)
)

// Dial opens the board websocket for user on board at baseURL
// (e.g. http://localhost:8080).
func Dial(ctx context.Context, baseURL, board, user string, opts ...Option) (*Client, error) {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		board:   board,
		user:    user,
		http:    &http.Client{Timeout: requestTimeout},
		log:     zap.NewNop(),
		mirror:  make(map[string]json.RawMessage),
		events:  newFanout[ephemeral.Event](),
		changes: newFanout[boardstore.Change](),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("board", board), zap.String("user", user))

	u, err := url.Parse(c.base + "/ws")
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"board": {board}, "user": {user}}.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn

	rctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(rctx)
	return c, nil
}

// Close ends the websocket. The server treats this as a disconnect, so hooks
// still registered fire.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
	<-c.done
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer c.changes.close()
	defer c.events.close()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("board connection lost", zap.Error(err))
			}
			return
		}

		var m types.ServerMessage
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Warn("ignoring malformed frame", zap.Error(err))
			continue
		}
		switch m.Type {
		case types.FrameEphemeral:
			if m.Event == nil {
				continue
			}
			c.applyEvent(*m.Event)
		case types.FrameChange:
			if m.Change == nil {
				continue
			}
			if n := c.changes.publish(*m.Change); n > 0 {
				c.log.Warn("change subscribers behind", zap.Int("missed", n))
			}
		case types.FrameError:
			c.log.Warn("server rejected frame", zap.String("error", m.Error))
		}
	}
}

// applyEvent updates the mirror and publishes under c.mu, so a concurrent
// Watch sees each event either in its snapshot or on its channel.
func (c *Client) applyEvent(ev ephemeral.Event) {
	c.mu.Lock()
	if ev.Removed {
		delete(c.mirror, ev.Key)
	} else {
		c.mirror[ev.Key] = ev.Value
	}
	n := c.events.publish(ev)
	c.mu.Unlock()
	if n > 0 {
		c.log.Debug("ephemeral watchers behind", zap.Int("missed", n))
	}
}

// Ephemeral store.

func (c *Client) Set(ctx context.Context, key string, value json.RawMessage) error {
	return c.send(ctx, types.ClientMessage{Type: types.FrameSet, Key: key, Value: value})
}

func (c *Client) Remove(ctx context.Context, key string) error {
	return c.send(ctx, types.ClientMessage{Type: types.FrameRemove, Key: key})
}

func (c *Client) OnDisconnectRemove(ctx context.Context, key string) (ephemeral.CancelFunc, error) {
	if err := c.send(ctx, types.ClientMessage{Type: types.FrameOnDisconnect, Key: key}); err != nil {
		return nil, err
	}
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = c.send(ctx, types.ClientMessage{Type: types.FrameCancelOnDisconnect, Key: key})
		})
		return err
	}, nil
}

func (c *Client) Watch(ctx context.Context, prefix string) (<-chan ephemeral.Event, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.mirror))
	for k := range c.mirror {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	initial := make([]ephemeral.Event, 0, len(keys))
	for _, k := range keys {
		initial = append(initial, ephemeral.Event{Key: k, Value: c.mirror[k]})
	}

	ch, stop, ok := c.events.add(ctx, func(ev ephemeral.Event) bool {
		return strings.HasPrefix(ev.Key, prefix)
	}, initial)
	if !ok {
		return nil, nil, ephemeral.ErrDisconnected
	}
	return ch, stop, nil
}

func (c *Client) send(ctx context.Context, m types.ClientMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("%w: %v", ephemeral.ErrDisconnected, err)
	}
	return nil
}

// Durable store.

func (c *Client) Create(ctx context.Context, boardID string, rec boardstore.Record) error {
	return c.do(ctx, http.MethodPost, c.shapesURL(boardID, ""), rec, nil)
}

func (c *Client) CreateBatch(ctx context.Context, boardID string, recs []boardstore.Record) error {
	if len(recs) > boardstore.MaxBatchSize {
		return boardstore.ErrBatchTooLarge
	}
	return c.do(ctx, http.MethodPost, c.shapesURL(boardID, "batch"), types.BatchRequest{Shapes: recs}, nil)
}

func (c *Client) Update(ctx context.Context, boardID, id string, patch shape.Patch, updatedBy string, updatedAt int64) error {
	body := types.UpdateRequest{Patch: patch, UpdatedBy: updatedBy, UpdatedAt: updatedAt}
	return c.do(ctx, http.MethodPatch, c.shapesURL(boardID, id), body, nil)
}

func (c *Client) Delete(ctx context.Context, boardID, id string, deletedBy string, deletedAt int64) error {
	body := types.DeleteRequest{DeletedBy: deletedBy, DeletedAt: deletedAt}
	return c.do(ctx, http.MethodDelete, c.shapesURL(boardID, id), body, nil)
}

func (c *Client) List(ctx context.Context, boardID string) ([]boardstore.Record, error) {
	var out types.ShapesResponse
	if err := c.do(ctx, http.MethodGet, c.shapesURL(boardID, ""), nil, &out); err != nil {
		return nil, err
	}
	return out.Shapes, nil
}

// Subscribe streams the change events the server pushes over the websocket.
// Only the board the client dialed is available.
func (c *Client) Subscribe(ctx context.Context, boardID string) (<-chan boardstore.Change, func(), error) {
	if boardID != c.board {
		return nil, nil, ErrOtherBoard
	}
	ch, stop, ok := c.changes.add(ctx, nil, nil)
	if !ok {
		return nil, nil, boardstore.ErrClosed
	}
	return ch, stop, nil
}

func (c *Client) shapesURL(boardID, tail string) string {
	u := c.base + "/boards/" + url.PathEscape(boardID) + "/shapes"
	if tail != "" {
		u += "/" + url.PathEscape(tail)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// statusError maps server status codes back onto the store's sentinels.
func statusError(resp *http.Response) error {
	var body types.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", boardstore.ErrNotFound, msg)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", boardstore.ErrBatchTooLarge, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", shape.ErrInvalidShape, msg)
	default:
		return fmt.Errorf("server returned %s: %s", resp.Status, msg)
	}
}
