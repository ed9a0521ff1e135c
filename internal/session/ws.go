package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/agentbridge/internal/jambonz"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	eventBuffer    = 16
)

// Handler accepts control plane WebSocket connections and runs one session
// per connection.
type Handler struct {
	router   Router
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	active   atomic.Int64
}

// NewHandler creates a WebSocket session handler.
func NewHandler(router Router, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		router: router,
		opts:   opts,
		logger: logger.With("subsystem", "session"),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{jambonz.Subprotocol},
			// The control plane is not a browser.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ActiveSessions returns the number of open sessions.
func (h *Handler) ActiveSessions() int {
	return int(h.active.Load())
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	logger := h.logger.With("session_id", uuid.NewString())
	if ws.Subprotocol() != jambonz.Subprotocol {
		logger.Warn("client did not negotiate subprotocol", "subprotocol", ws.Subprotocol())
	}

	h.active.Add(1)
	defer h.active.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	conn := newWSConn(ws)
	events := make(chan Event, eventBuffer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readPump(ctx, ws, events, logger)
	}()

	New(h.router, conn, h.opts, logger).Run(ctx, events)

	cancel()
	_ = conn.Close()
	wg.Wait()
}

// readPump turns frames into events in arrival order. It returns when the
// connection fails or ctx is cancelled.
func readPump(ctx context.Context, ws *websocket.Conn, events chan<- Event, logger *slog.Logger) {
	defer close(events)
	ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				deliver(ctx, events, Closed{Code: ce.Code, Reason: ce.Text})
				return
			}
			deliver(ctx, events, SignalError{Err: fmt.Errorf("%w: reading frame: %v", ErrSignaling, err)})
			return
		}

		var msg jambonz.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		ev, err := EventFromMessage(msg)
		if err != nil {
			if msg.Type != jambonz.TypeSessionNew {
				logger.Warn("discarding frame", "type", msg.Type, "error", err)
				continue
			}
			// The session cannot start without its call.
			ev = SignalError{Err: fmt.Errorf("%w: %v", ErrSignaling, err)}
		}
		if !deliver(ctx, events, ev) {
			return
		}
	}
}

func deliver(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// wsConn serializes writes to a gorilla connection. Control frames may be
// written concurrently with data frames.
type wsConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(ack jambonz.Ack) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: setting write deadline: %v", ErrSignaling, err)
	}
	if err := c.ws.WriteJSON(ack); err != nil {
		return fmt.Errorf("%w: writing ack: %v", ErrSignaling, err)
	}
	return nil
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
