// Package ws carries the control-plane link between the daemon and the
// desktop surface. Every connected client receives a full state snapshot
// on connect and incremental envelopes after that; commands flow in the
// other direction over the same socket.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	// Outbound buffer per client; a client that falls this far behind
	// is disconnected rather than allowed to stall the broadcast path.
	sendBuffer = 256
)

// CommandHandler processes one inbound command and returns the reply
// payload, or an error to be sent back on the same connection.
type CommandHandler func(cmdType string, payload json.RawMessage) (any, error)

// SnapshotFunc produces the full-state payload sent to a client on connect.
type SnapshotFunc func() any

type Hub struct {
	log       *zap.Logger
	upgrader  websocket.Upgrader
	seq       atomic.Int64
	onCommand CommandHandler
	snapshot  SnapshotFunc

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	// done is closed exactly once, under h.mu, when the hub unregisters
	// the client. The send channel itself is never closed: the reader
	// goroutine may still be publishing replies on it, and a send on a
	// closed channel panics even inside a select.
	done chan struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds to loopback; the desktop app connects
			// without an Origin header worth checking.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) SetCommandHandler(fn CommandHandler) { h.onCommand = fn }
func (h *Hub) SetSnapshot(fn SnapshotFunc)         { h.snapshot = fn }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	// Enqueued while holding h.mu: the buffer is fresh, so the send
	// cannot block, and no broadcast can interleave before the snapshot.
	if h.snapshot != nil {
		if data, err := h.envelope("state.snapshot", h.snapshot()); err == nil {
			c.send <- data
		}
	}
	h.mu.Unlock()

	h.log.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))

	go h.writer(c)
	go h.reader(c)
}

// Broadcast sends one envelope to every connected client. Clients whose
// send buffer is full are dropped.
func (h *Hub) Broadcast(msgType string, payload any) {
	data, err := h.envelope(msgType, payload)
	if err != nil {
		h.log.Error("failed to marshal broadcast", zap.String("type", msgType), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping slow client", zap.String("remote", c.conn.RemoteAddr().String()))
			h.dropLocked(c)
		}
	}
}

// dropLocked unregisters a client and signals its writer goroutine.
// Callers hold h.mu; the map membership check makes the drop idempotent
// between the broadcast path, Close and the reader's own remove.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.done)
}

func (h *Hub) envelope(msgType string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"v":       1,
		"type":    msgType,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"seq":     h.seq.Add(1),
		"payload": json.RawMessage(payloadBytes),
	})
}

func (h *Hub) reader(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var env struct {
			Type    string          `json:"type"`
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(message, &env); err != nil {
			h.log.Warn("failed to parse command", zap.Error(err))
			continue
		}

		if h.onCommand == nil {
			continue
		}
		result, err := h.onCommand(env.Type, env.Payload)
		if err != nil {
			h.reply(c, "error", map[string]any{
				"id":      env.ID,
				"command": env.Type,
				"error":   err.Error(),
			})
			continue
		}
		if result != nil {
			h.reply(c, "result", map[string]any{
				"id":      env.ID,
				"command": env.Type,
				"result":  result,
			})
		}
	}
}

func (h *Hub) reply(c *client, msgType string, payload any) {
	data, err := h.envelope(msgType, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) writer(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
	c.conn.Close()
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()
}
