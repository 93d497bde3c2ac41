package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/convert"
	"github.com/and161185/gophsync/internal/metrics"
	"github.com/and161185/gophsync/internal/model"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// Hub fans product events out to every connected WebSocket client.
// Each client receives events in publish order; a client that falls behind
// by more than its buffer is disconnected instead of silently skipping events.
type Hub struct {
	log      *zap.Logger
	metrics  *metrics.Server
	verifier TokenVerifier
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	username string

	// set under Hub.mu before send is closed
	closeCode int
	closeText string
}

// NewHub creates an empty hub. verifier checks in-band authorization messages.
func NewHub(log *zap.Logger, m *metrics.Server, verifier TokenVerifier) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:      log,
		metrics:  m,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*wsClient]struct{}{},
	}
}

// Publish implements service.Publisher.
func (h *Hub) Publish(ev model.Event) {
	b, err := convert.EncodeEvent(ev)
	if err != nil {
		h.log.Error("encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	h.metrics.Broadcast()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Warn("websocket client too slow, disconnecting", zap.String("user", c.username))
			h.dropLocked(c, websocket.CloseTryAgainLater, "client too slow")
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades an authenticated request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	username, _ := UsernameFromCtx(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer), username: username}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.SocketDelta(1)
	h.log.Info("websocket client connected", zap.String("user", username), zap.String("peer", r.RemoteAddr))

	go h.writeLoop(c)
	h.readLoop(c)
}

// inbound is the only client message the hub understands.
type inbound struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (h *Hub) readLoop(c *wsClient) {
	defer h.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read ended", zap.String("user", c.username), zap.Error(err))
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "authorization" {
			h.log.Debug("websocket message ignored", zap.String("user", c.username))
			continue
		}
		if _, err := h.verifier.VerifyToken(msg.Token); err != nil {
			h.log.Info("websocket re-authorization rejected", zap.String("user", c.username))
			h.closeWith(c, websocket.ClosePolicyViolation, "Invalid token")
			return
		}
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	defer func() { _ = c.conn.Close() }()
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			h.log.Debug("websocket write failed", zap.String("user", c.username), zap.Error(err))
			h.drop(c)
			return
		}
	}
	h.mu.Lock()
	code, text := c.closeCode, c.closeText
	h.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

func (h *Hub) closeWith(c *wsClient, code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeTimeout))
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c, websocket.CloseNormalClosure, "")
}

// dropLocked unregisters c; its writer then sends a close frame with code and
// releases the connection. A client dropped with anything but a normal or
// going-away code has missed events and must resynchronize.
func (h *Hub) dropLocked(c *wsClient, code int, text string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closeCode, c.closeText = code, text
	close(c.send)
	h.metrics.SocketDelta(-1)
	h.log.Info("websocket client disconnected", zap.String("user", c.username))
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c, websocket.CloseGoingAway, "server shutting down")
	}
}
