// Package live is the managed WebSocket connection that delivers remote-origin
// product events. It never reconnects on its own; the owner reopens it.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/convert"
	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
)

// State of the channel.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind tags a Message.
type Kind int

const (
	// KindEvent carries a parsed Event.
	KindEvent Kind = iota
	// KindMalformed carries the parse error of one inbound message; the channel stays open.
	KindMalformed
	// KindClosed is the last message after an orderly close.
	KindClosed
	// KindFailure is the last message after a transport failure.
	KindFailure
)

// Message is one item of the stream returned by Open.
type Message struct {
	Kind  Kind
	Event model.Event
	Err   error
}

// ErrAlreadyOpen is returned by Open when a connection is active.
var ErrAlreadyOpen = errors.New("live channel already open")

const writeWait = 5 * time.Second

// Channel is a reconnect-capable duplex stream to the backend's /ws endpoint.
type Channel struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	mu      sync.Mutex
	token   string
	state   State
	conn    *websocket.Conn
	closing chan struct{}
}

// New creates a closed channel for url. A nil dialer uses websocket.DefaultDialer.
func New(url string, dialer *websocket.Dialer, log *zap.Logger) *Channel {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{url: url, dialer: dialer, log: log}
}

// Authorize sets the token attached by the next Open. An open connection keeps its credential.
func (c *Channel) Authorize(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open connects and returns the ordered message stream. The stream ends with a
// KindClosed or KindFailure message (unless Close was called) and is then closed.
func (c *Channel) Open(ctx context.Context) (<-chan Message, error) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	c.state = StateConnecting
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket handshake: %w", errs.ErrUnauthorized, err)
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: websocket handshake status %d: %w", errs.ErrServerError, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", errs.ErrUnreachable, c.url, err)
	}

	closing := make(chan struct{})
	c.mu.Lock()
	c.state = StateOpen
	c.conn = conn
	c.closing = closing
	c.mu.Unlock()
	c.log.Info("live channel open", zap.String("url", c.url))

	out := make(chan Message, 16)
	go c.readLoop(conn, closing, out)
	return out, nil
}

func (c *Channel) readLoop(conn *websocket.Conn, closing chan struct{}, out chan<- Message) {
	defer close(out)

	send := func(m Message) bool {
		select {
		case out <- m:
			return true
		case <-closing:
			return false
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			last := c.finish(conn, err)
			send(last)
			return
		}
		ev, derr := convert.DecodeEvent(data)
		if derr != nil {
			c.log.Warn("malformed live message", zap.Error(derr))
			if !send(Message{Kind: KindMalformed, Err: derr}) {
				return
			}
			continue
		}
		if !send(Message{Kind: KindEvent, Event: ev}) {
			return
		}
	}
}

// finish moves an ended connection to StateClosed and classifies the read error.
func (c *Channel) finish(conn *websocket.Conn, readErr error) Message {
	c.mu.Lock()
	explicit := c.conn != conn
	if c.conn == conn {
		c.conn = nil
		c.closing = nil
		c.state = StateClosed
	}
	c.mu.Unlock()
	_ = conn.Close()

	if explicit || websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("live channel closed")
		return Message{Kind: KindClosed}
	}
	c.log.Warn("live channel failed", zap.Error(readErr))
	return Message{Kind: KindFailure, Err: fmt.Errorf("%w: %w", errs.ErrUnreachable, readErr)}
}

// Close ends the connection. It is idempotent and safe in StateClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn, closing := c.conn, c.closing
	c.conn, c.closing = nil, nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(closing)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(writeWait))
	return conn.Close()
}
