package realtime

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/leadloop/activityd/pkg/feed"
)

const outboundBufferSize = 64

// Client is one connected socket with its subscription set and a buffered
// outbound queue. A full queue marks the client as too slow; the hub evicts
// it rather than blocking the publish path.
type Client struct {
	id      string
	subject string
	conn    *websocket.Conn
	send    chan feed.ServerEnvelope
	mu      sync.RWMutex
	events  map[string]struct{}
	closed  bool
	close   sync.Once
}

func NewClient(id, subject string, conn *websocket.Conn) *Client {
	return &Client{
		id:      id,
		subject: subject,
		conn:    conn,
		send:    make(chan feed.ServerEnvelope, outboundBufferSize),
		events:  make(map[string]struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Subject is the authenticated principal the connection was opened with.
func (c *Client) Subject() string {
	return c.subject
}

// Queue offers the envelope to the outbound buffer. It returns false when the
// buffer is full or the client is already closed; the hub may hold a stale
// reference to a closed client between its snapshot and the send.
func (c *Client) Queue(msg feed.ServerEnvelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) WriteLoop() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Client) Close() {
	c.close.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) Subscribe(events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range events {
		c.events[name] = struct{}{}
	}
}

func (c *Client) Unsubscribe(events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range events {
		delete(c.events, name)
	}
}

func (c *Client) IsSubscribed(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.events[event]
	return ok
}
