// Package feedclient is the client side of the activity feed: a managed
// socket connection, a REST snapshot fetcher, and a reconciler that merges
// the two sources into one deduplicated, time-ordered view.
package feedclient

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leadloop/activityd/pkg/feed"
)

// State is the connection lifecycle state. Consumers observe it through
// OnStateChange; only the Client mutates it.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Handler receives the payload of a named server-pushed event.
type Handler func(payload json.RawMessage)

// StateHandler observes connection state transitions.
type StateHandler func(state State)

type handlerEntry struct {
	id int
	fn Handler
}

type stateEntry struct {
	id int
	fn StateHandler
}

// Client owns the single live event-stream connection for a session. It
// handles the auth handshake, bounded reconnection with backoff, and fans
// incoming events out to subscribers. Connection failures never surface as
// errors on the data path; they appear only as state transitions.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    zerolog.Logger

	// delay is the reconnect schedule; swapped out in tests.
	delay func(attempt int) time.Duration

	// wmu serializes socket writes (subscribe frames, Emit).
	wmu sync.Mutex

	mu        sync.Mutex
	state     State
	token     string
	conn      *websocket.Conn
	gen       int
	nextID    int
	handlers  map[string][]handlerEntry
	stateSubs []stateEntry
}

// New creates a disconnected Client for the given websocket URL.
func New(wsURL string, logger zerolog.Logger) *Client {
	return &Client{
		url:      wsURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      logger,
		delay:    reconnectDelay,
		state:    StateDisconnected,
		handlers: make(map[string][]handlerEntry),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection using the given bearer token. It is
// idempotent: if already connecting or connected with the same token it does
// nothing. A different token tears down the prior connection and redials.
// An empty token leaves the client disconnected — the unauthenticated
// visitor case, not an error.
func (c *Client) Connect(token string) {
	c.mu.Lock()
	if token == "" {
		notify := c.teardownLocked(StateDisconnected)
		c.mu.Unlock()
		fire(notify, StateDisconnected)
		return
	}
	if c.token == token && (c.state == StateConnected || c.state == StateConnecting) {
		c.mu.Unlock()
		return
	}
	c.closeConnLocked()
	c.token = token
	c.gen++
	gen := c.gen
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	fire(notify, StateConnecting)
	go c.dialLoop(gen, 1)
}

// Retry leaves the terminal failed state and starts a fresh dial sequence.
// It is a no-op in any other state.
func (c *Client) Retry() {
	c.mu.Lock()
	if c.state != StateFailed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	fire(notify, StateConnecting)
	go c.dialLoop(gen, 1)
}

// Subscribe registers a handler for every future event with the given name
// and returns its disposer. Handlers for the same name run in registration
// order. The disposer must be called on consumer teardown; it is safe to
// call more than once.
func (c *Client) Subscribe(event string, fn Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.handlers[event]) == 0
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	conn := c.conn
	c.mu.Unlock()

	if first && conn != nil {
		c.writeEnvelope(conn, feed.ClientEnvelope{
			Type:   feed.ClientMessageTypeSubscribe,
			Events: []string{event},
		})
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeHandler(event, id) })
	}
}

func (c *Client) removeHandler(event string, id int) {
	c.mu.Lock()
	entries := c.handlers[event]
	for i, entry := range entries {
		if entry.id == id {
			c.handlers[event] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	last := len(c.handlers[event]) == 0
	if last {
		delete(c.handlers, event)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		c.writeEnvelope(conn, feed.ClientEnvelope{
			Type:   feed.ClientMessageTypeUnsubscribe,
			Events: []string{event},
		})
	}
}

// OnStateChange registers an observer for connection state transitions,
// separate from the data-event channel, and returns its disposer.
func (c *Client) OnStateChange(fn StateHandler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.stateSubs = append(c.stateSubs, stateEntry{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			for i, entry := range c.stateSubs {
				if entry.id == id {
					c.stateSubs = append(c.stateSubs[:i], c.stateSubs[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
		})
	}
}

// Emit fires a client-originated event, best effort: no delivery
// confirmation, silently dropped unless currently connected.
func (c *Client) Emit(event string, payload any) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn().Err(err).Str("event", event).Msg("drop unencodable emit")
		return
	}
	c.writeEnvelope(conn, feed.ClientEnvelope{
		Type:    feed.ClientMessageTypePublish,
		Event:   event,
		Payload: raw,
	})
}

// Disconnect closes the connection, clears all subscriptions, and resets the
// state to disconnected. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	notify := c.teardownLocked(StateDisconnected)
	c.handlers = make(map[string][]handlerEntry)
	c.stateSubs = nil
	c.token = ""
	c.mu.Unlock()
	fire(notify, StateDisconnected)
}

// teardownLocked invalidates in-flight dial/read goroutines, closes the
// socket, and moves to the given state. Returns observers to notify.
func (c *Client) teardownLocked(s State) []StateHandler {
	c.gen++
	c.closeConnLocked()
	return c.setStateLocked(s)
}

func (c *Client) closeConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// setStateLocked records the transition and returns the observers to invoke
// once the lock is released.
func (c *Client) setStateLocked(s State) []StateHandler {
	if c.state == s {
		return nil
	}
	c.state = s
	if len(c.stateSubs) == 0 {
		return nil
	}
	observers := make([]StateHandler, len(c.stateSubs))
	for i, entry := range c.stateSubs {
		observers[i] = entry.fn
	}
	return observers
}

func fire(observers []StateHandler, s State) {
	for _, fn := range observers {
		fn(s)
	}
}

// dialLoop attempts to establish the connection for generation gen, backing
// off between bounded attempts. Exhausting the attempts is terminal: the
// client parks in StateFailed until Retry.
func (c *Client) dialLoop(gen, attempt int) {
	for {
		c.mu.Lock()
		if gen != c.gen || c.state != StateConnecting {
			c.mu.Unlock()
			return
		}
		token := c.token
		c.mu.Unlock()

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, resp, err := c.dialer.Dial(c.url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				_ = conn.Close()
				return
			}
			c.conn = conn
			events := make([]string, 0, len(c.handlers))
			for name := range c.handlers {
				events = append(events, name)
			}
			notify := c.setStateLocked(StateConnected)
			c.mu.Unlock()

			if len(events) > 0 {
				c.writeEnvelope(conn, feed.ClientEnvelope{
					Type:   feed.ClientMessageTypeSubscribe,
					Events: events,
				})
			}
			fire(notify, StateConnected)
			go c.readLoop(gen, conn)
			return
		}

		c.log.Debug().Err(err).Int("attempt", attempt).Msg("dial failed")
		if attempt >= maxReconnectAttempts {
			c.mu.Lock()
			var notify []StateHandler
			if gen == c.gen && c.state == StateConnecting {
				notify = c.setStateLocked(StateFailed)
			}
			c.mu.Unlock()
			fire(notify, StateFailed)
			return
		}
		time.Sleep(c.delay(attempt))
		attempt++
	}
}

// readLoop pumps server envelopes until the socket drops. A drop with the
// generation still current is transient: the loop schedules a fresh dial
// sequence. A stale generation means a deliberate teardown already happened.
func (c *Client) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env feed.ServerEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn().Err(err).Msg("drop undecodable server message")
			continue
		}
		switch env.Type {
		case feed.ServerMessageTypeEvent:
			c.dispatch(env.Event, env.Payload)
		case feed.ServerMessageTypeError:
			c.log.Warn().Str("message", env.Message).Msg("server error")
		case feed.ServerMessageTypePong:
		}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.closeConnLocked()
	c.gen++
	next := c.gen
	dropped := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	fire(dropped, StateDisconnected)

	c.mu.Lock()
	var reconnecting []StateHandler
	if next == c.gen {
		reconnecting = c.setStateLocked(StateConnecting)
	}
	resume := next == c.gen && c.state == StateConnecting
	c.mu.Unlock()
	fire(reconnecting, StateConnecting)
	if resume {
		go c.dialLoop(next, 1)
	}
}

func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	entries := c.handlers[event]
	fns := make([]Handler, len(entries))
	for i, entry := range entries {
		fns[i] = entry.fn
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

func (c *Client) writeEnvelope(conn *websocket.Conn, env feed.ClientEnvelope) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		c.log.Debug().Err(err).Msg("socket write failed")
	}
}
