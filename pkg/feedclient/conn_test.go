package feedclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leadloop/activityd/pkg/feed"
)

type wsTestServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	inbound   []feed.ClientEnvelope
	connCount int
	tokens    []string
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{t: t}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.connCount++
		ws.conns = append(ws.conns, conn)
		ws.tokens = append(ws.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		ws.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env feed.ClientEnvelope
			if json.Unmarshal(raw, &env) != nil {
				continue
			}
			ws.mu.Lock()
			ws.inbound = append(ws.inbound, env)
			ws.mu.Unlock()
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsTestServer) connections() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.connCount
}

func (ws *wsTestServer) messages() []feed.ClientEnvelope {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]feed.ClientEnvelope, len(ws.inbound))
	copy(out, ws.inbound)
	return out
}

func (ws *wsTestServer) push(env feed.ServerEnvelope) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.conns) == 0 {
		ws.t.Fatal("push with no connected client")
	}
	conn := ws.conns[len(ws.conns)-1]
	if err := conn.WriteJSON(env); err != nil {
		ws.t.Fatalf("push: %v", err)
	}
}

func (ws *wsTestServer) dropAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, conn := range ws.conns {
		_ = conn.Close()
	}
	ws.conns = nil
}

func newTestClient(url string) *Client {
	c := New(url, zerolog.Nop())
	c.delay = func(int) time.Duration { return time.Millisecond }
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func eventPayload(t *testing.T, id string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(feed.Event{ID: id, Type: feed.EventTypeOrder, Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestClient_ConnectIdempotent(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestClient(ws.url())
	defer c.Disconnect()

	c.Connect("token-a")
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	c.Connect("token-a")
	c.Connect("token-a")
	time.Sleep(50 * time.Millisecond)

	if got := ws.connections(); got != 1 {
		t.Fatalf("connection count = %d, want 1", got)
	}
}

func TestClient_ConnectNewTokenRedials(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestClient(ws.url())
	defer c.Disconnect()

	c.Connect("token-a")
	waitFor(t, "first connection", func() bool { return ws.connections() == 1 })

	c.Connect("token-b")
	waitFor(t, "second connection", func() bool { return ws.connections() == 2 })

	ws.mu.Lock()
	tokens := append([]string(nil), ws.tokens...)
	ws.mu.Unlock()
	if tokens[0] != "token-a" || tokens[1] != "token-b" {
		t.Fatalf("tokens = %v, want [token-a token-b]", tokens)
	}
}

func TestClient_EmptyTokenStaysDisconnected(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestClient(ws.url())

	c.Connect("")
	time.Sleep(50 * time.Millisecond)

	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %q, want %q", got, StateDisconnected)
	}
	if got := ws.connections(); got != 0 {
		t.Fatalf("connection count = %d, want 0", got)
	}
}

func TestClient_SubscribeDispatchesInRegistrationOrder(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestClient(ws.url())
	defer c.Disconnect()

	var (
		mu    sync.Mutex
		order []string
	)
	c.Subscribe(feed.EventActivityUpdate, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	c.Subscribe(feed.EventActivityUpdate, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})
	c.Subscribe("otherEvent", func(json.RawMessage) {
		mu.Lock()
		order = append(order, "wrong-event")
		mu.Unlock()
	})

	c.Connect("token")
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	ws.push(feed.ServerEnvelope{
		Type:    feed.ServerMessageTypeEvent,
		Event:   feed.EventActivityUpdate,
		Payload: eventPayload(t, "1"),
	})

	waitFor(t, "handlers", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "first" || order[1] != "second" {
		t.Fatalf("handler order = %v, want [first second]", order)
	}
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestClient(ws.url())
	defer c.Disconnect()

	var (
		mu            sync.Mutex
		kept, dropped int
	)
	c.Subscribe(feed.EventActivityUpdate, func(json.RawMessage) {
		mu.Lock()
		kept++
		mu.Unlock()
	})
	unsub := c.Subscribe(feed.EventActivityUpdate, func(json.RawMessage) {
		mu.Lock()
		dropped++
		mu.Unlock()
	})

	c.Connect("token")
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	unsub()
	unsub() // safe to call twice

	ws.push(feed.ServerEnvelope{
		Type:    feed.ServerMessageTypeEvent,
		Event:   feed.EventActivityUpdate,
		Payload: eventPayload(t, "1"),
	})

	waitFor(t, "kept handler", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kept == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if dropped != 0 {
		t.Fatalf("unsubscribed handler fired %d times", dropped)
	}
}

func TestClient_SubscribeSentOnConnect(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestClient(ws.url())
	defer c.Disconnect()

	c.Subscribe(feed.EventActivityUpdate, func(json.RawMessage) {})
	c.Connect("token")
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	waitFor(t, "subscribe envelope", func() bool {
		for _, msg := range ws.messages() {
			if msg.Type == feed.ClientMessageTypeSubscribe {
				for _, name := range msg.Events {
					if name == feed.EventActivityUpdate {
						return true
					}
				}
			}
		}
		return false
	})
}

func TestClient_EmitDroppedUnlessConnected(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestClient(ws.url())
	defer c.Disconnect()

	// Not connected: silently dropped.
	c.Emit(feed.EventActivityUpdate, feed.Event{ID: "dropped"})

	c.Connect("token")
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	c.Emit(feed.EventActivityUpdate, feed.Event{ID: "sent", Type: feed.EventTypeOther, Timestamp: time.Now()})

	waitFor(t, "publish envelope", func() bool {
		for _, msg := range ws.messages() {
			if msg.Type == feed.ClientMessageTypePublish {
				var ev feed.Event
				if json.Unmarshal(msg.Payload, &ev) == nil && ev.ID == "sent" {
					return true
				}
			}
		}
		return false
	})

	for _, msg := range ws.messages() {
		if msg.Type == feed.ClientMessageTypePublish {
			var ev feed.Event
			if json.Unmarshal(msg.Payload, &ev) == nil && ev.ID == "dropped" {
				t.Fatal("emit before connect reached the server")
			}
		}
	}
}

func TestClient_ReconnectAfterDrop(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestClient(ws.url())
	defer c.Disconnect()

	c.Subscribe(feed.EventActivityUpdate, func(json.RawMessage) {})
	c.Connect("token")
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	ws.dropAll()
	waitFor(t, "reconnected", func() bool { return ws.connections() == 2 && c.State() == StateConnected })

	// Subscriptions are re-established on the new socket.
	waitFor(t, "resubscribe", func() bool {
		count := 0
		for _, msg := range ws.messages() {
			if msg.Type == feed.ClientMessageTypeSubscribe {
				count++
			}
		}
		return count >= 2
	})
}

func TestClient_FailsAfterExhaustedRetriesThenRetry(t *testing.T) {
	// A server that is already closed refuses every dial.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := newTestClient(url)

	var (
		mu     sync.Mutex
		states []State
	)
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c.Connect("token")
	waitFor(t, "failed state", func() bool { return c.State() == StateFailed })

	mu.Lock()
	sawConnecting := false
	for _, s := range states {
		if s == StateConnecting {
			sawConnecting = true
		}
	}
	last := states[len(states)-1]
	mu.Unlock()
	if !sawConnecting {
		t.Fatal("state observer never saw connecting")
	}
	if last != StateFailed {
		t.Fatalf("last observed state = %q, want %q", last, StateFailed)
	}

	// Manual retry leaves the terminal state.
	c.Retry()
	waitFor(t, "failed -> connecting transition", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for i := 1; i < len(states); i++ {
			if states[i-1] == StateFailed && states[i] == StateConnecting {
				return true
			}
		}
		return false
	})
}

func TestClient_DisconnectIdempotentAndClearsHandlers(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestClient(ws.url())

	fired := make(chan struct{}, 8)
	c.Subscribe(feed.EventActivityUpdate, func(json.RawMessage) { fired <- struct{}{} })

	c.Connect("token")
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	c.Disconnect()
	c.Disconnect()

	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %q, want %q", got, StateDisconnected)
	}

	// Reconnecting after Disconnect delivers nothing to the old handler.
	c.Connect("token")
	waitFor(t, "second connection", func() bool { return ws.connections() == 2 && c.State() == StateConnected })
	ws.push(feed.ServerEnvelope{
		Type:    feed.ServerMessageTypeEvent,
		Event:   feed.EventActivityUpdate,
		Payload: eventPayload(t, "1"),
	})

	select {
	case <-fired:
		t.Fatal("handler fired after Disconnect cleared subscriptions")
	case <-time.After(100 * time.Millisecond):
	}
	c.Disconnect()
}

func TestReconnectDelaySchedule(t *testing.T) {
	if reconnectDelay(1) != baseReconnectDelay {
		t.Fatalf("delay(1) = %s, want %s", reconnectDelay(1), baseReconnectDelay)
	}
	if reconnectDelay(2) != baseReconnectDelay*reconnectBackoffFactor {
		t.Fatalf("delay(2) = %s", reconnectDelay(2))
	}
	if reconnectDelay(100) != maxReconnectDelay {
		t.Fatalf("delay(100) = %s, want cap %s", reconnectDelay(100), maxReconnectDelay)
	}
}
