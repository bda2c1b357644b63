package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/leadloop/activityd/internal/realtime"
	"github.com/leadloop/activityd/pkg/feed"
)

var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := realtimeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := realtime.NewClient(generateID(), SubjectFromContext(r.Context()), conn)
	h.realtimeHub.Register(client)
	defer h.realtimeHub.Unregister(client.ID())

	go client.WriteLoop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg feed.ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendRealtimeError(client, "invalid message")
			continue
		}

		switch msg.Type {
		case feed.ClientMessageTypeSubscribe:
			h.handleRealtimeSubscribe(client, msg.Events)
		case feed.ClientMessageTypeUnsubscribe:
			h.handleRealtimeUnsubscribe(client, msg.Events)
		case feed.ClientMessageTypePing:
			if !client.Queue(feed.ServerEnvelope{Type: feed.ServerMessageTypePong}) {
				return
			}
		case feed.ClientMessageTypePublish:
			h.handleRealtimePublish(r, client, msg)
		default:
			h.sendRealtimeError(client, "unsupported message type")
		}
	}
}

func (h *Handler) handleRealtimeSubscribe(client *realtime.Client, events []string) {
	valid := make([]string, 0, len(events))
	for _, name := range events {
		if !realtime.IsSupportedEvent(name) {
			h.sendRealtimeError(client, "unsupported event: "+name)
			continue
		}
		valid = append(valid, name)
	}
	if len(valid) == 0 {
		return
	}
	h.realtimeHub.Subscribe(client.ID(), valid)
}

func (h *Handler) handleRealtimeUnsubscribe(client *realtime.Client, events []string) {
	valid := make([]string, 0, len(events))
	for _, name := range events {
		if !realtime.IsSupportedEvent(name) {
			continue
		}
		valid = append(valid, name)
	}
	if len(valid) == 0 {
		return
	}
	h.realtimeHub.Unsubscribe(client.ID(), valid)
}

// handleRealtimePublish records a client-originated event pushed over the
// socket. Delivery is best effort: the publisher gets no confirmation, and
// failures are logged server-side only.
func (h *Handler) handleRealtimePublish(r *http.Request, client *realtime.Client, msg feed.ClientEnvelope) {
	if msg.Event != feed.EventActivityUpdate {
		h.sendRealtimeError(client, "unsupported event: "+msg.Event)
		return
	}

	var ev feed.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		h.sendRealtimeError(client, "invalid activity payload")
		return
	}

	if _, err := h.activity.Record(r.Context(), ev); err != nil {
		h.log.Warn().Err(err).Str("subject", client.Subject()).Msg("failed to record published activity")
	}
}

func (h *Handler) sendRealtimeError(client *realtime.Client, message string) {
	if !client.Queue(feed.ServerEnvelope{
		Type:    feed.ServerMessageTypeError,
		Message: message,
	}) {
		h.realtimeHub.Unregister(client.ID())
	}
}
