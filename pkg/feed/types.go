// Package feed defines the wire model shared by the activity service and its
// clients: activity events, the socket envelopes, and the snapshot filters.
package feed

import (
	"encoding/json"
	"time"
)

// EventType classifies an activity event. Unrecognized values coerce to
// EventTypeOther rather than failing decode.
type EventType string

const (
	EventTypeLogin    EventType = "login"
	EventTypeSecurity EventType = "security"
	EventTypeProfile  EventType = "profile"
	EventTypeOrder    EventType = "order"
	EventTypeOther    EventType = "other"
)

// Canonical maps any string onto the fixed event-type set.
func (t EventType) Canonical() EventType {
	switch t {
	case EventTypeLogin, EventTypeSecurity, EventTypeProfile, EventTypeOrder, EventTypeOther:
		return t
	default:
		return EventTypeOther
	}
}

// Event is a single activity entry. ID is server-assigned and is the dedup
// key; Timestamp is the sole sort key. Read is the only field a client ever
// mutates (mark-as-read).
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Read        bool           `json:"read,omitempty"`
}

// Filter narrows an activity listing. Zero values mean "no constraint".
type Filter struct {
	Types []EventType
	From  time.Time
	To    time.Time
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(ev Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type.Canonical() == t.Canonical() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

// EventActivityUpdate is the event name carrying activity payloads. The
// payload is either a single Event object or an array of Events; both shapes
// appear on the wire.
const EventActivityUpdate = "activityUpdate"

type ClientMessageType string

const (
	ClientMessageTypeSubscribe   ClientMessageType = "subscribe"
	ClientMessageTypeUnsubscribe ClientMessageType = "unsubscribe"
	ClientMessageTypePing        ClientMessageType = "ping"
	ClientMessageTypePublish     ClientMessageType = "publish"
)

type ServerMessageType string

const (
	ServerMessageTypeEvent ServerMessageType = "event"
	ServerMessageTypeError ServerMessageType = "error"
	ServerMessageTypePong  ServerMessageType = "pong"
)

// ClientEnvelope is a client-to-server socket message.
type ClientEnvelope struct {
	Type    ClientMessageType `json:"type"`
	Events  []string          `json:"events,omitempty"`
	Event   string            `json:"event,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// ServerEnvelope is a server-to-client socket message.
type ServerEnvelope struct {
	Type    ServerMessageType `json:"type"`
	Event   string            `json:"event,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Message string            `json:"message,omitempty"`
}

// ActivityPage is the snapshot response body.
type ActivityPage struct {
	Activities []Event `json:"activities"`
	NextCursor *string `json:"nextCursor,omitempty"`
}
