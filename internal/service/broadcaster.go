// Package service wires the activity store to the fan-out paths: recording,
// mark-as-read, and the in-process broadcast feeding SSE and the socket hub.
package service

import (
	"sync"

	"github.com/leadloop/activityd/pkg/feed"
)

// Subscriber receives broadcast activity events. Types narrows delivery to
// the listed event types; empty means all.
type Subscriber struct {
	ID     string
	Types  []feed.EventType
	Events chan feed.Event
}

func (s *Subscriber) wants(ev feed.Event) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, t := range s.Types {
		if ev.Type.Canonical() == t.Canonical() {
			return true
		}
	}
	return false
}

// Broadcaster fans recorded activity events out to in-process subscribers
// with non-blocking sends: a subscriber that falls behind loses events
// rather than stalling the recorder.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
}

func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

func (b *Broadcaster) Subscribe(subscriberID string, types ...feed.EventType) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     subscriberID,
		Types:  types,
		Events: make(chan feed.Event, b.bufferSize),
	}
	b.subscribers[subscriberID] = sub
	return sub
}

func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
	}
}

func (b *Broadcaster) Broadcast(ev feed.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.Events <- ev:
		default:
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
