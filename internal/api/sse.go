package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/leadloop/activityd/pkg/feed"
)

// sseActivityEvents streams recorded activity events as Server-Sent Events.
// The subscription is registered before headers are flushed so that no
// events are lost between the client seeing the 200 and the first broadcast.
func (h *Handler) sseActivityEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	filter, err := parseActivityFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter", err.Error())
		return
	}

	subID := generateID()
	sub := h.broadcaster.Subscribe(subID, filter.Types...)
	defer h.broadcaster.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent serialises a single activity event in the SSE wire format:
//
//	event: activityUpdate\n
//	data: <json>\n
//	\n
func writeSSEEvent(w http.ResponseWriter, event feed.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", feed.EventActivityUpdate, data)
	return err
}
