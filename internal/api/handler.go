// Package api exposes the activity service over REST, SSE, and the socket.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/leadloop/activityd/internal/realtime"
	"github.com/leadloop/activityd/internal/service"
	"github.com/leadloop/activityd/pkg/feed"
)

// Handler routes API requests to the activity service and bridges recorded
// events onto the socket hub.
type Handler struct {
	activity    *service.ActivityService
	broadcaster *service.Broadcaster
	verifier    *TokenVerifier
	realtimeHub *realtime.Hub
	log         zerolog.Logger
}

// NewHandler creates a Handler and starts the broadcast-to-socket bridge.
func NewHandler(activity *service.ActivityService, broadcaster *service.Broadcaster, verifier *TokenVerifier, logger zerolog.Logger) *Handler {
	h := &Handler{
		activity:    activity,
		broadcaster: broadcaster,
		verifier:    verifier,
		realtimeHub: realtime.NewHub(),
		log:         logger,
	}
	h.startRealtimeBridge()
	return h
}

// Mount registers all API routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.health)
	r.Group(func(r chi.Router) {
		r.Use(h.verifier.Middleware)
		r.Get("/api/v1/activity", h.listActivity)
		r.Post("/api/v1/activity", h.createActivity)
		r.Post("/api/v1/activity/{id}/read", h.markActivityRead)
		r.Get("/api/v1/activity/events", h.sseActivityEvents)
		r.Get("/api/v1/realtime", h.realtimeWebSocket)
	})
}

// startRealtimeBridge forwards every recorded event to socket subscribers of
// activityUpdate. Each push carries a single event object; clients also
// accept array payloads from backfill-style publishers.
func (h *Handler) startRealtimeBridge() {
	sub := h.broadcaster.Subscribe("realtime-bridge-" + generateID())
	go func() {
		for event := range sub.Events {
			payload, err := json.Marshal(event)
			if err != nil {
				h.log.Warn().Err(err).Str("id", event.ID).Msg("drop unencodable activity event")
				continue
			}
			h.realtimeHub.Publish(feed.EventActivityUpdate, feed.ServerEnvelope{
				Type:    feed.ServerMessageTypeEvent,
				Event:   feed.EventActivityUpdate,
				Payload: payload,
			})
		}
	}()
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	writeJSON(w, code, errorResponse{Error: message, Details: details})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSONBody(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(out)
}

func generateID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
