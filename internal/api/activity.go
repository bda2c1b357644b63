package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leadloop/activityd/internal/storage"
	"github.com/leadloop/activityd/pkg/feed"
)

const defaultActivityLimit = 100
const maxActivityLimit = 500

func (h *Handler) listActivity(w http.ResponseWriter, r *http.Request) {
	filter, err := parseActivityFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter", err.Error())
		return
	}

	limit, err := parseActivityLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}

	offset, err := parseActivityCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor", err.Error())
		return
	}

	page, err := h.activity.List(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list activity", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) createActivity(w http.ResponseWriter, r *http.Request) {
	var ev feed.Event
	if err := decodeJSONBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(ev.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required", "")
		return
	}

	created, err := h.activity.Record(r.Context(), ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record activity", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) markActivityRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "activity id is required", "")
		return
	}

	updated, err := h.activity.MarkRead(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrActivityNotFound) {
			writeError(w, http.StatusNotFound, "activity not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mark activity read", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func parseActivityFilter(r *http.Request) (feed.Filter, error) {
	var filter feed.Filter

	if raw := r.URL.Query().Get("type"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			filter.Types = append(filter.Types, feed.EventType(name).Canonical())
		}
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return feed.Filter{}, err
		}
		filter.From = from
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return feed.Filter{}, err
		}
		filter.To = to
	}
	return filter, nil
}

func parseActivityLimit(r *http.Request) (int, error) {
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return 0, err
		}
		limit = value
	}
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}
	return limit, nil
}

func parseActivityCursor(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("cursor must be non-negative")
	}
	return value, nil
}
