package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leadloop/activityd/internal/storage"
	"github.com/leadloop/activityd/pkg/feed"
)

// ActivityService records activity events and keeps every delivery path
// consistent: each write is persisted first, then broadcast so connected
// clients fold in the same copy the snapshot endpoint will serve.
type ActivityService struct {
	store       *storage.ActivityStore
	broadcaster *Broadcaster
	log         zerolog.Logger
}

func NewActivityService(store *storage.ActivityStore, broadcaster *Broadcaster, logger zerolog.Logger) *ActivityService {
	return &ActivityService{
		store:       store,
		broadcaster: broadcaster,
		log:         logger,
	}
}

// Record normalizes, persists, and broadcasts an event. Missing ids and
// timestamps are assigned server-side; unknown types coerce to "other".
func (s *ActivityService) Record(ctx context.Context, ev feed.Event) (feed.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Type = ev.Type.Canonical()

	if err := s.store.Upsert(ctx, ev); err != nil {
		return feed.Event{}, fmt.Errorf("record activity: %w", err)
	}

	s.log.Debug().Str("id", ev.ID).Str("type", string(ev.Type)).Msg("activity recorded")
	s.broadcaster.Broadcast(ev)
	return ev, nil
}

// MarkRead flags the event as read and broadcasts the updated copy. Clients
// that marked it optimistically converge through the dedup-replace path.
func (s *ActivityService) MarkRead(ctx context.Context, id string) (feed.Event, error) {
	ev, err := s.store.MarkRead(ctx, id)
	if err != nil {
		return feed.Event{}, err
	}
	s.broadcaster.Broadcast(ev)
	return ev, nil
}

// List returns one page of the activity backlog, newest first, with an
// offset cursor when more rows remain.
func (s *ActivityService) List(ctx context.Context, filter feed.Filter, limit, offset int) (feed.ActivityPage, error) {
	events, more, err := s.store.List(ctx, filter, limit, offset)
	if err != nil {
		return feed.ActivityPage{}, err
	}

	page := feed.ActivityPage{Activities: events}
	if more {
		next := fmt.Sprintf("%d", offset+len(events))
		page.NextCursor = &next
	}
	return page, nil
}
