package feedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/leadloop/activityd/pkg/feed"
)

// SnapshotFetcher provides the one-shot backlog the reconciler merges with
// the live stream. Implemented by HTTPClient.
type SnapshotFetcher interface {
	FetchActivity(ctx context.Context, filter feed.Filter) ([]feed.Event, error)
}

// Reconciler merges a REST snapshot and live pushed events into a single
// deduplicated view, sorted by timestamp descending with ties broken by
// insertion order. Reconcilers are per-consumer; they share nothing but the
// read-only event fan-out.
//
// Pushes that arrive before the snapshot resolves are folded in immediately,
// never dropped. The snapshot then merges with keep-existing semantics: a
// live push is always at least as fresh as the backlog, so the final view is
// the same whichever source lands first.
type Reconciler struct {
	mu     sync.Mutex
	filter feed.Filter
	events []feed.Event
	loaded bool

	// pendingReads holds the pre-override read flag for optimistic
	// mark-as-read writes awaiting server confirmation.
	pendingReads map[string]bool
}

// NewReconciler creates an empty reconciler. The filter is applied to every
// event before merge, from either source.
func NewReconciler(filter feed.Filter) *Reconciler {
	return &Reconciler{
		filter:       filter,
		pendingReads: make(map[string]bool),
	}
}

// Load fetches the backlog once and merges it under the current filter.
// Fetch failures are returned as-is (typically a *FetchError); the
// reconciler does not retry. Cancel the context to abandon a fetch whose
// consumer has torn down — a cancelled fetch never mutates the view.
func (r *Reconciler) Load(ctx context.Context, fetcher SnapshotFetcher) error {
	snapshot, err := fetcher.FetchActivity(ctx, r.filter)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range snapshot {
		r.upsertLocked(ev, true)
	}
	r.loaded = true
	return nil
}

// Loaded reports whether a snapshot has been merged.
func (r *Reconciler) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// ApplyIncoming folds one pushed event into the view: same id replaces the
// existing entry at its new sorted position, otherwise the event is inserted
// where it sorts. O(n) per call.
func (r *Reconciler) ApplyIncoming(ev feed.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(ev, false)
}

// ApplyPayload folds an activityUpdate payload, branching on its JSON shape:
// an object is a single upsert, an array is a batch of upserts.
func (r *Reconciler) ApplyPayload(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty activity payload")
	}

	if trimmed[0] == '[' {
		var batch []feed.Event
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return fmt.Errorf("decode activity batch: %w", err)
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, ev := range batch {
			r.upsertLocked(ev, false)
		}
		return nil
	}

	var ev feed.Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return fmt.Errorf("decode activity event: %w", err)
	}
	r.ApplyIncoming(ev)
	return nil
}

// View returns a copy of the merged, sorted, deduplicated list.
func (r *Reconciler) View() []feed.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]feed.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of events in the view.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// MarkRead flips the read flag locally ahead of server confirmation and
// records the write as pending. Returns false if the id is not in the view.
func (r *Reconciler) MarkRead(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.indexLocked(id)
	if !ok {
		return false
	}
	if _, pending := r.pendingReads[id]; !pending {
		r.pendingReads[id] = r.events[i].Read
	}
	r.events[i].Read = true
	return true
}

// ResolveRead settles a pending mark-as-read. On server failure the local
// flag reverts to its pre-override value; on success the server copy is
// authoritative from here on.
func (r *Reconciler) ResolveRead(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, pending := r.pendingReads[id]
	if !pending {
		return
	}
	delete(r.pendingReads, id)
	if err == nil {
		return
	}
	if i, ok := r.indexLocked(id); ok {
		r.events[i].Read = prev
	}
}

// upsertLocked inserts or replaces by id. keepExisting marks snapshot
// entries, which never overwrite an event already delivered live.
func (r *Reconciler) upsertLocked(ev feed.Event, keepExisting bool) {
	ev.Type = ev.Type.Canonical()
	if !r.filter.Matches(ev) {
		return
	}

	if i, ok := r.indexLocked(ev.ID); ok {
		if keepExisting {
			return
		}
		// Keep the optimistic read flag while the mark-as-read write is
		// still in flight.
		if _, pending := r.pendingReads[ev.ID]; pending {
			ev.Read = r.events[i].Read
		}
		// An unchanged timestamp keeps the entry's slot in its tie group;
		// a re-delivery must not reshuffle the view.
		if r.events[i].Timestamp.Equal(ev.Timestamp) {
			r.events[i] = ev
			return
		}
		r.events = append(r.events[:i], r.events[i+1:]...)
	}

	// First index whose timestamp is strictly older: equal timestamps keep
	// insertion order, so re-renders do not flicker.
	pos := sort.Search(len(r.events), func(i int) bool {
		return r.events[i].Timestamp.Before(ev.Timestamp)
	})
	r.events = append(r.events, feed.Event{})
	copy(r.events[pos+1:], r.events[pos:])
	r.events[pos] = ev
}

func (r *Reconciler) indexLocked(id string) (int, bool) {
	for i := range r.events {
		if r.events[i].ID == id {
			return i, true
		}
	}
	return 0, false
}
