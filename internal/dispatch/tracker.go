package dispatch

import (
	"container/list"
	"sync"
)

// defaultTrackerCapacity bounds the tracker's memory; old entries are
// evicted least-recently-marked first.
const defaultTrackerCapacity = 10000

// ResponseTracker remembers which entity replied to which event so duplicate
// deliveries and late edits never trigger a second reply.
type ResponseTracker struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recent
	entries  map[string]*list.Element // event id -> element
}

type trackerEntry struct {
	eventID  string
	entities map[string]struct{}
}

// NewResponseTracker creates a tracker. capacity <= 0 selects the default.
func NewResponseTracker(capacity int) *ResponseTracker {
	if capacity <= 0 {
		capacity = defaultTrackerCapacity
	}
	return &ResponseTracker{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Mark records that entity is replying to event. Called before any reply
// work starts. Returns false when the pair was already marked.
func (t *ResponseTracker) Mark(eventID, entityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[eventID]
	if ok {
		t.order.MoveToFront(el)
		entry := el.Value.(*trackerEntry)
		if _, dup := entry.entities[entityID]; dup {
			return false
		}
		entry.entities[entityID] = struct{}{}
		return true
	}

	entry := &trackerEntry{
		eventID:  eventID,
		entities: map[string]struct{}{entityID: {}},
	}
	t.entries[eventID] = t.order.PushFront(entry)

	for t.order.Len() > t.capacity {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.entries, oldest.Value.(*trackerEntry).eventID)
	}
	return true
}

// Seen reports whether the given entity already replied to the event.
func (t *ResponseTracker) Seen(eventID, entityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[eventID]
	if !ok {
		return false
	}
	_, ok = el.Value.(*trackerEntry).entities[entityID]
	return ok
}

// SeenAny reports whether any entity replied to the event.
func (t *ResponseTracker) SeenAny(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[eventID]
	return ok
}

// Len returns the number of tracked events.
func (t *ResponseTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
