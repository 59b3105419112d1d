// Package registry indexes the snapshot's entities for the hot paths of
// dispatch: lookups by id, by Matrix user id, and by room membership.
package registry

import (
	"strings"
	"sync"

	"github.com/mindroomhq/mindroom/internal/config"
)

// UserID derives the Matrix user id for an entity on the given domain.
func UserID(entityID, domain string) string {
	return "@" + entityID + ":" + domain
}

// EntityID extracts the localpart from a Matrix user id, or "" when the id
// is not on the given domain.
func EntityID(userID, domain string) string {
	if !strings.HasPrefix(userID, "@") || !strings.HasSuffix(userID, ":"+domain) {
		return ""
	}
	return strings.TrimSuffix(userID[1:], ":"+domain)
}

// Registry is a read-mostly index over one snapshot generation. Swap replaces
// the whole index atomically; readers always see a consistent generation.
type Registry struct {
	mu       sync.RWMutex
	domain   string
	byID     map[string]config.Entity
	byUserID map[string]string   // matrix user id -> entity id
	rooms    map[string][]string // room id -> entity ids, entity order
	order    []string            // router first, then agents, then teams
	routerID string
}

// New builds a registry from the snapshot.
func New(snap *config.Snapshot) *Registry {
	r := &Registry{}
	r.Swap(snap)
	return r
}

// Swap rebuilds every index from a new snapshot. Called by the supervisor
// only, after a validated reload.
func (r *Registry) Swap(snap *config.Snapshot) {
	byID := make(map[string]config.Entity)
	byUserID := make(map[string]string)
	rooms := make(map[string][]string)
	var order []string

	for _, e := range snap.Entities() {
		byID[e.ID] = e
		byUserID[UserID(e.ID, snap.Homeserver.Domain)] = e.ID
		order = append(order, e.ID)
		for _, room := range e.Rooms {
			rooms[room] = append(rooms[room], e.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.domain = snap.Homeserver.Domain
	r.byID = byID
	r.byUserID = byUserID
	r.rooms = rooms
	r.order = order
	r.routerID = snap.RouterID()
}

// Get returns the entity for an id.
func (r *Registry) Get(id string) (config.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// ByUserID resolves a Matrix user id to an entity, when the sender is one of
// our bots.
func (r *Registry) ByUserID(userID string) (config.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUserID[userID]
	if !ok {
		return config.Entity{}, false
	}
	e, ok := r.byID[id]
	return e, ok
}

// IsBot reports whether a Matrix user id belongs to one of our entities.
func (r *Registry) IsBot(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUserID[userID]
	return ok
}

// Router returns the router entity.
func (r *Registry) Router() (config.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[r.routerID]
	return e, ok
}

// All returns every entity in registration order.
func (r *Registry) All() []config.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Agents returns the agent entities in config order.
func (r *Registry) Agents() []config.Entity {
	return r.filter(config.KindAgent)
}

// Teams returns the team entities in config order.
func (r *Registry) Teams() []config.Entity {
	return r.filter(config.KindTeam)
}

func (r *Registry) filter(kind config.EntityKind) []config.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []config.Entity
	for _, id := range r.order {
		if e := r.byID[id]; e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// InRoom returns the entities configured into a room, in entity order.
func (r *Registry) InRoom(roomID string) []config.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.rooms[roomID]
	out := make([]config.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id])
	}
	return out
}

// AgentsInRoom returns the agents (not teams, not the router) in a room.
func (r *Registry) AgentsInRoom(roomID string) []config.Entity {
	var out []config.Entity
	for _, e := range r.InRoom(roomID) {
		if e.Kind == config.KindAgent {
			out = append(out, e)
		}
	}
	return out
}

// Domain returns the homeserver domain of the current generation.
func (r *Registry) Domain() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.domain
}

// EntityUserID returns the Matrix user id for an entity in this registry's
// domain.
func (r *Registry) EntityUserID(entityID string) string {
	return UserID(entityID, r.Domain())
}
