package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/mindroomhq/mindroom/internal/config"
	"github.com/mindroomhq/mindroom/internal/matrix"
	"github.com/mindroomhq/mindroom/internal/registry"
)

// Suggester picks the best-fit agent for an unaddressed message. The router
// implements this with an LLM call bounded by its own timeout; a failed or
// empty suggestion returns ok=false and is never an error.
type Suggester interface {
	Suggest(ctx context.Context, ev matrix.Event, roomID string) (entityID string, ok bool)
}

// Engine evaluates the dispatch rules for incoming events.
type Engine struct {
	reg     *registry.Registry
	tracker *ResponseTracker
	threads *ThreadIndex
	suggest Suggester

	mu   sync.RWMutex
	snap *config.Snapshot

	obsMu    sync.Mutex
	observed map[string]struct{}
	obsOrder []string
}

// NewEngine assembles the engine. suggest may be nil until the router is up.
func NewEngine(snap *config.Snapshot, reg *registry.Registry, tracker *ResponseTracker, threads *ThreadIndex) *Engine {
	return &Engine{
		reg:      reg,
		tracker:  tracker,
		threads:  threads,
		snap:     snap,
		observed: make(map[string]struct{}),
	}
}

// SetSuggester wires the router suggestion hook.
func (e *Engine) SetSuggester(s Suggester) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suggest = s
}

// Swap installs a new snapshot after a hot reload.
func (e *Engine) Swap(snap *config.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap = snap
}

func (e *Engine) snapshot() *config.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

func (e *Engine) suggester() Suggester {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.suggest
}

// Tracker exposes the response tracker for post-decision marking.
func (e *Engine) Tracker() *ResponseTracker { return e.tracker }

// Threads exposes the thread index for context gathering.
func (e *Engine) Threads() *ThreadIndex { return e.threads }

// Observe records an event into the thread index exactly once, even though
// every bot in the room delivers its own copy.
func (e *Engine) Observe(ev matrix.Event) {
	e.obsMu.Lock()
	if _, seen := e.observed[ev.ID]; seen {
		e.obsMu.Unlock()
		return
	}
	e.observed[ev.ID] = struct{}{}
	e.obsOrder = append(e.obsOrder, ev.ID)
	if len(e.obsOrder) > defaultTrackerCapacity {
		drop := e.obsOrder[0]
		e.obsOrder = e.obsOrder[1:]
		delete(e.observed, drop)
	}
	e.obsMu.Unlock()

	senderEntity := ""
	if ent, ok := e.reg.ByUserID(ev.Sender); ok {
		senderEntity = ent.ID
	}
	e.threads.Observe(ev, senderEntity, e.snapshot().IsBotAccount(ev.Sender))
}

// Decide runs the rule list for one event from the perspective of the
// receiving bot. The elected entity may differ from selfID; the caller acts
// only when it owns the elected entity.
func (e *Engine) Decide(ctx context.Context, ev matrix.Event, selfID string) Decision {
	snap := e.snapshot()

	// Rule 1: self filter. Voice transcriptions relayed by the router are
	// re-attributed to the referenced user and keep flowing.
	sender := ev.Sender
	if ev.TranscribedFor != "" {
		sender = ev.TranscribedFor
	} else if ev.Sender == e.reg.EntityUserID(selfID) {
		return ignore("self")
	}

	// Rule 2: authorization.
	if !e.authorized(snap, ev.RoomID, sender) {
		return ignore("unauthorized sender")
	}

	// Rule 3: edits. An edit of an already-answered message only updates
	// context; an edit of an unanswered one dispatches as the original.
	key := ev.ID
	if ev.IsEdit {
		if ev.Replaces == "" || e.tracker.SeenAny(ev.Replaces) {
			return Decision{Action: ActionUpdateContext, Reason: "edit after reply"}
		}
		key = ev.Replaces
	}

	// Rule 4: idempotency.
	if e.tracker.SeenAny(key) {
		return ignore("already handled")
	}

	// Rule 5: commands go to the router.
	if strings.HasPrefix(strings.TrimSpace(ev.Body), "!") {
		return Decision{Action: ActionRouterCommand, Reason: "command"}
	}

	// Rule 6: explicit mentions.
	mentioned := e.mentionedEntities(ev.Mentions)
	if len(mentioned) == 1 {
		return e.escalate(mentioned[0], "mention")
	}
	if len(mentioned) > 1 {
		return handleWithTeam(mentioned, config.TeamCollaborate, "multi-mention")
	}

	// Rule 7: unaddressed messages between agents are dropped to prevent
	// ping-pong.
	if e.reg.IsBot(sender) {
		return ignore("inter-agent")
	}

	if ev.ThreadID != "" {
		// Rule 8: thread continuity.
		if responders := e.threads.AgentResponders(ev.ThreadID); len(responders) == 1 {
			return e.escalate(responders[0], "thread continuity")
		}
		// Rule 9: with two or more humans in the thread, a mention is
		// required.
		if e.threads.HumanCount(ev.ThreadID) >= 2 {
			return ignore("mention required")
		}
	}

	// Rule 10: AI routing. A single agent in the room short-circuits the
	// suggestion call.
	agents := e.reg.AgentsInRoom(ev.RoomID)
	switch len(agents) {
	case 0:
		return ignore("no agents in room")
	case 1:
		return e.escalate(agents[0].ID, "single agent")
	}
	if s := e.suggester(); s != nil {
		if id, ok := s.Suggest(ctx, ev, ev.RoomID); ok {
			if _, known := e.reg.Get(id); known {
				return e.escalate(id, "router suggestion")
			}
			slog.Warn("dispatch.unknown_suggestion", "entity", id, "room", ev.RoomID)
		}
	}
	return ignore("no suggestion")
}

// escalate applies rule 11: an elected team expands to its members.
func (e *Engine) escalate(entityID, reason string) Decision {
	ent, ok := e.reg.Get(entityID)
	if ok && ent.Kind == config.KindTeam {
		d := handleWithTeam(ent.Members, ent.TeamMode, reason+" (team)")
		d.TeamID = ent.ID
		return d
	}
	return handleWith(entityID, reason)
}

// authorized checks the sender against the room's configured member set.
// Rooms without an explicit member list admit everyone; unknown rooms
// (created at runtime via invites) do too.
func (e *Engine) authorized(snap *config.Snapshot, roomID, sender string) bool {
	room, ok := snap.Room(roomID)
	if !ok || len(room.Members) == 0 {
		return true
	}
	for _, m := range room.Members {
		if m == sender {
			return true
		}
		// Members may be bare entity ids.
		if e.reg.EntityUserID(m) == sender {
			return true
		}
	}
	return false
}

// mentionedEntities maps mentioned user ids to entity ids, preserving
// mention order and dropping humans.
func (e *Engine) mentionedEntities(mentions []string) []string {
	var out []string
	for _, uid := range mentions {
		if ent, ok := e.reg.ByUserID(uid); ok {
			out = append(out, ent.ID)
		}
	}
	return out
}
