package dispatch

import (
	"container/list"
	"sync"

	"github.com/mindroomhq/mindroom/internal/matrix"
)

const (
	maxTrackedThreads = 4096
	maxThreadHistory  = 64
)

// ThreadIndex tracks per-thread participants and recent history. It feeds
// the continuity and multi-human dispatch rules and supplies conversation
// context to the reply pipeline. Threads are evicted least-recently-active.
type ThreadIndex struct {
	mu      sync.Mutex
	order   *list.List
	threads map[string]*list.Element
}

type threadState struct {
	id         string
	history    []matrix.Event
	agents     map[string]struct{} // entity ids that posted
	agentOrder []string
	humans     map[string]struct{} // human sender user ids
}

// NewThreadIndex creates an empty index.
func NewThreadIndex() *ThreadIndex {
	return &ThreadIndex{
		order:   list.New(),
		threads: make(map[string]*list.Element),
	}
}

// Observe records one event. senderEntity is the entity id when the sender
// is one of our bots, "" otherwise; foreignBot marks configured bot_accounts
// excluded from human detection. Edits rewrite the stored body in place.
func (ti *ThreadIndex) Observe(ev matrix.Event, senderEntity string, foreignBot bool) {
	threadID := ev.ThreadID
	if threadID == "" {
		threadID = ev.ID
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	st := ti.touch(threadID)

	if ev.IsEdit {
		for i := range st.history {
			if st.history[i].ID == ev.Replaces {
				st.history[i].Body = ev.Body
				st.history[i].Mentions = ev.Mentions
				return
			}
		}
		return
	}

	st.history = append(st.history, ev)
	if len(st.history) > maxThreadHistory {
		st.history = st.history[len(st.history)-maxThreadHistory:]
	}

	switch {
	case senderEntity != "":
		if _, ok := st.agents[senderEntity]; !ok {
			st.agents[senderEntity] = struct{}{}
			st.agentOrder = append(st.agentOrder, senderEntity)
		}
	case !foreignBot:
		st.humans[ev.Sender] = struct{}{}
	}
}

// RecordResponder marks an entity as having posted into a thread. Used when
// a reply is created so continuity applies before the bot's own message
// round-trips through sync.
func (ti *ThreadIndex) RecordResponder(threadID, entityID string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	st := ti.touch(threadID)
	if _, ok := st.agents[entityID]; !ok {
		st.agents[entityID] = struct{}{}
		st.agentOrder = append(st.agentOrder, entityID)
	}
}

// AgentResponders returns the entities that posted into a thread, in first
// post order.
func (ti *ThreadIndex) AgentResponders(threadID string) []string {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	el, ok := ti.threads[threadID]
	if !ok {
		return nil
	}
	st := el.Value.(*threadState)
	out := make([]string, len(st.agentOrder))
	copy(out, st.agentOrder)
	return out
}

// HumanCount returns the number of distinct human participants in a thread.
func (ti *ThreadIndex) HumanCount(threadID string) int {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	el, ok := ti.threads[threadID]
	if !ok {
		return 0
	}
	return len(el.Value.(*threadState).humans)
}

// History returns up to limit most recent events of a thread, oldest first.
func (ti *ThreadIndex) History(threadID string, limit int) []matrix.Event {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	el, ok := ti.threads[threadID]
	if !ok {
		return nil
	}
	st := el.Value.(*threadState)
	hist := st.history
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]matrix.Event, len(hist))
	copy(out, hist)
	return out
}

// touch returns the thread state, creating and promoting as needed.
// Caller holds the lock.
func (ti *ThreadIndex) touch(threadID string) *threadState {
	if el, ok := ti.threads[threadID]; ok {
		ti.order.MoveToFront(el)
		return el.Value.(*threadState)
	}
	st := &threadState{
		id:     threadID,
		agents: make(map[string]struct{}),
		humans: make(map[string]struct{}),
	}
	ti.threads[threadID] = ti.order.PushFront(st)

	for ti.order.Len() > maxTrackedThreads {
		oldest := ti.order.Back()
		ti.order.Remove(oldest)
		delete(ti.threads, oldest.Value.(*threadState).id)
	}
	return st
}
