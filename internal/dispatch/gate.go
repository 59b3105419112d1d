package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate bounds per-entity reply concurrency. Each entity runs at most
// maxConcurrent replies with a bounded queue behind them; overflow is
// rejected so a flooded room degrades to dropped dispatches instead of
// unbounded goroutines.
type Gate struct {
	maxConcurrent int
	queueSize     int

	mu       sync.Mutex
	entities map[string]*entityGate
	notices  map[string]*rate.Limiter // room id -> overload notice limiter

	inflight sync.WaitGroup // accepted jobs not yet finished
}

type entityGate struct {
	jobs    chan func()
	workers int
}

// NewGate creates a gate. Non-positive arguments select the defaults
// (4 concurrent, queue of 32).
func NewGate(maxConcurrent, queueSize int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Gate{
		maxConcurrent: maxConcurrent,
		queueSize:     queueSize,
		entities:      make(map[string]*entityGate),
		notices:       make(map[string]*rate.Limiter),
	}
}

// Submit queues fn for the entity. Returns false when the entity's queue is
// full; the caller ignores the event and may post an overload notice.
func (g *Gate) Submit(entityID string, fn func()) bool {
	g.inflight.Add(1)
	job := func() {
		defer g.inflight.Done()
		fn()
	}

	g.mu.Lock()
	eg, ok := g.entities[entityID]
	if !ok {
		eg = &entityGate{jobs: make(chan func(), g.queueSize)}
		g.entities[entityID] = eg
	}

	select {
	case eg.jobs <- job:
	default:
		g.mu.Unlock()
		g.inflight.Done()
		return false
	}

	if eg.workers < g.maxConcurrent {
		eg.workers++
		go g.worker(eg)
	}
	g.mu.Unlock()
	return true
}

// worker drains the entity's queue and exits when it runs dry.
func (g *Gate) worker(eg *entityGate) {
	for {
		select {
		case fn := <-eg.jobs:
			g.run(fn)
		default:
			g.mu.Lock()
			// Re-check under the lock so a job racing in still gets a worker.
			select {
			case fn := <-eg.jobs:
				g.mu.Unlock()
				g.run(fn)
				continue
			default:
				eg.workers--
				g.mu.Unlock()
				return
			}
		}
	}
}

// run executes one job, containing panics to the job.
func (g *Gate) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch.reply_panic", "panic", r)
		}
	}()
	fn()
}

// Wait blocks until every accepted job has finished running. Shutdown uses
// this to let closing edits reach the server before the process exits.
func (g *Gate) Wait() {
	g.inflight.Wait()
}

// NoticeAllowed rate limits overload notices to one per minute per room.
func (g *Gate) NoticeAllowed(roomID string) bool {
	g.mu.Lock()
	lim, ok := g.notices[roomID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute), 1)
		g.notices[roomID] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}
