// Package orchestrator supervises the whole deployment: it materializes the
// snapshot into running bots, routes their events through dispatch into the
// reply pipeline, applies hot reloads, and tears everything down on shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/mindroomhq/mindroom/internal/bot"
	"github.com/mindroomhq/mindroom/internal/config"
	"github.com/mindroomhq/mindroom/internal/dispatch"
	"github.com/mindroomhq/mindroom/internal/matrix"
	"github.com/mindroomhq/mindroom/internal/mcp"
	"github.com/mindroomhq/mindroom/internal/memory"
	"github.com/mindroomhq/mindroom/internal/providers"
	"github.com/mindroomhq/mindroom/internal/registry"
	"github.com/mindroomhq/mindroom/internal/reply"
	"github.com/mindroomhq/mindroom/internal/router"
	"github.com/mindroomhq/mindroom/internal/scheduler"
	"github.com/mindroomhq/mindroom/internal/tools"
)

const (
	shutdownDeadline = 10 * time.Second
	bringupRetry     = 60 * time.Second
	restartWindow    = 60 * time.Second
	restartLimit     = 3
)

// Orchestrator is the process supervisor.
type Orchestrator struct {
	cfgPath string

	mu       sync.Mutex
	snap     *config.Snapshot
	bots     map[string]*bot.Bot
	degraded map[string]bool
	starts   map[string][]time.Time

	reg       *registry.Registry
	engine    *dispatch.Engine
	gate      *dispatch.Gate
	pipeline  *reply.Pipeline
	router    *router.Router
	sched     *scheduler.Scheduler
	providers *providers.Registry
	tools     *tools.Registry
	mcpMgr    *mcp.Manager
	memory    memory.Store
	creds     *matrix.CredentialCache
	stops     *reply.StopManager

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the orchestrator from a parsed snapshot. cfgPath is watched
// for hot reloads.
func New(snap *config.Snapshot, cfgPath string) (*Orchestrator, error) {
	o := &Orchestrator{
		cfgPath:  cfgPath,
		snap:     snap,
		bots:     make(map[string]*bot.Bot),
		degraded: make(map[string]bool),
		starts:   make(map[string][]time.Time),
	}

	o.reg = registry.New(snap)
	o.gate = dispatch.NewGate(snap.Defaults.MaxConcurrentReplies, snap.Defaults.ReplyQueueSize)
	o.engine = dispatch.NewEngine(snap, o.reg,
		dispatch.NewResponseTracker(snap.Defaults.ResponseTrackerCapacity),
		dispatch.NewThreadIndex())
	o.stops = reply.NewStopManager()
	o.tools = tools.NewRegistry()
	o.mcpMgr = mcp.NewManager(o.tools)
	o.providers = providers.NewRegistry(snap)

	credsDir := snap.Homeserver.CredentialsDir
	if credsDir == "" {
		credsDir = "~/.mindroom/credentials"
	}
	o.creds = matrix.NewCredentialCache(config.ExpandHome(credsDir))

	mem, err := memory.Open(snap.Memory)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	o.memory = mem

	o.pipeline = reply.NewPipeline(reply.Config{
		Providers: o.providers,
		Tools:     o.tools,
		Memory:    o.memory,
		Stops:     o.stops,
		Threads:   o.engine.Threads(),
		Registry:  o.reg,
	}, snap)

	dataDir := snap.Defaults.DataDir
	if dataDir == "" {
		dataDir = "~/.mindroom"
	}
	sched, err := scheduler.New(filepath.Join(config.ExpandHome(dataDir), "schedules.json"), o.postScheduled)
	if err != nil {
		return nil, fmt.Errorf("open scheduler: %w", err)
	}
	o.sched = sched

	o.router = router.New(snap, o.reg, o.providers, o.stops, o.sched)
	o.engine.SetSuggester(o.router)

	return o, nil
}

// Run boots the deployment and blocks until ctx is cancelled, then shuts
// down with the shutdown deadline.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runCtx, o.cancel = context.WithCancel(context.Background())

	if err := o.boot(ctx); err != nil {
		o.shutdown()
		return err
	}

	watcher := config.NewWatcher(o.cfgPath, o.applyReload)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		watcher.Run(o.runCtx)
	}()

	<-ctx.Done()
	slog.Info("orchestrator.shutting_down")
	o.shutdown()
	return nil
}

// boot brings up collaborators and every entity bot, then reconciles rooms.
func (o *Orchestrator) boot(ctx context.Context) error {
	snap := o.snapshot()

	if err := o.mcpMgr.Start(ctx, snap.MCPServers); err != nil {
		// Partial MCP bringup is not fatal; tools from failed servers stay
		// unavailable until their reconnect loop succeeds.
		slog.Warn("orchestrator.mcp_partial", "error", err)
	}

	var firstErr error
	for _, ent := range snap.Entities() {
		if err := o.startEntity(ctx, ent.ID); err != nil {
			slog.Error("orchestrator.entity_start_failed", "entity", ent.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			o.scheduleBringupRetry(ent.ID)
		}
	}

	// The router bot must be up for room reconciliation and routing.
	if _, ok := o.bot(snap.RouterID()); !ok {
		return fmt.Errorf("router failed to start: %w", firstErr)
	}

	o.reconcileRooms(ctx)
	o.sched.Start()
	slog.Info("orchestrator.started", "entities", len(snap.Entities()))
	return nil
}

func (o *Orchestrator) snapshot() *config.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

func (o *Orchestrator) bot(entityID string) (*bot.Bot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.bots[entityID]
	return b, ok
}

// postScheduled delivers a due scheduled message through the router bot.
func (o *Orchestrator) postScheduled(ctx context.Context, roomID, threadID, text string) error {
	b, ok := o.bot(o.snapshot().RouterID())
	if !ok {
		return fmt.Errorf("router bot not running")
	}
	_, err := b.Client().SendMessage(ctx, roomID, text, matrix.SendOpts{ThreadID: threadID})
	return err
}

// shutdown stops everything within the deadline. After return no further
// sends or edits are issued.
func (o *Orchestrator) shutdown() {
	o.stops.CancelAll()
	o.sched.Stop()

	o.mu.Lock()
	bots := make([]*bot.Bot, 0, len(o.bots))
	for _, b := range o.bots {
		bots = append(bots, b)
	}
	o.bots = make(map[string]*bot.Bot)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, b := range bots {
			wg.Add(1)
			go func(b *bot.Bot) {
				defer wg.Done()
				b.Stop()
			}(b)
		}
		wg.Wait()
		// Cancelled replies still issue their closing edit; wait for the
		// gate to drain so nothing is sent after shutdown returns.
		o.gate.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		slog.Warn("orchestrator.shutdown_deadline_exceeded")
	}

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.mcpMgr.Stop()
	if err := o.memory.Close(); err != nil {
		slog.Warn("orchestrator.memory_close", "error", err)
	}
	slog.Info("orchestrator.stopped")
}
