package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mindroomhq/mindroom/internal/bot"
	"github.com/mindroomhq/mindroom/internal/config"
	"github.com/mindroomhq/mindroom/internal/matrix"
	"github.com/mindroomhq/mindroom/internal/registry"
)

// newClient builds a Matrix client for one entity, reusing a cached session
// when one exists on disk.
func (o *Orchestrator) newClient(snap *config.Snapshot, entityID string) matrix.Client {
	opts := []matrix.Option{}
	if snap.Homeserver.RegistrationSecret != "" {
		opts = append(opts, matrix.WithRegistrationSecret(snap.Homeserver.RegistrationSecret))
	}
	if creds, err := o.creds.Load(entityID); err == nil && creds != nil {
		opts = append(opts, matrix.WithCredentials(creds))
	}
	return matrix.NewHTTPClient(snap.Homeserver.URL, snap.Homeserver.Domain, opts...)
}

// startEntity creates and starts the bot for an entity. The bot's lifetime is
// bound to the orchestrator run context, not the caller's.
func (o *Orchestrator) startEntity(ctx context.Context, entityID string) error {
	snap := o.snapshot()
	if _, ok := o.reg.Get(entityID); !ok {
		return fmt.Errorf("unknown entity %q", entityID)
	}

	b := bot.New(bot.Config{
		EntityID: entityID,
		Password: snap.Homeserver.BotPassword,
		Client:   o.newClient(snap, entityID),
		Creds:    o.creds,
		Handlers: o.handlersFor(entityID),
	})
	if err := b.Start(o.runCtx); err != nil {
		return err
	}

	o.mu.Lock()
	if prev, ok := o.bots[entityID]; ok {
		o.mu.Unlock()
		prev.Stop()
		o.mu.Lock()
	}
	o.bots[entityID] = b
	delete(o.degraded, entityID)
	o.mu.Unlock()

	slog.Info("orchestrator.entity_started", "entity", entityID)
	return nil
}

// stopEntity takes the bot offline and forgets it.
func (o *Orchestrator) stopEntity(entityID string) {
	o.mu.Lock()
	b, ok := o.bots[entityID]
	delete(o.bots, entityID)
	o.mu.Unlock()
	if !ok {
		return
	}
	b.Stop()
	slog.Info("orchestrator.entity_stopped", "entity", entityID)
}

// noteStart records a bringup attempt and reports whether the entity has
// exceeded the restart budget inside the window.
func (o *Orchestrator) noteStart(entityID string) bool {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	recent := o.starts[entityID][:0]
	for _, t := range o.starts[entityID] {
		if now.Sub(t) < restartWindow {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	o.starts[entityID] = recent
	if len(recent) > restartLimit {
		o.degraded[entityID] = true
		return true
	}
	return false
}

// scheduleBringupRetry keeps retrying a failed entity start until it succeeds
// or the orchestrator shuts down. Entities over the restart budget are marked
// degraded and retried on the slow interval as well.
func (o *Orchestrator) scheduleBringupRetry(entityID string) {
	if o.noteStart(entityID) {
		slog.Error("orchestrator.entity_degraded", "entity", entityID)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(bringupRetry)
		defer ticker.Stop()
		for {
			select {
			case <-o.runCtx.Done():
				return
			case <-ticker.C:
			}
			// The entity may have been removed by a reload.
			if _, ok := o.reg.Get(entityID); !ok {
				return
			}
			if err := o.startEntity(o.runCtx, entityID); err != nil {
				slog.Warn("orchestrator.entity_retry_failed", "entity", entityID, "error", err)
				o.noteStart(entityID)
				continue
			}
			return
		}
	}()
}

// applyReload swaps the new snapshot into every component and restarts only
// the bots whose configuration changed. Untouched entities keep running.
func (o *Orchestrator) applyReload(snap *config.Snapshot) {
	o.mu.Lock()
	old := o.snap
	o.snap = snap
	o.mu.Unlock()

	diff := config.ComputeDiff(old, snap)
	if diff.Empty() {
		slog.Debug("orchestrator.reload_noop")
		return
	}
	slog.Info("orchestrator.reloading",
		"added", diff.Added, "removed", diff.Removed, "changed", diff.Changed)

	o.reg.Swap(snap)
	o.engine.Swap(snap)
	o.pipeline.Swap(snap)
	o.router.Swap(snap)
	o.providers.Swap(snap)
	o.mcpMgr.Apply(o.runCtx, snap.MCPServers)

	for _, id := range diff.Removed {
		o.stopEntity(id)
	}
	for _, id := range diff.Changed {
		o.stopEntity(id)
	}
	for _, id := range append(diff.Added, diff.Changed...) {
		if err := o.startEntity(o.runCtx, id); err != nil {
			slog.Error("orchestrator.entity_start_failed", "entity", id, "error", err)
			o.scheduleBringupRetry(id)
		}
	}

	o.reconcileRooms(o.runCtx)
}

// reconcileRooms makes the configured room layout real: the router creates
// missing alias rooms and invites listed members, then every bot joins its
// own rooms.
func (o *Orchestrator) reconcileRooms(ctx context.Context) {
	snap := o.snapshot()
	routerBot, ok := o.bot(snap.RouterID())
	if !ok {
		slog.Warn("orchestrator.reconcile_skipped", "reason", "router offline")
		return
	}
	rc := routerBot.Client()

	for _, room := range snap.Rooms {
		roomID := room.ID
		if strings.HasPrefix(roomID, "#") {
			local := strings.TrimPrefix(strings.SplitN(roomID, ":", 2)[0], "#")
			id, err := rc.CreateRoom(ctx, local, room.DisplayName)
			if err != nil {
				slog.Warn("orchestrator.room_create_failed", "room", roomID, "error", err)
				continue
			}
			roomID = id
		}
		for _, member := range room.Members {
			userID := member
			if !strings.HasPrefix(member, "@") {
				userID = registry.UserID(member, o.reg.Domain())
			}
			if err := rc.InviteUser(ctx, roomID, userID); err != nil {
				slog.Warn("orchestrator.invite_failed", "room", roomID, "user", userID, "error", err)
			}
		}
	}

	o.mu.Lock()
	bots := make(map[string]*bot.Bot, len(o.bots))
	for id, b := range o.bots {
		bots[id] = b
	}
	o.mu.Unlock()

	for id, b := range bots {
		ent, ok := o.reg.Get(id)
		if !ok {
			continue
		}
		for _, roomID := range ent.Rooms {
			if err := b.Client().JoinRoom(ctx, roomID); err != nil {
				slog.Warn("orchestrator.join_failed", "entity", id, "room", roomID, "error", err)
			}
		}
	}
}
