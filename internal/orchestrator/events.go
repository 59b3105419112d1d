package orchestrator

import (
	"context"
	"log/slog"

	"github.com/mindroomhq/mindroom/internal/bot"
	"github.com/mindroomhq/mindroom/internal/dispatch"
	"github.com/mindroomhq/mindroom/internal/matrix"
)

// handlersFor builds the sync callbacks for one entity's bot.
func (o *Orchestrator) handlersFor(entityID string) bot.Handlers {
	return bot.Handlers{
		OnEvent:  func(ctx context.Context, ev matrix.Event) { o.handleEvent(ctx, entityID, ev) },
		OnInvite: func(ctx context.Context, inv matrix.Invite) { o.handleInvite(ctx, entityID, inv) },
	}
}

// handleEvent runs the dispatch rules for one delivered event. Every bot in
// the room receives its own copy; the rules elect a single owner and only
// that bot acts.
func (o *Orchestrator) handleEvent(ctx context.Context, entityID string, ev matrix.Event) {
	o.engine.Observe(ev)

	d := o.engine.Decide(ctx, ev, entityID)
	switch d.Action {
	case dispatch.ActionIgnore, dispatch.ActionUpdateContext:
		// Observe already folded edits into stored context.
		return

	case dispatch.ActionRouterCommand:
		routerID := o.snapshot().RouterID()
		if entityID != routerID {
			return
		}
		if !o.engine.Tracker().Mark(commandKey(ev), routerID) {
			return
		}
		b, ok := o.bot(routerID)
		if !ok {
			return
		}
		o.router.HandleCommand(ctx, b.Client(), ev)

	case dispatch.ActionReply, dispatch.ActionTeamReply:
		if d.Owner() != entityID {
			return
		}
		o.submitReply(entityID, d, ev)
	}
}

// submitReply claims the event for this entity and queues the reply through
// the per-entity gate. Claim first: a full queue still counts as handled so
// no other bot picks it up.
func (o *Orchestrator) submitReply(entityID string, d dispatch.Decision, ev matrix.Event) {
	if !o.engine.Tracker().Mark(commandKey(ev), entityID) {
		return
	}
	b, ok := o.bot(entityID)
	if !ok {
		slog.Warn("orchestrator.owner_not_running", "entity", entityID, "event", ev.ID)
		return
	}

	ent, found := o.reg.Get(entityID)
	if !found {
		slog.Warn("orchestrator.owner_unknown", "entity", entityID, "event", ev.ID)
		return
	}

	ok = o.gate.Submit(entityID, func() {
		ctx := o.runCtx
		var err error
		if d.Action == dispatch.ActionTeamReply {
			err = o.pipeline.TeamReply(ctx, b, d.TeamID, d.Members, d.Mode, ev)
		} else {
			err = o.pipeline.Reply(ctx, b, ent, ev)
		}
		if err != nil {
			slog.Error("orchestrator.reply_failed", "entity", entityID, "event", ev.ID, "error", err)
		}
	})
	if !ok {
		slog.Warn("orchestrator.reply_queue_full", "entity", entityID, "room", ev.RoomID)
		if o.gate.NoticeAllowed(ev.RoomID) {
			_, err := b.Client().SendMessage(context.Background(), ev.RoomID,
				"I'm at capacity right now, please try again shortly.",
				matrix.SendOpts{ThreadID: ev.ThreadID})
			if err != nil {
				slog.Warn("orchestrator.notice_failed", "room", ev.RoomID, "error", err)
			}
		}
	}
}

// handleInvite auto-joins rooms the bot is invited to.
func (o *Orchestrator) handleInvite(ctx context.Context, entityID string, inv matrix.Invite) {
	b, ok := o.bot(entityID)
	if !ok {
		return
	}
	if err := b.Client().JoinRoom(ctx, inv.RoomID); err != nil {
		slog.Warn("orchestrator.join_failed", "entity", entityID, "room", inv.RoomID, "error", err)
		return
	}
	slog.Info("orchestrator.joined_room", "entity", entityID, "room", inv.RoomID, "invited_by", inv.Sender)
}

// commandKey is the idempotency key for an event: edits dispatched as the
// original claim the original's id.
func commandKey(ev matrix.Event) string {
	if ev.IsEdit && ev.Replaces != "" {
		return ev.Replaces
	}
	return ev.ID
}
