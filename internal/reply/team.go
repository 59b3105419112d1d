package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindroomhq/mindroom/internal/bot"
	"github.com/mindroomhq/mindroom/internal/config"
	"github.com/mindroomhq/mindroom/internal/matrix"
	"github.com/mindroomhq/mindroom/internal/providers"
)

// TeamReply produces a team answer in one output message. teamID may be
// empty for an ad-hoc multi-mention group; mode is then collaborate.
func (p *Pipeline) TeamReply(ctx context.Context, b *bot.Bot, teamID string, members []string, mode config.TeamMode, ev matrix.Event) error {
	snap := p.snapshot()
	threadID := threadOf(ev)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	owner := teamID
	if owner == "" && len(members) > 0 {
		owner = members[0]
	}
	task := NewTask(uuid.NewString(), threadID, owner, cancel)
	p.stops.Register(task)
	b.TrackTask(task.ID, cancel)
	defer func() {
		p.stops.Clear(task)
		b.UntrackTask(task.ID)
	}()

	outputID, err := p.sendPlaceholder(ctx, b, ev.RoomID, threadID)
	if err != nil {
		task.SetState(StateFailed)
		return err
	}
	p.threads.RecordResponder(threadID, owner)

	acc := NewAccumulator(snap.Defaults.MaxToolResultDisplayChars)
	editor := NewEditor(b.Client(), ev.RoomID, outputID,
		time.Duration(snap.Defaults.EditIntervalMs)*time.Millisecond, acc.Render)
	editor.Start(ctx)

	var convErr error
	if mode == config.TeamCollaborate {
		convErr = p.collaborate(ctx, snap, members, ev, threadID, acc, editor, task)
	} else {
		convErr = p.consensus(ctx, snap, teamID, members, ev, threadID, acc, editor, task)
	}

	ent, _ := p.reg.Get(owner)
	return p.finalize(ctx, task, acc, editor, ent, ev, convErr)
}

// collaborate streams each member's contribution into its own section of
// the shared message, in member order. A failed member is annotated in its
// section; the rest of the team still answers.
func (p *Pipeline) collaborate(ctx context.Context, snap *config.Snapshot, members []string, ev matrix.Event, threadID string, acc *Accumulator, editor *Editor, task *Task) error {
	var failures int
	for _, memberID := range members {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ent, ok := p.reg.Get(memberID)
		if !ok {
			slog.Warn("reply.team_member_unknown", "member", memberID)
			continue
		}
		prov, reqTmpl, err := p.resolveModel(snap, ent, ev.RoomID)
		if err != nil {
			acc.AppendText(memberID, fmt.Sprintf("⚠️ %v", err))
			editor.FlushNow(ctx)
			failures++
			continue
		}
		msgs := p.buildContext(ctx, snap, ent, ev, threadID)
		if err := p.converse(ctx, prov, reqTmpl, msgs, ent.Tools, acc, memberID, editor, task); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			acc.AppendText(memberID, fmt.Sprintf("⚠️ %v", err))
			editor.FlushNow(ctx)
			failures++
		}
	}
	if failures == len(members) {
		return fmt.Errorf("all %d team members failed", failures)
	}
	return nil
}

// consensus collects member contributions quietly, then streams one
// synthesized answer as the team's single voice.
func (p *Pipeline) consensus(ctx context.Context, snap *config.Snapshot, teamID string, members []string, ev matrix.Event, threadID string, acc *Accumulator, editor *Editor, task *Task) error {
	var contributions strings.Builder
	for _, memberID := range members {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ent, ok := p.reg.Get(memberID)
		if !ok {
			continue
		}
		prov, reqTmpl, err := p.resolveModel(snap, ent, ev.RoomID)
		if err != nil {
			slog.Warn("reply.team_member_model", "member", memberID, "error", err)
			continue
		}
		req := reqTmpl
		req.Messages = p.buildContext(ctx, snap, ent, ev, threadID)
		turn, err := prov.Stream(ctx, req, func(providers.StreamEvent) {})
		if err != nil {
			slog.Warn("reply.team_contribution_failed", "member", memberID, "error", err)
			continue
		}
		fmt.Fprintf(&contributions, "%s:\n%s\n\n", memberID, turn.Content)
	}
	if contributions.Len() == 0 {
		return fmt.Errorf("no team member produced a contribution")
	}

	speaker, prov, reqTmpl, err := p.teamSpeaker(snap, teamID, members, ev.RoomID)
	if err != nil {
		return err
	}

	msgs := p.buildContext(ctx, snap, speaker, ev, threadID)
	msgs = append(msgs, providers.Message{
		Role: "system",
		Content: "Team member contributions follow. Produce one consolidated answer " +
			"speaking with a single voice.\n\n" + contributions.String(),
	})
	return p.converse(ctx, prov, reqTmpl, msgs, nil, acc, "", editor, task)
}

// teamSpeaker resolves the entity and model voicing the consensus answer:
// the team itself when configured, the first member otherwise.
func (p *Pipeline) teamSpeaker(snap *config.Snapshot, teamID string, members []string, roomID string) (config.Entity, providers.Provider, providers.ChatRequest, error) {
	if teamID != "" {
		if team, ok := p.reg.Get(teamID); ok && team.Model != "" {
			prov, tmpl, err := p.resolveModel(snap, team, roomID)
			return team, prov, tmpl, err
		}
	}
	for _, memberID := range members {
		if ent, ok := p.reg.Get(memberID); ok {
			prov, tmpl, err := p.resolveModel(snap, ent, roomID)
			return ent, prov, tmpl, err
		}
	}
	return config.Entity{}, nil, providers.ChatRequest{}, fmt.Errorf("no usable team speaker")
}
