package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mindroomhq/mindroom/internal/matrix"
	"github.com/mindroomhq/mindroom/internal/registry"
)

const helpText = `Available commands:
!help — this list
!stop — cancel the reply currently streaming in this thread
!invite @entity — invite an agent or team into this room
!list_invites — show entities invited here
!schedule <duration|cron> <text> — schedule a deferred message
!list_schedules — show scheduled messages for this room
!cancel_schedule <n> — cancel a scheduled message`

// HandleCommand executes a "!" command and posts the outcome into the same
// thread. Unknown commands get a short hint instead of silence.
func (r *Router) HandleCommand(ctx context.Context, client matrix.Client, ev matrix.Event) {
	respond := func(text string) {
		_, err := client.SendMessage(ctx, ev.RoomID, text, matrix.SendOpts{ThreadID: ev.ThreadID})
		if err != nil {
			slog.Warn("router.command_reply_failed", "room", ev.RoomID, "error", err)
		}
	}

	fields := strings.Fields(strings.TrimSpace(ev.Body))
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "!help":
		respond(helpText)

	case "!stop":
		threadID := ev.ThreadID
		if threadID == "" {
			threadID = ev.ID
		}
		if r.stops.Cancel(threadID) {
			respond("Stopping the current reply.")
		} else {
			respond("Nothing is running in this thread.")
		}

	case "!invite":
		if len(args) != 1 {
			respond("Usage: !invite @entity")
			return
		}
		r.handleInvite(ctx, client, ev, args[0])

	case "!list_invites":
		r.mu.Lock()
		invited := append([]string(nil), r.invites[ev.RoomID]...)
		r.mu.Unlock()
		if len(invited) == 0 {
			respond("No entities have been invited here.")
			return
		}
		respond("Invited: " + strings.Join(invited, ", "))

	case "!schedule":
		if r.sched == nil {
			respond("Scheduling is not enabled.")
			return
		}
		if len(args) < 2 {
			respond("Usage: !schedule <duration|cron> <text>")
			return
		}
		job, err := r.sched.Add(ev.RoomID, ev.ThreadID, strings.Join(args[1:], " "), args[0], ev.Sender)
		if err != nil {
			respond("Cannot schedule: " + err.Error())
			return
		}
		respond("Scheduled " + job.Describe())

	case "!list_schedules":
		if r.sched == nil {
			respond("Scheduling is not enabled.")
			return
		}
		jobs := r.sched.List(ev.RoomID)
		if len(jobs) == 0 {
			respond("No scheduled messages for this room.")
			return
		}
		var b strings.Builder
		b.WriteString("Scheduled messages:\n")
		for _, j := range jobs {
			b.WriteString(j.Describe())
			b.WriteString("\n")
		}
		respond(b.String())

	case "!voice":
		// Transcription bridges post "!voice @user <text>"; the router
		// re-posts the text attributed to the speaking user so dispatch
		// treats it as authored by them.
		if !r.snapshot().IsBotAccount(ev.Sender) {
			respond("!voice is reserved for transcription bridges.")
			return
		}
		if len(args) < 2 || !strings.HasPrefix(args[0], "@") {
			respond("Usage: !voice @user <text>")
			return
		}
		if err := r.RelayTranscription(ctx, client, ev.RoomID, ev.ThreadID, args[0], strings.Join(args[1:], " ")); err != nil {
			slog.Warn("router.voice_relay_failed", "room", ev.RoomID, "error", err)
		}

	case "!cancel_schedule":
		if r.sched == nil {
			respond("Scheduling is not enabled.")
			return
		}
		if len(args) != 1 {
			respond("Usage: !cancel_schedule <n>")
			return
		}
		id, err := strconv.Atoi(strings.TrimPrefix(args[0], "#"))
		if err != nil {
			respond("Usage: !cancel_schedule <n>")
			return
		}
		if r.sched.Cancel(ev.RoomID, id) {
			respond(fmt.Sprintf("Cancelled schedule #%d.", id))
		} else {
			respond(fmt.Sprintf("No schedule #%d in this room.", id))
		}

	default:
		respond("Unknown command " + cmd + ". Try !help.")
	}
}

// handleInvite resolves the target entity and invites its account into the
// room. The entity's bot accepts the invite through its own sync loop.
func (r *Router) handleInvite(ctx context.Context, client matrix.Client, ev matrix.Event, target string) {
	respond := func(text string) {
		_, _ = client.SendMessage(ctx, ev.RoomID, text, matrix.SendOpts{ThreadID: ev.ThreadID})
	}

	name := strings.TrimPrefix(target, "@")
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	ent, ok := r.reg.Get(name)
	if !ok {
		respond("No such entity " + target + ".")
		return
	}

	userID := registry.UserID(ent.ID, r.reg.Domain())
	if err := client.InviteUser(ctx, ev.RoomID, userID); err != nil {
		respond("Invite failed: " + err.Error())
		return
	}

	r.mu.Lock()
	already := false
	for _, id := range r.invites[ev.RoomID] {
		if id == ent.ID {
			already = true
			break
		}
	}
	if !already {
		r.invites[ev.RoomID] = append(r.invites[ev.RoomID], ent.ID)
	}
	r.mu.Unlock()

	respond("Invited " + ent.ID + ".")
}
