// Package router implements the router entity: LLM-backed dispatch
// suggestions, the "!" command surface, and the voice transcription relay.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mindroomhq/mindroom/internal/config"
	"github.com/mindroomhq/mindroom/internal/matrix"
	"github.com/mindroomhq/mindroom/internal/providers"
	"github.com/mindroomhq/mindroom/internal/registry"
	"github.com/mindroomhq/mindroom/internal/reply"
	"github.com/mindroomhq/mindroom/internal/scheduler"
	"github.com/mindroomhq/mindroom/internal/telemetry"
)

// suggestTimeout bounds the routing LLM call; on expiry the suggestion is
// simply "none".
const suggestTimeout = 10 * time.Second

// Router drives the router entity's behavior beyond normal replies.
type Router struct {
	reg    *registry.Registry
	models reply.ModelResolver
	stops  *reply.StopManager
	sched  *scheduler.Scheduler

	mu      sync.Mutex
	snap    *config.Snapshot
	invites map[string][]string // room id -> invited entity ids
}

// New creates the router. sched may be nil when scheduling is disabled.
func New(snap *config.Snapshot, reg *registry.Registry, models reply.ModelResolver, stops *reply.StopManager, sched *scheduler.Scheduler) *Router {
	return &Router{
		reg:     reg,
		models:  models,
		stops:   stops,
		sched:   sched,
		snap:    snap,
		invites: make(map[string][]string),
	}
}

// Swap installs a new snapshot after a hot reload.
func (r *Router) Swap(snap *config.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = snap
}

func (r *Router) snapshot() *config.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Suggest picks the best-fit agent for an unaddressed message. Implements
// dispatch.Suggester: failures and timeouts degrade to no suggestion and
// are never raised.
func (r *Router) Suggest(ctx context.Context, ev matrix.Event, roomID string) (string, bool) {
	ctx, span := telemetry.Tracer().Start(ctx, "router.suggest",
		trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	agents := r.reg.AgentsInRoom(roomID)
	if len(agents) < 2 {
		return "", false
	}

	router, ok := r.reg.Router()
	if !ok || router.Model == "" {
		return "", false
	}
	prov, reqTmpl, err := r.models.ForModel(router.Model)
	if err != nil {
		slog.Warn("router.suggest_model", "error", err)
		return "", false
	}

	var roster strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&roster, "- %s", a.ID)
		if a.Instructions != "" {
			fmt.Fprintf(&roster, ": %s", firstLine(a.Instructions))
		}
		roster.WriteString("\n")
	}

	req := reqTmpl
	req.Messages = []providers.Message{
		{Role: "system", Content: "You route chat messages to the best-suited agent. " +
			"Reply with exactly one agent id from the list, or \"none\".\n\nAgents:\n" + roster.String()},
		{Role: "user", Content: ev.Body},
	}

	ctx, cancel := context.WithTimeout(ctx, suggestTimeout)
	defer cancel()

	turn, err := prov.Stream(ctx, req, func(providers.StreamEvent) {})
	if err != nil {
		slog.Warn("router.suggest_failed", "room", roomID, "error", err)
		return "", false
	}

	answer := strings.TrimSpace(strings.ToLower(turn.Content))
	words := slugWords(answer)
	for _, a := range agents {
		if answer == a.ID || words[a.ID] {
			slog.Info("router.suggested", "room", roomID, "entity", a.ID)
			return a.ID, true
		}
	}
	return "", false
}

// slugWords splits a model answer into slug-shaped tokens. Matching whole
// tokens keeps an agent "dev" from claiming an answer naming "devops".
func slugWords(s string) map[string]bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return false
		}
		return true
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

// RelayTranscription posts transcribed voice input into the room attributed
// to the speaking user. Dispatch treats the relayed message as authored by
// that user.
func (r *Router) RelayTranscription(ctx context.Context, client matrix.Client, roomID, threadID, userID, text string) error {
	_, err := client.SendMessage(ctx, roomID, text, matrix.SendOpts{
		ThreadID:       threadID,
		TranscribedFor: userID,
	})
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
