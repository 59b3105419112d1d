package reply

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mindroomhq/mindroom/internal/bot"
	"github.com/mindroomhq/mindroom/internal/config"
	"github.com/mindroomhq/mindroom/internal/dispatch"
	"github.com/mindroomhq/mindroom/internal/matrix"
	"github.com/mindroomhq/mindroom/internal/memory"
	"github.com/mindroomhq/mindroom/internal/providers"
	"github.com/mindroomhq/mindroom/internal/registry"
	"github.com/mindroomhq/mindroom/internal/telemetry"
	"github.com/mindroomhq/mindroom/internal/tools"
)

const (
	maxStreamRetries  = 2
	placeholderBody   = "…"
	knowledgeMaxBytes = 2048
	commitTimeout     = 10 * time.Second
)

// ModelResolver resolves a model ref into a provider and request template.
// Implemented by providers.Registry.
type ModelResolver interface {
	ForModel(ref string) (providers.Provider, providers.ChatRequest, error)
}

// Config assembles a pipeline.
type Config struct {
	Providers ModelResolver
	Tools     *tools.Registry
	Memory    memory.Store
	Stops     *StopManager
	Threads   *dispatch.ThreadIndex
	Registry  *registry.Registry
}

// Pipeline turns a dispatched (event, entity) pair into a streamed chat
// reply.
type Pipeline struct {
	providers ModelResolver
	tools     *tools.Registry
	memory    memory.Store
	stops     *StopManager
	threads   *dispatch.ThreadIndex
	reg       *registry.Registry

	mu   sync.RWMutex
	snap *config.Snapshot
}

// NewPipeline creates a pipeline over the given snapshot.
func NewPipeline(cfg Config, snap *config.Snapshot) *Pipeline {
	return &Pipeline{
		providers: cfg.Providers,
		tools:     cfg.Tools,
		memory:    cfg.Memory,
		stops:     cfg.Stops,
		threads:   cfg.Threads,
		reg:       cfg.Registry,
		snap:      snap,
	}
}

// Swap installs a new snapshot after a hot reload.
func (p *Pipeline) Swap(snap *config.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = snap
}

func (p *Pipeline) snapshot() *config.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Stops exposes the stop manager for command handling and shutdown.
func (p *Pipeline) Stops() *StopManager { return p.stops }

// threadOf returns the thread a reply to ev belongs to; a reply to a
// top-level message starts a thread rooted at the message.
func threadOf(ev matrix.Event) string {
	if ev.ThreadID != "" {
		return ev.ThreadID
	}
	return ev.ID
}

// Reply produces a single-agent reply.
func (p *Pipeline) Reply(ctx context.Context, b *bot.Bot, ent config.Entity, ev matrix.Event) error {
	ctx, span := telemetry.Tracer().Start(ctx, "reply.run",
		trace.WithAttributes(
			attribute.String("entity.id", ent.ID),
			attribute.String("room.id", ev.RoomID),
		))
	defer span.End()

	snap := p.snapshot()
	threadID := threadOf(ev)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	task := NewTask(uuid.NewString(), threadID, ent.ID, cancel)
	p.stops.Register(task)
	b.TrackTask(task.ID, cancel)
	defer func() {
		p.stops.Clear(task)
		b.UntrackTask(task.ID)
	}()

	prov, reqTmpl, err := p.resolveModel(snap, ent, ev.RoomID)
	if err != nil {
		return err
	}

	msgs := p.buildContext(ctx, snap, ent, ev, threadID)

	outputID, err := p.sendPlaceholder(ctx, b, ev.RoomID, threadID)
	if err != nil {
		task.SetState(StateFailed)
		return err
	}
	p.threads.RecordResponder(threadID, ent.ID)

	acc := NewAccumulator(snap.Defaults.MaxToolResultDisplayChars)
	editor := NewEditor(b.Client(), ev.RoomID, outputID,
		time.Duration(snap.Defaults.EditIntervalMs)*time.Millisecond, acc.Render)
	editor.Start(ctx)

	err = p.converse(ctx, prov, reqTmpl, msgs, ent.Tools, acc, "", editor, task)
	return p.finalize(ctx, task, acc, editor, ent, ev, err)
}

// finalize closes the output message and commits memory on success.
func (p *Pipeline) finalize(ctx context.Context, task *Task, acc *Accumulator, editor *Editor, ent config.Entity, ev matrix.Event, convErr error) error {
	task.SetState(StateFinalizing)

	// The task context may already be cancelled; the closing edit gets its
	// own small budget.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer closeCancel()

	switch {
	case ctx.Err() != nil:
		acc.SetSuffix("(cancelled)")
		editor.Close(closeCtx)
		task.SetState(StateCancelled)
		slog.Info("reply.cancelled", "entity", ent.ID, "room", ev.RoomID)
		return nil
	case convErr != nil:
		acc.SetSuffix(fmt.Sprintf("⚠️ reply failed: %v", convErr))
		editor.Close(closeCtx)
		task.SetState(StateFailed)
		return convErr
	default:
		editor.Close(closeCtx)
		task.SetState(StateDone)
		p.commitMemory(ent, ev, acc.Render())
		return nil
	}
}

// converse runs the invocation loop: stream, execute requested tools, feed
// results back on a continuation invocation, repeat until a plain finish.
func (p *Pipeline) converse(ctx context.Context, prov providers.Provider, reqTmpl providers.ChatRequest, msgs []providers.Message, toolIDs []string, acc *Accumulator, member string, editor *Editor, task *Task) error {
	defs := p.tools.Definitions(toolIDs)
	if len(toolIDs) == 0 {
		defs = nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task.SetState(StateStreaming)

		req := reqTmpl
		req.Messages = msgs
		req.Tools = defs

		turn, err := p.streamWithRetry(ctx, prov, req, acc, member, editor)
		if err != nil {
			return err
		}

		if turn.FinishReason != providers.FinishToolCalls || len(turn.ToolCalls) == 0 {
			return nil
		}

		task.SetState(StateToolRunning)
		msgs = append(msgs, providers.Message{
			Role:      "assistant",
			Content:   turn.Content,
			ToolCalls: turn.ToolCalls,
		})
		for _, call := range turn.ToolCalls {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res := p.tools.Execute(ctx, call.Name, call.Arguments)
			acc.CompleteTool(member, call.ID, res.ForLLM, res.IsError)
			editor.FlushNow(ctx)
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Content:    res.ForLLM,
				ToolCallID: call.ID,
			})
		}
	}
}

// streamWithRetry retries transient stream failures up to the limit. Tool
// blocks opened by an aborted attempt are left pending and re-opened by the
// retry only when the model re-issues the call.
func (p *Pipeline) streamWithRetry(ctx context.Context, prov providers.Provider, req providers.ChatRequest, acc *Accumulator, member string, editor *Editor) (*providers.Turn, error) {
	var lastErr error
	for attempt := 0; attempt <= maxStreamRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		turn, err := prov.Stream(ctx, req, func(sev providers.StreamEvent) {
			switch sev.Kind {
			case providers.EventTextDelta:
				acc.AppendText(member, sev.Text)
				editor.Notify()
			case providers.EventToolCallStarted:
				acc.StartTool(member, sev.ToolCall.ID, sev.ToolCall.Name)
				editor.FlushNow(ctx)
			case providers.EventToolCallCompleted:
				if sev.ToolCall != nil {
					acc.CompleteTool(member, sev.ToolCall.ID, sev.Text, false)
					editor.FlushNow(ctx)
				}
			}
		})
		if err == nil {
			return turn, nil
		}
		lastErr = err
		slog.Warn("reply.stream_failed", "provider", prov.Name(), "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("llm stream failed after %d attempts: %w", maxStreamRetries+1, lastErr)
}

func (p *Pipeline) sendPlaceholder(ctx context.Context, b *bot.Bot, roomID, threadID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < editAttempts; attempt++ {
		id, err := b.Client().SendMessage(ctx, roomID, placeholderBody, matrix.SendOpts{ThreadID: threadID})
		if err == nil {
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(editBackoff[attempt]):
		}
	}
	return "", fmt.Errorf("send placeholder: %w", lastErr)
}

// resolveModel picks the room-pinned model when present, the entity's
// otherwise.
func (p *Pipeline) resolveModel(snap *config.Snapshot, ent config.Entity, roomID string) (providers.Provider, providers.ChatRequest, error) {
	ref := ent.Model
	if room, ok := snap.Room(roomID); ok && room.Model != "" {
		ref = room.Model
	}
	return p.providers.ForModel(ref)
}

// buildContext assembles the system prompt and conversation history.
func (p *Pipeline) buildContext(ctx context.Context, snap *config.Snapshot, ent config.Entity, ev matrix.Event, threadID string) []providers.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s, an assistant participating in a group chat.\n", ent.ID)
	if ent.Instructions != "" {
		sys.WriteString(ent.Instructions)
		sys.WriteString("\n")
	}
	if k := p.loadKnowledge(snap, ent); k != "" {
		sys.WriteString("\nReference material:\n")
		sys.WriteString(k)
	}
	if m := p.recallMemories(ctx, ent, ev.RoomID); m != "" {
		sys.WriteString("\nRelevant memories:\n")
		sys.WriteString(m)
	}

	msgs := []providers.Message{{Role: "system", Content: sys.String()}}

	history := p.threads.History(threadID, ent.NumHistoryRuns)
	for _, h := range history {
		if h.ID == ev.ID {
			continue
		}
		if sender, ok := p.reg.ByUserID(h.Sender); ok {
			msgs = append(msgs, providers.Message{Role: "assistant", Content: h.Body, Name: sender.ID})
		} else {
			msgs = append(msgs, providers.Message{Role: "user", Content: fmt.Sprintf("%s: %s", h.Sender, h.Body)})
		}
	}

	sender := ev.Sender
	if ev.TranscribedFor != "" {
		sender = ev.TranscribedFor
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: fmt.Sprintf("%s: %s", sender, ev.Body)})
	return msgs
}

// loadKnowledge reads the head of each bound knowledge base file.
func (p *Pipeline) loadKnowledge(snap *config.Snapshot, ent config.Entity) string {
	var b strings.Builder
	for _, id := range ent.KnowledgeBases {
		for _, kb := range snap.KnowledgeBases {
			if kb.ID != id || kb.Path == "" {
				continue
			}
			data, err := os.ReadFile(config.ExpandHome(kb.Path))
			if err != nil {
				slog.Warn("reply.knowledge_unreadable", "kb", kb.ID, "error", err)
				continue
			}
			if len(data) > knowledgeMaxBytes {
				data = data[:knowledgeMaxBytes]
			}
			fmt.Fprintf(&b, "[%s]\n%s\n", kb.ID, data)
		}
	}
	return b.String()
}

// recallMemories fetches recent agent and room scoped memories. Failures
// are logged and the reply proceeds without them.
func (p *Pipeline) recallMemories(ctx context.Context, ent config.Entity, roomID string) string {
	if p.memory == nil {
		return ""
	}
	var b strings.Builder
	for _, q := range []struct {
		scope memory.Scope
		id    string
	}{
		{memory.ScopeAgent, ent.ID},
		{memory.ScopeRoom, roomID},
	} {
		recs, err := p.memory.Recall(ctx, q.scope, q.id, 5)
		if err != nil {
			slog.Warn("reply.memory_recall_failed", "scope", q.scope, "error", err)
			continue
		}
		for _, r := range recs {
			b.WriteString("- ")
			b.WriteString(r.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// commitMemory stores an episodic record in the background. It never blocks
// the reply and honors the entity's learning mode.
func (p *Pipeline) commitMemory(ent config.Entity, ev matrix.Event, rendered string) {
	if p.memory == nil || ent.LearningMode != config.LearnAlways {
		return
	}
	threadID := threadOf(ev)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		defer cancel()

		content := fmt.Sprintf("%s asked: %s\n%s replied: %s", ev.Sender, ev.Body, ent.ID, rendered)
		scopes := []struct {
			scope memory.Scope
			id    string
		}{
			{memory.ScopeAgent, ent.ID},
			{memory.ScopeRoom, ev.RoomID},
			{memory.ScopeThread, threadID},
		}
		for _, s := range scopes {
			if err := p.memory.Commit(ctx, memory.Record{Scope: s.scope, ScopeID: s.id, Content: content}); err != nil {
				slog.Warn("reply.memory_commit_failed", "scope", s.scope, "error", err)
			}
		}
	}()
}
