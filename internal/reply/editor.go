package reply

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mindroomhq/mindroom/internal/matrix"
)

const (
	defaultEditInterval = 500 * time.Millisecond
	editAttempts        = 3
)

var editBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Editor serializes edits of the output message. Text deltas are coalesced
// to the minimum interval; tool-state changes and the terminal flush go out
// immediately. All edits issue from one place so they are ordered.
type Editor struct {
	client   matrix.Client
	roomID   string
	render   func() string
	interval time.Duration

	mu        sync.Mutex
	messageID string
	lastSent  string
	conflicts int

	notify chan struct{}
	done   chan struct{}
	stop   context.CancelFunc
}

// NewEditor creates an editor for the given output message. interval <= 0
// selects the default of 500 ms.
func NewEditor(client matrix.Client, roomID, messageID string, interval time.Duration, render func() string) *Editor {
	if interval <= 0 {
		interval = defaultEditInterval
	}
	return &Editor{
		client:    client,
		roomID:    roomID,
		messageID: messageID,
		render:    render,
		interval:  interval,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the flusher goroutine.
func (e *Editor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.stop = cancel
	go e.loop(ctx)
}

// Notify schedules a coalesced flush for a text delta.
func (e *Editor) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// MessageID returns the current output message id. It changes only when
// repeated edit conflicts force a fresh message.
func (e *Editor) MessageID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messageID
}

// FlushNow issues an immediate edit with the current rendering.
func (e *Editor) FlushNow(ctx context.Context) {
	e.flush(ctx)
}

// Close stops the flusher and issues the final edit. ctx should not be the
// (possibly cancelled) task context.
func (e *Editor) Close(ctx context.Context) {
	if e.stop != nil {
		e.stop()
		<-e.done
	}
	e.flush(ctx)
}

func (e *Editor) loop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.notify:
		}
		// Coalesce: wait out the interval, absorbing further notifies.
		timer := time.NewTimer(e.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		select {
		case <-e.notify:
		default:
		}
		e.flush(ctx)
	}
}

// flush renders and edits under the lock so concurrent flushes stay ordered
// and each edit carries the state current at edit time.
func (e *Editor) flush(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	body := e.render()
	if body == "" || body == e.lastSent {
		return
	}

	for attempt := 0; attempt < editAttempts; attempt++ {
		err := e.client.EditMessage(ctx, e.roomID, e.messageID, body)
		if err == nil {
			e.lastSent = body
			e.conflicts = 0
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, matrix.ErrEditConflict) {
			e.conflicts++
			if e.conflicts >= editAttempts {
				e.startFreshMessage(ctx, body)
				return
			}
			// Re-read to let the server settle, then rebase on our full
			// rendering (the accumulator is the source of truth).
			_, _ = e.client.GetMessage(ctx, e.roomID, e.messageID)
			continue
		}
		slog.Warn("reply.edit_failed", "room", e.roomID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(editBackoff[attempt]):
		}
	}
	slog.Error("reply.edit_abandoned", "room", e.roomID, "message", e.messageID)
}

// startFreshMessage abandons a conflicted message and continues in a new one.
// Caller holds the lock.
func (e *Editor) startFreshMessage(ctx context.Context, body string) {
	id, err := e.client.SendMessage(ctx, e.roomID, body, matrix.SendOpts{})
	if err != nil {
		slog.Error("reply.fresh_message_failed", "room", e.roomID, "error", err)
		return
	}
	slog.Warn("reply.message_rotated", "room", e.roomID, "old", e.messageID, "new", id)
	e.messageID = id
	e.lastSent = body
	e.conflicts = 0
}
