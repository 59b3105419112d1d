// Package bot runs one Matrix account session per entity: login, the sync
// loop, and outbound sends. Event handling is injected by the orchestrator so
// this package stays free of dispatch logic.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mindroomhq/mindroom/internal/matrix"
)

const (
	// Sync failures back off linearly, capped at the max.
	backoffStep = 5 * time.Second
	backoffMax  = 60 * time.Second

	stopTimeout = 5 * time.Second
)

// Handlers are the callbacks the orchestrator wires into a bot. Each is
// invoked on its own goroutine so a slow handler never stalls the sync loop.
type Handlers struct {
	OnEvent  func(ctx context.Context, ev matrix.Event)
	OnInvite func(ctx context.Context, inv matrix.Invite)
	OnMember func(ctx context.Context, mc matrix.MemberChange)
}

// Config assembles a bot.
type Config struct {
	EntityID string
	Password string
	Client   matrix.Client
	Creds    *matrix.CredentialCache
	Handlers Handlers
}

// Bot is one running account session.
type Bot struct {
	entityID string
	password string
	client   matrix.Client
	creds    *matrix.CredentialCache
	handlers Handlers
	log      *slog.Logger

	mu      sync.Mutex
	userID  string
	cancel  context.CancelFunc
	stopped chan struct{}

	// In-flight handler goroutines and tracked reply tasks.
	wg    sync.WaitGroup
	tasks sync.Map // task id -> context.CancelFunc
}

// New creates a bot; Start brings it online.
func New(cfg Config) *Bot {
	return &Bot{
		entityID: cfg.EntityID,
		password: cfg.Password,
		client:   cfg.Client,
		creds:    cfg.Creds,
		handlers: cfg.Handlers,
		log:      slog.With("bot", cfg.EntityID),
	}
}

// EntityID returns the owning entity id.
func (b *Bot) EntityID() string { return b.entityID }

// UserID returns the Matrix user id after Start.
func (b *Bot) UserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userID
}

// Client exposes the underlying session for callers that need raw access
// (reply pipeline sends and edits).
func (b *Bot) Client() matrix.Client { return b.client }

// Start brings the session online: reuse cached credentials when they still
// work, otherwise register+login, then launch the sync loop.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.ensureSession(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.stopped = make(chan struct{})
	stopped := b.stopped
	b.mu.Unlock()

	go func() {
		defer close(stopped)
		b.syncLoop(loopCtx)
	}()

	b.log.Info("bot.started", "user_id", b.UserID())
	return nil
}

func (b *Bot) ensureSession(ctx context.Context) error {
	cached, err := b.creds.Load(b.entityID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if cached != nil {
		if uid, err := b.client.Whoami(ctx); err == nil {
			b.mu.Lock()
			b.userID = uid
			b.mu.Unlock()
			return nil
		}
		// Stale token. Fall through to a fresh login.
		_ = b.creds.Delete(b.entityID)
	}

	created, err := b.client.EnsureAccount(ctx, b.entityID, b.password)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	if created {
		b.log.Info("bot.account_created")
	}

	creds, err := b.client.Login(ctx, b.entityID, b.password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := b.creds.Save(b.entityID, creds); err != nil {
		b.log.Warn("bot.credential_save_failed", "error", err)
	}

	b.mu.Lock()
	b.userID = creds.UserID
	b.mu.Unlock()
	return nil
}

// syncLoop long-polls until the context is cancelled. Transient errors back
// off linearly; the attempt counter resets on the first successful batch.
func (b *Bot) syncLoop(ctx context.Context) {
	var cursor string
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := b.client.Sync(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			wait := backoffStep * time.Duration(attempts)
			if wait > backoffMax {
				wait = backoffMax
			}
			b.log.Warn("bot.sync_failed", "attempt", attempts, "backoff", wait, "error", err)

			if err == matrix.ErrUnauthorized {
				if lerr := b.relogin(ctx); lerr != nil {
					b.log.Error("bot.relogin_failed", "error", lerr)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		attempts = 0

		// The first batch is backlog from before this start; only advance
		// the cursor so old messages are never re-answered.
		if cursor == "" {
			cursor = batch.NextCursor
			continue
		}
		cursor = batch.NextCursor
		b.deliver(ctx, batch)
	}
}

func (b *Bot) relogin(ctx context.Context) error {
	_ = b.creds.Delete(b.entityID)
	creds, err := b.client.Login(ctx, b.entityID, b.password)
	if err != nil {
		return err
	}
	if err := b.creds.Save(b.entityID, creds); err != nil {
		b.log.Warn("bot.credential_save_failed", "error", err)
	}
	b.mu.Lock()
	b.userID = creds.UserID
	b.mu.Unlock()
	return nil
}

// deliver fans the batch out to handlers, one goroutine per callback so the
// sync loop keeps polling. A panicking handler loses its event, nothing more.
func (b *Bot) deliver(ctx context.Context, batch *matrix.SyncBatch) {
	for _, inv := range batch.Invites {
		if b.handlers.OnInvite == nil {
			break
		}
		inv := inv
		b.spawn(func() { b.handlers.OnInvite(ctx, inv) })
	}
	for _, mc := range batch.Members {
		if b.handlers.OnMember == nil {
			break
		}
		mc := mc
		b.spawn(func() { b.handlers.OnMember(ctx, mc) })
	}
	for _, ev := range batch.Events {
		if b.handlers.OnEvent == nil {
			break
		}
		ev := ev
		b.spawn(func() { b.handlers.OnEvent(ctx, ev) })
	}
}

func (b *Bot) spawn(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("bot.handler_panic", "panic", r)
			}
		}()
		fn()
	}()
}

// TrackTask registers a cancellable in-flight reply so Stop and stop
// commands can abort it.
func (b *Bot) TrackTask(id string, cancel context.CancelFunc) {
	b.tasks.Store(id, cancel)
}

// UntrackTask removes a finished task.
func (b *Bot) UntrackTask(id string) {
	b.tasks.Delete(id)
}

// CancelTasks aborts every tracked task.
func (b *Bot) CancelTasks() {
	b.tasks.Range(func(key, value any) bool {
		if cancel, ok := value.(context.CancelFunc); ok {
			cancel()
		}
		b.tasks.Delete(key)
		return true
	})
}

// Stop halts the sync loop, cancels in-flight tasks, and waits for handlers
// to drain, bounded by the stop timeout.
func (b *Bot) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	stopped := b.stopped
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	b.CancelTasks()

	done := make(chan struct{})
	go func() {
		if stopped != nil {
			<-stopped
		}
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.log.Info("bot.stopped")
	case <-time.After(stopTimeout):
		b.log.Warn("bot.stop_timeout", "timeout", stopTimeout)
	}
}
