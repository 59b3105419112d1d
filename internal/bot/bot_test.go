package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mindroomhq/mindroom/internal/matrix"
)

// fakeClient feeds scripted sync batches and records calls.
type fakeClient struct {
	mu      sync.Mutex
	batches chan *matrix.SyncBatch
	logins  int
	whoami  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{batches: make(chan *matrix.SyncBatch, 16)}
}

func (f *fakeClient) Login(ctx context.Context, username, password string) (*matrix.Credentials, error) {
	f.mu.Lock()
	f.logins++
	f.mu.Unlock()
	return &matrix.Credentials{UserID: "@" + username + ":example.org", AccessToken: "tok"}, nil
}

func (f *fakeClient) Sync(ctx context.Context, cursor string) (*matrix.SyncBatch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-f.batches:
		return b, nil
	}
}

func (f *fakeClient) SendMessage(ctx context.Context, roomID, body string, opts matrix.SendOpts) (string, error) {
	return "$sent", nil
}
func (f *fakeClient) EditMessage(ctx context.Context, roomID, messageID, body string) error {
	return nil
}
func (f *fakeClient) GetMessage(ctx context.Context, roomID, messageID string) (string, error) {
	return "", nil
}
func (f *fakeClient) JoinRoom(ctx context.Context, roomID string) error  { return nil }
func (f *fakeClient) LeaveRoom(ctx context.Context, roomID string) error { return nil }
func (f *fakeClient) CreateRoom(ctx context.Context, alias, name string) (string, error) {
	return "!room", nil
}
func (f *fakeClient) InviteUser(ctx context.Context, roomID, userID string) error { return nil }
func (f *fakeClient) EnsureAccount(ctx context.Context, username, password string) (bool, error) {
	return false, nil
}
func (f *fakeClient) Whoami(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.whoami {
		return "@helper:example.org", nil
	}
	return "", matrix.ErrUnauthorized
}

func TestStartSkipsBacklogBatch(t *testing.T) {
	fc := newFakeClient()
	events := make(chan matrix.Event, 8)

	b := New(Config{
		EntityID: "helper",
		Password: "pw",
		Client:   fc,
		Creds:    matrix.NewCredentialCache(t.TempDir()),
		Handlers: Handlers{
			OnEvent: func(ctx context.Context, ev matrix.Event) { events <- ev },
		},
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if b.UserID() != "@helper:example.org" {
		t.Fatalf("UserID = %q", b.UserID())
	}

	// First batch is backlog and must be dropped.
	fc.batches <- &matrix.SyncBatch{
		Events:     []matrix.Event{{ID: "$old", Body: "stale"}},
		NextCursor: "c1",
	}
	fc.batches <- &matrix.SyncBatch{
		Events:     []matrix.Event{{ID: "$new", Body: "fresh"}},
		NextCursor: "c2",
	}

	select {
	case ev := <-events:
		if ev.ID != "$new" {
			t.Fatalf("delivered %q, want $new", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %q", ev.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerPanicDoesNotStopSync(t *testing.T) {
	fc := newFakeClient()
	events := make(chan matrix.Event, 8)

	b := New(Config{
		EntityID: "helper",
		Password: "pw",
		Client:   fc,
		Creds:    matrix.NewCredentialCache(t.TempDir()),
		Handlers: Handlers{
			OnEvent: func(ctx context.Context, ev matrix.Event) {
				if ev.ID == "$bad" {
					panic("handler bug")
				}
				events <- ev
			},
		},
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	fc.batches <- &matrix.SyncBatch{NextCursor: "c1"} // backlog
	fc.batches <- &matrix.SyncBatch{
		Events:     []matrix.Event{{ID: "$bad", Body: "trigger"}},
		NextCursor: "c2",
	}
	fc.batches <- &matrix.SyncBatch{
		Events:     []matrix.Event{{ID: "$ok", Body: "still here"}},
		NextCursor: "c3",
	}

	select {
	case ev := <-events:
		if ev.ID != "$ok" {
			t.Fatalf("delivered %q, want $ok", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync loop died after handler panic")
	}
}

func TestStartReusesValidCachedSession(t *testing.T) {
	fc := newFakeClient()
	fc.whoami = true
	cache := matrix.NewCredentialCache(t.TempDir())
	if err := cache.Save("helper", &matrix.Credentials{UserID: "@helper:example.org", AccessToken: "tok"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	b := New(Config{EntityID: "helper", Password: "pw", Client: fc, Creds: cache})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	fc.mu.Lock()
	logins := fc.logins
	fc.mu.Unlock()
	if logins != 0 {
		t.Fatalf("expected no logins with a valid cached session, got %d", logins)
	}
}

func TestStopCancelsTrackedTasks(t *testing.T) {
	fc := newFakeClient()
	b := New(Config{
		EntityID: "helper",
		Password: "pw",
		Client:   fc,
		Creds:    matrix.NewCredentialCache(t.TempDir()),
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.TrackTask("task-1", cancel)
	b.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("tracked task was not cancelled on Stop")
	}
}
