package router

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mindroomhq/mindroom/internal/config"
	"github.com/mindroomhq/mindroom/internal/matrix"
	"github.com/mindroomhq/mindroom/internal/providers"
	"github.com/mindroomhq/mindroom/internal/registry"
	"github.com/mindroomhq/mindroom/internal/reply"
	"github.com/mindroomhq/mindroom/internal/scheduler"
)

type stubClient struct {
	mu      sync.Mutex
	sent    []string
	opts    []matrix.SendOpts
	invited []string
}

func (c *stubClient) Login(ctx context.Context, u, p string) (*matrix.Credentials, error) {
	return nil, nil
}
func (c *stubClient) Sync(ctx context.Context, cursor string) (*matrix.SyncBatch, error) {
	return &matrix.SyncBatch{}, nil
}
func (c *stubClient) SendMessage(ctx context.Context, roomID, body string, opts matrix.SendOpts) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, body)
	c.opts = append(c.opts, opts)
	return "$sent", nil
}
func (c *stubClient) EditMessage(ctx context.Context, roomID, messageID, body string) error {
	return nil
}
func (c *stubClient) GetMessage(ctx context.Context, roomID, messageID string) (string, error) {
	return "", nil
}
func (c *stubClient) JoinRoom(ctx context.Context, roomID string) error  { return nil }
func (c *stubClient) LeaveRoom(ctx context.Context, roomID string) error { return nil }
func (c *stubClient) CreateRoom(ctx context.Context, alias, name string) (string, error) {
	return "!r", nil
}
func (c *stubClient) InviteUser(ctx context.Context, roomID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invited = append(c.invited, userID)
	return nil
}
func (c *stubClient) EnsureAccount(ctx context.Context, u, p string) (bool, error) {
	return false, nil
}
func (c *stubClient) Whoami(ctx context.Context) (string, error) { return "@router:example.org", nil }

func (c *stubClient) lastSent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

func (c *stubClient) lastOpts() matrix.SendOpts {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.opts) == 0 {
		return matrix.SendOpts{}
	}
	return c.opts[len(c.opts)-1]
}

// answerProvider returns a fixed completion.
type answerProvider struct{ answer string }

func (p *answerProvider) Name() string { return "answer" }
func (p *answerProvider) Stream(ctx context.Context, req providers.ChatRequest, onEvent func(providers.StreamEvent)) (*providers.Turn, error) {
	onEvent(providers.StreamEvent{Kind: providers.EventFinish, FinishReason: providers.FinishStop})
	return &providers.Turn{Content: p.answer, FinishReason: providers.FinishStop}, nil
}

type answerResolver struct{ p providers.Provider }

func (r *answerResolver) ForModel(ref string) (providers.Provider, providers.ChatRequest, error) {
	return r.p, providers.ChatRequest{Model: ref}, nil
}

func routerFixture(t *testing.T, answer string) (*Router, *stubClient, *scheduler.Scheduler, *reply.StopManager) {
	t.Helper()
	snap := &config.Snapshot{
		Homeserver: config.HomeserverConfig{Domain: "example.org"},
		Router:     config.RouterSpec{Model: "gpt", Rooms: []string{"!lobby:example.org"}},
		Agents: []config.AgentSpec{
			{ID: "assistant", Rooms: []string{"!lobby:example.org"}, Model: "gpt", Instructions: "General questions.\nBe brief."},
			{ID: "coder", Rooms: []string{"!lobby:example.org"}, Model: "gpt", Instructions: "Programming help."},
		},
		Models:      []config.ModelSpec{{ID: "gpt", Provider: "openai", Model: "gpt-4o"}},
		BotAccounts: []string{"@voicebridge:example.org"},
	}
	sched, err := scheduler.New(filepath.Join(t.TempDir(), "schedules.json"), func(ctx context.Context, roomID, threadID, text string) error {
		return nil
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	stops := reply.NewStopManager()
	r := New(snap, registry.New(snap), &answerResolver{p: &answerProvider{answer: answer}}, stops, sched)
	return r, &stubClient{}, sched, stops
}

func TestSuggestPicksListedAgent(t *testing.T) {
	r, _, _, _ := routerFixture(t, "coder")
	ev := matrix.Event{RoomID: "!lobby:example.org", Body: "why does my build fail?"}

	id, ok := r.Suggest(context.Background(), ev, "!lobby:example.org")
	if !ok || id != "coder" {
		t.Fatalf("Suggest = %q, %v", id, ok)
	}
}

func TestSuggestNoneForUnknownAnswer(t *testing.T) {
	r, _, _, _ := routerFixture(t, "none of them fit")
	ev := matrix.Event{RoomID: "!lobby:example.org", Body: "hello"}

	if id, ok := r.Suggest(context.Background(), ev, "!lobby:example.org"); ok {
		t.Fatalf("Suggest = %q, want none", id)
	}
}

func TestHelpCommand(t *testing.T) {
	r, client, _, _ := routerFixture(t, "")
	ev := matrix.Event{ID: "$c", RoomID: "!lobby:example.org", Sender: "@alice:example.org", Body: "!help"}
	r.HandleCommand(context.Background(), client, ev)

	if !strings.Contains(client.lastSent(), "!schedule") {
		t.Fatalf("help output wrong: %q", client.lastSent())
	}
}

func TestStopCommandCancelsThreadTask(t *testing.T) {
	r, client, _, stops := routerFixture(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	stops.Register(reply.NewTask("t1", "$thread", "assistant", cancel))

	ev := matrix.Event{ID: "$c", RoomID: "!lobby:example.org", Sender: "@alice:example.org", Body: "!stop", ThreadID: "$thread"}
	r.HandleCommand(context.Background(), client, ev)

	if ctx.Err() == nil {
		t.Fatal("!stop did not cancel the thread task")
	}
	if !strings.Contains(client.lastSent(), "Stopping") {
		t.Fatalf("confirmation wrong: %q", client.lastSent())
	}
}

func TestInviteCommand(t *testing.T) {
	r, client, _, _ := routerFixture(t, "")
	ev := matrix.Event{ID: "$c", RoomID: "!lobby:example.org", Sender: "@alice:example.org", Body: "!invite @coder"}
	r.HandleCommand(context.Background(), client, ev)

	client.mu.Lock()
	invited := append([]string(nil), client.invited...)
	client.mu.Unlock()
	if len(invited) != 1 || invited[0] != "@coder:example.org" {
		t.Fatalf("invited = %v", invited)
	}

	r.HandleCommand(context.Background(), client, matrix.Event{
		ID: "$c2", RoomID: "!lobby:example.org", Sender: "@alice:example.org", Body: "!list_invites",
	})
	if !strings.Contains(client.lastSent(), "coder") {
		t.Fatalf("list_invites wrong: %q", client.lastSent())
	}
}

func TestScheduleCommands(t *testing.T) {
	r, client, sched, _ := routerFixture(t, "")
	room := "!lobby:example.org"

	r.HandleCommand(context.Background(), client, matrix.Event{
		ID: "$c1", RoomID: room, Sender: "@alice:example.org", Body: "!schedule 30m stand up",
	})
	if got := sched.List(room); len(got) != 1 || got[0].Text != "stand up" {
		t.Fatalf("schedule not created: %+v", got)
	}

	r.HandleCommand(context.Background(), client, matrix.Event{
		ID: "$c2", RoomID: room, Sender: "@alice:example.org", Body: "!list_schedules",
	})
	if !strings.Contains(client.lastSent(), "stand up") {
		t.Fatalf("list output wrong: %q", client.lastSent())
	}

	r.HandleCommand(context.Background(), client, matrix.Event{
		ID: "$c3", RoomID: room, Sender: "@alice:example.org", Body: "!cancel_schedule 1",
	})
	if got := sched.List(room); len(got) != 0 {
		t.Fatalf("schedule not cancelled: %+v", got)
	}
}

func TestSuggestMatchesWholeIdsOnly(t *testing.T) {
	snap := &config.Snapshot{
		Homeserver: config.HomeserverConfig{Domain: "example.org"},
		Router:     config.RouterSpec{Model: "gpt", Rooms: []string{"!lobby:example.org"}},
		Agents: []config.AgentSpec{
			{ID: "dev", Rooms: []string{"!lobby:example.org"}, Model: "gpt"},
			{ID: "devops", Rooms: []string{"!lobby:example.org"}, Model: "gpt"},
		},
		Models: []config.ModelSpec{{ID: "gpt", Provider: "openai", Model: "gpt-4o"}},
	}
	r := New(snap, registry.New(snap), &answerResolver{p: &answerProvider{answer: "I would pick devops for this."}}, reply.NewStopManager(), nil)

	ev := matrix.Event{RoomID: "!lobby:example.org", Body: "the deploy pipeline is broken"}
	id, ok := r.Suggest(context.Background(), ev, "!lobby:example.org")
	if !ok || id != "devops" {
		t.Fatalf("Suggest = %q, %v, want devops", id, ok)
	}
}

func TestVoiceCommandRelaysForBridge(t *testing.T) {
	r, client, _, _ := routerFixture(t, "")
	r.HandleCommand(context.Background(), client, matrix.Event{
		ID: "$v1", RoomID: "!lobby:example.org", Sender: "@voicebridge:example.org",
		ThreadID: "$thread", Body: "!voice @alice:example.org remind me tomorrow",
	})

	if client.lastSent() != "remind me tomorrow" {
		t.Fatalf("relayed body = %q", client.lastSent())
	}
	opts := client.lastOpts()
	if opts.TranscribedFor != "@alice:example.org" || opts.ThreadID != "$thread" {
		t.Fatalf("relay opts = %+v", opts)
	}
}

func TestVoiceCommandRefusedForHumans(t *testing.T) {
	r, client, _, _ := routerFixture(t, "")
	r.HandleCommand(context.Background(), client, matrix.Event{
		ID: "$v2", RoomID: "!lobby:example.org", Sender: "@alice:example.org",
		Body: "!voice @bob:example.org pretend I said this",
	})

	if client.lastOpts().TranscribedFor != "" {
		t.Fatal("human sender must not trigger a relay")
	}
	if !strings.Contains(client.lastSent(), "reserved") {
		t.Fatalf("refusal wrong: %q", client.lastSent())
	}
}

func TestRelayTranscriptionAttributesSpeaker(t *testing.T) {
	r, client, _, _ := routerFixture(t, "")
	err := r.RelayTranscription(context.Background(), client, "!lobby:example.org", "$thread",
		"@alice:example.org", "remind me tomorrow")
	if err != nil {
		t.Fatalf("RelayTranscription: %v", err)
	}
	if client.lastSent() != "remind me tomorrow" {
		t.Fatalf("relayed body = %q", client.lastSent())
	}
}

func TestUnknownCommandHints(t *testing.T) {
	r, client, _, _ := routerFixture(t, "")
	r.HandleCommand(context.Background(), client, matrix.Event{
		ID: "$c", RoomID: "!lobby:example.org", Sender: "@alice:example.org", Body: "!frobnicate",
	})
	if !strings.Contains(client.lastSent(), "!help") {
		t.Fatalf("unknown command hint wrong: %q", client.lastSent())
	}
}
