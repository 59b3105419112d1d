package registry

import (
	"testing"

	"github.com/mindroomhq/mindroom/internal/config"
)

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Homeserver: config.HomeserverConfig{URL: "http://localhost:8008", Domain: "example.org"},
		Router:     config.RouterSpec{Rooms: []string{"!lobby:example.org"}},
		Agents: []config.AgentSpec{
			{ID: "helper", Rooms: []string{"!lobby:example.org", "!dev:example.org"}, Model: "gpt"},
			{ID: "coder", Rooms: []string{"!dev:example.org"}, Model: "gpt"},
		},
		Teams: []config.TeamSpec{
			{ID: "devteam", Agents: []string{"helper", "coder"}, Rooms: []string{"!dev:example.org"}},
		},
		Models: []config.ModelSpec{{ID: "gpt", Provider: "openai", Model: "gpt-4o"}},
	}
}

func TestUserIDRoundTrip(t *testing.T) {
	uid := UserID("helper", "example.org")
	if uid != "@helper:example.org" {
		t.Fatalf("UserID = %q", uid)
	}
	if got := EntityID(uid, "example.org"); got != "helper" {
		t.Fatalf("EntityID = %q", got)
	}
	if got := EntityID("@helper:other.org", "example.org"); got != "" {
		t.Fatalf("foreign domain should not resolve, got %q", got)
	}
	if got := EntityID("helper", "example.org"); got != "" {
		t.Fatalf("bare localpart should not resolve, got %q", got)
	}
}

func TestLookups(t *testing.T) {
	r := New(testSnapshot())

	if e, ok := r.Get("helper"); !ok || e.Kind != config.KindAgent {
		t.Fatalf("Get(helper) = %+v, %v", e, ok)
	}
	if e, ok := r.ByUserID("@devteam:example.org"); !ok || e.Kind != config.KindTeam {
		t.Fatalf("ByUserID(devteam) = %+v, %v", e, ok)
	}
	if !r.IsBot("@router:example.org") {
		t.Fatal("router user id should be a bot")
	}
	if r.IsBot("@alice:example.org") {
		t.Fatal("human user id reported as bot")
	}
	if e, ok := r.Router(); !ok || e.ID != "router" {
		t.Fatalf("Router() = %+v, %v", e, ok)
	}
}

func TestRoomIndexes(t *testing.T) {
	r := New(testSnapshot())

	dev := r.InRoom("!dev:example.org")
	if len(dev) != 3 {
		t.Fatalf("InRoom(dev) = %d entities, want 3", len(dev))
	}
	agents := r.AgentsInRoom("!dev:example.org")
	if len(agents) != 2 || agents[0].ID != "helper" || agents[1].ID != "coder" {
		t.Fatalf("AgentsInRoom(dev) = %+v", agents)
	}
	if got := r.InRoom("!unknown:example.org"); len(got) != 0 {
		t.Fatalf("unknown room returned %d entities", len(got))
	}
}

func TestSwapReplacesGeneration(t *testing.T) {
	r := New(testSnapshot())

	next := testSnapshot()
	next.Agents = next.Agents[:1] // drop coder
	next.Teams = nil
	r.Swap(next)

	if _, ok := r.Get("coder"); ok {
		t.Fatal("coder should be gone after swap")
	}
	if got := r.AgentsInRoom("!dev:example.org"); len(got) != 1 {
		t.Fatalf("dev room agents after swap = %d, want 1", len(got))
	}
	if len(r.Teams()) != 0 {
		t.Fatal("teams should be empty after swap")
	}
}
