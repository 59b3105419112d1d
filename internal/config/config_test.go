package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const validDoc = `{
  // JSON5: comments and trailing commas are fine.
  homeserver: {
    url: "http://localhost:8008",
    domain: "example.org",
  },
  defaults: { model: "gpt" },
  models: [
    { id: "gpt", provider: "openai", model: "gpt-4o" },
  ],
  rooms: [
    { id: "!lobby:example.org", display_name: "Lobby" },
    { id: "!dev:example.org" },
  ],
  router: { rooms: ["!lobby:example.org"] },
  agents: [
    { id: "helper", rooms: ["!dev:example.org", "!lobby:example.org"] },
    { id: "coder", rooms: ["!dev:example.org"], model: "gpt", num_history_runs: 5 },
  ],
  teams: [
    { id: "devteam", agents: ["helper", "coder"], mode: "consensus", rooms: ["!dev:example.org"] },
  ],
}`

func TestParseJSON5Document(t *testing.T) {
	snap, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if snap.Homeserver.Domain != "example.org" {
		t.Fatalf("domain = %q", snap.Homeserver.Domain)
	}
	if len(snap.Agents) != 2 || len(snap.Teams) != 1 {
		t.Fatalf("agents/teams = %d/%d", len(snap.Agents), len(snap.Teams))
	}
	// Untouched defaults survive the overlay.
	if snap.Defaults.EditIntervalMs != 500 || snap.Defaults.MaxConcurrentReplies != 4 {
		t.Fatalf("defaults not applied: %+v", snap.Defaults)
	}
}

func TestParseRejectsUnknownSection(t *testing.T) {
	doc := strings.Replace(validDoc, "teams:", "teems:", 1)
	if _, err := Parse([]byte(doc)); err == nil || !strings.Contains(err.Error(), "teems") {
		t.Fatalf("err = %v, want unknown section", err)
	}
}

func TestValidateCrossReferences(t *testing.T) {
	cases := []struct {
		name string
		edit func(doc string) string
		want string
	}{
		{"unknown room", func(d string) string {
			return strings.Replace(d, `"!dev:example.org"]`, `"!nope:example.org"]`, 1)
		}, "unknown room"},
		{"unknown model", func(d string) string {
			return strings.Replace(d, `model: "gpt", num_history_runs`, `model: "mistral", num_history_runs`, 1)
		}, "unknown model"},
		{"unknown team member", func(d string) string {
			return strings.Replace(d, `agents: ["helper", "coder"]`, `agents: ["helper", "ghost"]`, 1)
		}, "unknown agent"},
		{"duplicate entity id", func(d string) string {
			return strings.Replace(d, `id: "devteam"`, `id: "coder"`, 1)
		}, "duplicate entity id"},
		{"bad slug", func(d string) string {
			return strings.Replace(d, `id: "helper"`, `id: "Helper Bot"`, 1)
		}, "not a valid slug"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.edit(validDoc)))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestEnvSecretsOverlay(t *testing.T) {
	t.Setenv("MINDROOM_BOT_PASSWORD", "hunter2")
	t.Setenv("MINDROOM_API_KEY", "generic")
	t.Setenv("MINDROOM_MODEL_GPT_API_KEY", "specific")

	snap, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if snap.Homeserver.BotPassword != "hunter2" {
		t.Fatalf("bot password = %q", snap.Homeserver.BotPassword)
	}
	// The per-model key beats the generic fallback.
	if snap.Models[0].APIKey != "specific" {
		t.Fatalf("api key = %q", snap.Models[0].APIKey)
	}
}

func TestSecretsNeverSerialized(t *testing.T) {
	t.Setenv("MINDROOM_BOT_PASSWORD", "hunter2")
	t.Setenv("MINDROOM_MODEL_GPT_API_KEY", "sk-secret")

	snap, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data, err := snap.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	for _, secret := range []string{"hunter2", "sk-secret"} {
		if strings.Contains(string(data), secret) {
			t.Fatalf("serialized config leaks %q", secret)
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	snap, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data, err := snap.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(snap, again) {
		t.Fatalf("round trip differs:\n%+v\n%+v", snap, again)
	}
}

func TestEntitiesNormalization(t *testing.T) {
	snap, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ents := snap.Entities()
	if ents[0].Kind != KindRouter || ents[0].ID != "router" {
		t.Fatalf("first entity = %+v, want router", ents[0])
	}
	var helper Entity
	for _, e := range ents {
		if e.ID == "helper" {
			helper = e
		}
	}
	if helper.Model != "gpt" {
		t.Fatalf("default model not inherited: %q", helper.Model)
	}
	if !reflect.DeepEqual(helper.Rooms, []string{"!dev:example.org", "!lobby:example.org"}) {
		t.Fatalf("rooms not sorted: %v", helper.Rooms)
	}
	if helper.NumHistoryRuns != 10 {
		t.Fatalf("history default = %d", helper.NumHistoryRuns)
	}
}

func TestComputeDiffIdempotent(t *testing.T) {
	a, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d := ComputeDiff(a, b); !d.Empty() {
		t.Fatalf("identical snapshots diff: %+v", d)
	}
}

func TestComputeDiffClassifiesEntities(t *testing.T) {
	old, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	doc := strings.Replace(validDoc, `{ id: "helper", rooms: ["!dev:example.org", "!lobby:example.org"] },`,
		`{ id: "helper", rooms: ["!lobby:example.org"] },
    { id: "newbie", rooms: ["!lobby:example.org"] },`, 1)
	doc = strings.Replace(doc, `teams: [
    { id: "devteam", agents: ["helper", "coder"], mode: "consensus", rooms: ["!dev:example.org"] },
  ],`, "", 1)

	next, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	d := ComputeDiff(old, next)
	if !reflect.DeepEqual(d.Added, []string{"newbie"}) {
		t.Fatalf("Added = %v", d.Added)
	}
	if !reflect.DeepEqual(d.Removed, []string{"devteam"}) {
		t.Fatalf("Removed = %v", d.Removed)
	}
	if !reflect.DeepEqual(d.Changed, []string{"helper"}) {
		t.Fatalf("Changed = %v", d.Changed)
	}
}

func TestComputeDiffTracksModelChanges(t *testing.T) {
	old, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	doc := strings.Replace(validDoc, `model: "gpt-4o"`, `model: "gpt-4o-mini"`, 1)
	next, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	d := ComputeDiff(old, next)
	// Every entity resolving to the edited model restarts.
	for _, id := range []string{"router", "helper", "coder"} {
		found := false
		for _, c := range d.Changed {
			if c == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("entity %q not marked changed: %+v", id, d)
		}
	}
}

func TestWatcherAppliesValidAndRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(validDoc), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	changes := make(chan *Snapshot, 4)
	w := NewWatcher(path, func(s *Snapshot) { changes <- s })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Valid edit fires the callback.
	edited := strings.Replace(validDoc, `display_name: "Lobby"`, `display_name: "Main"`, 1)
	if err := os.WriteFile(path, []byte(edited), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case snap := <-changes:
		if snap.Rooms[0].DisplayName != "Main" {
			t.Fatalf("stale snapshot delivered: %+v", snap.Rooms[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid change not applied")
	}

	// Broken edit is rejected; no callback.
	if err := os.WriteFile(path, []byte(`{ bogus: true }`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case snap := <-changes:
		t.Fatalf("invalid config applied: %+v", snap)
	case <-time.After(2 * time.Second):
	}
}
