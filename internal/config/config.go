// Package config parses the MindRoom configuration document into an immutable
// Snapshot, validates cross-references, watches the source for changes, and
// computes entity-level diffs between snapshots.
package config

import (
	"sort"
)

// LearningMode controls automatic memory commits for an agent.
type LearningMode string

const (
	LearnAlways   LearningMode = "always"
	LearnOnDemand LearningMode = "on_demand"
	LearnNever    LearningMode = "never"
)

// TeamMode selects how a team assembles its reply.
type TeamMode string

const (
	TeamCollaborate TeamMode = "collaborate"
	TeamConsensus   TeamMode = "consensus"
	TeamCoordinate  TeamMode = "coordinate"
)

// EntityKind tags the Entity variant.
type EntityKind string

const (
	KindAgent  EntityKind = "agent"
	KindTeam   EntityKind = "team"
	KindRouter EntityKind = "router"
)

// AgentSpec configures one agent.
type AgentSpec struct {
	ID             string       `json:"id"`
	DisplayName    string       `json:"display_name,omitempty"`
	Rooms          []string     `json:"rooms,omitempty"`
	Model          string       `json:"model,omitempty"`
	Tools          []string     `json:"tools,omitempty"`
	KnowledgeBases []string     `json:"knowledge_bases,omitempty"`
	Instructions   string       `json:"instructions,omitempty"`
	NumHistoryRuns int          `json:"num_history_runs,omitempty"`
	LearningMode   LearningMode `json:"learning_mode,omitempty"`
}

// TeamSpec configures a team of agents acting as one dispatch target.
type TeamSpec struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"display_name,omitempty"`
	Rooms          []string `json:"rooms,omitempty"`
	Agents         []string `json:"agents"`
	Mode           TeamMode `json:"mode,omitempty"`
	Model          string   `json:"model,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
	NumHistoryRuns int      `json:"num_history_runs,omitempty"`
}

// RouterSpec configures the single router entity.
type RouterSpec struct {
	ID           string   `json:"id,omitempty"` // default "router"
	DisplayName  string   `json:"display_name,omitempty"`
	Rooms        []string `json:"rooms,omitempty"`
	Model        string   `json:"model,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// RoomSpec describes a room the orchestrator manages.
type RoomSpec struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	Members     []string `json:"members,omitempty"` // entity ids plus human user ids
	Model       string   `json:"model,omitempty"`   // pinned model ref
}

// ModelSpec describes an LLM endpoint referenced by model ref.
type ModelSpec struct {
	ID          string  `json:"id"`
	Provider    string  `json:"provider"` // "openai" or any OpenAI-compatible endpoint
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url,omitempty"`
	APIKey      string  `json:"-"` // env only: MINDROOM_MODEL_<ID>_API_KEY
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ToolSpec declares a tool id served by an MCP server.
type ToolSpec struct {
	ID     string `json:"id"`
	Server string `json:"server"` // MCP server name
}

// MCPServerSpec configures one external MCP tool server.
type MCPServerSpec struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport,omitempty"` // stdio (default), sse, http
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

// KnowledgeBaseSpec points at an external knowledge base index.
type KnowledgeBaseSpec struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
}

// MemoryConfig selects and configures the memory store backend.
type MemoryConfig struct {
	Backend     string `json:"backend,omitempty"` // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty"`    // sqlite file path
	PostgresDSN string `json:"-"`                 // env only: MINDROOM_POSTGRES_DSN
}

// HomeserverConfig points at the Matrix server all bots connect to.
type HomeserverConfig struct {
	URL                string `json:"url"`
	Domain             string `json:"domain"`
	RegistrationSecret string `json:"-"` // env only: MINDROOM_REGISTRATION_SECRET
	BotPassword        string `json:"-"` // env only: MINDROOM_BOT_PASSWORD
	CredentialsDir     string `json:"credentials_dir,omitempty"`
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Endpoint string `json:"endpoint,omitempty"`
}

// Defaults are orchestrator-wide tunables with spec'd default values.
type Defaults struct {
	Model                     string `json:"model,omitempty"`
	NumHistoryRuns            int    `json:"num_history_runs,omitempty"`              // 10
	MaxConcurrentReplies      int    `json:"max_concurrent_replies,omitempty"`        // 4 per entity
	ReplyQueueSize            int    `json:"reply_queue_size,omitempty"`              // 32
	EditIntervalMs            int    `json:"edit_interval_ms,omitempty"`              // 500
	MaxToolResultDisplayChars int    `json:"max_tool_result_display_chars,omitempty"` // 500
	ResponseTrackerCapacity   int    `json:"response_tracker_capacity,omitempty"`     // 10000
	DataDir                   string `json:"data_dir,omitempty"`
}

// Snapshot is the immutable parsed configuration. It is never mutated after
// Load; hot reload replaces the whole snapshot.
type Snapshot struct {
	Homeserver     HomeserverConfig    `json:"homeserver"`
	Agents         []AgentSpec         `json:"agents"`
	Teams          []TeamSpec          `json:"teams,omitempty"`
	Router         RouterSpec          `json:"router"`
	Rooms          []RoomSpec          `json:"rooms"`
	Models         []ModelSpec         `json:"models"`
	Tools          []ToolSpec          `json:"tools,omitempty"`
	MCPServers     []MCPServerSpec     `json:"mcp_servers,omitempty"`
	KnowledgeBases []KnowledgeBaseSpec `json:"knowledge_bases,omitempty"`
	Memory         MemoryConfig        `json:"memory,omitempty"`
	Defaults       Defaults            `json:"defaults,omitempty"`
	BotAccounts    []string            `json:"bot_accounts,omitempty"` // foreign bots, excluded from human detection
	Telemetry      TelemetryConfig     `json:"telemetry,omitempty"`
}

// Entity is the normalized tagged variant over Agent | Team | Router.
// Downstream code consumes these immutable records only.
type Entity struct {
	Kind           EntityKind
	ID             string
	DisplayName    string
	Rooms          []string // sorted
	Model          string
	Tools          []string // sorted
	KnowledgeBases []string // sorted
	Instructions   string
	NumHistoryRuns int
	LearningMode   LearningMode

	// Team only.
	Members  []string // config order preserved (section ordering)
	TeamMode TeamMode
}

// RouterID returns the configured router id, defaulting to "router".
func (s *Snapshot) RouterID() string {
	if s.Router.ID != "" {
		return s.Router.ID
	}
	return "router"
}

// Entities returns all entities as normalized records: router first, then
// agents, then teams, each in config order.
func (s *Snapshot) Entities() []Entity {
	out := make([]Entity, 0, 1+len(s.Agents)+len(s.Teams))
	out = append(out, Entity{
		Kind:         KindRouter,
		ID:           s.RouterID(),
		DisplayName:  s.Router.DisplayName,
		Rooms:        sortedCopy(s.Router.Rooms),
		Model:        fallback(s.Router.Model, s.Defaults.Model),
		Instructions: s.Router.Instructions,
	})
	for _, a := range s.Agents {
		out = append(out, Entity{
			Kind:           KindAgent,
			ID:             a.ID,
			DisplayName:    a.DisplayName,
			Rooms:          sortedCopy(a.Rooms),
			Model:          fallback(a.Model, s.Defaults.Model),
			Tools:          sortedCopy(a.Tools),
			KnowledgeBases: sortedCopy(a.KnowledgeBases),
			Instructions:   a.Instructions,
			NumHistoryRuns: firstPositive(a.NumHistoryRuns, s.Defaults.NumHistoryRuns, 10),
			LearningMode:   fallbackMode(a.LearningMode),
		})
	}
	for _, t := range s.Teams {
		mode := t.Mode
		if mode == "" {
			mode = TeamCollaborate
		}
		out = append(out, Entity{
			Kind:           KindTeam,
			ID:             t.ID,
			DisplayName:    t.DisplayName,
			Rooms:          sortedCopy(t.Rooms),
			Model:          fallback(t.Model, s.Defaults.Model),
			Instructions:   t.Instructions,
			NumHistoryRuns: firstPositive(t.NumHistoryRuns, s.Defaults.NumHistoryRuns, 10),
			Members:        append([]string(nil), t.Agents...),
			TeamMode:       mode,
		})
	}
	return out
}

// Entity returns the normalized record for one entity id.
func (s *Snapshot) Entity(id string) (Entity, bool) {
	for _, e := range s.Entities() {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// Room returns the room spec for an id.
func (s *Snapshot) Room(id string) (RoomSpec, bool) {
	for _, r := range s.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return RoomSpec{}, false
}

// Model returns the model spec for a ref.
func (s *Snapshot) Model(ref string) (ModelSpec, bool) {
	for _, m := range s.Models {
		if m.ID == ref {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// IsBotAccount reports whether a user id is a configured foreign bot,
// excluded from human-participant detection.
func (s *Snapshot) IsBotAccount(userID string) bool {
	for _, b := range s.BotAccounts {
		if b == userID {
			return true
		}
	}
	return false
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func fallbackMode(m LearningMode) LearningMode {
	if m == "" {
		return LearnAlways
	}
	return m
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
