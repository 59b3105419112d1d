package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Snapshot with orchestrator defaults filled in.
func Default() *Snapshot {
	return &Snapshot{
		Homeserver: HomeserverConfig{
			CredentialsDir: "~/.mindroom/credentials",
		},
		Router: RouterSpec{ID: "router"},
		Defaults: Defaults{
			NumHistoryRuns:            10,
			MaxConcurrentReplies:      4,
			ReplyQueueSize:            32,
			EditIntervalMs:            500,
			MaxToolResultDisplayChars: 500,
			ResponseTrackerCapacity:   10000,
			DataDir:                   "~/.mindroom/data",
		},
	}
}

// knownTopLevelKeys is the closed set of document sections. Unknown sections
// are a config error, not a silent ignore.
var knownTopLevelKeys = map[string]bool{
	"homeserver":      true,
	"agents":          true,
	"teams":           true,
	"router":          true,
	"rooms":           true,
	"models":          true,
	"tools":           true,
	"mcp_servers":     true,
	"knowledge_bases": true,
	"memory":          true,
	"defaults":        true,
	"bot_accounts":    true,
	"telemetry":       true,
}

// Load reads, parses, and validates the config document at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a config document.
func Parse(data []byte) (*Snapshot, error) {
	var raw map[string]interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for key := range raw {
		if !knownTopLevelKeys[key] {
			return nil, fmt.Errorf("parse config: unknown section %q", key)
		}
	}

	snap := Default()
	if err := json5.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	snap.applyEnvOverrides()

	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// applyEnvOverrides overlays secrets from the environment. Secrets never live
// in the config document.
func (s *Snapshot) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MINDROOM_HOMESERVER_URL", &s.Homeserver.URL)
	envStr("MINDROOM_REGISTRATION_SECRET", &s.Homeserver.RegistrationSecret)
	envStr("MINDROOM_BOT_PASSWORD", &s.Homeserver.BotPassword)
	envStr("MINDROOM_POSTGRES_DSN", &s.Memory.PostgresDSN)

	for i := range s.Models {
		// Generic key first so a per-model key wins.
		envStr("MINDROOM_API_KEY", &s.Models[i].APIKey)
		key := "MINDROOM_MODEL_" + strings.ToUpper(strings.ReplaceAll(s.Models[i].ID, "-", "_")) + "_API_KEY"
		envStr(key, &s.Models[i].APIKey)
	}
}

// Fingerprint returns a stable content hash used by the watcher to detect
// changes without re-parsing.
func Fingerprint(data []byte) string {
	return fmt.Sprintf("%x", sha256Sum(data))
}

// Serialize renders the snapshot back to canonical JSON. Parsing the result
// yields an equivalent snapshot (field order aside).
func (s *Snapshot) Serialize() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// ExpandHome expands a leading ~/ against the user home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
