package config

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalid wraps all validation failures so callers can map them to the
// boot exit code.
var ErrInvalid = errors.New("config invalid")

var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks required fields and cross-references: room ids referenced
// by entities exist, model refs exist, tool ids resolve to an MCP server,
// team members are known agents, ids are unique, exactly one router.
func (s *Snapshot) Validate() error {
	if s.Homeserver.URL == "" {
		return invalidf("homeserver.url is required")
	}
	if s.Homeserver.Domain == "" {
		return invalidf("homeserver.domain is required")
	}

	rooms := make(map[string]bool, len(s.Rooms))
	for _, r := range s.Rooms {
		if r.ID == "" {
			return invalidf("room with empty id")
		}
		if rooms[r.ID] {
			return invalidf("duplicate room id %q", r.ID)
		}
		rooms[r.ID] = true
	}

	models := make(map[string]bool, len(s.Models))
	for _, m := range s.Models {
		if m.ID == "" || m.Model == "" {
			return invalidf("model %q needs id and model", m.ID)
		}
		if models[m.ID] {
			return invalidf("duplicate model id %q", m.ID)
		}
		models[m.ID] = true
	}

	servers := make(map[string]bool, len(s.MCPServers))
	for _, srv := range s.MCPServers {
		if srv.Name == "" {
			return invalidf("mcp server with empty name")
		}
		servers[srv.Name] = true
	}
	toolIDs := make(map[string]bool, len(s.Tools))
	for _, t := range s.Tools {
		if t.ID == "" {
			return invalidf("tool with empty id")
		}
		if toolIDs[t.ID] {
			return invalidf("duplicate tool id %q", t.ID)
		}
		if t.Server != "" && !servers[t.Server] {
			return invalidf("tool %q references unknown mcp server %q", t.ID, t.Server)
		}
		toolIDs[t.ID] = true
	}

	kbs := make(map[string]bool, len(s.KnowledgeBases))
	for _, kb := range s.KnowledgeBases {
		if kb.ID == "" {
			return invalidf("knowledge base with empty id")
		}
		kbs[kb.ID] = true
	}

	agents := make(map[string]bool, len(s.Agents))
	seen := map[string]bool{s.RouterID(): true}
	for _, a := range s.Agents {
		if !slugRe.MatchString(a.ID) {
			return invalidf("agent id %q is not a valid slug", a.ID)
		}
		if seen[a.ID] {
			return invalidf("duplicate entity id %q", a.ID)
		}
		seen[a.ID] = true
		agents[a.ID] = true
	}
	for _, t := range s.Teams {
		if !slugRe.MatchString(t.ID) {
			return invalidf("team id %q is not a valid slug", t.ID)
		}
		if seen[t.ID] {
			return invalidf("duplicate entity id %q", t.ID)
		}
		seen[t.ID] = true
		if len(t.Agents) == 0 {
			return invalidf("team %q has no agents", t.ID)
		}
		for _, member := range t.Agents {
			if !agents[member] {
				return invalidf("team %q references unknown agent %q", t.ID, member)
			}
		}
		switch t.Mode {
		case "", TeamCollaborate, TeamConsensus, TeamCoordinate:
		default:
			return invalidf("team %q has unknown mode %q", t.ID, t.Mode)
		}
	}

	for _, e := range s.Entities() {
		for _, room := range e.Rooms {
			if !rooms[room] {
				return invalidf("entity %q references unknown room %q", e.ID, room)
			}
		}
		if e.Model != "" && !models[e.Model] {
			return invalidf("entity %q references unknown model %q", e.ID, e.Model)
		}
		for _, tool := range e.Tools {
			if !toolIDs[tool] {
				return invalidf("entity %q references unknown tool %q", e.ID, tool)
			}
		}
		for _, kb := range e.KnowledgeBases {
			if !kbs[kb] {
				return invalidf("entity %q references unknown knowledge base %q", e.ID, kb)
			}
		}
		switch e.LearningMode {
		case "", LearnAlways, LearnOnDemand, LearnNever:
		default:
			return invalidf("entity %q has unknown learning_mode %q", e.ID, e.LearningMode)
		}
	}

	for _, r := range s.Rooms {
		if r.Model != "" && !models[r.Model] {
			return invalidf("room %q pins unknown model %q", r.ID, r.Model)
		}
	}

	return nil
}
