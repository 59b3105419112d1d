// Package tools holds the tool registry the reply pipeline executes against.
// Tool implementations are external (MCP servers); this package owns lookup,
// schema export, and bounded execution.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mindroomhq/mindroom/internal/providers"
)

// execTimeout bounds a single tool call. Unresponsive tools are abandoned and
// their late results discarded.
const execTimeout = 60 * time.Second

// Tool is one invocable handler.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Registry is a concurrent-safe set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Lookup returns the tool for a name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions exports provider schemas for the given tool ids. Unknown ids
// are skipped with a warning; nil selects every registered tool.
func (r *Registry) Definitions(ids []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ids == nil {
		ids = make([]string, 0, len(r.tools))
		for name := range r.tools {
			ids = append(ids, name)
		}
		sort.Strings(ids)
	}

	defs := make([]providers.ToolDefinition, 0, len(ids))
	for _, id := range ids {
		t, ok := r.tools[id]
		if !ok {
			slog.Warn("tools.unknown_id", "tool", id)
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute runs a tool with the standard timeout. Errors and timeouts come
// back as error Results so the model sees the failure as context; the
// returned error is non-nil only for cancellation of the parent ctx.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Lookup(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}

	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	res, err := t.Execute(ctx, args)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("tool %q timed out after %s", name, execTimeout))
		}
		return ErrorResult(err.Error())
	}
	if res == nil {
		res = NewResult("")
	}
	return res
}
