package providers

import (
	"fmt"
	"sync"

	"github.com/mindroomhq/mindroom/internal/config"
)

// Registry resolves model refs from the snapshot to provider instances.
// Providers are created lazily and cached per model ref; a hot reload swaps
// the snapshot and drops stale entries.
type Registry struct {
	mu    sync.Mutex
	snap  *config.Snapshot
	cache map[string]*boundModel
}

// boundModel pairs a provider with the resolved model parameters.
type boundModel struct {
	Provider    Provider
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewRegistry creates a registry over the given snapshot.
func NewRegistry(snap *config.Snapshot) *Registry {
	return &Registry{snap: snap, cache: make(map[string]*boundModel)}
}

// Swap replaces the snapshot after a hot reload. Cached providers whose spec
// changed are rebuilt on next use.
func (r *Registry) Swap(snap *config.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = snap
	r.cache = make(map[string]*boundModel)
}

// ForModel resolves a model ref into a provider and request template.
func (r *Registry) ForModel(ref string) (Provider, ChatRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref == "" {
		return nil, ChatRequest{}, fmt.Errorf("no model ref configured")
	}

	bound, ok := r.cache[ref]
	if !ok {
		spec, found := r.snap.Model(ref)
		if !found {
			return nil, ChatRequest{}, fmt.Errorf("unknown model ref %q", ref)
		}
		maxTokens := spec.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 4096
		}
		bound = &boundModel{
			Provider:    NewOpenAI(spec.Provider, spec.APIKey, spec.BaseURL),
			Model:       spec.Model,
			MaxTokens:   maxTokens,
			Temperature: spec.Temperature,
		}
		r.cache[ref] = bound
	}

	return bound.Provider, ChatRequest{
		Model:       bound.Model,
		MaxTokens:   bound.MaxTokens,
		Temperature: bound.Temperature,
	}, nil
}
