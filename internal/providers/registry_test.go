package providers

import (
	"strings"
	"testing"

	"github.com/mindroomhq/mindroom/internal/config"
)

func registrySnapshot() *config.Snapshot {
	return &config.Snapshot{
		Models: []config.ModelSpec{
			{ID: "gpt", Provider: "openai", Model: "gpt-4o", Temperature: 0.3},
			{ID: "small", Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 512},
		},
	}
}

func TestForModelBuildsRequestTemplate(t *testing.T) {
	r := NewRegistry(registrySnapshot())

	prov, req, err := r.ForModel("small")
	if err != nil {
		t.Fatalf("ForModel: %v", err)
	}
	if prov == nil {
		t.Fatal("nil provider")
	}
	if req.Model != "gpt-4o-mini" || req.MaxTokens != 512 {
		t.Fatalf("req = %+v", req)
	}
}

func TestForModelDefaultsMaxTokens(t *testing.T) {
	r := NewRegistry(registrySnapshot())

	_, req, err := r.ForModel("gpt")
	if err != nil {
		t.Fatalf("ForModel: %v", err)
	}
	if req.MaxTokens != 4096 {
		t.Fatalf("MaxTokens = %d", req.MaxTokens)
	}
	if req.Temperature != 0.3 {
		t.Fatalf("Temperature = %v", req.Temperature)
	}
}

func TestForModelErrors(t *testing.T) {
	r := NewRegistry(registrySnapshot())

	if _, _, err := r.ForModel(""); err == nil {
		t.Fatal("empty ref accepted")
	}
	if _, _, err := r.ForModel("mistral"); err == nil || !strings.Contains(err.Error(), "mistral") {
		t.Fatalf("unknown ref err = %v", err)
	}
}

func TestForModelCachesProvider(t *testing.T) {
	r := NewRegistry(registrySnapshot())

	p1, _, err := r.ForModel("gpt")
	if err != nil {
		t.Fatalf("ForModel: %v", err)
	}
	p2, _, err := r.ForModel("gpt")
	if err != nil {
		t.Fatalf("ForModel: %v", err)
	}
	if p1 != p2 {
		t.Fatal("provider rebuilt on cache hit")
	}
}

func TestSwapDropsCacheAndStaleRefs(t *testing.T) {
	r := NewRegistry(registrySnapshot())

	p1, _, err := r.ForModel("gpt")
	if err != nil {
		t.Fatalf("ForModel: %v", err)
	}

	r.Swap(&config.Snapshot{
		Models: []config.ModelSpec{
			{ID: "gpt", Provider: "openai", Model: "gpt-4.1"},
		},
	})

	p2, req, err := r.ForModel("gpt")
	if err != nil {
		t.Fatalf("ForModel after swap: %v", err)
	}
	if p1 == p2 {
		t.Fatal("stale provider survived swap")
	}
	if req.Model != "gpt-4.1" {
		t.Fatalf("req.Model = %q", req.Model)
	}

	if _, _, err := r.ForModel("small"); err == nil {
		t.Fatal("removed model still resolvable")
	}
}
