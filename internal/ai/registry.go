package ai

import (
	"fmt"
	"sort"

	"github.com/forgelabs/forge/internal/types"
)

// Registry is the dispatch table for backend selection. Backends are chosen
// by name at startup from a closed set; the engine never switches on backend
// strings itself.
type Registry struct {
	reviewers   map[string]types.ReviewerBackend
	arbitrators map[string]types.ArbitratorBackend
}

// NewRegistry builds the dispatch table for one client. All known backends
// are registered here, once, at startup.
func NewRegistry(client *Client) *Registry {
	return &Registry{
		reviewers: map[string]types.ReviewerBackend{
			"anthropic":           NewReviewer(client, "anthropic", personaGeneral),
			"anthropic-strict":    NewReviewer(client, "anthropic-strict", personaStrict),
			"anthropic-architect": NewReviewer(client, "anthropic-architect", personaArchitect),
		},
		arbitrators: map[string]types.ArbitratorBackend{
			"anthropic": NewArbitrator(client),
		},
	}
}

// Reviewers resolves a list of reviewer names, failing on the first unknown
// name so configuration typos surface at startup rather than mid-run.
func (r *Registry) Reviewers(names []string) ([]types.ReviewerBackend, error) {
	var out []types.ReviewerBackend
	for _, name := range names {
		backend, ok := r.reviewers[name]
		if !ok {
			return nil, fmt.Errorf("unknown reviewer %q (available: %v)", name, r.ReviewerNames())
		}
		out = append(out, backend)
	}
	return out, nil
}

// Arbitrator resolves an arbitrator name
func (r *Registry) Arbitrator(name string) (types.ArbitratorBackend, error) {
	backend, ok := r.arbitrators[name]
	if !ok {
		return nil, fmt.Errorf("unknown arbitrator %q", name)
	}
	return backend, nil
}

// ReviewerNames lists the registered reviewer names, sorted
func (r *Registry) ReviewerNames() []string {
	names := make([]string, 0, len(r.reviewers))
	for name := range r.reviewers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
