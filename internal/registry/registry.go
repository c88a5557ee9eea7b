// Package registry holds the closed set of selectable models. It is built
// once at startup from config and never mutated afterwards; resolving a
// model id is the only lookup the rest of the system performs.
package registry

import (
	"fmt"
	"os"
	"sort"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

// Descriptor is one registered model. APIKey is resolved from the
// environment at construction time, so a Descriptor handed out by Resolve
// is always complete.
type Descriptor struct {
	ID          string
	RemoteModel string
	APIKey      string
	Description string
}

// Registry maps model ids to descriptors. Read-only after New.
type Registry struct {
	models    map[string]Descriptor
	defaultID string
}

// New builds the registry from config and resolves every credential
// reference. A missing or empty credential for any configured model is a
// startup-time fatal error, not a per-request one.
func New(defaultID string, models map[string]config.ModelConfig) (*Registry, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("registry: no models configured")
	}

	resolved := make(map[string]Descriptor, len(models))
	for id, mc := range models {
		key := os.Getenv(mc.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("registry: model %q: credential %s is not set", id, mc.APIKeyEnv)
		}
		resolved[id] = Descriptor{
			ID:          id,
			RemoteModel: mc.RemoteModel,
			APIKey:      key,
			Description: mc.Description,
		}
	}

	if _, ok := resolved[defaultID]; !ok {
		return nil, fmt.Errorf("registry: default model %q is not configured", defaultID)
	}

	return &Registry{models: resolved, defaultID: defaultID}, nil
}

// Resolve returns the descriptor for id, or domain.ErrUnknownModel.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	d, ok := r.models[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", domain.ErrUnknownModel, id)
	}
	return d, nil
}

// Has reports whether id is a registered model.
func (r *Registry) Has(id string) bool {
	_, ok := r.models[id]
	return ok
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Default returns the configured default model.
func (r *Registry) Default() Descriptor {
	return r.models[r.defaultID]
}
