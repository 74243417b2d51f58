// Package templates maps deployment platforms to generators of Terraform
// and Dockerfile artifacts.
//
// Key types:
//   - [Registry] holds one [Generator] per [Platform]
//   - [Context] is the generator input derived from an analysis result
//   - [TerraformGenerator] and [DockerfileGenerator] adapt the registry to
//     the workflow orchestrator
//
// Built-in generators are registered when the registry is constructed, so
// concurrent lookups never race with registration.
package templates

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownPlatform is returned for platforms without a generator.
	ErrUnknownPlatform = errors.New("unknown deployment platform")

	// ErrDuplicatePlatform is returned when a platform is registered twice.
	ErrDuplicatePlatform = errors.New("platform already registered")
)

// Metadata describes a generator for listings.
type Metadata struct {
	Name                      string   `json:"name"`
	Platform                  Platform `json:"platform"`
	CloudProvider             string   `json:"cloud_provider"`
	Description               string   `json:"description"`
	RequiresLoadBalancer      bool     `json:"requires_load_balancer"`
	RequiresContainerRegistry bool     `json:"requires_container_registry"`
	SupportsAutoscaling       bool     `json:"supports_autoscaling"`
	MinCostEstimateMonthly    float64  `json:"min_cost_estimate_monthly"`
	Difficulty                string   `json:"difficulty"`
}

// Generator produces the infrastructure files for one platform.
type Generator interface {
	Generate(c Context) (map[string]string, error)
	Metadata() Metadata
}

// Registry maps platforms to generators. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	generators map[Platform]Generator
}

// NewRegistry returns a registry with the built-in generators.
func NewRegistry() *Registry {
	r := &Registry{generators: make(map[Platform]Generator)}
	for _, g := range builtins() {
		if err := r.Register(g); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds g under its metadata platform.
func (r *Registry) Register(g Generator) error {
	p := g.Metadata().Platform
	if !p.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.generators[p]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlatform, p)
	}
	r.generators[p] = g
	return nil
}

// Get returns the generator for p.
func (r *Registry) Get(p Platform) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[p]
	if !ok {
		return nil, fmt.Errorf("%w: no template registered for %q", ErrUnknownPlatform, p)
	}
	return g, nil
}

// List returns metadata for every registered generator, ordered by
// platform.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.generators))
	for _, g := range r.generators {
		out = append(out, g.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// ByCloud returns the metadata of generators for cloud.
func (r *Registry) ByCloud(cloud string) []Metadata {
	var out []Metadata
	for _, m := range r.List() {
		if m.CloudProvider == cloud {
			out = append(out, m)
		}
	}
	return out
}
