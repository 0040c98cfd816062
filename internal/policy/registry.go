package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Static tier table plus the mutable per-endpoint policy table.
// Tiers are fixed at construction; endpoint policies may be upserted at runtime.
type Registry struct {
	tiers       map[string]Tier
	defaultTier string

	mu        sync.RWMutex
	endpoints map[string]EndpointPolicy
}

// Builds a registry and fails fast on any configuration error.
// An empty defaultTier selects the tier with the smallest capacity.
func NewRegistry(tiers []Tier, defaultTier string, endpoints []EndpointPolicy) (*Registry, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one tier is required")
	}

	r := &Registry{
		tiers:     make(map[string]Tier, len(tiers)),
		endpoints: make(map[string]EndpointPolicy, len(endpoints)),
	}

	for _, t := range tiers {
		name := normalize(t.Name)
		if name == "" {
			return nil, fmt.Errorf("tier name is required")
		}
		if _, dup := r.tiers[name]; dup {
			return nil, fmt.Errorf("duplicate tier %q", name)
		}
		if err := t.Limits.Validate(); err != nil {
			return nil, fmt.Errorf("tier %q: %w", name, err)
		}
		t.Name = name
		r.tiers[name] = t
	}

	if defaultTier == "" {
		r.defaultTier = r.smallestTier()
	} else {
		defaultTier = normalize(defaultTier)
		if _, ok := r.tiers[defaultTier]; !ok {
			return nil, fmt.Errorf("default tier %q: %w", defaultTier, ErrUnknownTier)
		}
		r.defaultTier = defaultTier
	}

	for _, ep := range endpoints {
		if err := r.UpsertEndpointPolicy(ep.Endpoint, ep); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) smallestTier() string {
	var selected Tier
	for _, t := range r.tiers {
		if selected.Name == "" ||
			t.MaxRequests < selected.MaxRequests ||
			(t.MaxRequests == selected.MaxRequests && t.Name < selected.Name) {
			selected = t
		}
	}
	return selected.Name
}

// Returns the tier registered under name
func (r *Registry) ResolvePolicy(name string) (Tier, error) {
	t, ok := r.tiers[normalize(name)]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return t, nil
}

// Returns the tier used for anonymous callers
func (r *Registry) DefaultTier() Tier {
	return r.tiers[r.defaultTier]
}

func (r *Registry) HasTier(name string) bool {
	_, ok := r.tiers[normalize(name)]
	return ok
}

// Returns all tiers ordered by capacity
func (r *Registry) Tiers() []Tier {
	out := make([]Tier, 0, len(r.tiers))
	for _, t := range r.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxRequests != out[j].MaxRequests {
			return out[i].MaxRequests < out[j].MaxRequests
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Registry) ResolveEndpointPolicy(endpoint string) (EndpointPolicy, bool) {
	if endpoint == "" {
		return EndpointPolicy{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.endpoints[endpoint]
	return p, ok
}

// Validates and stores the policy for endpoint, replacing any previous one.
// Inherited fields are materialized at write time so reads stay a plain map lookup.
func (r *Registry) UpsertEndpointPolicy(endpoint string, p EndpointPolicy) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint name is required")
	}
	p.Endpoint = endpoint

	if p.Tier != "" {
		base, err := r.ResolvePolicy(p.Tier)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", endpoint, err)
		}
		p.Tier = base.Name
		if p.WindowMs == 0 {
			p.WindowMs = base.WindowMs
		}
		if p.BlockDurationMs == 0 {
			p.BlockDurationMs = base.BlockDurationMs
		}
	}

	if err := p.Limits.Validate(); err != nil {
		return fmt.Errorf("endpoint %q: %w", endpoint, err)
	}

	r.mu.Lock()
	r.endpoints[endpoint] = p
	r.mu.Unlock()

	return nil
}

func (r *Registry) RemoveEndpointPolicy(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[endpoint]; !ok {
		return false
	}
	delete(r.endpoints, endpoint)
	return true
}

// Swaps the whole endpoint table. Nothing changes if any entry is invalid.
func (r *Registry) ReplaceEndpointPolicies(policies []EndpointPolicy) error {
	staged := &Registry{
		tiers:       r.tiers,
		defaultTier: r.defaultTier,
		endpoints:   make(map[string]EndpointPolicy, len(policies)),
	}
	for _, p := range policies {
		if err := staged.UpsertEndpointPolicy(p.Endpoint, p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.endpoints = staged.endpoints
	r.mu.Unlock()

	return nil
}

// Returns endpoint policies ordered by endpoint name
func (r *Registry) EndpointPolicies() []EndpointPolicy {
	r.mu.RLock()
	out := make([]EndpointPolicy, 0, len(r.endpoints))
	for _, p := range r.endpoints {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
