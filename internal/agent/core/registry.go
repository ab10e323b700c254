package core

import (
	"fmt"
	"sort"
	"sync"
)

// Registration binds an agent to the provider it calls.
type Registration struct {
	Agent    Agent
	Provider string
	// Categories restricts discovery agents to story categories; empty means all.
	Categories []string
}

// Registry maps identities to agents. Identities are immutable once registered.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Registration)}
}

// Register adds an agent. Registering the same ID twice is an error.
func (r *Registry) Register(reg Registration) error {
	if reg.Agent == nil {
		return fmt.Errorf("register: agent is nil")
	}
	id := reg.Agent.Identity()
	if id.IsZero() {
		return fmt.Errorf("register: agent identity is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[id.ID]; ok {
		return fmt.Errorf("register: agent %s already registered as %s", id.ID, existing.Agent.Identity().Role)
	}
	r.agents[id.ID] = reg
	return nil
}

// Get returns the registration for an agent ID.
func (r *Registry) Get(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[id]
	return reg, ok
}

// Agent returns the agent for id.
func (r *Registry) Agent(id string) (Agent, bool) {
	reg, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return reg.Agent, true
}

// ByKind lists registrations whose role prefix equals kind, sorted by ID.
func (r *Registry) ByKind(kind string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Registration
	for _, reg := range r.agents {
		if reg.Agent.Identity().Kind() == kind {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Agent.Identity().ID < out[j].Agent.Identity().ID
	})
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
