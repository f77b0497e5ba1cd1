package hearthd

import (
	"fmt"
	"sync"
)

// ServiceRegistry holds named service handles registered by subsystems and
// plugins so downstream collaborators can look them up without direct
// references.
type ServiceRegistry struct {
	logger Logger

	mu       sync.RWMutex
	services map[string]any
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry(logger Logger) *ServiceRegistry {
	return &ServiceRegistry{
		logger:   logger,
		services: make(map[string]any),
	}
}

// Name implements the subsystem contract.
func (r *ServiceRegistry) Name() string { return "services" }

// Register adds a service handle under a unique name.
func (r *ServiceRegistry) Register(name string, service any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("%w: %s", ErrServiceAlreadyRegistered, name)
	}
	r.services[name] = service
	r.logger.Debug("Registered service", "name", name)
	return nil
}

// Get returns a service handle by name.
func (r *ServiceRegistry) Get(name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	service, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return service, nil
}

// Count returns the number of registered services.
func (r *ServiceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Stop implements the subsystem contract; the registry holds no goroutines.
func (r *ServiceRegistry) Stop() {}

// GlobalTable is the global key-value table shared across apps. One coarse
// lock guards it, held strictly for the duration of a single read or write
// and never across a suspension point.
type GlobalTable struct {
	mu   sync.Mutex
	vars map[string]any
}

// NewGlobalTable creates an empty table.
func NewGlobalTable() *GlobalTable {
	return &GlobalTable{vars: make(map[string]any)}
}

// Get returns the value under key.
func (g *GlobalTable) Get(key string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vars[key]
	return v, ok
}

// Set stores value under key.
func (g *GlobalTable) Set(key string, value any) {
	g.mu.Lock()
	g.vars[key] = value
	g.mu.Unlock()
}

// Delete removes key.
func (g *GlobalTable) Delete(key string) {
	g.mu.Lock()
	delete(g.vars, key)
	g.mu.Unlock()
}

// Snapshot returns a copy of the table.
func (g *GlobalTable) Snapshot() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]any, len(g.vars))
	for k, v := range g.vars {
		out[k] = v
	}
	return out
}
