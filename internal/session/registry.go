// ABOUTME: Generic per-tenant registry of connector sessions
// ABOUTME: Guarantees a single live connector per tenant and tears them all down at shutdown

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Connector is the lifecycle surface a Registry manages.
type Connector interface {
	State() State
	// Reset tears the session down and forgets its persisted record.
	Reset(ctx context.Context) error
	// Close releases live resources but keeps the persisted record.
	Close(ctx context.Context) error
}

// Factory builds a connector for a tenant.
type Factory[C Connector] func(tenantID string) C

// Registry maps tenants to their connector for one family.
type Registry[C Connector] struct {
	name       string
	factory    Factory[C]
	mu         sync.Mutex
	connectors map[string]C
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry[C Connector](name string, factory Factory[C], logger *slog.Logger) *Registry[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[C]{
		name:       name,
		factory:    factory,
		connectors: make(map[string]C),
		logger:     logger.With("component", "registry", "family", name),
	}
}

// Name returns the connector family served by this registry.
func (r *Registry[C]) Name() string { return r.name }

// Get returns the tenant's connector, creating it on first use. Concurrent
// callers for the same tenant always receive the same instance.
func (r *Registry[C]) Get(tenantID string) C {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.connectors[tenantID]; ok {
		return c
	}
	c := r.factory(tenantID)
	r.connectors[tenantID] = c
	r.logger.Debug("connector created", "tenant_id", tenantID, "total", len(r.connectors))
	return c
}

// Lookup returns the tenant's connector without creating one.
func (r *Registry[C]) Lookup(tenantID string) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connectors[tenantID]
	return c, ok
}

// Reset resets the tenant's connector and forgets it. Unknown tenants are a no-op.
func (r *Registry[C]) Reset(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	c, ok := r.connectors[tenantID]
	delete(r.connectors, tenantID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := c.Reset(ctx); err != nil {
		return fmt.Errorf("resetting %s session for %s: %w", r.name, tenantID, err)
	}
	return nil
}

// ListStates returns every live tenant's current state.
func (r *Registry[C]) ListStates() map[string]State {
	r.mu.Lock()
	snapshot := make(map[string]C, len(r.connectors))
	for id, c := range r.connectors {
		snapshot[id] = c
	}
	r.mu.Unlock()

	states := make(map[string]State, len(snapshot))
	for id, c := range snapshot {
		states[id] = c.State()
	}
	return states
}

// Tenants returns the ids of every live tenant, sorted.
func (r *Registry[C]) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown closes every live connector and empties the registry.
func (r *Registry[C]) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	live := r.connectors
	r.connectors = make(map[string]C)
	r.mu.Unlock()

	r.logger.Info("shutting down sessions", "count", len(live))

	var errs []error
	for id, c := range live {
		if err := c.Close(ctx); err != nil {
			r.logger.Error("closing session", "tenant_id", id, "error", err)
			errs = append(errs, fmt.Errorf("closing %s session for %s: %w", r.name, id, err))
		}
	}
	return errors.Join(errs...)
}
