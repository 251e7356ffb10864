package connector

import (
	"fmt"
	"sort"
	"sync"

	oerrors "github.com/Ankesh-007/peft-studio-sub012/core/errors"

	"go.uber.org/zap"
)

// Registry is the static table of provider connectors, populated once at
// process start. A connector that fails registration is disabled in
// isolation; it never takes the registry down with it.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Connector
	disabled map[string]error
	logger   *zap.Logger
}

// NewRegistry creates an empty connector registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries:  make(map[string]Connector),
		disabled: make(map[string]error),
		logger:   logger,
	}
}

// Register validates and installs a connector. Validation failures are
// reported and recorded but are not fatal: the broken connector disables
// only itself.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c == nil {
		err := fmt.Errorf("nil connector")
		r.logger.Error("connector registration rejected", zap.Error(err))
		return err
	}

	name := c.Name()
	if name == "" {
		err := fmt.Errorf("connector has empty provider name")
		r.logger.Error("connector registration rejected", zap.Error(err))
		return err
	}
	if _, ok := r.entries[name]; ok {
		err := fmt.Errorf("provider %q already registered", name)
		r.logger.Error("connector registration rejected",
			zap.String("provider", name), zap.Error(err))
		return err
	}

	if v, ok := c.(Validator); ok {
		if err := v.Validate(); err != nil {
			r.disabled[name] = err
			r.logger.Error("connector failed validation, disabled",
				zap.String("provider", name), zap.Error(err))
			return fmt.Errorf("provider %q disabled: %w", name, err)
		}
	}

	r.entries[name] = c
	r.logger.Info("connector registered", zap.String("provider", name))
	return nil
}

// Lookup resolves a provider name to its connector. Unknown and disabled
// providers both resolve to ConnectorNotFound; the disabled case carries the
// recorded validation failure.
func (r *Registry) Lookup(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.entries[name]; ok {
		return c, nil
	}
	if cause, ok := r.disabled[name]; ok {
		return nil, &oerrors.JobError{
			Op:       "Lookup",
			Provider: name,
			Err:      fmt.Errorf("%w: disabled at registration: %v", oerrors.ErrConnectorNotFound, cause),
		}
	}
	return nil, &oerrors.JobError{
		Op:       "Lookup",
		Provider: name,
		Err:      oerrors.ErrConnectorNotFound,
	}
}

// Providers returns the names of all usable connectors, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disabled returns the providers rejected at registration and their causes.
func (r *Registry) Disabled() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]error, len(r.disabled))
	for name, err := range r.disabled {
		out[name] = err
	}
	return out
}
