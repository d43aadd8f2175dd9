package registry

import "sync"

var (
	defaultRegistry *Registry
	defaultMu       sync.Mutex
)

// Default returns the process-wide registry, creating it on first use.
// Prefer passing a *Registry explicitly; Default exists for agents built
// with auto-registration.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = New()
	}
	return defaultRegistry
}

// SetDefault replaces the process-wide registry.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}

// ResetDefault stops and discards the process-wide registry. The next call
// to Default creates a fresh one.
func ResetDefault() error {
	defaultMu.Lock()
	r := defaultRegistry
	defaultRegistry = nil
	defaultMu.Unlock()

	if r == nil {
		return nil
	}
	return r.Stop()
}
