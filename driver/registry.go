package driver

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Driver from its configured DSN. Drivers without a
// backing store, like the in-memory one, ignore the DSN.
type Factory func(dsn string) (Driver, error)

// Registry maps configured driver names to factories. The zero-config
// path goes through the package-level Default registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Open constructs the named driver. Unknown names report the registered
// alternatives, so a config typo is diagnosable from the error alone.
func (r *Registry) Open(name, dsn string) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver %q (registered: %v)", name, r.List())
	}
	return f(dsn)
}

// List returns the registered driver names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-wide registry. The built-in drivers register
// themselves here; embedders can add their own before loading config.
var Default = NewRegistry()

func init() {
	Default.Register("memory", func(string) (Driver, error) { return NewMemory(), nil })
	Default.Register("sqlite", func(dsn string) (Driver, error) { return NewSQLite(dsn) })
}

// Open constructs the named driver from the Default registry.
func Open(name, dsn string) (Driver, error) {
	return Default.Open(name, dsn)
}
