package module

import (
	"fmt"
	"plugin"
)

// Loader constructs a fresh Module instance from a source identifier
// and entry symbol. Reload is realized by constructing an entirely new
// Loader/Module pair — see the modulehost package for why a changed
// source restarts the hosting subprocess rather than re-importing in
// place (Go's plugin package cannot unload a previously opened .so).
type Loader interface {
	Load(source, entry string) (Module, error)
}

// PluginLoader loads modules from Go plugin (.so) files built with
// `go build -buildmode=plugin`. source is the path to the .so file;
// entry names an exported symbol of type `func() (module.Module,
// error)`.
type PluginLoader struct{}

func (PluginLoader) Load(source, entry string) (Module, error) {
	p, err := plugin.Open(source)
	if err != nil {
		return nil, fmt.Errorf("module: open plugin %q: %w", source, err)
	}

	sym, err := p.Lookup(entry)
	if err != nil {
		return nil, fmt.Errorf("module: lookup entry %q in %q: %w", entry, source, err)
	}

	ctor, ok := sym.(func() (Module, error))
	if !ok {
		return nil, fmt.Errorf("module: entry %q in %q has the wrong signature, want func() (module.Module, error)", entry, source)
	}

	instance, err := ctor()
	if err != nil {
		return nil, fmt.Errorf("module: constructing %q: %w", entry, err)
	}
	return instance, nil
}

// Registry is an in-process Loader backed by a fixed map of
// constructors, keyed by source identifier (entry is ignored — tests
// and in-process-only deployments register one constructor per source
// rather than building real .so files).
type Registry struct {
	constructors map[string]func() (Module, error)
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]func() (Module, error))}
}

// Register adds a constructor under source.
func (r *Registry) Register(source string, ctor func() (Module, error)) {
	r.constructors[source] = ctor
}

func (r *Registry) Load(source, _ string) (Module, error) {
	ctor, ok := r.constructors[source]
	if !ok {
		return nil, fmt.Errorf("module: no constructor registered for source %q", source)
	}
	return ctor()
}
