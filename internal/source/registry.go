package source

import (
	"github.com/rotisserie/eris"
)

// Registry maps source names to definitions.
type Registry struct {
	defs  map[string]Definition
	order []string // insertion order for deterministic iteration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// DefaultRegistry returns the built-in catalog, extended or overridden by
// the definitions in catalogPath when it is non-empty.
func DefaultRegistry(catalogPath string) (*Registry, error) {
	r := NewRegistry()
	for _, d := range Builtin() {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	if catalogPath == "" {
		return r, nil
	}
	defs, err := LoadCatalog(catalogPath)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds a definition. A definition with an existing
// name replaces the old one in place.
func (r *Registry) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, exists := r.defs[d.Name]; !exists {
		r.order = append(r.order, d.Name)
	}
	r.defs[d.Name] = d
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, eris.Errorf("source: unknown source %q", name)
	}
	return d, nil
}

// All returns all definitions in registration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// Names returns all registered names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Factory builds sources from registry definitions with shared deps.
type Factory struct {
	reg  *Registry
	deps Deps
}

// NewFactory creates a Factory over reg.
func NewFactory(reg *Registry, deps Deps) *Factory {
	return &Factory{reg: reg, deps: deps}
}

// Resolve builds the Source registered under name.
func (f *Factory) Resolve(name string) (Source, error) {
	def, err := f.reg.Get(name)
	if err != nil {
		return nil, err
	}
	return New(def, f.deps)
}
