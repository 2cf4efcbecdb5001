// Package handlers maps job components to the handlers that converge them and runs
// jobs through them with failure containment.
package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/spec"
)

// Handler converges one kind of component.
//
// Apply inspects actual state, plans the minimal change and applies it when commit is
// true. With commit false it must not mutate anything and reports would-change instead.
// Applying the same job twice must report unchanged the second time.
type Handler interface {
	Name() string
	Apply(ctx context.Context, job *spec.JobSpec, commit bool) (engine.ExecutionResult, error)
}

// SchemaProvider is implemented by handlers that publish a JSON Schema for their params.
type SchemaProvider interface {
	ParamSchema() string
}

// Origin says where a registered handler came from.
type Origin string

const (
	OriginBuiltin  Origin = "builtin"
	OriginOverride Origin = "override"
)

// Info describes a registered handler.
type Info struct {
	Name   string `json:"name" yaml:"name"`
	Origin Origin `json:"origin" yaml:"origin"`
	Kind   string `json:"kind" yaml:"kind"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// Shadows is set when an override hides a built-in of the same name.
	Shadows bool `json:"shadows,omitempty" yaml:"shadows,omitempty"`
}

type entry struct {
	handler Handler
	info    Info
}

// Registry resolves component names to handlers. Override entries take precedence
// over built-ins of the same name.
type Registry struct {
	mu        sync.RWMutex
	builtins  map[string]entry
	overrides map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builtins:  make(map[string]entry),
		overrides: make(map[string]entry),
	}
}

// RegisterBuiltin registers a built-in handler.
func (r *Registry) RegisterBuiltin(h Handler) error {
	return r.register(r.builtins, h, Info{Name: h.Name(), Origin: OriginBuiltin, Kind: KindGo})
}

// RegisterOverride registers a handler discovered in the override directory.
func (r *Registry) RegisterOverride(h Handler, kind, source string) error {
	return r.register(r.overrides, h, Info{Name: h.Name(), Origin: OriginOverride, Kind: kind, Source: source})
}

func (r *Registry) register(m map[string]entry, h Handler, info Info) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("handler has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := m[info.Name]; ok {
		return fmt.Errorf("handler %s already registered from %s", info.Name, existing.info.Source)
	}
	m[info.Name] = entry{handler: h, info: info}
	return nil
}

// Lookup returns the handler for component, preferring overrides.
func (r *Registry) Lookup(component string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.overrides[component]; ok {
		return e.handler, true
	}
	if e, ok := r.builtins[component]; ok {
		return e.handler, true
	}
	return nil, false
}

// List returns the effective handlers sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.builtins)+len(r.overrides))
	for name, e := range r.overrides {
		info := e.info
		_, info.Shadows = r.builtins[name]
		infos = append(infos, info)
	}
	for name, e := range r.builtins {
		if _, shadowed := r.overrides[name]; shadowed {
			continue
		}
		infos = append(infos, e.info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Close releases resources held by handlers that own any, such as WASM runtimes.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, m := range []map[string]entry{r.overrides, r.builtins} {
		for _, e := range m {
			if c, ok := e.handler.(interface{ Close(context.Context) error }); ok {
				if err := c.Close(ctx); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}
