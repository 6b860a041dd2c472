package unit

import (
	"sort"
	"sync"
)

// Env is the unit-wide environment: constant bindings from the program and
// mutable state written by operations (configuration, caches). It lives as
// long as the unit.
type Env struct {
	mu       sync.RWMutex
	bindings map[string]any
	state    map[string]any
}

func NewEnv(bindings map[string]any) *Env {
	if bindings == nil {
		bindings = make(map[string]any)
	}
	return &Env{bindings: bindings, state: make(map[string]any)}
}

// Binding returns a constant dependency.
func (e *Env) Binding(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.bindings[name]
	return v, ok
}

// BindingNames lists the constant dependencies, sorted.
func (e *Env) BindingNames() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.bindings))
	for n := range e.bindings {
		out = append(out, n)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Get reads unit state, falling back to the binding of the same name.
func (e *Env) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.state[key]; ok {
		return v, true
	}
	v, ok := e.bindings[key]
	return v, ok
}

// Set writes unit state.
func (e *Env) Set(key string, v any) {
	e.mu.Lock()
	e.state[key] = v
	e.mu.Unlock()
}
