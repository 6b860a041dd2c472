// Package unit is the execution-unit side of the channel: the operation
// library both sides link against, and the router that runs invocations.
package unit

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Func is an operation. ctx is cancelled when the controller cancels the
// invocation; in carries the arguments, the unit environment and the
// cancellation token.
type Func func(ctx context.Context, in *Invocation) (any, error)

// Library is the static operation table. The controller and every unit build
// the same Library, so programs refer to functions by name only.
type Library struct {
	mu    sync.RWMutex
	funcs map[string]Func
	names map[uintptr]string
}

func NewLibrary() *Library {
	return &Library{funcs: make(map[string]Func), names: make(map[uintptr]string)}
}

// Register adds fn under name. Functions are identified by code pointer, so
// register top-level functions rather than closures built in a loop.
func (l *Library) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("unit: empty operation name")
	}
	if fn == nil {
		return fmt.Errorf("unit: nil operation %q", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.funcs[name]; ok {
		return fmt.Errorf("unit: operation %q already registered", name)
	}
	l.funcs[name] = fn
	p := reflect.ValueOf(fn).Pointer()
	if _, ok := l.names[p]; !ok {
		l.names[p] = name
	}
	return nil
}

// MustRegister is Register that panics; it returns l for chaining.
func (l *Library) MustRegister(name string, fn Func) *Library {
	if err := l.Register(name, fn); err != nil {
		panic(err)
	}
	return l
}

func (l *Library) Lookup(name string) (Func, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.funcs[name]
	return fn, ok
}

// Names returns the registered operation names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.funcs))
	for n := range l.funcs {
		out = append(out, n)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

// NameOf implements serial.FuncNamer.
func (l *Library) NameOf(fn any) (string, bool) {
	var f Func
	switch v := fn.(type) {
	case Func:
		f = v
	case func(context.Context, *Invocation) (any, error):
		f = v
	default:
		return "", false
	}
	if f == nil {
		return "", false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	name, ok := l.names[reflect.ValueOf(f).Pointer()]
	return name, ok
}

// Resolve implements serial.FuncResolver.
func (l *Library) Resolve(name string) (any, bool) {
	fn, ok := l.Lookup(name)
	if !ok {
		return nil, false
	}
	return fn, true
}
