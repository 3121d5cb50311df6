package double

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Module is a named collection of members in a Namespace.
// Members are Func, AsyncFunc, *Double, *Module or plain values.
type Module struct {
	name string

	mu      sync.RWMutex
	members map[string]any
}

func newModule(name string) *Module {
	return &Module{name: name, members: make(map[string]any)}
}

// Name returns the module's dotted path.
func (m *Module) Name() string {
	return m.name
}

// Set sets a member.
func (m *Module) Set(name string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[name] = v
}

// Get returns a member.
func (m *Module) Get(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.members[name]
	return v, ok
}

// Members returns a copy of the module's members.
func (m *Module) Members() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.members))
	for k, v := range m.members {
		out[k] = v
	}
	return out
}

// Call invokes the member name the way the program would, going through a
// double when one is installed.
func (m *Module) Call(ctx context.Context, name string, args ...any) (any, error) {
	v, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", m.name, name, ErrAttributeNotFound)
	}

	switch fn := v.(type) {
	case *Double:
		return fn.Invoke(ctx, args, nil)
	case Func:
		return fn(ctx, args, nil)
	case AsyncFunc:
		return await(ctx, fn(ctx, args, nil))
	default:
		return nil, fmt.Errorf("%s.%s: %w", m.name, name, ErrNotCallable)
	}
}

// Namespace is an in-memory Target made of nested modules. It lets Go
// programs expose their own callables to doubles.
type Namespace struct {
	root *Module
}

// NewNamespace creates an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{root: newModule("")}
}

// Root returns the root module.
func (n *Namespace) Root() *Module {
	return n.root
}

// Module returns the module at path, creating missing modules on the way.
func (n *Namespace) Module(path string) *Module {
	m := n.root
	if path == "" {
		return m
	}

	for _, part := range strings.Split(path, ".") {
		v, ok := m.Get(part)
		child, isModule := v.(*Module)
		if !ok || !isModule {
			child = newModule(qualify(m.name, part))
			m.Set(part, child)
		}
		m = child
	}
	return m
}

// Resolve implements Target.
func (n *Namespace) Resolve(path string) (any, error) {
	if path == "" {
		return n.root, nil
	}

	var cur any = n.root
	walked := ""
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(*Module)
		if !ok {
			return nil, &ResolutionError{Path: path, Err: fmt.Errorf("%s is not a module: %w", walked, ErrResolution)}
		}
		v, ok := m.Get(part)
		if !ok {
			return nil, &ResolutionError{Path: path, Err: fmt.Errorf("%s not found: %w", qualify(walked, part), ErrResolution)}
		}
		cur = v
		walked = qualify(walked, part)
	}
	return cur, nil
}

// Members implements Target.
func (n *Namespace) Members(v any) (map[string]any, bool) {
	m, ok := v.(*Module)
	if !ok {
		return nil, false
	}
	return m.Members(), true
}

// Original implements Target.
func (n *Namespace) Original(v any) (Original, bool) {
	switch fn := v.(type) {
	case Func:
		return Original{Func: fn}, true
	case func(context.Context, []any, map[string]any) (any, error):
		return Original{Func: fn}, true
	case AsyncFunc:
		return Original{Async: fn}, true
	case func(context.Context, []any, map[string]any) <-chan Result:
		return Original{Async: fn}, true
	case *Double:
		return Original{Func: fn.Invoke}, true
	default:
		return Original{}, false
	}
}

// Assign implements Target.
func (n *Namespace) Assign(parent any, name string, d *Double) error {
	m, ok := parent.(*Module)
	if !ok {
		return fmt.Errorf("assign %s: parent is not a module", name)
	}
	m.Set(name, d)
	return nil
}
