// Package double provides call-recording doubles for the live object graph
// of a debugged program.
//
// A double replaces a callable member of the target program and records
// every invocation. The Registry tracks the dotted paths under which doubles
// live and reports the calls each double received since it was last checked.
// The Injector resolves a dotted path against a Target, replaces the member
// with a new double and registers it.
package double

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Args   []any
	Kwargs map[string]any
}

// String renders the call as "(1, 2, key=3)".
func (c Call) String() string {
	parts := make([]string, 0, len(c.Args)+len(c.Kwargs))
	for _, a := range c.Args {
		parts = append(parts, formatValue(a))
	}

	keys := make([]string, 0, len(c.Kwargs))
	for k := range c.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(c.Kwargs[k]))
	}

	return "(" + strings.Join(parts, ", ") + ")"
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Recorder is the capability that makes a value a double: it exposes the
// history of calls it received, in call order.
type Recorder interface {
	Calls() []Call
}

// Func is a synchronous callable of the target program.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Result is the outcome of an asynchronous call.
type Result struct {
	Value any
	Err   error
}

// AsyncFunc is an asynchronous callable; its result arrives on the channel.
type AsyncFunc func(ctx context.Context, args []any, kwargs map[string]any) <-chan Result

// Variant selects how a double invokes what it forwards to.
type Variant int

const (
	// VariantSync calls the original directly.
	VariantSync Variant = iota
	// VariantAsync awaits the original's result.
	VariantAsync
)

// String returns a string representation of the variant.
func (v Variant) String() string {
	switch v {
	case VariantSync:
		return "sync"
	case VariantAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Double is a call-recording substitute for a callable.
type Double struct {
	name    string
	variant Variant
	forward bool
	fn      Func
	async   AsyncFunc
	value   any

	mu    sync.Mutex
	calls []Call
}

// Option configures a Double.
type Option func(*Double)

// WithReturn sets the value a non-forwarding double returns.
func WithReturn(v any) Option {
	return func(d *Double) {
		d.value = v
	}
}

// New creates a non-forwarding synchronous double.
func New(name string, opts ...Option) *Double {
	d := &Double{name: name, variant: VariantSync}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewForwarding creates a synchronous double that calls fn.
func NewForwarding(name string, fn Func, opts ...Option) *Double {
	d := New(name, opts...)
	d.forward = true
	d.fn = fn
	return d
}

// NewAsyncForwarding creates a double that awaits fn.
func NewAsyncForwarding(name string, fn AsyncFunc, opts ...Option) *Double {
	d := New(name, opts...)
	d.variant = VariantAsync
	d.forward = true
	d.async = fn
	return d
}

// fromOriginal builds the double variant matching orig.
func fromOriginal(name string, orig Original, forward bool, opts ...Option) *Double {
	d := New(name, opts...)
	if orig.IsAsync() {
		d.variant = VariantAsync
		d.async = orig.Async
	} else {
		d.fn = orig.Func
	}
	d.forward = forward
	return d
}

// Name returns the qualified name the double was created for.
func (d *Double) Name() string {
	return d.name
}

// Variant returns the double's variant.
func (d *Double) Variant() Variant {
	return d.variant
}

// Forwarding reports whether the double calls the original.
func (d *Double) Forwarding() bool {
	return d.forward
}

// Invoke records the call and, when forwarding, returns the original's
// result. Otherwise it returns the configured return value.
func (d *Double) Invoke(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	d.record(args, kwargs)

	if !d.forward {
		return d.value, nil
	}

	switch d.variant {
	case VariantAsync:
		if d.async == nil {
			return nil, fmt.Errorf("%s: %w", d.name, ErrNotCallable)
		}
		return await(ctx, d.async(ctx, args, kwargs))
	default:
		if d.fn == nil {
			return nil, fmt.Errorf("%s: %w", d.name, ErrNotCallable)
		}
		return d.fn(ctx, args, kwargs)
	}
}

// Calls returns a copy of the recorded calls in call order.
func (d *Double) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallCount returns the number of recorded calls.
func (d *Double) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// String describes the double for reports and snapshots.
func (d *Double) String() string {
	return fmt.Sprintf("double(%s)", d.name)
}

func (d *Double) record(args []any, kwargs map[string]any) {
	call := Call{Args: append([]any(nil), args...)}
	if len(kwargs) > 0 {
		call.Kwargs = make(map[string]any, len(kwargs))
		for k, v := range kwargs {
			call.Kwargs[k] = v
		}
	}

	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func await(ctx context.Context, ch <-chan Result) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, nil
		}
		return res.Value, res.Err
	}
}
