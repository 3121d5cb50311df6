package dap

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/autodbg/internal/diff"
)

// frame is the engine.Frame of a stopped stack frame. Values are the
// adapter's display strings.
type frame struct {
	e      *Engine
	ctx    context.Context
	id     int
	scopes []Scope
	loaded bool
}

func (f *frame) scope(name string) (*Scope, error) {
	if !f.loaded {
		var body ScopesResponseBody
		if err := f.e.client.Call(f.ctx, "scopes", ScopesArguments{FrameID: f.id}, &body); err != nil {
			return nil, err
		}
		f.scopes = body.Scopes
		f.loaded = true
	}
	for i := range f.scopes {
		s := &f.scopes[i]
		if strings.EqualFold(s.Name, name) || s.PresentationHint == name {
			return s, nil
		}
	}
	return nil, nil
}

func (f *frame) snapshot(name string) (diff.Snapshot, bool, error) {
	s, err := f.scope(name)
	if err != nil || s == nil {
		return diff.Snapshot{}, false, err
	}

	var body VariablesResponseBody
	if err := f.e.client.Call(f.ctx, "variables", VariablesArguments{VariablesReference: s.VariablesReference}, &body); err != nil {
		return nil, true, err
	}
	snap := make(diff.Snapshot, len(body.Variables))
	for _, v := range body.Variables {
		// Groups such as "special variables" are not bindings.
		if strings.Contains(v.Name, " ") {
			continue
		}
		snap[v.Name] = v.Value
	}
	return snap, true, nil
}

// Args returns the arguments scope. Adapters without one (debugpy, delve)
// list arguments among the locals, which are returned instead.
func (f *frame) Args() (diff.Snapshot, error) {
	snap, ok, err := f.snapshot("arguments")
	if err != nil || ok {
		return snap, err
	}
	return f.Locals()
}

func (f *frame) Locals() (diff.Snapshot, error) {
	snap, _, err := f.snapshot("locals")
	return snap, err
}

func (f *frame) Globals() (diff.Snapshot, error) {
	snap, _, err := f.snapshot("globals")
	return snap, err
}

func (f *frame) Eval(expr string) (string, error) {
	var body EvaluateResponseBody
	err := f.e.client.Call(f.ctx, "evaluate", EvaluateArguments{
		Expression: expr,
		FrameID:    f.id,
		Context:    "repl",
	}, &body)
	if err != nil {
		return "", fmt.Errorf("eval %q: %w", expr, err)
	}
	return body.Result, nil
}
