package luavm

import (
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/autodbg/internal/diff"
)

// errNoFrame is returned when the paused frame is no longer on the stack.
var errNoFrame = errors.New("no paused frame")

// frame is the engine.Frame of a paused hook. The paused Lua function is
// one level above the hook's own frame.
type frame struct {
	e  *Engine
	fi *funcInfo
}

func (f *frame) debug() (*lua.Debug, error) {
	dbg, ok := f.e.L.GetStack(1)
	if !ok {
		return nil, errNoFrame
	}
	return dbg, nil
}

// Args returns the function parameters, which are its first locals.
func (f *frame) Args() (diff.Snapshot, error) {
	snap := make(diff.Snapshot, len(f.fi.params))
	if len(f.fi.params) == 0 {
		return snap, nil
	}

	dbg, err := f.debug()
	if err != nil {
		return nil, err
	}
	for i, param := range f.fi.params {
		name, lv := f.e.L.GetLocal(dbg, i+1)
		if name != param {
			break
		}
		snap[name] = toGo(lv)
	}
	return snap, nil
}

// Locals returns the active locals. An inner local shadows an outer one of
// the same name.
func (f *frame) Locals() (diff.Snapshot, error) {
	values, err := f.localValues()
	if err != nil {
		return nil, err
	}
	snap := make(diff.Snapshot, len(values))
	for name, lv := range values {
		snap[name] = toGo(lv)
	}
	return snap, nil
}

func (f *frame) localValues() (map[string]lua.LValue, error) {
	dbg, err := f.debug()
	if err != nil {
		return nil, err
	}

	values := make(map[string]lua.LValue)
	for n := 1; ; n++ {
		name, lv := f.e.L.GetLocal(dbg, n)
		if name == "" {
			break
		}
		if strings.HasPrefix(name, "(") {
			continue
		}
		values[name] = lv
	}
	return values, nil
}

// Globals returns the globals the script defined. Standard library entries,
// engine hooks and host modules are left out.
func (f *frame) Globals() (diff.Snapshot, error) {
	snap := make(diff.Snapshot)
	f.e.L.G.Global.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok || f.e.builtins[string(name)] {
			return
		}
		snap[string(name)] = toGo(v)
	})
	return snap, nil
}

// Eval evaluates expr with the paused locals in scope.
func (f *frame) Eval(expr string) (string, error) {
	L := f.e.L

	fn, err := L.Load(strings.NewReader("return "+expr), "=eval")
	if err != nil {
		return "", fmt.Errorf("eval %q: %w", expr, err)
	}

	locals, err := f.localValues()
	if err != nil {
		return "", err
	}
	env := L.NewTable()
	for name, lv := range locals {
		env.RawSetString(name, lv)
	}
	mt := L.NewTable()
	mt.RawSetString("__index", L.G.Global)
	L.SetMetatable(env, mt)
	L.SetFEnv(fn, env)

	top := L.GetTop()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		L.SetTop(top)
		return "", fmt.Errorf("eval %q: %w", expr, err)
	}
	ret := L.Get(-1)
	L.SetTop(top)
	return diff.Format(toGo(ret)), nil
}
