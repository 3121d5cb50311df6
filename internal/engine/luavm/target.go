package luavm

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/autodbg/internal/double"
)

// target exposes the script's global tables as a double.Target.
// Doubles are stored in tables as callable userdata and handed out as
// *double.Double.
type target struct {
	e *Engine
}

func (t *target) Resolve(path string) (any, error) {
	var cur lua.LValue = t.e.L.G.Global
	if path == "" {
		return cur, nil
	}

	walked := ""
	for _, part := range strings.Split(path, ".") {
		tbl, ok := cur.(*lua.LTable)
		if !ok {
			return nil, &double.ResolutionError{
				Path: path,
				Err:  fmt.Errorf("%s is a %s, not a table: %w", walked, cur.Type(), double.ErrResolution),
			}
		}
		walked = join(walked, part)
		cur = tbl.RawGetString(part)
		if cur == lua.LNil {
			return nil, &double.ResolutionError{
				Path: path,
				Err:  fmt.Errorf("%s is nil: %w", walked, double.ErrResolution),
			}
		}
	}
	return unwrap(cur), nil
}

func (t *target) Members(v any) (map[string]any, bool) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, false
	}
	members := make(map[string]any)
	tbl.ForEach(func(k, val lua.LValue) {
		if name, ok := k.(lua.LString); ok {
			members[string(name)] = unwrap(val)
		}
	})
	return members, true
}

func (t *target) Original(v any) (double.Original, bool) {
	switch fn := v.(type) {
	case *double.Double:
		return double.Original{Func: fn.Invoke}, true
	case *lua.LFunction:
		return double.Original{Func: t.e.luaFunc(fn)}, true
	case *lua.LUserData:
		switch host := fn.Value.(type) {
		case double.Func:
			return double.Original{Func: host}, true
		case double.AsyncFunc:
			return double.Original{Async: host}, true
		}
	}
	return double.Original{}, false
}

func (t *target) Assign(parent any, name string, d *double.Double) error {
	tbl, ok := parent.(*lua.LTable)
	if !ok {
		return fmt.Errorf("assign %s: parent is not a table", name)
	}
	tbl.RawSetString(name, t.e.wrapDouble(d))
	return nil
}

func unwrap(lv lua.LValue) any {
	if ud, ok := lv.(*lua.LUserData); ok {
		if d, ok := ud.Value.(*double.Double); ok {
			return d
		}
	}
	return lv
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// luaFunc adapts a Lua function to double.Func. When called by a double on
// behalf of a Lua caller, the caller's original arguments are forwarded so
// tables keep their identity.
func (e *Engine) luaFunc(fn *lua.LFunction) double.Func {
	return func(_ context.Context, args []any, _ map[string]any) (any, error) {
		L := e.L
		largs := e.forwardArgs
		e.forwardArgs = nil
		if largs == nil {
			largs = make([]lua.LValue, len(args))
			for i, a := range args {
				largs[i] = e.toLua(a)
			}
		}

		top := L.GetTop()
		if err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, largs...); err != nil {
			L.SetTop(top)
			return nil, err
		}
		n := L.GetTop() - top
		if n == 1 {
			ret := L.Get(-1)
			L.SetTop(top)
			return ret, nil
		}
		ret := make(results, n)
		for i := range ret {
			ret[i] = L.Get(top + 1 + i)
		}
		L.SetTop(top)
		return ret, nil
	}
}

// results holds every value returned by a Lua function that did not return
// exactly one value.
type results []lua.LValue

// wrapDouble returns the userdata representing d in Lua.
func (e *Engine) wrapDouble(d *double.Double) *lua.LUserData {
	if ud, ok := e.wrapped[d]; ok {
		return ud
	}
	ud := e.L.NewUserData()
	ud.Value = d
	ud.Metatable = e.doubleMetatable()
	e.wrapped[d] = ud
	return ud
}

func (e *Engine) doubleMetatable() *lua.LTable {
	if e.doubleMeta == nil {
		mt := e.L.NewTable()
		mt.RawSetString("__call", e.L.NewFunction(e.callDouble))
		mt.RawSetString("__tostring", e.L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LString(checkDouble(L, 1).String()))
			return 1
		}))
		e.doubleMeta = mt
	}
	return e.doubleMeta
}

func checkDouble(L *lua.LState, n int) *double.Double {
	ud := L.CheckUserData(n)
	d, ok := ud.Value.(*double.Double)
	if !ok {
		L.ArgError(n, "double expected")
	}
	return d
}

// callDouble is the __call metamethod of doubles.
func (e *Engine) callDouble(L *lua.LState) int {
	d := checkDouble(L, 1)
	raw, args := collectArgs(L, 2)

	prev := e.forwardArgs
	e.forwardArgs = raw
	res, err := d.Invoke(e.callContext(), args, nil)
	e.forwardArgs = prev

	if err != nil {
		L.RaiseError("%s: %s", d, err.Error())
		return 0
	}
	if vals, ok := res.(results); ok {
		for _, v := range vals {
			L.Push(v)
		}
		return len(vals)
	}
	L.Push(e.toLua(res))
	return 1
}

// callHost is the __call metamethod of host functions.
func (e *Engine) callHost(L *lua.LState) int {
	ud := L.CheckUserData(1)
	_, args := collectArgs(L, 2)
	ctx := e.callContext()

	var (
		res any
		err error
	)
	switch fn := ud.Value.(type) {
	case double.Func:
		res, err = fn(ctx, args, nil)
	case double.AsyncFunc:
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case r := <-fn(ctx, args, nil):
			res, err = r.Value, r.Err
		}
	default:
		L.ArgError(1, "host function expected")
		return 0
	}

	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(e.toLua(res))
	return 1
}

func collectArgs(L *lua.LState, from int) ([]lua.LValue, []any) {
	n := L.GetTop()
	if n < from {
		return nil, nil
	}
	raw := make([]lua.LValue, 0, n-from+1)
	args := make([]any, 0, n-from+1)
	for i := from; i <= n; i++ {
		lv := L.Get(i)
		raw = append(raw, lv)
		args = append(args, toGo(lv))
	}
	return raw, args
}

// openDoubleModule exposes the global `double` table so scripts can create
// their own doubles:
//
//	local d = double.new(42)        -- returns 42, never calls anything
//	local f = double.forward(fn)    -- calls fn and returns its result
//	double.count(d)                 -- number of recorded calls
func (e *Engine) openDoubleModule() {
	L := e.L
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"new": func(L *lua.LState) int {
			d := double.New(e.nextDoubleName(), double.WithReturn(L.Get(1)))
			L.Push(e.wrapDouble(d))
			return 1
		},
		"forward": func(L *lua.LState) int {
			fn := L.CheckFunction(1)
			d := double.NewForwarding(e.nextDoubleName(), e.luaFunc(fn))
			L.Push(e.wrapDouble(d))
			return 1
		},
		"count": func(L *lua.LState) int {
			L.Push(lua.LNumber(checkDouble(L, 1).CallCount()))
			return 1
		},
	})
	L.SetGlobal("double", mod)
}

func (e *Engine) nextDoubleName() string {
	e.doubleSeq++
	return fmt.Sprintf("double#%d", e.doubleSeq)
}

// openHostModules exposes the tables registered with WithModule.
func (e *Engine) openHostModules() {
	L := e.L
	for name, members := range e.modules {
		tbl := L.NewTable()
		for key, v := range members {
			switch v.(type) {
			case double.Func, double.AsyncFunc:
				ud := L.NewUserData()
				ud.Value = v
				ud.Metatable = e.hostMetatable()
				tbl.RawSetString(key, ud)
			default:
				tbl.RawSetString(key, e.toLua(v))
			}
		}
		L.SetGlobal(name, tbl)
	}
}

func (e *Engine) hostMetatable() *lua.LTable {
	if e.hostMeta == nil {
		mt := e.L.NewTable()
		mt.RawSetString("__call", e.L.NewFunction(e.callHost))
		e.hostMeta = mt
	}
	return e.hostMeta
}
