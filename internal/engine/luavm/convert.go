package luavm

import (
	"fmt"
	"reflect"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/autodbg/internal/double"
)

// toGo converts a Lua value to a Go value suitable for snapshots and call
// records. Tables become []any or map[string]any, doubles become their
// *double.Double and functions become their identity string, so that
// reassigning a function shows up as a change.
func toGo(lv lua.LValue) any {
	return toGoVisited(lv, make(map[*lua.LTable]bool))
}

func toGoVisited(lv lua.LValue, visiting map[*lua.LTable]bool) any {
	if lv == nil {
		return nil
	}

	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LNilType:
		return nil
	case *lua.LTable:
		if visiting[v] {
			return "<cycle>"
		}
		visiting[v] = true
		defer delete(visiting, v)
		return tableToGo(v, visiting)
	case *lua.LFunction:
		return v.String()
	case *lua.LUserData:
		switch val := v.Value.(type) {
		case *double.Double:
			return val
		case nil:
			return v.String()
		default:
			return fmt.Sprintf("%v", val)
		}
	default:
		return lv.String()
	}
}

// tableToGo converts a Lua table to a slice when its keys are 1..n and to a
// map otherwise.
func tableToGo(t *lua.LTable, visiting map[*lua.LTable]bool) any {
	isArray := true
	maxN := 0
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); ok {
			n := int(kn)
			if float64(n) == float64(kn) && n > 0 {
				if n > maxN {
					maxN = n
				}
				return
			}
		}
		isArray = false
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = toGoVisited(t.RawGetInt(i), visiting)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		m[keyString(k)] = toGoVisited(v, visiting)
	})
	return m
}

func keyString(k lua.LValue) string {
	switch kv := k.(type) {
	case lua.LString:
		return string(kv)
	case lua.LNumber:
		return kv.String()
	default:
		return k.String()
	}
}

// toLua converts a Go value to a Lua value. Lua values pass through
// unchanged and doubles are wrapped as callable userdata.
func (e *Engine) toLua(v any) lua.LValue {
	L := e.L
	if v == nil {
		return lua.LNil
	}

	switch val := v.(type) {
	case lua.LValue:
		return val
	case *double.Double:
		return e.wrapDouble(val)
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, e.toLua(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, e.toLua(item))
		}
		return t
	default:
		return e.reflectToLua(v)
	}
}

func (e *Engine) reflectToLua(v any) lua.LValue {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return lua.LNil
	}

	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return lua.LNil
		}
		return e.reflectToLua(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		t := e.L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, e.toLua(rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		t := e.L.NewTable()
		for _, key := range rv.MapKeys() {
			t.RawSet(e.toLua(key.Interface()), e.toLua(rv.MapIndex(key).Interface()))
		}
		return t
	default:
		ud := e.L.NewUserData()
		ud.Value = v
		return ud
	}
}
