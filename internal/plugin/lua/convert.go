// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package lua

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts Go values produced by config decoding or event payloads.
// Unknown types are passed as their string form.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, val[k]))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// fromLua converts a Lua value to plain Go types. Tables with keys 1..n
// become slices; other tables become maps keyed by the string form of the key.
func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 && n == tableLen(val) {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = fromLua(item)
		})
		return out
	case *lua.LNilType:
		return nil
	default:
		return val.String()
	}
}

func tableLen(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}
