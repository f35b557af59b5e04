// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package lua runs script plugins, one sandboxed gopher-lua state per
// execution context.
package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// safeLibrary is a Lua library that may be opened in a sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the libraries opened in every state.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package, coroutine.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// unsafeBaseFunctions reach the filesystem or compile arbitrary chunks.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load", "require"}

// DefaultCallStackSize bounds recursion depth inside a plugin.
const DefaultCallStackSize = 256

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	libraries     []safeLibrary
	callStackSize int
}

// NewStateFactory creates a state factory with the default safe libraries.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries:     defaultSafeLibraries(),
		callStackSize: DefaultCallStackSize,
	}
}

// NewState creates a fresh Lua state with only safe libraries loaded.
// Safe libraries: base, table, string, math.
// Blocked libraries: os, io, debug, package, coroutine.
// Blocked base functions: dofile, loadfile, loadstring, load, require.
//
// A canceled ctx closes the state and returns the cancellation error.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: f.callStackSize,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", lib.name).Wrapf(err, "failed to open library %s", lib.name)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	if err := ctx.Err(); err != nil {
		L.Close()
		return nil, oops.In("lua").Wrap(err)
	}
	return L, nil
}
