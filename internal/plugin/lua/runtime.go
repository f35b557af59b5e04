// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package lua

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/lablabbean/pluginhost/internal/plugin"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// Compile-time interface check.
var _ plugin.Runtime = (*Runtime)(nil)

// Runtime opens one Lua state per plugin context.
//
// The entry point's locator is a script path relative to the plugin
// directory. Its typeName names a global table with start and stop functions
// and an optional initialize function:
//
//	plugin = {}
//	function plugin.initialize(ctx) host.log("info", "hello from " .. ctx.id) end
//	function plugin.start() end
//	function plugin.stop() end
type Runtime struct {
	factory *StateFactory
}

// NewRuntime creates a Lua runtime with the default sandbox.
func NewRuntime() *Runtime {
	return &Runtime{factory: NewStateFactory()}
}

// Kind implements plugin.Runtime.
func (r *Runtime) Kind() plugin.Kind { return plugin.KindLua }

// Open reads the script and creates the plugin's state. The script runs in
// Instantiate.
func (r *Runtime) Open(ctx context.Context, req plugin.OpenRequest) (plugin.ExecutionContext, error) {
	path, err := scriptPath(req.Dir, req.EntryPoint.Locator)
	if err != nil {
		return nil, plugin.EntryPointNotFound(req.Manifest, req.EntryPoint, err)
	}
	code, err := os.ReadFile(path) //nolint:gosec // path is confined to the plugin directory by scriptPath
	if err != nil {
		return nil, plugin.EntryPointNotFound(req.Manifest, req.EntryPoint, err)
	}

	L, err := r.factory.NewState(ctx)
	if err != nil {
		return nil, oops.In("lua").With("plugin", req.Manifest.ID).With("operation", "open").Wrap(err)
	}

	logger := req.Logger
	if logger == nil {
		logger = slog.Default().With("plugin", req.Manifest.ID)
	}
	return &execContext{
		state:    L,
		code:     string(code),
		path:     path,
		manifest: req.Manifest,
		entry:    req.EntryPoint,
		logger:   logger,
	}, nil
}

func scriptPath(dir, locator string) (string, error) {
	if filepath.IsAbs(locator) {
		return "", oops.Errorf("script locator %q must be relative to the plugin directory", locator)
	}
	p := filepath.Join(dir, locator)
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", oops.Errorf("script locator %q escapes the plugin directory", locator)
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", oops.With("path", p).Errorf("script %s does not exist", locator)
		}
		return "", oops.With("path", p).Wrap(err)
	}
	return p, nil
}

// callToken keys the chain of Lua states a context is already running in.
type callToken struct{}

// callFrame is one state on the call chain. Event delivery triggered
// synchronously by a state may pass through other states and come back;
// every state on the chain is re-entered without taking its lock again.
type callFrame struct {
	ec     *execContext
	parent *callFrame
}

func (f *callFrame) holds(c *execContext) bool {
	for ; f != nil; f = f.parent {
		if f.ec == c {
			return true
		}
	}
	return false
}

// execContext owns a single LState. Every entry into the state goes through
// call, which serializes access.
type execContext struct {
	mu       sync.Mutex
	state    *lua.LState
	code     string
	path     string
	manifest *plugin.Manifest
	entry    plugin.EntryPoint
	logger   *slog.Logger
	table    *lua.LTable
	host     *hostModule
	released atomic.Bool
}

// Instantiate runs the script and binds the global table named by the entry
// point. A context is instantiated at most once.
func (c *execContext) Instantiate(ctx context.Context) (pluginapi.Plugin, error) {
	var p *scriptPlugin
	err := c.call(ctx, func(L *lua.LState) error {
		if c.table != nil {
			return oops.Code("PLUGIN_ALREADY_INSTANTIATED").With("plugin", c.manifest.ID).Errorf("context already instantiated")
		}
		c.host = newHostModule(c)
		c.host.register(L)

		if err := L.DoString(c.code); err != nil {
			return oops.Code("PLUGIN_INSTANTIATE_FAILED").
				In("lua").
				With("plugin", c.manifest.ID).
				With("script", c.entry.Locator).
				Hint("the script raised an error while loading").
				Wrap(err)
		}

		tbl, ok := L.GetGlobal(c.entry.TypeName).(*lua.LTable)
		if !ok {
			return plugin.EntryPointNotFound(c.manifest, c.entry,
				oops.Errorf("global %q is not a table", c.entry.TypeName))
		}
		for _, fn := range []string{"start", "stop"} {
			if _, ok := tbl.RawGetString(fn).(*lua.LFunction); !ok {
				return plugin.ContractMismatch(c.manifest, c.entry, "missing function "+fn)
			}
		}
		if v := tbl.RawGetString("initialize"); v != lua.LNil {
			if _, ok := v.(*lua.LFunction); !ok {
				return plugin.ContractMismatch(c.manifest, c.entry, "initialize is not a function")
			}
		}
		c.table = tbl
		p = &scriptPlugin{ec: c}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Release closes the state. Closing is synchronous, so the context is
// reclaimed as soon as any in-flight call returns.
func (c *execContext) Release(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released.Load() {
		return nil
	}
	c.state.Close()
	c.table = nil
	c.released.Store(true)
	return nil
}

// Released reports whether the state has been closed.
func (c *execContext) Released() bool {
	return c.released.Load()
}

// call runs fn against the state. Nested calls made while the state is
// already running anywhere on the same call chain skip the lock.
func (c *execContext) call(ctx context.Context, fn func(L *lua.LState) error) error {
	chain, _ := ctx.Value(callToken{}).(*callFrame)
	if chain.holds(c) {
		return fn(c.state)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released.Load() {
		return oops.Code("CONTEXT_RELEASED").With("plugin", c.manifest.ID).Errorf("execution context released")
	}

	c.state.SetContext(context.WithValue(ctx, callToken{}, &callFrame{ec: c, parent: chain}))
	defer c.state.RemoveContext()
	return fn(c.state)
}

// invoke calls a function stored in the plugin table.
func (c *execContext) invoke(ctx context.Context, name string, args ...lua.LValue) error {
	return c.call(ctx, func(L *lua.LState) error {
		if c.table == nil {
			return oops.Code("PLUGIN_NOT_INSTANTIATED").With("plugin", c.manifest.ID).Errorf("context not instantiated")
		}
		fn, ok := c.table.RawGetString(name).(*lua.LFunction)
		if !ok {
			return nil
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
			return oops.In("lua").With("plugin", c.manifest.ID).With("operation", name).Wrap(err)
		}
		return nil
	})
}

// scriptPlugin adapts the Lua table to the plugin contract.
type scriptPlugin struct {
	ec *execContext
}

// Initialize binds the host functions to pctx and calls initialize(ctx).
func (p *scriptPlugin) Initialize(ctx context.Context, pctx *pluginapi.Context) error {
	p.ec.host.bind(pctx)

	var arg lua.LValue
	err := p.ec.call(ctx, func(L *lua.LState) error {
		t := L.NewTable()
		t.RawSetString("id", lua.LString(pctx.PluginID))
		t.RawSetString("profile", lua.LString(pctx.Profile))
		t.RawSetString("config", toLua(L, map[string]any(pctx.Config)))
		arg = t
		return nil
	})
	if err != nil {
		return err
	}
	return p.ec.invoke(ctx, "initialize", arg)
}

// Start calls start().
func (p *scriptPlugin) Start(ctx context.Context) error {
	return p.ec.invoke(ctx, "start")
}

// Stop calls stop().
func (p *scriptPlugin) Stop(ctx context.Context) error {
	return p.ec.invoke(ctx, "stop")
}
