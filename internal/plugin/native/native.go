// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package native runs plugins compiled into the host binary.
//
// Plugins are found by name in a Catalog instead of by reflection: the
// manifest's entryPoint.locator and entryPoint.typeName together name a
// registered factory. Each execution context gets a fresh instance from the
// factory, so reloading a native plugin discards all of its state.
package native

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/lablabbean/pluginhost/internal/plugin"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// Factory creates a new plugin instance.
type Factory func() pluginapi.Plugin

// Catalog maps locator/typeName pairs to factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[plugin.EntryPoint]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[plugin.EntryPoint]Factory)}
}

// Register adds factory under locator and typeName.
func (c *Catalog) Register(locator, typeName string, factory Factory) error {
	if locator == "" || typeName == "" {
		return oops.Code("CATALOG_INVALID").Errorf("locator and typeName are required")
	}
	if factory == nil {
		return oops.Code("CATALOG_INVALID").With("type", typeName).Errorf("factory is nil")
	}
	key := plugin.EntryPoint{Locator: locator, TypeName: typeName}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[key]; exists {
		return oops.Code("CATALOG_DUPLICATE").With("entry_point", key.String()).Errorf("%s is already registered", key)
	}
	c.factories[key] = factory
	return nil
}

// MustRegister is Register for package-level wiring; it panics on error.
func (c *Catalog) MustRegister(locator, typeName string, factory Factory) {
	if err := c.Register(locator, typeName, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for ep.
func (c *Catalog) Lookup(ep plugin.EntryPoint) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[ep]
	return f, ok
}

// Entries lists registered entry points, sorted.
func (c *Catalog) Entries() []plugin.EntryPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]plugin.EntryPoint, 0, len(c.factories))
	for ep := range c.factories {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Compile-time interface check.
var _ plugin.Runtime = (*Runtime)(nil)

// Runtime opens execution contexts backed by a Catalog.
type Runtime struct {
	catalog *Catalog
}

// NewRuntime creates a native runtime.
// Panics if catalog is nil.
func NewRuntime(catalog *Catalog) *Runtime {
	if catalog == nil {
		panic("native: catalog cannot be nil")
	}
	return &Runtime{catalog: catalog}
}

// Kind implements plugin.Runtime.
func (r *Runtime) Kind() plugin.Kind { return plugin.KindNative }

// Open resolves the factory. Missing factories fail here so that no
// instance is ever created for an unresolvable plugin.
func (r *Runtime) Open(_ context.Context, req plugin.OpenRequest) (plugin.ExecutionContext, error) {
	factory, ok := r.catalog.Lookup(req.EntryPoint)
	if !ok {
		return nil, plugin.EntryPointNotFound(req.Manifest, req.EntryPoint, nil)
	}
	return &execContext{manifest: req.Manifest, entry: req.EntryPoint, factory: factory}, nil
}

type execContext struct {
	manifest *plugin.Manifest
	entry    plugin.EntryPoint
	factory  Factory
	released atomic.Bool
}

func (c *execContext) Instantiate(_ context.Context) (p pluginapi.Plugin, err error) {
	if c.released.Load() {
		return nil, oops.Code("CONTEXT_RELEASED").With("plugin", c.manifest.ID).Errorf("execution context released")
	}
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = oops.Code("PLUGIN_INSTANTIATE_FAILED").
				With("plugin", c.manifest.ID).
				Errorf("factory panicked: %v", r)
		}
	}()
	p = c.factory()
	if p == nil {
		return nil, plugin.ContractMismatch(c.manifest, c.entry, "factory returned nil")
	}
	return p, nil
}

// Release drops the factory reference. Native code cannot be unmapped, so
// the context counts as reclaimed immediately.
func (c *execContext) Release(_ context.Context) error {
	c.released.Store(true)
	c.factory = nil
	return nil
}

func (c *execContext) Released() bool {
	return c.released.Load()
}
