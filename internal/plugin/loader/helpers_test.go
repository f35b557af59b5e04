// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package loader_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/loader"
	"github.com/lablabbean/pluginhost/internal/plugin/native"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// Greeter is a service type registered by test plugins.
type Greeter interface {
	Greet() string
}

type greeter struct{ from string }

func (g greeter) Greet() string { return "hello from " + g.from }

// recorder collects lifecycle calls across plugins.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// behavior configures a test plugin by id.
type behavior struct {
	initErr  error
	startErr error
	stopErr  error
	onStart  func()
	// panicIn names the lifecycle step that panics: init, start or stop.
	panicIn string
	config   map[string]any
	inits    atomic.Int32
}

type testPlugin struct {
	id  string
	rec *recorder
	b   *behavior
}

func (p *testPlugin) Initialize(_ context.Context, pctx *pluginapi.Context) error {
	p.b.inits.Add(1)
	p.b.config = pctx.Config
	p.rec.add(p.id + ":init")
	if p.b.panicIn == "init" {
		panic("kaboom")
	}
	if err := pluginapi.Register[Greeter](pctx.Services, greeter{from: p.id}, pluginapi.ServiceMetadata{}); err != nil {
		return err
	}
	pluginapi.Subscribe(pctx.Events, func(context.Context, pluginapi.ScriptEvent) error { return nil })
	return p.b.initErr
}

func (p *testPlugin) Start(context.Context) error {
	p.rec.add(p.id + ":start")
	if p.b.panicIn == "start" {
		panic("kaboom")
	}
	if p.b.onStart != nil {
		p.b.onStart()
	}
	return p.b.startErr
}

func (p *testPlugin) Stop(context.Context) error {
	p.rec.add(p.id + ":stop")
	if p.b.panicIn == "stop" {
		panic("kaboom")
	}
	return p.b.stopErr
}

// harness builds native test plugins and a loader over them.
type harness struct {
	catalog   *native.Catalog
	rec       *recorder
	behaviors map[string]*behavior
}

func newHarness() *harness {
	return &harness{
		catalog:   native.NewCatalog(),
		rec:       &recorder{},
		behaviors: make(map[string]*behavior),
	}
}

type manifestOption func(*plugin.Manifest)

func requires(ids ...string) manifestOption {
	return func(m *plugin.Manifest) {
		for _, id := range ids {
			m.Dependencies = append(m.Dependencies, plugin.Dependency{ID: id})
		}
	}
}

func capabilities(caps ...string) manifestOption {
	return func(m *plugin.Manifest) { m.Capabilities = caps }
}

func priority(p int) manifestOption {
	return func(m *plugin.Manifest) { m.Priority = p }
}

// add registers a native test plugin named id and returns its
// discovery record.
func (h *harness) add(id string, opts ...manifestOption) *plugin.Discovered {
	b := &behavior{}
	h.behaviors[id] = b
	_ = h.catalog.Register("test", id, func() pluginapi.Plugin {
		return &testPlugin{id: id, rec: h.rec, b: b}
	})
	m := &plugin.Manifest{
		ID:         id,
		Name:       id,
		Version:    "1.0.0",
		Runtime:    plugin.KindNative,
		EntryPoint: &plugin.EntryPoint{Locator: "test", TypeName: id},
	}
	for _, opt := range opts {
		opt(m)
	}
	return &plugin.Discovered{Manifest: m, Dir: "/plugins/" + id}
}

func (h *harness) newLoader(cfg loader.Config, opts ...loader.Option) *loader.Loader {
	base := []loader.Option{
		loader.WithRuntime(native.NewRuntime(h.catalog)),
		loader.WithLogger(discardLogger()),
	}
	l, err := loader.New(cfg, append(base, opts...)...)
	if err != nil {
		panic(err)
	}
	return l
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stickyRuntime wraps the native runtime with contexts that never report
// reclamation and counts releases.
type stickyRuntime struct {
	inner    plugin.Runtime
	releases atomic.Int32
	polls    atomic.Int32
	sticky   bool
}

func (r *stickyRuntime) Kind() plugin.Kind { return plugin.KindNative }

func (r *stickyRuntime) Open(ctx context.Context, req plugin.OpenRequest) (plugin.ExecutionContext, error) {
	ec, err := r.inner.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return &stickyContext{ExecutionContext: ec, rt: r}, nil
}

type stickyContext struct {
	plugin.ExecutionContext
	rt *stickyRuntime
}

func (c *stickyContext) Release(ctx context.Context) error {
	c.rt.releases.Add(1)
	return c.ExecutionContext.Release(ctx)
}

func (c *stickyContext) Released() bool {
	c.rt.polls.Add(1)
	if c.rt.sticky {
		return false
	}
	return c.ExecutionContext.Released()
}

var errBoom = errors.New("boom")
