// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package loader_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/capability"
	"github.com/lablabbean/pluginhost/internal/plugin/loader"
	"github.com/lablabbean/pluginhost/internal/plugin/native"
	"github.com/lablabbean/pluginhost/internal/plugin/resolver"
	"github.com/lablabbean/pluginhost/pkg/errutil"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

func state(t *testing.T, l *loader.Loader, id string) plugin.State {
	t.Helper()
	d, ok := l.Table().Get(id)
	require.True(t, ok, "no descriptor for %s", id)
	return d.State
}

func TestLoad_DependencyOrder(t *testing.T) {
	h := newHarness()
	c := h.add("c", requires("b"))
	b := h.add("b", requires("a"))
	a := h.add("a")
	l := h.newLoader(loader.Config{})

	started, err := l.Load(context.Background(), []*plugin.Discovered{c, b, a})
	require.NoError(t, err)
	assert.Equal(t, 3, started)
	assert.Equal(t, []string{"a", "b", "c"}, l.LoadedIDs())
	assert.Equal(t, []string{"a:init", "a:start", "b:init", "b:start", "c:init", "c:start"}, h.rec.list())
	assert.True(t, l.Ready())
}

func TestLoad_PartialFailureIsolation(t *testing.T) {
	h := newHarness()
	l := h.newLoader(loader.Config{})

	started, err := l.Load(context.Background(), []*plugin.Discovered{
		h.add("a"),
		h.add("b", requires("c")),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, plugin.StateStarted, state(t, l, "a"))

	b, _ := l.Table().Get("b")
	assert.Equal(t, plugin.StateFailed, b.State)
	assert.Equal(t, "Missing hard dependencies: c", b.FailureReason)
	assert.Zero(t, h.behaviors["b"].inits.Load(), "excluded plugins are never instantiated")
}

func TestLoad_CycleIsFatal(t *testing.T) {
	h := newHarness()
	l := h.newLoader(loader.Config{})

	_, err := l.Load(context.Background(), []*plugin.Discovered{
		h.add("a", requires("b")),
		h.add("b", requires("a")),
		h.add("c"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, resolver.ErrCycle)
	assert.Empty(t, l.Table().List())
	assert.Empty(t, h.rec.list())
}

func TestLoad_StepFailuresAreIsolated(t *testing.T) {
	h := newHarness()
	badInit := h.add("bad-init")
	badStart := h.add("bad-start")
	good := h.add("good")
	h.behaviors["bad-init"].initErr = errBoom
	h.behaviors["bad-start"].startErr = errBoom
	l := h.newLoader(loader.Config{})

	started, err := l.Load(context.Background(), []*plugin.Discovered{badInit, badStart, good})
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	for _, id := range []string{"bad-init", "bad-start"} {
		d, _ := l.Table().Get(id)
		assert.Equal(t, plugin.StateFailed, d.State, id)
		assert.Contains(t, d.FailureReason, "boom", id)
	}
	assert.Contains(t, h.rec.list(), "bad-start:stop", "a plugin whose start failed is stopped")

	// Only the healthy plugin's service survives.
	all := pluginapi.GetAll[Greeter](l.Registry())
	require.Len(t, all, 1)
	assert.Equal(t, "hello from good", all[0].Greet())
}

func TestLoad_PanickingPluginIsIsolated(t *testing.T) {
	for _, step := range []string{"init", "start"} {
		t.Run(step, func(t *testing.T) {
			h := newHarness()
			a := h.add("a")
			b := h.add("b")
			h.behaviors["a"].panicIn = step
			l := h.newLoader(loader.Config{})

			started, err := l.Load(context.Background(), []*plugin.Discovered{a, b})
			require.NoError(t, err)
			assert.Equal(t, 1, started)

			d, ok := l.Table().Get("a")
			require.True(t, ok)
			assert.Equal(t, plugin.StateFailed, d.State)
			assert.Contains(t, d.FailureReason, "kaboom")
			assert.Equal(t, plugin.StateStarted, state(t, l, "b"))
			assert.Equal(t, []string{"b"}, l.LoadedIDs())
		})
	}
}

func TestLoad_PanicCarriesStepCode(t *testing.T) {
	h := newHarness()
	a := h.add("a")
	h.behaviors["a"].panicIn = "start"
	l := h.newLoader(loader.Config{})

	var failed []pluginapi.Failed
	pluginapi.Subscribe(l.Bus(), func(_ context.Context, e pluginapi.Failed) error {
		failed = append(failed, e)
		return nil
	})
	_, err := l.Load(context.Background(), []*plugin.Discovered{a})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Reason, "panicked in start")
	assert.Contains(t, h.rec.list(), "a:stop", "a plugin whose start panicked is stopped")
}

func TestUnloadAll_SurvivesPanickingStop(t *testing.T) {
	h := newHarness()
	l := h.newLoader(loader.Config{})
	ctx := context.Background()
	_, err := l.Load(ctx, []*plugin.Discovered{h.add("a"), h.add("b", requires("a"))})
	require.NoError(t, err)
	h.behaviors["b"].panicIn = "stop"

	require.NotPanics(t, func() { _ = l.UnloadAll(ctx) })
	assert.Equal(t, plugin.StateUnloaded, state(t, l, "a"))
	assert.Equal(t, plugin.StateUnloaded, state(t, l, "b"))
	assert.Empty(t, l.LoadedIDs())
}

func TestLoad_EntryPointFailures(t *testing.T) {
	h := newHarness()
	unknownType := h.add("unknown-type")
	unknownType.Manifest.EntryPoint = &plugin.EntryPoint{Locator: "test", TypeName: "nope"}
	noRuntime := h.add("no-runtime")
	noRuntime.Manifest.Runtime = plugin.KindLua
	l := h.newLoader(loader.Config{})

	started, err := l.Load(context.Background(), []*plugin.Discovered{unknownType, noRuntime})
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Equal(t, plugin.StateFailed, state(t, l, "unknown-type"))
	assert.Equal(t, plugin.StateFailed, state(t, l, "no-runtime"))
}

func TestLoad_ProfileEntryPointWins(t *testing.T) {
	h := newHarness()
	d := h.add("multi")
	h.add("multi-web")
	d.Manifest.Profiles = map[string]plugin.EntryPoint{
		"web": {Locator: "test", TypeName: "multi-web"},
	}
	l := h.newLoader(loader.Config{Profile: "web"})

	_, err := l.Load(context.Background(), []*plugin.Discovered{d})
	require.NoError(t, err)
	assert.Equal(t, []string{"multi-web:init", "multi-web:start"}, h.rec.list())
}

func TestLoad_PassesSettings(t *testing.T) {
	h := newHarness()
	d := h.add("configured")
	l := h.newLoader(loader.Config{
		Settings: map[string]map[string]any{"configured": {"greeting": "hi"}},
	})

	_, err := l.Load(context.Background(), []*plugin.Discovered{d})
	require.NoError(t, err)
	assert.Equal(t, "hi", h.behaviors["configured"].config["greeting"])
}

func TestLoad_CapabilityExclusivity(t *testing.T) {
	tests := []struct {
		name      string
		preferred string
		winner    string
		loser     string
	}{
		{"priority", "", "ui-high", "ui-low"},
		{"preference", "ui-low", "ui-low", "ui-high"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			l := h.newLoader(loader.Config{Capabilities: capability.Policy{
				Categories: []capability.Category{{Name: "ui", Preferred: tt.preferred}},
				Strict:     true,
			}})

			_, err := l.Load(context.Background(), []*plugin.Discovered{
				h.add("ui-low", capabilities("ui.terminal"), priority(10)),
				h.add("ui-high", capabilities("ui.window"), priority(20)),
				h.add("needs-loser", requires(tt.loser)),
			})
			require.NoError(t, err)
			assert.Equal(t, plugin.StateStarted, state(t, l, tt.winner))

			loser, _ := l.Table().Get(tt.loser)
			assert.Equal(t, plugin.StateFailed, loser.State)
			assert.Contains(t, loser.FailureReason, "ui")

			dependent, _ := l.Table().Get("needs-loser")
			assert.Equal(t, plugin.StateFailed, dependent.State)
			assert.Contains(t, dependent.FailureReason, tt.loser)
		})
	}
}

func TestLoad_CancellationStopsNewPlugins(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := h.add("first")
	h.behaviors["first"].onStart = cancel
	l := h.newLoader(loader.Config{})

	started, err := l.Load(ctx, []*plugin.Discovered{first, h.add("second"), h.add("third")})
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, plugin.StateStarted, state(t, l, "first"))
	for _, id := range []string{"second", "third"} {
		d, _ := l.Table().Get(id)
		assert.Equal(t, plugin.StateFailed, d.State)
		assert.Equal(t, loader.ReasonCanceled, d.FailureReason)
	}
}

func TestUnload_IsIdempotent(t *testing.T) {
	h := newHarness()
	l := h.newLoader(loader.Config{})
	ctx := context.Background()
	_, err := l.Load(ctx, []*plugin.Discovered{h.add("a")})
	require.NoError(t, err)
	require.True(t, pluginapi.IsRegistered[Greeter](l.Registry()))

	require.NoError(t, l.UnloadPlugin(ctx, "a"))
	require.NoError(t, l.UnloadPlugin(ctx, "a"))
	require.NoError(t, l.UnloadPlugin(ctx, "never-loaded"))

	assert.Equal(t, plugin.StateUnloaded, state(t, l, "a"))
	assert.False(t, pluginapi.IsRegistered[Greeter](l.Registry()))
	assert.Zero(t, l.Bus().SubscriberCount(pluginapi.KeyOf[pluginapi.ScriptEvent]()))
	assert.Empty(t, l.LoadedIDs())
	assert.Equal(t, []string{"a:init", "a:start", "a:stop"}, h.rec.list())
}

func TestUnload_StopErrorIsNotFatal(t *testing.T) {
	h := newHarness()
	l := h.newLoader(loader.Config{})
	ctx := context.Background()
	_, err := l.Load(ctx, []*plugin.Discovered{h.add("a")})
	require.NoError(t, err)
	h.behaviors["a"].stopErr = errBoom

	require.NoError(t, l.UnloadPlugin(ctx, "a"))
	assert.Equal(t, plugin.StateUnloaded, state(t, l, "a"))
}

func TestUnloadAll_ReverseOrder(t *testing.T) {
	h := newHarness()
	l := h.newLoader(loader.Config{})
	ctx := context.Background()
	_, err := l.Load(ctx, []*plugin.Discovered{h.add("a"), h.add("b", requires("a")), h.add("c", requires("b"))})
	require.NoError(t, err)
	h.behaviors["b"].stopErr = errBoom

	require.NoError(t, l.UnloadAll(ctx))
	calls := h.rec.list()
	assert.Equal(t, []string{"c:stop", "b:stop", "a:stop"}, calls[len(calls)-3:])
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, plugin.StateUnloaded, state(t, l, id))
	}
}

func TestReload_RoundTrip(t *testing.T) {
	h := newHarness()
	l := h.newLoader(loader.Config{HotReload: true})
	ctx := context.Background()
	_, err := l.Load(ctx, []*plugin.Discovered{h.add("p")})
	require.NoError(t, err)

	require.NoError(t, l.UnloadPlugin(ctx, "p"))
	require.NoError(t, l.ReloadPlugin(ctx, "p"))

	d, _ := l.Table().Get("p")
	assert.Equal(t, plugin.StateStarted, d.State)
	assert.Equal(t, 2, d.Generation)
	assert.Contains(t, l.LoadedIDs(), "p")
	assert.Equal(t, int32(2), h.behaviors["p"].inits.Load())

	// Reloading a running plugin unloads it first.
	require.NoError(t, l.ReloadPlugin(ctx, "p"))
	d, _ = l.Table().Get("p")
	assert.Equal(t, 3, d.Generation)
	assert.Len(t, pluginapi.GetAll[Greeter](l.Registry()), 1)
}

func TestReload_Errors(t *testing.T) {
	h := newHarness()
	l := h.newLoader(loader.Config{})
	ctx := context.Background()
	_, err := l.Load(ctx, []*plugin.Discovered{h.add("p")})
	require.NoError(t, err)

	errutil.AssertErrorCode(t, l.ReloadPlugin(ctx, "p"), "PLUGIN_NOT_RELOADABLE")
	errutil.AssertErrorCode(t, l.ReloadPlugin(ctx, "missing"), "PLUGIN_NOT_FOUND")
	assert.Equal(t, plugin.StateStarted, state(t, l, "p"))
}

func TestUnload_ReclaimTimeout(t *testing.T) {
	h := newHarness()
	rt := &stickyRuntime{inner: native.NewRuntime(h.catalog), sticky: true}
	l := h.newLoader(loader.Config{
		HotReload:       true,
		ReclaimAttempts: 3,
		ReclaimDelay:    time.Millisecond,
	}, loader.WithRuntime(rt))
	ctx := context.Background()
	_, err := l.Load(ctx, []*plugin.Discovered{h.add("p")})
	require.NoError(t, err)

	err = l.UnloadPlugin(ctx, "p")
	errutil.AssertErrorCode(t, err, "RECLAIM_TIMEOUT")
	assert.Equal(t, int32(3), rt.polls.Load())
	assert.Equal(t, plugin.StateUnloaded, state(t, l, "p"))

	// The unloaded generation is terminal, so a reload starts a new one.
	require.NoError(t, l.ReloadPlugin(ctx, "p"))
	d, _ := l.Table().Get("p")
	assert.Equal(t, 2, d.Generation)

	// A reload whose unload is not reclaimed stops without loading again.
	errutil.AssertErrorCode(t, l.ReloadPlugin(ctx, "p"), "RECLAIM_TIMEOUT")
	d, _ = l.Table().Get("p")
	assert.Equal(t, plugin.StateUnloaded, d.State)
	assert.Equal(t, 2, d.Generation)
}

func TestClose_ReleasesRetainedContexts(t *testing.T) {
	h := newHarness()
	rt := &stickyRuntime{inner: native.NewRuntime(h.catalog)}
	l := h.newLoader(loader.Config{}, loader.WithRuntime(rt))
	ctx := context.Background()
	_, err := l.Load(ctx, []*plugin.Discovered{h.add("a"), h.add("b")})
	require.NoError(t, err)

	require.NoError(t, l.UnloadPlugin(ctx, "a"))
	assert.Zero(t, rt.releases.Load(), "non-collectible contexts stay until close")

	require.NoError(t, l.Close(ctx))
	assert.Equal(t, int32(2), rt.releases.Load())
	assert.Equal(t, plugin.StateUnloaded, state(t, l, "b"))

	_, err = l.Load(ctx, []*plugin.Discovered{h.add("c")})
	errutil.AssertErrorCode(t, err, "LOADER_CLOSED")
	require.NoError(t, l.Close(ctx))
}

func TestLifecycleEvents(t *testing.T) {
	h := newHarness()
	l := h.newLoader(loader.Config{})
	var events []string
	pluginapi.Subscribe(l.Bus(), func(_ context.Context, e pluginapi.Loaded) error {
		events = append(events, "loaded:"+e.ID)
		return nil
	})
	pluginapi.Subscribe(l.Bus(), func(_ context.Context, e pluginapi.Failed) error {
		events = append(events, "failed:"+e.ID)
		return nil
	})
	pluginapi.Subscribe(l.Bus(), func(_ context.Context, e pluginapi.Unloaded) error {
		events = append(events, "unloaded:"+e.ID)
		return nil
	})
	ctx := context.Background()

	_, err := l.Load(ctx, []*plugin.Discovered{h.add("a"), h.add("b", requires("x"))})
	require.NoError(t, err)
	require.NoError(t, l.UnloadPlugin(ctx, "a"))

	assert.Equal(t, []string{"failed:b", "loaded:a", "unloaded:a"}, events)
}

func TestNew_RegistersEventBus(t *testing.T) {
	l := newHarness().newLoader(loader.Config{})
	bus, err := pluginapi.Get[pluginapi.EventBus](l.Registry(), pluginapi.HighestPriority)
	require.NoError(t, err)
	assert.Same(t, l.Bus(), bus)
}

func TestNew_InvalidPolicy(t *testing.T) {
	_, err := loader.New(loader.Config{Capabilities: capability.Policy{
		Categories: []capability.Category{{Name: ""}},
	}})
	errutil.AssertErrorCode(t, err, "CAPABILITY_POLICY_INVALID")
}

func TestResolvePaths(t *testing.T) {
	t.Setenv("PLUGINHOST_TEST_ROOT", "/opt/plugins")
	assert.Equal(t, []string{"/opt/plugins/extra", "local"},
		loader.ResolvePaths([]string{"$PLUGINHOST_TEST_ROOT/extra", " ", "./local"}, "/fallback"))
	assert.Equal(t, []string{"/fallback"}, loader.ResolvePaths(nil, "/fallback"))
	assert.Empty(t, loader.ResolvePaths(nil, ""))
}

func writeManifest(t *testing.T, root, id, body string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileYAML), []byte(body), 0o600))
}

func TestHostService_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness()
	h.add("alpha")
	h.add("beta")
	root := t.TempDir()
	writeManifest(t, root, "alpha", `
id: alpha
version: 1.0.0
entryPoint: {locator: test, typeName: alpha}
`)
	writeManifest(t, root, "beta", `
id: beta
version: 1.0.0
dependencies: [{id: alpha}]
entryPoint: {locator: test, typeName: beta}
`)
	l := h.newLoader(loader.Config{Paths: []string{root}})
	svc := loader.NewHostService(l)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, []string{"alpha", "beta"}, l.LoadedIDs())

	require.NoError(t, svc.Stop(ctx))
	assert.Empty(t, l.LoadedIDs())
	assert.Equal(t, plugin.StateUnloaded, state(t, l, "alpha"))
	assert.Panics(t, func() { loader.NewHostService(nil) })
}

func TestHostService_CycleFailsStart(t *testing.T) {
	h := newHarness()
	root := t.TempDir()
	writeManifest(t, root, "a", "id: a\nversion: 1.0.0\ndependencies: [{id: b}]\nentryPoint: {locator: test, typeName: a}\n")
	writeManifest(t, root, "b", "id: b\nversion: 1.0.0\ndependencies: [{id: a}]\nentryPoint: {locator: test, typeName: b}\n")
	l := h.newLoader(loader.Config{Paths: []string{root}})

	err := loader.NewHostService(l).Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, resolver.ErrCycle))
}

func TestDiscoverAndLoad_Builtins(t *testing.T) {
	h := newHarness()
	core := h.add("core")
	h.add("extra", requires("core"))
	root := t.TempDir()
	writeManifest(t, root, "extra", "id: extra\nversion: 1.0.0\ndependencies: [{id: core}]\nentryPoint: {locator: test, typeName: extra}\n")
	writeManifest(t, root, "core", "id: core\nversion: 9.9.9\nentryPoint: {locator: test, typeName: missing}\n")
	l := h.newLoader(loader.Config{Paths: []string{root}}, loader.WithBuiltins(core))

	started, err := l.DiscoverAndLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Equal(t, []string{"core", "extra"}, l.LoadedIDs())

	d, ok := l.Table().Get("core")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", d.Version, "the built-in wins over the shadowing directory")
	assert.Equal(t, core.Dir, d.Dir)
}
