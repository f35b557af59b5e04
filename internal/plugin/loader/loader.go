// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package loader coordinates discovery, validation, resolution and the
// lifecycle of plugins.
//
// Loading is sequential in dependency order: a plugin never sees a
// dependency that has not started. One plugin failing never aborts the
// batch; the failure is recorded on its descriptor. Only dependency cycles
// are returned as errors.
package loader

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lablabbean/pluginhost/internal/eventbus"
	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/capability"
	"github.com/lablabbean/pluginhost/internal/plugin/metrics"
	"github.com/lablabbean/pluginhost/internal/plugin/resolver"
	"github.com/lablabbean/pluginhost/internal/services"
	"github.com/lablabbean/pluginhost/pkg/errutil"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

var tracer = otel.Tracer("pluginhost/loader")

// ReasonCanceled is the failure reason of plugins skipped by cancellation.
const ReasonCanceled = "load canceled"

// EventBusPriority is the registry priority of the host's event bus.
const EventBusPriority = 1000

var errNotReclaimed = errors.New("execution context not yet reclaimed")

// loadedPlugin is the runtime-only record of a started plugin. It owns the
// execution context exclusively.
type loadedPlugin struct {
	instance    pluginapi.Plugin
	ec          plugin.ExecutionContext
	manifest    *plugin.Manifest
	collectible bool
	logger      *slog.Logger
}

// Loader owns the descriptor table and every loaded plugin.
type Loader struct {
	// opMu serializes batch, unload and reload operations.
	opMu sync.Mutex

	cfg       Config
	validator *capability.Validator
	resolver  *resolver.Resolver
	runtimes  map[plugin.Kind]plugin.Runtime
	table     *plugin.Table
	registry  *services.Registry
	bus       *eventbus.Bus
	metrics   *metrics.System
	logger    *slog.Logger

	builtins []*plugin.Discovered
	loaded   map[string]*loadedPlugin
	// order lists loaded ids in the order they started.
	order []string
	// retained holds non-collectible contexts until Close.
	retained []plugin.ExecutionContext
	ready    atomic.Bool
	closed   bool
}

// New creates a loader. The capability policy is compiled here, so an
// invalid pattern is reported before anything is loaded.
func New(cfg Config, opts ...Option) (*Loader, error) {
	l := &Loader{
		cfg:      cfg.withDefaults(),
		runtimes: make(map[plugin.Kind]plugin.Runtime),
		loaded:   make(map[string]*loadedPlugin),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.table == nil {
		l.table = plugin.NewTable()
	}
	if l.registry == nil {
		l.registry = services.NewRegistry()
	}
	if l.bus == nil {
		l.bus = eventbus.New(l.logger)
	}
	if l.metrics == nil {
		l.metrics = metrics.NewSystem()
	}

	v, err := capability.NewValidator(l.cfg.Capabilities, l.logger)
	if err != nil {
		return nil, err
	}
	l.validator = v
	l.resolver = resolver.New(l.logger)

	if err := pluginapi.Register[pluginapi.EventBus](l.registry, l.bus, pluginapi.ServiceMetadata{
		Priority: EventBusPriority,
		Name:     "eventbus",
		Owner:    "host",
	}); err != nil {
		return nil, oops.In("loader").Wrap(err)
	}
	return l, nil
}

// Config returns the effective configuration.
func (l *Loader) Config() Config { return l.cfg }

// Table returns the descriptor table.
func (l *Loader) Table() *plugin.Table { return l.table }

// Registry returns the service registry shared by plugins.
func (l *Loader) Registry() *services.Registry { return l.registry }

// Bus returns the event bus shared by plugins.
func (l *Loader) Bus() *eventbus.Bus { return l.bus }

// Metrics returns the load metrics.
func (l *Loader) Metrics() *metrics.System { return l.metrics }

// Ready reports whether the first batch has finished.
func (l *Loader) Ready() bool { return l.ready.Load() }

// Instance returns the running instance of id.
func (l *Loader) Instance(id string) (pluginapi.Plugin, bool) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	lp, ok := l.loaded[id]
	if !ok {
		return nil, false
	}
	return lp.instance, true
}

// LoadedIDs returns the started plugins in load order.
func (l *Loader) LoadedIDs() []string {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return slices.Clone(l.order)
}

// Plan is the outcome of validation and resolution for a discovered set.
type Plan struct {
	Capabilities *capability.Result
	Resolution   *resolver.Result
	// Order holds the plugins to load, dependencies first.
	Order []*plugin.Discovered
	// Excluded maps every plugin that will not load to its reason, in
	// discovery order.
	Excluded []Exclusion
}

// Exclusion is a plugin removed by policy or missing dependencies.
type Exclusion struct {
	Plugin *plugin.Discovered
	Reason string
}

// Plan validates capabilities and resolves dependencies without loading
// anything. A dependency cycle is the only error.
func (l *Loader) Plan(discovered []*plugin.Discovered) (*Plan, error) {
	manifests := make([]*plugin.Manifest, len(discovered))
	byID := make(map[string]*plugin.Discovered, len(discovered))
	for i, d := range discovered {
		manifests[i] = d.Manifest
		byID[d.Manifest.ID] = d
	}

	caps := l.validator.Validate(manifests)
	res, err := l.resolver.Resolve(caps.ToLoad)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Capabilities: caps, Resolution: res}
	for _, d := range discovered {
		id := d.Manifest.ID
		if reason, ok := caps.Excluded[id]; ok {
			plan.Excluded = append(plan.Excluded, Exclusion{Plugin: d, Reason: reason})
		} else if reason, ok := res.FailureReasons[id]; ok {
			plan.Excluded = append(plan.Excluded, Exclusion{Plugin: d, Reason: reason})
		}
	}
	for _, id := range res.LoadOrder {
		plan.Order = append(plan.Order, byID[id])
	}
	return plan, nil
}

// DiscoverAndLoad scans the configured paths and loads everything found
// together with the built-in plugins. It returns the number of plugins
// started. A discovered plugin with the id of a built-in is skipped.
func (l *Loader) DiscoverAndLoad(ctx context.Context) (int, error) {
	found, err := plugin.Discover(ctx, l.cfg.Paths, l.logger)
	if err != nil {
		return 0, oops.In("loader").Wrap(err)
	}
	for _, p := range found.Problems {
		errutil.LogWarn(l.logger, "skipping plugin", p.Err, "dir", p.Dir)
	}
	all := slices.Clone(l.builtins)
	for _, d := range found.Plugins {
		if slices.ContainsFunc(l.builtins, func(b *plugin.Discovered) bool { return b.Manifest.ID == d.Manifest.ID }) {
			l.logger.Warn("skipping plugin that shadows a built-in", "plugin", d.Manifest.ID, "dir", d.Dir)
			continue
		}
		all = append(all, d)
	}
	return l.Load(ctx, all)
}

// Load validates, resolves and loads discovered plugins. Cancelling ctx
// stops new plugins from starting; the plugin in flight completes.
func (l *Loader) Load(ctx context.Context, discovered []*plugin.Discovered) (started int, err error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if l.closed {
		return 0, oops.Code("LOADER_CLOSED").Errorf("loader is closed")
	}

	ctx, span := tracer.Start(ctx, "plugins.load_batch",
		trace.WithAttributes(attribute.Int("plugins.discovered", len(discovered))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("plugins.started", started))
		span.End()
	}()

	batch := l.metrics.StartBatch()
	defer l.metrics.CompleteBatch()
	l.logger.Info("loading plugins",
		"batch", batch.String(),
		"discovered", len(discovered),
		"profile", l.cfg.Profile)

	plan, err := l.Plan(discovered)
	if err != nil {
		errutil.LogError(l.logger, "dependency resolution failed", err)
		return 0, err
	}

	for _, ex := range plan.Excluded {
		l.recordExcluded(ctx, ex.Plugin, ex.Reason)
	}

	for i, d := range plan.Order {
		if ctx.Err() != nil {
			for _, skipped := range plan.Order[i:] {
				l.recordExcluded(ctx, skipped, ReasonCanceled)
			}
			l.logger.Warn("plugin loading canceled", "skipped", len(plan.Order)-i)
			break
		}
		if l.load(context.WithoutCancel(ctx), d) == nil {
			started++
		}
	}

	l.ready.Store(true)
	snap := l.metrics.Snapshot()
	l.logger.Info("plugins loaded",
		"batch", batch.String(),
		"started", started,
		"excluded", len(plan.Excluded),
		"success_rate", snap.SuccessRate)
	return started, nil
}

func (l *Loader) recordExcluded(ctx context.Context, d *plugin.Discovered, reason string) {
	if _, err := l.table.CreateFailed(d.Manifest, d.Dir, reason); err != nil {
		errutil.LogWarn(l.logger, "cannot record excluded plugin", err, "plugin", d.Manifest.ID)
		return
	}
	l.logger.Warn("plugin excluded", "plugin", d.Manifest.ID, "reason", reason)
	publish(ctx, l, pluginapi.Failed{ID: d.Manifest.ID, Reason: reason})
}

// load runs one plugin from Created to Started. ctx must not be
// cancellable; callers pass a WithoutCancel context.
func (l *Loader) load(ctx context.Context, d *plugin.Discovered) (err error) {
	m := d.Manifest
	ctx, span := tracer.Start(ctx, "plugin.load",
		trace.WithAttributes(
			attribute.String("plugin.id", m.ID),
			attribute.String("plugin.version", m.Version),
			attribute.String("plugin.runtime", string(m.Runtime)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	desc, err := l.table.Create(m, d.Dir, l.cfg.HotReload)
	if err != nil {
		errutil.LogWarn(l.logger, "plugin not loaded", err, "plugin", m.ID)
		return err
	}
	span.SetAttributes(attribute.Int("plugin.generation", desc.Generation))

	rec := l.metrics.StartLoad(m.ID, m.Version, l.cfg.Profile, desc.Generation, len(m.Dependencies))
	lp, err := l.start(ctx, desc)
	l.metrics.CompleteLoad(rec, err)
	if err != nil {
		errutil.LogError(l.logger, "plugin load failed", err, "plugin", m.ID)
		if _, ferr := l.table.Fail(m.ID, err.Error()); ferr != nil {
			errutil.LogError(l.logger, "cannot mark plugin failed", ferr, "plugin", m.ID)
		}
		publish(ctx, l, pluginapi.Failed{ID: m.ID, Reason: err.Error()})
		return err
	}

	l.loaded[m.ID] = lp
	l.order = append(l.order, m.ID)
	l.logger.Info("plugin started",
		"plugin", m.ID,
		"version", m.Version,
		"generation", desc.Generation)
	publish(ctx, l, pluginapi.Loaded{ID: m.ID, Version: m.Version, Generation: desc.Generation})
	return nil
}

// start opens the context, instantiates the plugin and runs Initialize and
// Start. On error everything the plugin registered is removed and the
// context is released.
func (l *Loader) start(ctx context.Context, desc *plugin.Descriptor) (*loadedPlugin, error) {
	m := desc.Manifest
	ep, ok := m.ResolveEntryPoint(l.cfg.Profile)
	if !ok {
		return nil, oops.Code("ENTRY_POINT_NOT_FOUND").
			With("plugin", m.ID).
			With("profile", l.cfg.Profile).
			Errorf("no entry point for profile %s", l.cfg.Profile)
	}
	rt, ok := l.runtimes[m.Runtime]
	if !ok {
		return nil, oops.Code("ENTRY_POINT_NOT_FOUND").
			With("plugin", m.ID).
			With("runtime", string(m.Runtime)).
			Errorf("no runtime registered for %s", m.Runtime)
	}

	logger := l.logger.With("plugin", m.ID)
	ec, err := rt.Open(ctx, plugin.OpenRequest{
		Manifest:    m,
		Dir:         desc.Dir,
		EntryPoint:  ep,
		Collectible: desc.Collectible,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	instance, err := ec.Instantiate(ctx)
	if err != nil {
		l.discard(ctx, m.ID, ec)
		return nil, err
	}

	pctx := &pluginapi.Context{
		PluginID: m.ID,
		Profile:  l.cfg.Profile,
		Services: l.registry.Scoped(m.ID),
		Events:   l.bus.Scoped(m.ID),
		Config:   maps.Clone(l.cfg.Settings[m.ID]),
		Logger:   logger,
	}
	if pctx.Config == nil {
		pctx.Config = map[string]any{}
	}

	if err := guard(m.ID, "initialize", func() error { return instance.Initialize(ctx, pctx) }); err != nil {
		l.discard(ctx, m.ID, ec)
		return nil, oops.Code("PLUGIN_INIT_FAILED").With("plugin", m.ID).Wrap(err)
	}
	if _, err := l.table.Transition(m.ID, plugin.StateInitialized, ""); err != nil {
		l.discard(ctx, m.ID, ec)
		return nil, err
	}

	if err := guard(m.ID, "start", func() error { return instance.Start(ctx) }); err != nil {
		if serr := guard(m.ID, "stop", func() error { return instance.Stop(ctx) }); serr != nil {
			errutil.LogWarn(logger, "stop after failed start", serr)
		}
		l.discard(ctx, m.ID, ec)
		return nil, oops.Code("PLUGIN_START_FAILED").With("plugin", m.ID).Wrap(err)
	}
	if _, err := l.table.Transition(m.ID, plugin.StateStarted, ""); err != nil {
		l.discard(ctx, m.ID, ec)
		return nil, err
	}

	return &loadedPlugin{
		instance:    instance,
		ec:          ec,
		manifest:    m,
		collectible: desc.Collectible,
		logger:      logger,
	}, nil
}

// guard runs one lifecycle call of plugin id and reports a panic as an
// error. The caller adds the code.
func guard(id, step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.With("plugin", id).
				With("step", step).
				Errorf("plugin %s panicked in %s: %v", id, step, r)
		}
	}()
	return fn()
}

// discard undoes a partial load.
func (l *Loader) discard(ctx context.Context, id string, ec plugin.ExecutionContext) {
	l.registry.UnregisterOwner(id)
	l.bus.UnsubscribeOwner(id)
	if err := ec.Release(ctx); err != nil {
		errutil.LogWarn(l.logger, "release after failed load", err, "plugin", id)
	}
}

// UnloadPlugin stops and unloads id. Unloading a plugin that is not loaded
// is a no-op. With hot reload the call waits until the execution context is
// reclaimed and returns RECLAIM_TIMEOUT if it is not; the descriptor is
// Unloaded either way.
func (l *Loader) UnloadPlugin(ctx context.Context, id string) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.unload(context.WithoutCancel(ctx), id)
}

func (l *Loader) unload(ctx context.Context, id string) (err error) {
	lp, ok := l.loaded[id]
	if !ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, "plugin.unload", trace.WithAttributes(attribute.String("plugin.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if serr := guard(id, "stop", func() error { return lp.instance.Stop(ctx) }); serr != nil {
		errutil.LogError(lp.logger, "plugin stop failed", serr)
	}
	if _, terr := l.table.Transition(id, plugin.StateStopped, ""); terr != nil {
		errutil.LogError(lp.logger, "cannot mark plugin stopped", terr)
	}

	delete(l.loaded, id)
	l.order = slices.DeleteFunc(l.order, func(s string) bool { return s == id })
	removedServices := l.registry.UnregisterOwner(id)
	removedSubs := l.bus.UnsubscribeOwner(id)
	lp.instance = nil

	if lp.collectible {
		err = l.reclaim(ctx, id, lp.ec)
		if err != nil {
			errutil.LogError(lp.logger, "execution context not reclaimed", err)
		}
	} else {
		l.retained = append(l.retained, lp.ec)
	}

	if _, terr := l.table.Transition(id, plugin.StateUnloaded, ""); terr != nil {
		errutil.LogError(lp.logger, "cannot mark plugin unloaded", terr)
	}
	lp.logger.Info("plugin unloaded",
		"services_removed", removedServices,
		"subscriptions_removed", removedSubs,
		"reclaimed", lp.collectible && err == nil)
	publish(ctx, l, pluginapi.Unloaded{ID: id})
	return err
}

// reclaim releases ec and polls until the runtime confirms it is gone.
func (l *Loader) reclaim(ctx context.Context, id string, ec plugin.ExecutionContext) error {
	if err := ec.Release(ctx); err != nil {
		return oops.Code("RECLAIM_FAILED").With("plugin", id).Wrap(err)
	}

	attempts := l.cfg.ReclaimAttempts
	backoff := retry.WithMaxRetries(attempts-1, retry.NewConstant(l.cfg.ReclaimDelay))
	err := retry.Do(ctx, backoff, func(_ context.Context) error {
		runtime.GC()
		if ec.Released() {
			return nil
		}
		return retry.RetryableError(errNotReclaimed)
	})
	if err != nil {
		return oops.Code("RECLAIM_TIMEOUT").
			With("plugin", id).
			With("attempts", attempts).
			With("delay", l.cfg.ReclaimDelay.String()).
			Wrapf(err, "execution context of %s not reclaimed after %d attempts", id, attempts)
	}
	return nil
}

// UnloadAll unloads every plugin in reverse load order. Failures are
// collected and do not stop the remaining unloads.
func (l *Loader) UnloadAll(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.unloadAll(context.WithoutCancel(ctx))
}

func (l *Loader) unloadAll(ctx context.Context) error {
	var errs []error
	for _, id := range slices.Backward(slices.Clone(l.order)) {
		if err := l.unload(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReloadPlugin unloads id if it is loaded and loads it again from the same
// manifest and directory in a fresh context. Only plugins whose context was
// opened with hot reload can be reloaded.
func (l *Loader) ReloadPlugin(ctx context.Context, id string) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if l.closed {
		return oops.Code("LOADER_CLOSED").Errorf("loader is closed")
	}
	desc, ok := l.table.Get(id)
	if !ok {
		return oops.Code("PLUGIN_NOT_FOUND").With("plugin", id).Errorf("plugin %s not found", id)
	}
	if !desc.Collectible {
		return oops.Code("PLUGIN_NOT_RELOADABLE").
			With("plugin", id).
			Hint("enable plugins.hot_reload to reload plugins without restarting").
			Errorf("plugin %s was not loaded with hot reload enabled", id)
	}

	ctx = context.WithoutCancel(ctx)
	if err := l.unload(ctx, id); err != nil {
		return err
	}
	return l.load(ctx, &plugin.Discovered{Manifest: desc.Manifest, Dir: desc.Dir})
}

// Close unloads what is still loaded and releases every retained context.
// The loader cannot be used afterwards.
func (l *Loader) Close(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	if l.closed {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	err := l.unloadAll(ctx)
	for _, ec := range l.retained {
		if rerr := ec.Release(ctx); rerr != nil {
			errutil.LogWarn(l.logger, "release at close", rerr)
		}
	}
	l.retained = nil
	l.closed = true
	return err
}

func publish[T any](ctx context.Context, l *Loader, event T) {
	if err := pluginapi.Publish(ctx, l.bus, event); err != nil {
		l.logger.Debug("lifecycle event not delivered", "error", err)
	}
}
