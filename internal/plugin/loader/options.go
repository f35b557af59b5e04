// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package loader

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lablabbean/pluginhost/internal/eventbus"
	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/capability"
	"github.com/lablabbean/pluginhost/internal/plugin/metrics"
	"github.com/lablabbean/pluginhost/internal/services"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultProfile         = "console"
	DefaultReclaimAttempts = 10
	DefaultReclaimDelay    = 100 * time.Millisecond
)

// Config controls discovery and loading.
type Config struct {
	// Paths are searched in order by DiscoverAndLoad.
	Paths []string
	// Profile selects profile-specific entry points.
	Profile string
	// HotReload opens collectible contexts so plugins can be unloaded and
	// reloaded while the host runs.
	HotReload bool
	// Capabilities is the exclusive-capability policy.
	Capabilities capability.Policy
	// Settings holds per-plugin configuration keyed by plugin id.
	Settings map[string]map[string]any
	// ReclaimAttempts bounds how often a released context is polled.
	ReclaimAttempts uint64
	// ReclaimDelay is the wait between polls.
	ReclaimDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Profile == "" {
		c.Profile = DefaultProfile
	}
	if c.ReclaimAttempts == 0 {
		c.ReclaimAttempts = DefaultReclaimAttempts
	}
	if c.ReclaimDelay <= 0 {
		c.ReclaimDelay = DefaultReclaimDelay
	}
	return c
}

// ResolvePaths expands environment variables in paths and drops blanks.
// An empty result falls back to fallback when it is set.
func ResolvePaths(paths []string, fallback string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(os.ExpandEnv(p))
		if p == "" {
			continue
		}
		out = append(out, filepath.Clean(p))
	}
	if len(out) == 0 && fallback != "" {
		out = append(out, fallback)
	}
	return out
}

// Option configures a Loader.
type Option func(*Loader)

// WithRuntime registers rt for its kind, replacing any earlier runtime.
func WithRuntime(rt plugin.Runtime) Option {
	return func(l *Loader) { l.runtimes[rt.Kind()] = rt }
}

// WithTable uses t as the descriptor table.
func WithTable(t *plugin.Table) Option {
	return func(l *Loader) { l.table = t }
}

// WithRegistry uses r as the service registry.
func WithRegistry(r *services.Registry) Option {
	return func(l *Loader) { l.registry = r }
}

// WithBus uses b as the event bus.
func WithBus(b *eventbus.Bus) Option {
	return func(l *Loader) { l.bus = b }
}

// WithMetrics records load metrics into m.
func WithMetrics(m *metrics.System) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithBuiltins adds plugins that DiscoverAndLoad loads together with the
// discovered ones.
func WithBuiltins(ds ...*plugin.Discovered) Option {
	return func(l *Loader) { l.builtins = append(l.builtins, ds...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}
