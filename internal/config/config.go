// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package config loads host configuration from a YAML file and command-line
// flags.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/lablabbean/pluginhost/internal/logging"
	"github.com/lablabbean/pluginhost/internal/plugin/capability"
	"github.com/lablabbean/pluginhost/internal/plugin/loader"
	"github.com/lablabbean/pluginhost/internal/xdg"
	"github.com/lablabbean/pluginhost/pkg/errutil"
)

// Default values for keys absent from both the file and the flags.
const (
	DefaultObservabilityAddr = "127.0.0.1:9100"
	DefaultLogFormat         = logging.FormatJSON
	DefaultLogLevel          = "info"
)

// Config is the host configuration.
type Config struct {
	Plugins       Plugins       `koanf:"plugins"`
	Logging       Logging       `koanf:"logging"`
	Observability Observability `koanf:"observability"`
	Admin         Admin         `koanf:"admin"`
	Audit         Audit         `koanf:"audit"`
}

// Plugins configures discovery and loading.
type Plugins struct {
	Paths              []string `koanf:"paths"`
	Profile            string   `koanf:"profile"`
	HotReload          bool     `koanf:"hot_reload"`
	StrictCapabilities bool     `koanf:"strict_capabilities"`
	// Exclusive maps a category name to its capability pattern. When empty
	// the ui and renderer categories apply.
	Exclusive map[string]string `koanf:"exclusive"`
	// Preferred maps a category name to the plugin id that wins it.
	Preferred       map[string]string         `koanf:"preferred"`
	Skip            []string                  `koanf:"skip"`
	Only            []string                  `koanf:"only"`
	Settings        map[string]map[string]any `koanf:"settings"`
	ReclaimAttempts uint64                    `koanf:"reclaim_attempts"`
	ReclaimDelay    time.Duration             `koanf:"reclaim_delay"`
}

// Logging configures the process logger.
type Logging struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Observability configures the metrics and admin HTTP server. An empty
// address disables it.
type Observability struct {
	Addr string `koanf:"addr"`
}

// Admin configures the admin routes.
type Admin struct {
	Enabled bool `koanf:"enabled"`
	// TokenHash is an argon2id PHC string. When set, admin requests need
	// the matching bearer token.
	TokenHash string `koanf:"token_hash"`
}

// Audit configures the transition audit store. An empty URL disables it.
type Audit struct {
	DatabaseURL string `koanf:"database_url"`
}

var defaults = map[string]any{
	"plugins.profile":             loader.DefaultProfile,
	"plugins.strict_capabilities": true,
	"plugins.reclaim_attempts":    loader.DefaultReclaimAttempts,
	"plugins.reclaim_delay":       loader.DefaultReclaimDelay.String(),
	"logging.format":              DefaultLogFormat,
	"logging.level":               DefaultLogLevel,
	"observability.addr":          DefaultObservabilityAddr,
	"admin.enabled":               true,
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"plugins-path": "plugins.paths",
	"profile":      "plugins.profile",
	"hot-reload":   "plugins.hot_reload",
	"log-format":   "logging.format",
	"log-level":    "logging.level",
	"metrics-addr": "observability.addr",
	"database-url": "audit.database_url",
}

// RegisterFlags adds the flags Load understands to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.StringSlice("plugins-path", nil, "plugin search path (repeatable)")
	flags.String("profile", loader.DefaultProfile, "host profile selecting plugin entry points")
	flags.Bool("hot-reload", false, "load plugins into collectible contexts so they can be reloaded")
	flags.String("log-format", DefaultLogFormat, "log format (json or text)")
	flags.String("log-level", DefaultLogLevel, "log level (debug, info, warn, error)")
	flags.String("metrics-addr", DefaultObservabilityAddr, "metrics, health and admin HTTP address (empty = disabled)")
	flags.String("database-url", "", "PostgreSQL URL for the transition audit store")
}

// Load reads path, then applies flags that were set explicitly. An empty
// path uses the XDG config file when it exists. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, oops.Code("CONFIG_INVALID").With("key", key).Wrap(err)
		}
	}

	explicit := path != ""
	if !explicit {
		path = xdg.ConfigFile()
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
	}
	if cfg.Audit.DatabaseURL == "" {
		cfg.Audit.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that koanf cannot.
func (c *Config) Validate() error {
	if !logging.ValidFormat(c.Logging.Format) {
		return oops.Code("CONFIG_INVALID").
			With("key", "logging.format").
			Errorf("log format must be 'json' or 'text', got %q", c.Logging.Format)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level", err)
	}
	if c.Plugins.ReclaimDelay < 0 {
		return oops.Code("CONFIG_INVALID").
			With("key", "plugins.reclaim_delay").
			Errorf("reclaim delay must not be negative")
	}
	if _, err := capability.NewValidator(c.Policy(), slog.New(slog.DiscardHandler)); err != nil {
		return invalid("plugins.exclusive", err)
	}
	return nil
}

// invalid reports err under CONFIG_INVALID. oops keeps the innermost code of
// a wrapped chain, so the cause is flattened into the message instead of
// wrapped.
func invalid(key string, err error) error {
	return oops.Code("CONFIG_INVALID").
		With("key", key).
		With("cause", errutil.Code(err)).
		Errorf("invalid %s: %v", key, err)
}

// Policy builds the exclusive-capability policy. Configured categories are
// evaluated in name order.
func (c *Config) Policy() capability.Policy {
	p := capability.DefaultPolicy()
	p.Strict = c.Plugins.StrictCapabilities
	p.Skip = c.Plugins.Skip
	p.Only = c.Plugins.Only

	if len(c.Plugins.Exclusive) > 0 {
		names := make([]string, 0, len(c.Plugins.Exclusive))
		for name := range c.Plugins.Exclusive {
			names = append(names, name)
		}
		sort.Strings(names)
		p.Categories = p.Categories[:0]
		for _, name := range names {
			p.Categories = append(p.Categories, capability.Category{Name: name, Pattern: c.Plugins.Exclusive[name]})
		}
	}
	for i := range p.Categories {
		p.Categories[i].Preferred = c.Plugins.Preferred[p.Categories[i].Name]
	}
	return p
}

// LoaderConfig converts the plugin section for loader.New. Paths expand
// environment variables and default to the XDG plugins directory.
func (c *Config) LoaderConfig() loader.Config {
	return loader.Config{
		Paths:           loader.ResolvePaths(c.Plugins.Paths, xdg.PluginsDir()),
		Profile:         c.Plugins.Profile,
		HotReload:       c.Plugins.HotReload,
		Capabilities:    c.Policy(),
		Settings:        c.Plugins.Settings,
		ReclaimAttempts: c.Plugins.ReclaimAttempts,
		ReclaimDelay:    c.Plugins.ReclaimDelay,
	}
}

// LogLevel returns the parsed logging level. Validate has already
// rejected bad values.
func (c *Config) LogLevel() slog.Level {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return level
}
