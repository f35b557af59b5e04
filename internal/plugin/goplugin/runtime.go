// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package goplugin runs binary plugins as HashiCorp go-plugin subprocesses
// talking gRPC. Every execution context is its own process, so releasing a
// context is killing the process and reclamation is observed as its exit.
package goplugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	"github.com/lablabbean/pluginhost/internal/plugin"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
	"github.com/lablabbean/pluginhost/pkg/pluginsdk"
)

// DefaultEventTimeout bounds a single event delivery to a plugin process.
const DefaultEventTimeout = 5 * time.Second

// Compile-time interface check.
var _ plugin.Runtime = (*Runtime)(nil)

// PluginClient wraps the go-plugin client for testability.
type PluginClient interface {
	// Client starts the process if needed and returns the protocol client.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
	// Exited reports whether the process has exited.
	Exited() bool
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the executable serving typeName.
	NewClient(execPath, typeName string, logger hclog.Logger) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (DefaultClientFactory) NewClient(execPath, typeName string, logger hclog.Logger) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  pluginsdk.HandshakeConfig,
		Plugins:          hashiplug.PluginSet{typeName: &pluginsdk.GRPCPlugin{}},
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath is confined to the plugin directory
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
		Logger:           logger,
	})
}

// Runtime opens one plugin process per execution context.
type Runtime struct {
	factory      ClientFactory
	eventTimeout time.Duration
}

// NewRuntime creates a binary runtime that starts real processes.
func NewRuntime() *Runtime {
	return &Runtime{factory: DefaultClientFactory{}, eventTimeout: DefaultEventTimeout}
}

// NewRuntimeWithFactory creates a runtime with a custom client factory (for testing).
// Panics if factory is nil.
func NewRuntimeWithFactory(factory ClientFactory) *Runtime {
	if factory == nil {
		panic("goplugin: factory cannot be nil")
	}
	return &Runtime{factory: factory, eventTimeout: DefaultEventTimeout}
}

// Kind implements plugin.Runtime.
func (r *Runtime) Kind() plugin.Kind { return plugin.KindBinary }

// Open checks the executable. The process starts in Instantiate.
func (r *Runtime) Open(_ context.Context, req plugin.OpenRequest) (plugin.ExecutionContext, error) {
	execPath, err := executablePath(req.Dir, req.EntryPoint.Locator)
	if err != nil {
		return nil, plugin.EntryPointNotFound(req.Manifest, req.EntryPoint, err)
	}
	logger := req.Logger
	if logger == nil {
		logger = slog.Default().With("plugin", req.Manifest.ID)
	}
	return &execContext{
		factory:      r.factory,
		execPath:     execPath,
		manifest:     req.Manifest,
		entry:        req.EntryPoint,
		logger:       logger,
		eventTimeout: r.eventTimeout,
	}, nil
}

func executablePath(dir, locator string) (string, error) {
	if filepath.IsAbs(locator) {
		return "", oops.Errorf("executable %q must be relative to the plugin directory", locator)
	}
	p := filepath.Join(dir, locator)
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", oops.Errorf("executable %q escapes the plugin directory", locator)
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", oops.With("path", p).Errorf("plugin executable not found: %s", p)
		}
		return "", oops.With("path", p).Wrapf(err, "cannot access plugin executable %s", p)
	}
	return p, nil
}

type execContext struct {
	mu           sync.Mutex
	factory      ClientFactory
	execPath     string
	manifest     *plugin.Manifest
	entry        plugin.EntryPoint
	logger       *slog.Logger
	eventTimeout time.Duration
	client       PluginClient
	released     bool
}

// Instantiate starts the process and dispenses the plugin.
func (c *execContext) Instantiate(_ context.Context) (pluginapi.Plugin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil, oops.Code("CONTEXT_RELEASED").With("plugin", c.manifest.ID).Errorf("execution context released")
	}
	if c.client != nil {
		return nil, oops.Code("PLUGIN_ALREADY_INSTANTIATED").With("plugin", c.manifest.ID).Errorf("context already instantiated")
	}

	client := c.factory.NewClient(c.execPath, c.entry.TypeName, hclogFor(c.logger, c.manifest.ID))
	c.client = client

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, oops.Code("PLUGIN_INSTANTIATE_FAILED").
			In("goplugin").
			With("plugin", c.manifest.ID).
			With("executable", c.execPath).
			Wrapf(err, "failed to connect to plugin %s", c.manifest.ID)
	}

	raw, err := rpcClient.Dispense(c.entry.TypeName)
	if err != nil {
		client.Kill()
		return nil, plugin.EntryPointNotFound(c.manifest, c.entry, err)
	}

	lifecycle, ok := raw.(pluginsdk.Lifecycle)
	if !ok {
		client.Kill()
		return nil, plugin.ContractMismatch(c.manifest, c.entry, "dispensed value is not a lifecycle client")
	}

	return &remotePlugin{
		id:           c.manifest.ID,
		lifecycle:    lifecycle,
		logger:       c.logger,
		eventTimeout: c.eventTimeout,
	}, nil
}

// Release kills the process in the background.
func (c *execContext) Release(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	if c.client != nil {
		go c.client.Kill()
	}
	return nil
}

// Released reports true once Release was called and the process is gone.
func (c *execContext) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released && (c.client == nil || c.client.Exited())
}

// hclogFor bridges go-plugin's logger onto the host's slog handler.
func hclogFor(logger *slog.Logger, id string) hclog.Logger {
	return hclog.FromStandardLogger(
		slog.NewLogLogger(logger.Handler(), slog.LevelInfo),
		&hclog.LoggerOptions{Name: "plugin." + id, Level: hclog.Info},
	)
}
