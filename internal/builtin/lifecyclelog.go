// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package builtin holds native plugins compiled into the host.
package builtin

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/native"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// Locator is the native catalog locator of built-in plugins.
const Locator = "builtin"

// LifecycleLogID is the id of the lifecycle-log plugin.
const LifecycleLogID = "lifecycle-log"

// defaultCapacity is the number of lifecycle entries kept in memory.
const defaultCapacity = 100

// Entry is one observed lifecycle event.
type Entry struct {
	At       time.Time `json:"at"`
	PluginID string    `json:"pluginId"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail,omitempty"`
}

// LifecycleLog is the service the lifecycle-log plugin registers.
type LifecycleLog interface {
	// Recent returns the retained entries, oldest first.
	Recent() []Entry
}

// lifecycleLog logs every Loaded, Failed and Unloaded event and keeps the
// most recent ones.
type lifecycleLog struct {
	logger   *slog.Logger
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries []Entry
	running bool
}

// NewLifecycleLog creates the plugin. It is normally instantiated through
// the native catalog.
func NewLifecycleLog() pluginapi.Plugin {
	return &lifecycleLog{capacity: defaultCapacity, now: time.Now}
}

func (p *lifecycleLog) Initialize(_ context.Context, pctx *pluginapi.Context) error {
	p.logger = pctx.Logger
	switch n := pctx.Config["capacity"].(type) {
	case int:
		if n > 0 {
			p.capacity = n
		}
	case float64:
		if n >= 1 {
			p.capacity = int(n)
		}
	}
	pluginapi.Subscribe(pctx.Events, func(_ context.Context, e pluginapi.Loaded) error {
		p.add(e.ID, "loaded", "generation "+strconv.Itoa(e.Generation))
		return nil
	})
	pluginapi.Subscribe(pctx.Events, func(_ context.Context, e pluginapi.Failed) error {
		p.add(e.ID, "failed", e.Reason)
		return nil
	})
	pluginapi.Subscribe(pctx.Events, func(_ context.Context, e pluginapi.Unloaded) error {
		p.add(e.ID, "unloaded", "")
		return nil
	})
	return pluginapi.Register[LifecycleLog](pctx.Services, p, pluginapi.ServiceMetadata{
		Name:    LifecycleLogID,
		Version: "1.0.0",
	})
}

func (p *lifecycleLog) Start(context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *lifecycleLog) Stop(context.Context) error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *lifecycleLog) Health(context.Context) (pluginapi.HealthStatus, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return pluginapi.HealthUnknown, "not running"
	}
	return pluginapi.HealthHealthy, strconv.Itoa(len(p.entries)) + " entries"
}

func (p *lifecycleLog) add(id, event, detail string) {
	p.mu.Lock()
	p.entries = append(p.entries, Entry{At: p.now(), PluginID: id, Event: event, Detail: detail})
	if over := len(p.entries) - p.capacity; over > 0 {
		p.entries = append(p.entries[:0:0], p.entries[over:]...)
	}
	p.mu.Unlock()
	if p.logger != nil {
		p.logger.Info("plugin lifecycle", "subject", id, "event", event, "detail", detail)
	}
}

func (p *lifecycleLog) Recent() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Entry(nil), p.entries...)
}

// Register adds every built-in plugin to catalog.
func Register(catalog *native.Catalog) {
	catalog.MustRegister(Locator, LifecycleLogID, NewLifecycleLog)
}

// Discovered returns the manifests of the built-in plugins, ready to be
// loaded alongside discovered ones. Built-ins have no directory.
func Discovered() []*plugin.Discovered {
	return []*plugin.Discovered{{
		Manifest: &plugin.Manifest{
			ID:           LifecycleLogID,
			Name:         "Lifecycle log",
			Version:      "1.0.0",
			Description:  "Logs plugin lifecycle events and keeps the most recent ones.",
			Runtime:      plugin.KindNative,
			Capabilities: []string{"diagnostics.lifecycle"},
			EntryPoint:   &plugin.EntryPoint{Locator: Locator, TypeName: LifecycleLogID},
			Priority:     1000,
		},
	}}
}
