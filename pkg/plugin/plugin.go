// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package plugin defines the contracts shared between the host and the
// plugins it loads.
//
// Every execution context references this package from the host; it is never
// loaded per plugin. A type that crosses the host/plugin boundary (service
// keys, event types, the Plugin interface itself) must live here or in a
// package compiled into the host so that identity checks agree on both sides.
package plugin

import (
	"context"
	"log/slog"
)

// Plugin is the lifecycle contract every plugin implements.
//
// The host calls Initialize once, then Start once. Stop is called during
// unload and may be called on a plugin whose Start failed.
type Plugin interface {
	// Initialize wires the plugin to the host. Services and event
	// subscriptions are normally registered here.
	Initialize(ctx context.Context, pctx *Context) error
	// Start begins the plugin's work.
	Start(ctx context.Context) error
	// Stop ends the plugin's work. Errors are logged by the host and do not
	// prevent unload.
	Stop(ctx context.Context) error
}

// Context is the host-provided environment handed to Initialize.
type Context struct {
	// PluginID is the manifest id of the plugin receiving this context.
	PluginID string
	// Profile is the active host profile (e.g. "console").
	Profile string
	// Services is the cross-plugin service registry, scoped so that
	// registrations made through it are owned by this plugin.
	Services Services
	// Events is the event bus, scoped the same way.
	Events EventBus
	// Config holds the plugin's section of the host configuration.
	Config map[string]any
	// Logger is pre-tagged with the plugin id.
	Logger *slog.Logger
}

// HealthStatus is a plugin or system health level.
type HealthStatus string

// Health levels, ordered from best to worst except Unknown.
const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthReporter is optionally implemented by plugins that can report more
// than "running". A started plugin that does not implement it is healthy.
type HealthReporter interface {
	Health(ctx context.Context) (HealthStatus, string)
}
