// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package admin exposes runtime plugin management: status, unload, reload
// and metrics export.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/lablabbean/pluginhost/internal/health"
	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/metrics"
	"github.com/lablabbean/pluginhost/pkg/errutil"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// Host is the part of the loader the admin service drives.
type Host interface {
	Table() *plugin.Table
	Metrics() *metrics.System
	UnloadPlugin(ctx context.Context, id string) error
	ReloadPlugin(ctx context.Context, id string) error
}

// PluginStatus describes one plugin.
type PluginStatus struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Version        string                 `json:"version"`
	State          string                 `json:"state"`
	Generation     int                    `json:"generation"`
	Profile        string                 `json:"profile,omitempty"`
	Loaded         bool                   `json:"loaded"`
	LoadedAt       *time.Time             `json:"loadedAt,omitempty"`
	LoadError      string                 `json:"loadError,omitempty"`
	Health         pluginapi.HealthStatus `json:"health"`
	HealthMessage  string                 `json:"healthMessage,omitempty"`
	LoadDurationMs *float64               `json:"loadDurationMs,omitempty"`
	MemoryDelta    *int64                 `json:"memoryDelta,omitempty"`
	Data           map[string]any         `json:"data,omitempty"`
}

// SystemStatus describes every plugin plus aggregate health and metrics.
type SystemStatus struct {
	Total     int                    `json:"total"`
	Loaded    int                    `json:"loaded"`
	Failed    int                    `json:"failed"`
	Health    pluginapi.HealthStatus `json:"health"`
	Plugins   []PluginStatus         `json:"plugins"`
	Metrics   metrics.Snapshot       `json:"metrics"`
	CheckedAt time.Time              `json:"checkedAt"`
}

// OperationResult is the outcome of an unload or reload request.
type OperationResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Service implements the admin operations.
type Service struct {
	host    Host
	checker *health.Checker
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates an admin service. Panics if host or checker is nil.
func NewService(host Host, checker *health.Checker, logger *slog.Logger) *Service {
	if host == nil {
		panic("admin: host cannot be nil")
	}
	if checker == nil {
		panic("admin: health checker cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{host: host, checker: checker, logger: logger, now: time.Now}
}

// SystemStatus checks every plugin and returns the combined status.
func (s *Service) SystemStatus(ctx context.Context) SystemStatus {
	results := s.checker.CheckAll(ctx)
	byID := make(map[string]health.Result, len(results))
	for _, r := range results {
		byID[r.PluginID] = r
	}

	descs := s.host.Table().List()
	status := SystemStatus{
		Total:     len(descs),
		Health:    s.checker.System(),
		Plugins:   make([]PluginStatus, 0, len(descs)),
		Metrics:   s.host.Metrics().Snapshot(),
		CheckedAt: s.now(),
	}
	for _, d := range descs {
		ps := s.describe(d, byID[d.ID])
		if ps.Loaded {
			status.Loaded++
		}
		if ps.LoadError != "" {
			status.Failed++
		}
		status.Plugins = append(status.Plugins, ps)
	}
	return status
}

// PluginStatus returns the status of id, or PLUGIN_NOT_FOUND.
func (s *Service) PluginStatus(ctx context.Context, id string) (*PluginStatus, error) {
	d, ok := s.host.Table().Get(id)
	if !ok {
		return nil, notFound(id)
	}
	ps := s.describe(d, s.checker.Check(ctx, id))
	return &ps, nil
}

func (s *Service) describe(d *plugin.Descriptor, h health.Result) PluginStatus {
	ps := PluginStatus{
		ID:            d.ID,
		Name:          d.Name,
		Version:       d.Version,
		State:         string(d.State),
		Generation:    d.Generation,
		Loaded:        d.State == plugin.StateStarted,
		LoadError:     d.FailureReason,
		Health:        h.Status,
		HealthMessage: h.Message,
		Data:          h.Data,
	}
	if ps.Health == "" {
		ps.Health = pluginapi.HealthUnknown
	}
	if ps.Loaded && !d.LoadedAt.IsZero() {
		at := d.LoadedAt
		ps.LoadedAt = &at
	}
	if load, ok := s.host.Metrics().Latest(d.ID); ok && load.Complete() {
		ps.Profile = load.Profile
		duration := float64(load.Duration()) / float64(time.Millisecond)
		delta := int64(load.MemoryAfter) - int64(load.MemoryBefore) //nolint:gosec // heap sizes fit in int64
		ps.LoadDurationMs = &duration
		ps.MemoryDelta = &delta
	}
	return ps
}

// UnloadPlugin unloads id. Failures are reported in the result.
func (s *Service) UnloadPlugin(ctx context.Context, id string) OperationResult {
	s.logger.Info("admin unload requested", "plugin", id)
	if _, ok := s.host.Table().Get(id); !ok {
		return failure(notFound(id), "plugin not found")
	}
	if err := s.host.UnloadPlugin(ctx, id); err != nil {
		errutil.LogError(s.logger, "admin unload failed", err, "plugin", id)
		return failure(err, "failed to unload: "+err.Error())
	}
	return s.success(id, "plugin unloaded")
}

// ReloadPlugin reloads id. Failures are reported in the result.
func (s *Service) ReloadPlugin(ctx context.Context, id string) OperationResult {
	s.logger.Info("admin reload requested", "plugin", id)
	if err := s.host.ReloadPlugin(ctx, id); err != nil {
		errutil.LogError(s.logger, "admin reload failed", err, "plugin", id)
		return failure(err, "failed to reload: "+err.Error())
	}
	return s.success(id, "plugin reloaded")
}

func (s *Service) success(id, msg string) OperationResult {
	r := OperationResult{Success: true, Message: msg}
	if d, ok := s.host.Table().Get(id); ok {
		r.Data = map[string]any{"state": string(d.State), "generation": d.Generation}
	}
	return r
}

// ExportMetrics renders the load metrics as indented JSON.
func (s *Service) ExportMetrics() ([]byte, error) {
	data, err := json.MarshalIndent(s.host.Metrics().Snapshot(), "", "  ")
	if err != nil {
		return nil, oops.Code("METRICS_EXPORT_FAILED").Wrap(err)
	}
	return data, nil
}

func notFound(id string) error {
	return oops.Code("PLUGIN_NOT_FOUND").With("plugin", id).Errorf("plugin %s not found", id)
}

func failure(err error, msg string) OperationResult {
	return OperationResult{Message: msg, Code: errutil.Code(err)}
}
