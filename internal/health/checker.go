// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package health derives plugin and system health from the descriptor table.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lablabbean/pluginhost/internal/plugin"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// InstanceSource returns the running instance of a plugin. The loader
// implements it.
type InstanceSource interface {
	Instance(id string) (pluginapi.Plugin, bool)
}

// Result is the outcome of one plugin check.
type Result struct {
	PluginID  string                 `json:"pluginId"`
	Status    pluginapi.HealthStatus `json:"status"`
	Message   string                 `json:"message,omitempty"`
	CheckedAt time.Time              `json:"checkedAt"`
	Data      map[string]any         `json:"data,omitempty"`
}

// Checker evaluates plugin health and remembers the last result per plugin.
type Checker struct {
	table     *plugin.Table
	instances InstanceSource
	now       func() time.Time

	mu   sync.Mutex
	last map[string]Result
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker creates a checker over table. instances may be nil, in which
// case started plugins are always healthy.
func NewChecker(table *plugin.Table, instances InstanceSource, opts ...Option) *Checker {
	c := &Checker{
		table:     table,
		instances: instances,
		now:       time.Now,
		last:      make(map[string]Result),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckAll checks every known plugin in registration order.
func (c *Checker) CheckAll(ctx context.Context) []Result {
	descs := c.table.List()
	results := make([]Result, 0, len(descs))
	for _, d := range descs {
		results = append(results, c.evaluate(ctx, d))
	}
	c.mu.Lock()
	for _, r := range results {
		c.last[r.PluginID] = r
	}
	c.mu.Unlock()
	return results
}

// Check checks a single plugin. An unknown id is unhealthy.
func (c *Checker) Check(ctx context.Context, id string) Result {
	var r Result
	if d, ok := c.table.Get(id); ok {
		r = c.evaluate(ctx, d)
	} else {
		r = Result{
			PluginID:  id,
			Status:    pluginapi.HealthUnhealthy,
			Message:   "plugin not found",
			CheckedAt: c.now(),
		}
	}
	c.mu.Lock()
	c.last[id] = r
	c.mu.Unlock()
	return r
}

// Last returns the most recent result for id.
func (c *Checker) Last(id string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.last[id]
	return r, ok
}

// System aggregates the most recent results. It is Unknown until something
// has been checked.
func (c *Checker) System() pluginapi.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	statuses := make([]pluginapi.HealthStatus, 0, len(c.last))
	for _, r := range c.last {
		statuses = append(statuses, r.Status)
	}
	return Aggregate(statuses)
}

// Aggregate folds plugin statuses into a system status: any Unhealthy wins,
// then any Degraded; all Healthy is Healthy; anything else, including no
// statuses at all, is Unknown.
func Aggregate(statuses []pluginapi.HealthStatus) pluginapi.HealthStatus {
	if len(statuses) == 0 {
		return pluginapi.HealthUnknown
	}
	healthy := 0
	degraded := false
	for _, s := range statuses {
		switch s {
		case pluginapi.HealthUnhealthy:
			return pluginapi.HealthUnhealthy
		case pluginapi.HealthDegraded:
			degraded = true
		case pluginapi.HealthHealthy:
			healthy++
		}
	}
	if degraded {
		return pluginapi.HealthDegraded
	}
	if healthy == len(statuses) {
		return pluginapi.HealthHealthy
	}
	return pluginapi.HealthUnknown
}

func (c *Checker) evaluate(ctx context.Context, d *plugin.Descriptor) Result {
	r := Result{
		PluginID:  d.ID,
		CheckedAt: c.now(),
		Data: map[string]any{
			"version":    d.Version,
			"state":      string(d.State),
			"generation": d.Generation,
		},
	}
	if !d.LoadedAt.IsZero() {
		r.Data["loadedAt"] = d.LoadedAt
	}

	switch {
	case d.FailureReason != "":
		r.Status = pluginapi.HealthUnhealthy
		r.Message = "load error: " + d.FailureReason
	case d.State == plugin.StateStarted:
		r.Status, r.Message = c.report(ctx, d.ID)
	default:
		r.Status = pluginapi.HealthUnknown
		r.Message = "plugin is " + string(d.State)
	}
	return r
}

// report asks the plugin itself when it implements HealthReporter. A
// panicking reporter is unhealthy.
func (c *Checker) report(ctx context.Context, id string) (status pluginapi.HealthStatus, msg string) {
	if c.instances == nil {
		return pluginapi.HealthHealthy, "plugin is running"
	}
	inst, ok := c.instances.Instance(id)
	if !ok {
		return pluginapi.HealthUnknown, "plugin has no running instance"
	}
	reporter, ok := inst.(pluginapi.HealthReporter)
	if !ok {
		return pluginapi.HealthHealthy, "plugin is running"
	}

	defer func() {
		if r := recover(); r != nil {
			status = pluginapi.HealthUnhealthy
			msg = fmt.Sprintf("health check panicked: %v", r)
		}
	}()
	status, msg = reporter.Health(ctx)
	switch status {
	case pluginapi.HealthHealthy, pluginapi.HealthDegraded, pluginapi.HealthUnhealthy:
	default:
		status = pluginapi.HealthUnknown
	}
	return status, msg
}
