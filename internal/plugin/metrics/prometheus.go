// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lablabbean/pluginhost/internal/plugin"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collectors are the Prometheus metrics exported for plugin loading.
type Collectors struct {
	LoadDuration *prometheus.HistogramVec
	LoadsTotal   *prometheus.CounterVec
	Plugins      *prometheus.GaugeVec
}

// NewCollectors creates and registers the plugin collectors.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		LoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pluginhost_plugin_load_duration_seconds",
				Help:    "Time to open, initialize and start a plugin",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"result"},
		),
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_plugin_loads_total",
				Help: "Total number of plugin load attempts by result",
			},
			[]string{"result"},
		),
		Plugins: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pluginhost_plugins",
				Help: "Number of plugin descriptors by lifecycle state",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(c.LoadDuration)
	reg.MustRegister(c.LoadsTotal)
	reg.MustRegister(c.Plugins)
	return c
}

// ObserveLoad records one completed load.
func (c *Collectors) ObserveLoad(d time.Duration, success bool) {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	c.LoadDuration.WithLabelValues(result).Observe(d.Seconds())
	c.LoadsTotal.WithLabelValues(result).Inc()
}

// SetStates publishes descriptor counts, zeroing states that have none.
func (c *Collectors) SetStates(counts map[plugin.State]int) {
	for _, s := range plugin.States() {
		c.Plugins.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// StateObserver returns a descriptor table observer that republishes the
// state gauges after every transition.
func (c *Collectors) StateObserver(counts func() map[plugin.State]int) func(plugin.Transition) {
	return func(plugin.Transition) { c.SetStates(counts()) }
}
