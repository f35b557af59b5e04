// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package metrics records plugin load timings and memory use.
package metrics

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// PluginLoad is the record of one load attempt.
type PluginLoad struct {
	PluginID        string    `json:"pluginId"`
	Version         string    `json:"version"`
	Profile         string    `json:"profile"`
	Generation      int       `json:"generation"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt,omitzero"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	DependencyCount int       `json:"dependencyCount"`
	MemoryBefore    uint64    `json:"memoryBefore"`
	MemoryAfter     uint64    `json:"memoryAfter"`
	DurationMs      float64   `json:"durationMs"`
	MemoryDelta     int64     `json:"memoryDelta"`
}

// Complete reports whether the load has ended.
func (p PluginLoad) Complete() bool { return !p.EndedAt.IsZero() }

// Duration is zero until the load completes.
func (p PluginLoad) Duration() time.Duration {
	if !p.Complete() {
		return 0
	}
	return p.EndedAt.Sub(p.StartedAt)
}

// Snapshot is a point-in-time copy of the system metrics.
type Snapshot struct {
	BatchID           string       `json:"batchId"`
	StartedAt         time.Time    `json:"startedAt,omitzero"`
	ReadyAt           time.Time    `json:"readyAt,omitzero"`
	TotalLoadTimeMs   float64      `json:"totalLoadTimeMs"`
	Attempted         int          `json:"attempted"`
	Loaded            int          `json:"loaded"`
	Failed            int          `json:"failed"`
	SuccessRate       float64      `json:"successRate"`
	AverageLoadTimeMs float64      `json:"averageLoadTimeMs"`
	TotalMemoryDelta  int64        `json:"totalMemoryDelta"`
	Plugins           []PluginLoad `json:"plugins"`
}

// Recording is the handle returned by StartLoad.
type Recording struct {
	index int
}

// Option configures a System.
type Option func(*System)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *System) { s.now = now }
}

// WithMemoryReader overrides the heap sampler.
func WithMemoryReader(read func() uint64) Option {
	return func(s *System) { s.readMem = read }
}

// WithCollectors mirrors completed loads into Prometheus collectors.
func WithCollectors(c *Collectors) Option {
	return func(s *System) { s.collectors = c }
}

// System aggregates load records across batches.
type System struct {
	mu         sync.Mutex
	batchID    ulid.ULID
	startedAt  time.Time
	readyAt    time.Time
	loads      []PluginLoad
	now        func() time.Time
	readMem    func() uint64
	collectors *Collectors
}

// NewSystem creates an empty metrics system.
func NewSystem(opts ...Option) *System {
	s := &System{now: time.Now, readMem: heapAlloc}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// StartBatch marks the start of a DiscoverAndLoad batch and returns its id.
func (s *System) StartBatch() ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchID = ulid.Make()
	s.startedAt = s.now()
	s.readyAt = time.Time{}
	return s.batchID
}

// CompleteBatch marks the batch as done.
func (s *System) CompleteBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyAt = s.now()
}

// BatchID returns the current batch id, zero before the first batch.
func (s *System) BatchID() ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchID
}

// StartLoad samples the heap and opens a record for one plugin.
func (s *System) StartLoad(id, version, profile string, generation, dependencies int) Recording {
	before := s.readMem()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, PluginLoad{
		PluginID:        id,
		Version:         version,
		Profile:         profile,
		Generation:      generation,
		StartedAt:       s.now(),
		DependencyCount: dependencies,
		MemoryBefore:    before,
	})
	return Recording{index: len(s.loads) - 1}
}

// CompleteLoad closes the record. A nil err marks success.
func (s *System) CompleteLoad(r Recording, err error) {
	after := s.readMem()
	s.mu.Lock()
	load := &s.loads[r.index]
	load.EndedAt = s.now()
	load.MemoryAfter = after
	load.Success = err == nil
	if err != nil {
		load.Error = err.Error()
	}
	done := *load
	s.mu.Unlock()

	if s.collectors != nil {
		s.collectors.ObserveLoad(done.Duration(), done.Success)
	}
}

// Latest returns the most recent record for id.
func (s *System) Latest(id string) (PluginLoad, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.loads) - 1; i >= 0; i-- {
		if s.loads[i].PluginID == id {
			return finish(s.loads[i]), true
		}
	}
	return PluginLoad{}, false
}

// Snapshot computes the derived totals.
func (s *System) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		StartedAt: s.startedAt,
		ReadyAt:   s.readyAt,
		Plugins:   make([]PluginLoad, 0, len(s.loads)),
	}
	if s.batchID != (ulid.ULID{}) {
		snap.BatchID = s.batchID.String()
	}
	if !s.readyAt.IsZero() {
		snap.TotalLoadTimeMs = ms(s.readyAt.Sub(s.startedAt))
	}

	var successTime time.Duration
	for _, l := range s.loads {
		l = finish(l)
		snap.Plugins = append(snap.Plugins, l)
		snap.Attempted++
		if l.Success {
			snap.Loaded++
			successTime += l.Duration()
		} else {
			snap.Failed++
		}
		snap.TotalMemoryDelta += l.MemoryDelta
	}
	if snap.Attempted > 0 {
		snap.SuccessRate = float64(snap.Loaded) / float64(snap.Attempted) * 100
	}
	if snap.Loaded > 0 {
		snap.AverageLoadTimeMs = ms(successTime) / float64(snap.Loaded)
	}
	return snap
}

func finish(l PluginLoad) PluginLoad {
	if l.Complete() {
		l.DurationMs = ms(l.Duration())
		l.MemoryDelta = int64(l.MemoryAfter) - int64(l.MemoryBefore) //nolint:gosec // heap sizes fit in int64
	}
	return l
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Summary renders the snapshot for logs and the CLI.
func (s *System) Summary() string {
	return s.Snapshot().String()
}

func (snap Snapshot) String() string {
	var b strings.Builder
	b.WriteString("=== Plugin System Metrics ===\n")
	if snap.BatchID != "" {
		fmt.Fprintf(&b, "Batch: %s\n", snap.BatchID)
	}
	fmt.Fprintf(&b, "Total Load Time: %.2fs\n", snap.TotalLoadTimeMs/1000)
	fmt.Fprintf(&b, "Plugins Attempted: %d\n", snap.Attempted)
	fmt.Fprintf(&b, "Plugins Loaded: %d\n", snap.Loaded)
	fmt.Fprintf(&b, "Plugins Failed: %d\n", snap.Failed)
	fmt.Fprintf(&b, "Success Rate: %.1f%%\n", snap.SuccessRate)
	fmt.Fprintf(&b, "Total Memory: %.2f MB\n", float64(snap.TotalMemoryDelta)/1024/1024)
	fmt.Fprintf(&b, "Average Load Time: %.0fms\n", snap.AverageLoadTimeMs)

	if len(snap.Plugins) > 0 {
		b.WriteString("\n=== Per-Plugin Metrics ===\n")
		for _, p := range snap.Plugins {
			status := "ok"
			if !p.Success {
				status = "FAILED"
			}
			fmt.Fprintf(&b, "[%s] %s %s (%s)\n", status, p.PluginID, p.Version, p.Profile)
			fmt.Fprintf(&b, "   Load Time: %.0fms\n", p.DurationMs)
			fmt.Fprintf(&b, "   Memory: %.0f KB\n", float64(p.MemoryDelta)/1024)
			if !p.Success && p.Error != "" {
				fmt.Fprintf(&b, "   Error: %s\n", p.Error)
			}
		}
	}
	return b.String()
}
