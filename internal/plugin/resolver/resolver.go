// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package resolver orders plugins by their hard dependencies.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/oops"

	"github.com/lablabbean/pluginhost/internal/plugin"
)

// ErrCycle matches any *CycleError.
var ErrCycle = errors.New("circular plugin dependencies")

// CycleError lists the dependency cycles found among loadable plugins. Each
// cycle is a path that starts and ends with the same id.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = strings.Join(c, " -> ")
	}
	return "circular dependencies detected: " + strings.Join(parts, ", ")
}

// Is makes errors.Is(err, ErrCycle) succeed.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// Result is a resolved load plan.
type Result struct {
	// LoadOrder lists loadable plugin ids, dependencies first.
	LoadOrder []string
	// Excluded holds ids that must not be loaded.
	Excluded map[string]struct{}
	// FailureReasons explains every excluded id.
	FailureReasons map[string]string
	// MissingOptional lists absent soft dependencies per plugin.
	MissingOptional map[string][]string
	// VersionWarnings lists dependencies present at a version outside the
	// declared constraint.
	VersionWarnings map[string][]string
}

// IsExcluded reports whether id was excluded.
func (r *Result) IsExcluded(id string) bool {
	_, ok := r.Excluded[id]
	return ok
}

// Resolver computes load plans.
type Resolver struct {
	logger *slog.Logger
}

// New creates a resolver. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve excludes plugins whose hard dependencies are absent (directly or
// through another excluded plugin) and orders the rest with Kahn's algorithm.
// Ties are broken by input order. Cycles among the loadable plugins are an
// error and no plan is returned.
func (r *Resolver) Resolve(manifests []*plugin.Manifest) (*Result, error) {
	res := &Result{
		Excluded:        make(map[string]struct{}),
		FailureReasons:  make(map[string]string),
		MissingOptional: make(map[string][]string),
		VersionWarnings: make(map[string][]string),
	}

	byID := make(map[string]*plugin.Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.ID] = m
	}

	for _, m := range manifests {
		var missingOpt []string
		for _, dep := range m.Dependencies {
			target, present := byID[dep.ID]
			if !present {
				if dep.Optional {
					missingOpt = append(missingOpt, dep.ID)
				}
				continue
			}
			r.checkVersion(res, m, dep, target)
		}
		if len(missingOpt) > 0 {
			res.MissingOptional[m.ID] = missingOpt
			r.logger.Warn("plugin has missing soft dependencies",
				"plugin", m.ID,
				"missing", strings.Join(missingOpt, ", "))
		}
	}

	// Exclusion cascades: a plugin whose hard dependency is absent or
	// excluded cannot load either.
	for changed := true; changed; {
		changed = false
		for _, m := range manifests {
			if res.IsExcluded(m.ID) {
				continue
			}
			var missing []string
			for _, dep := range m.RequiredDependencies() {
				if _, present := byID[dep]; !present || res.IsExcluded(dep) {
					missing = append(missing, dep)
				}
			}
			if len(missing) == 0 {
				continue
			}
			list := strings.Join(missing, ", ")
			res.Excluded[m.ID] = struct{}{}
			res.FailureReasons[m.ID] = "Missing hard dependencies: " + list
			r.logger.Error("plugin excluded: missing hard dependencies",
				"plugin", m.ID,
				"missing", list)
			changed = true
		}
	}

	loadable := make([]*plugin.Manifest, 0, len(manifests))
	for _, m := range manifests {
		if !res.IsExcluded(m.ID) {
			loadable = append(loadable, m)
		}
	}
	if len(loadable) == 0 {
		return res, nil
	}

	order := topologicalSort(loadable)
	if len(order) != len(loadable) {
		cycles := detectCycles(loadable)
		cerr := &CycleError{Cycles: cycles}
		return nil, oops.Code("DEPENDENCY_CYCLE").
			In("resolver").
			With("cycles", cycles).
			Hint("remove one dependency from each listed cycle").
			Wrap(cerr)
	}

	res.LoadOrder = order
	return res, nil
}

func (r *Resolver) checkVersion(res *Result, m *plugin.Manifest, dep plugin.Dependency, target *plugin.Manifest) {
	ok, err := dep.SatisfiedBy(target.Version)
	if err != nil || ok {
		return
	}
	msg := fmt.Sprintf("%s %s does not satisfy %s", dep.ID, target.Version, dep.Version)
	res.VersionWarnings[m.ID] = append(res.VersionWarnings[m.ID], msg)
	r.logger.Warn("dependency version outside constraint",
		"plugin", m.ID,
		"dependency", dep.ID,
		"version", target.Version,
		"constraint", dep.Version)
}

// topologicalSort runs Kahn's algorithm over hard edges between manifests.
// The queue is FIFO and seeded in input order, so the output is
// deterministic.
func topologicalSort(manifests []*plugin.Manifest) []string {
	inDegree := make(map[string]int, len(manifests))
	dependents := make(map[string][]string, len(manifests))
	for _, m := range manifests {
		inDegree[m.ID] = 0
	}
	for _, m := range manifests {
		for _, dep := range m.RequiredDependencies() {
			if _, ok := inDegree[dep]; ok {
				dependents[dep] = append(dependents[dep], m.ID)
				inDegree[m.ID]++
			}
		}
	}

	queue := make([]string, 0, len(manifests))
	for _, m := range manifests {
		if inDegree[m.ID] == 0 {
			queue = append(queue, m.ID)
		}
	}

	sorted := make([]string, 0, len(manifests))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		sorted = append(sorted, cur)
		for _, next := range dependents[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return sorted
}

// detectCycles walks hard edges depth first and records every back edge as a
// cycle path.
func detectCycles(manifests []*plugin.Manifest) [][]string {
	byID := make(map[string]*plugin.Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.ID] = m
	}

	var (
		cycles  [][]string
		visited = make(map[string]bool)
		onStack = make(map[string]bool)
		path    []string
	)

	var dfs func(id string)
	dfs = func(id string) {
		if onStack[id] {
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), id)
			cycles = append(cycles, cycle)
			return
		}
		if visited[id] {
			return
		}
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range byID[id].RequiredDependencies() {
			if _, ok := byID[dep]; ok {
				dfs(dep)
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
	}

	for _, m := range manifests {
		if !visited[m.ID] {
			dfs(m.ID)
		}
	}
	return cycles
}
