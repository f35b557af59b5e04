// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package resolver_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/resolver"
	"github.com/lablabbean/pluginhost/pkg/errutil"
)

func newResolver() *resolver.Resolver {
	return resolver.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func manifest(id string, deps ...plugin.Dependency) *plugin.Manifest {
	return &plugin.Manifest{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		Runtime:      plugin.KindNative,
		Dependencies: deps,
		EntryPoint:   &plugin.EntryPoint{Locator: "test", TypeName: id},
	}
}

func hard(id string) plugin.Dependency { return plugin.Dependency{ID: id} }
func soft(id string) plugin.Dependency { return plugin.Dependency{ID: id, Optional: true} }

func TestResolve_OrdersDependenciesFirst(t *testing.T) {
	res, err := newResolver().Resolve([]*plugin.Manifest{
		manifest("ui", hard("core"), hard("themes")),
		manifest("themes", hard("core")),
		manifest("core"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "themes", "ui"}, res.LoadOrder)
	assert.Empty(t, res.Excluded)
}

func TestResolve_TieBreakIsInputOrder(t *testing.T) {
	res, err := newResolver().Resolve([]*plugin.Manifest{
		manifest("c"), manifest("a"), manifest("b"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, res.LoadOrder)
}

func TestResolve_MissingHardDependencyExcludes(t *testing.T) {
	res, err := newResolver().Resolve([]*plugin.Manifest{
		manifest("a", hard("x"), hard("y")),
		manifest("b"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, res.LoadOrder)
	assert.True(t, res.IsExcluded("a"))
	assert.Equal(t, "Missing hard dependencies: x, y", res.FailureReasons["a"])
}

func TestResolve_ExclusionCascades(t *testing.T) {
	res, err := newResolver().Resolve([]*plugin.Manifest{
		manifest("top", hard("mid")),
		manifest("mid", hard("gone")),
		manifest("free"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"free"}, res.LoadOrder)
	assert.Equal(t, "Missing hard dependencies: gone", res.FailureReasons["mid"])
	assert.Equal(t, "Missing hard dependencies: mid", res.FailureReasons["top"])
}

func TestResolve_MissingSoftDependencyWarnsOnly(t *testing.T) {
	res, err := newResolver().Resolve([]*plugin.Manifest{
		manifest("a", soft("maybe")),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, res.LoadOrder)
	assert.Equal(t, []string{"maybe"}, res.MissingOptional["a"])
}

func TestResolve_SoftEdgesDoNotOrder(t *testing.T) {
	res, err := newResolver().Resolve([]*plugin.Manifest{
		manifest("a", soft("b")),
		manifest("b", soft("a")),
	})
	require.NoError(t, err, "soft cycles are not cycles")
	assert.Equal(t, []string{"a", "b"}, res.LoadOrder)
}

func TestResolve_VersionMismatchWarnsOnly(t *testing.T) {
	res, err := newResolver().Resolve([]*plugin.Manifest{
		manifest("core"),
		manifest("ui", plugin.Dependency{ID: "core", Version: ">= 2.0"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "ui"}, res.LoadOrder)
	assert.Len(t, res.VersionWarnings["ui"], 1)
}

func TestResolve_CycleIsFatal(t *testing.T) {
	res, err := newResolver().Resolve([]*plugin.Manifest{
		manifest("a", hard("b")),
		manifest("b", hard("a")),
		manifest("c"),
	})
	require.Error(t, err)
	assert.Nil(t, res)
	errutil.AssertErrorCode(t, err, "DEPENDENCY_CYCLE")
	assert.True(t, errors.Is(err, resolver.ErrCycle))

	var cerr *resolver.CycleError
	require.True(t, errors.As(err, &cerr))
	require.Len(t, cerr.Cycles, 1)
	assert.Contains(t, cerr.Cycles[0], "a")
	assert.Contains(t, cerr.Cycles[0], "b")
	assert.Equal(t, cerr.Cycles[0][0], cerr.Cycles[0][len(cerr.Cycles[0])-1])
}

func TestResolve_Empty(t *testing.T) {
	res, err := newResolver().Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, res.LoadOrder)
}

// Every dependency precedes its dependent in the load order for any DAG.
func TestResolve_PropertyTopologicalOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(rt, "n")
		perm := rapid.Permutation(makeRange(n)).Draw(rt, "perm")

		// Edges only point from later to earlier positions in a random
		// ranking, which guarantees acyclicity.
		manifests := make([]*plugin.Manifest, n)
		for i := 0; i < n; i++ {
			var deps []plugin.Dependency
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(rt, fmt.Sprintf("edge_%d_%d", i, j)) {
					deps = append(deps, hard(id(j)))
				}
			}
			manifests[perm[i]] = manifest(id(i), deps...)
		}

		res, err := newResolver().Resolve(manifests)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if len(res.LoadOrder) != n {
			rt.Fatalf("load order has %d entries, want %d", len(res.LoadOrder), n)
		}

		pos := make(map[string]int, n)
		for i, id := range res.LoadOrder {
			pos[id] = i
		}
		for _, m := range manifests {
			for _, dep := range m.RequiredDependencies() {
				if pos[dep] >= pos[m.ID] {
					rt.Fatalf("%s loaded before its dependency %s", m.ID, dep)
				}
			}
		}
	})
}

func makeRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func id(i int) string { return fmt.Sprintf("p%02d", i) }
