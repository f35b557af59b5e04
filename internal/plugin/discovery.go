// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package plugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// Discovered is a manifest found on disk together with its directory.
type Discovered struct {
	Manifest *Manifest
	Dir      string
	Path     string
}

// Problem is a plugin directory that was skipped during discovery.
type Problem struct {
	Dir string
	Err error
}

// DiscoveryResult is the outcome of scanning the search paths.
type DiscoveryResult struct {
	Plugins  []*Discovered
	Problems []Problem
}

// Manifests returns the discovered manifests in discovery order.
func (r *DiscoveryResult) Manifests() []*Manifest {
	out := make([]*Manifest, len(r.Plugins))
	for i, p := range r.Plugins {
		out[i] = p.Manifest
	}
	return out
}

// ByID returns the discovered plugin with id.
func (r *DiscoveryResult) ByID(id string) (*Discovered, bool) {
	for _, p := range r.Plugins {
		if p.Manifest.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Discover scans paths in order. A path that holds a manifest is a plugin
// directory; otherwise each immediate subdirectory (and each directory under
// a nested "plugins" folder) is checked. Invalid manifests and duplicate ids
// are logged, reported as problems and skipped; the first occurrence of an id
// wins.
func Discover(ctx context.Context, paths []string, logger *slog.Logger) (*DiscoveryResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &discovery{
		logger: logger,
		seen:   make(map[string]string),
		result: &DiscoveryResult{},
	}

	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return d.result, oops.In("discovery").Wrap(err)
		}
		d.scanRoot(root)
	}
	return d.result, nil
}

type discovery struct {
	logger *slog.Logger
	seen   map[string]string
	result *DiscoveryResult
}

func (d *discovery) scanRoot(root string) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.logger.Debug("plugin path does not exist", "path", root)
			return
		}
		d.problem(root, oops.With("path", root).Wrapf(err, "cannot read plugin path"))
		return
	}
	if !info.IsDir() {
		d.problem(root, oops.With("path", root).Errorf("plugin path is not a directory"))
		return
	}

	if manifestPath(root) != "" {
		d.load(root)
		return
	}

	for _, dir := range subdirs(root) {
		if manifestPath(dir) != "" {
			d.load(dir)
			continue
		}
		for _, nested := range subdirs(filepath.Join(dir, "plugins")) {
			if manifestPath(nested) != "" {
				d.load(nested)
			}
		}
	}
}

func (d *discovery) load(dir string) {
	path := manifestPath(dir)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from directory entries under configured search paths
	if err != nil {
		d.problem(dir, oops.With("manifest", path).Wrapf(err, "read manifest"))
		return
	}

	m, err := ParseManifest(data)
	if err != nil {
		d.logger.Warn("skipping plugin with invalid manifest", "dir", dir, "error", err)
		d.result.Problems = append(d.result.Problems, Problem{Dir: dir, Err: err})
		return
	}

	if first, dup := d.seen[m.ID]; dup {
		err := oops.Code("DUPLICATE_PLUGIN_ID").
			With("plugin", m.ID).
			With("first", first).
			With("duplicate", dir).
			Errorf("plugin id %s already discovered in %s", m.ID, first)
		d.logger.Error("skipping duplicate plugin id", "plugin", m.ID, "dir", dir, "first", first)
		d.result.Problems = append(d.result.Problems, Problem{Dir: dir, Err: err})
		return
	}
	d.seen[m.ID] = dir

	d.logger.Debug("discovered plugin", "plugin", m.ID, "version", m.Version, "dir", dir)
	d.result.Plugins = append(d.result.Plugins, &Discovered{Manifest: m, Dir: dir, Path: path})
}

func (d *discovery) problem(dir string, err error) {
	d.logger.Warn("skipping plugin path", "dir", dir, "error", err)
	d.result.Problems = append(d.result.Problems, Problem{Dir: dir, Err: err})
}

// manifestPath returns the manifest file in dir, or "" if there is none.
func manifestPath(dir string) string {
	for _, name := range []string{ManifestFileYAML, ManifestFileJSON} {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// subdirs lists the immediate subdirectories of dir in name order.
func subdirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}
