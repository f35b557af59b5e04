// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package plugin_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablabbean/pluginhost/internal/plugin"
)

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	mkdirAll(t, filepath.Dir(path))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func manifestYAML(id string) string {
	return "id: " + id + "\nversion: 1.0.0\nentryPoint:\n  locator: builtin\n  typeName: " + id + "\n"
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDiscover_Subdirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b", "plugin.yaml"), manifestYAML("b"))
	writeFile(t, filepath.Join(root, "a", "plugin.json"), `{"id":"a","version":"1.0.0","entryPoint":{"locator":"x","typeName":"y"}}`)
	mkdirAll(t, filepath.Join(root, "empty"))
	writeFile(t, filepath.Join(root, "notes.txt"), "not a plugin")

	res, err := plugin.Discover(context.Background(), []string{root}, quiet)
	require.NoError(t, err)

	require.Len(t, res.Plugins, 2)
	assert.Equal(t, "a", res.Plugins[0].Manifest.ID)
	assert.Equal(t, "b", res.Plugins[1].Manifest.ID)
	assert.Equal(t, filepath.Join(root, "a"), res.Plugins[0].Dir)
	assert.Empty(t, res.Problems)
}

func TestDiscover_PathIsPluginDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "solo")
	writeFile(t, filepath.Join(dir, "plugin.yaml"), manifestYAML("solo"))

	res, err := plugin.Discover(context.Background(), []string{dir}, quiet)
	require.NoError(t, err)
	require.Len(t, res.Plugins, 1)
	assert.Equal(t, "solo", res.Plugins[0].Manifest.ID)
}

func TestDiscover_NestedPluginsFolder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bundle", "plugins", "inner", "plugin.yaml"), manifestYAML("inner"))

	res, err := plugin.Discover(context.Background(), []string{root}, quiet)
	require.NoError(t, err)
	require.Len(t, res.Plugins, 1)
	assert.Equal(t, "inner", res.Plugins[0].Manifest.ID)
}

func TestDiscover_InvalidAndDuplicate(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, filepath.Join(first, "core", "plugin.yaml"), manifestYAML("core"))
	writeFile(t, filepath.Join(first, "broken", "plugin.yaml"), "id: [")
	writeFile(t, filepath.Join(second, "core-copy", "plugin.yaml"), manifestYAML("core"))

	res, err := plugin.Discover(context.Background(), []string{first, second, filepath.Join(first, "missing")}, quiet)
	require.NoError(t, err)

	require.Len(t, res.Plugins, 1)
	assert.Equal(t, filepath.Join(first, "core"), res.Plugins[0].Dir, "first occurrence wins")
	require.Len(t, res.Problems, 2)

	_, ok := res.ByID("core")
	assert.True(t, ok)
	assert.Len(t, res.Manifests(), 1)
}

func TestDiscover_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := plugin.Discover(ctx, []string{t.TempDir()}, quiet)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
