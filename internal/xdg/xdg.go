// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package xdg provides XDG Base Directory paths for pluginhost.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "pluginhost"

// ConfigFileName is the name of the host configuration file inside ConfigDir.
const ConfigFileName = "config.yaml"

func dir(env string, fallback ...string) string {
	base := os.Getenv(env)
	if base == "" {
		base = filepath.Join(append([]string{os.Getenv("HOME")}, fallback...)...)
	}
	return filepath.Join(base, appName)
}

// ConfigDir checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string { return dir("XDG_CONFIG_HOME", ".config") }

// DataDir checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() string { return dir("XDG_DATA_HOME", ".local", "share") }

// StateDir checks XDG_STATE_HOME first, falls back to ~/.local/state.
func StateDir() string { return dir("XDG_STATE_HOME", ".local", "state") }

// ConfigFile returns the default host configuration file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), ConfigFileName)
}

// PluginsDir is the plugin search path used when none is configured.
func PluginsDir() string {
	return filepath.Join(DataDir(), "plugins")
}

// EnsureDir creates path and its parents with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.Code("DIR_CREATE_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
