// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/lablabbean/pluginhost/internal/config"
)

const serviceName = "pluginhost"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Plugin host with dependency ordering and hot reload",
		Long: `pluginhost discovers plugins from search paths, orders them by their
dependencies, and runs them in isolated native, Lua or binary contexts.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file path (default: XDG_CONFIG_HOME/pluginhost/config.yaml)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHashTokenCmd())
	return cmd
}

// loadConfig reads the config file named by --config, overridden by any
// host flags cmd registered with config.RegisterFlags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err //nolint:wrapcheck // flag lookup errors are programming errors
	}
	return config.Load(path, cmd.Flags())
}
