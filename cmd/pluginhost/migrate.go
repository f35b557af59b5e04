// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package main

import (
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/lablabbean/pluginhost/internal/audit"
)

// migrationRunner is the part of audit.Migrator the migrate command uses.
type migrationRunner interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Force(version int) error
	Pending() ([]uint, error)
	Close() error
}

// newMigrator is replaced in tests.
var newMigrator = func(databaseURL string) (migrationRunner, error) {
	return audit.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the audit database schema",
		Long: `Apply or roll back the audit store migrations. The database URL comes
from --database-url, audit.database_url or DATABASE_URL.`,
	}
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL URL of the audit store")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m migrationRunner, _ []string) error {
			if err := m.Up(); err != nil {
				return oops.Code("MIGRATION_FAILED").With("direction", "up").Wrap(err)
			}
			return printVersion(cmd, m)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m migrationRunner, _ []string) error {
			if err := m.Down(); err != nil {
				return oops.Code("MIGRATION_FAILED").With("direction", "down").Wrap(err)
			}
			cmd.Println("All migrations rolled back")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m migrationRunner, _ []string) error {
			if err := printVersion(cmd, m); err != nil {
				return err
			}
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				cmd.Println("No pending migrations")
				return nil
			}
			parts := make([]string, len(pending))
			for i, v := range pending {
				parts[i] = strconv.FormatUint(uint64(v), 10)
			}
			cmd.Printf("Pending: %s\n", strings.Join(parts, ", "))
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Mark the schema as VERSION without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m migrationRunner, args []string) error {
			v, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			if err := m.Force(v); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})
	return cmd
}

func withMigrator(fn func(*cobra.Command, migrationRunner, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Audit.DatabaseURL == "" {
			return oops.Code("CONFIG_INVALID").
				Hint("set --database-url, audit.database_url or DATABASE_URL").
				Errorf("no audit database configured")
		}
		m, err := newMigrator(cfg.Audit.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := m.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
		return fn(cmd, m, args)
	}
}

func printVersion(cmd *cobra.Command, m migrationRunner) error {
	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if v == 0 {
		cmd.Println("Schema version: none")
		return nil
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	cmd.Printf("Schema version: %d%s\n", v, suffix)
	return nil
}

// parseForceVersion accepts a non-negative integer.
func parseForceVersion(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 0 {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be a non-negative integer, got %q", s)
	}
	return v, nil
}
