// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/lablabbean/pluginhost/internal/builtin"
	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/loader"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Check plugins without loading them",
		Long: `Discover plugins, validate every manifest against the schema, apply the
capability policy and resolve dependencies. Prints the load order and every
exclusion. Fails on invalid manifests and dependency cycles.

Paths default to plugins.paths from the config file.`,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	lcfg := cfg.LoaderConfig()
	if len(args) > 0 {
		lcfg.Paths = loader.ResolvePaths(args, "")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	found, err := plugin.Discover(cmd.Context(), lcfg.Paths, logger)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	invalid := len(found.Problems)
	for _, p := range found.Problems {
		fmt.Fprintf(out, "invalid  %s: %s\n", p.Dir, plugin.FormatSchemaError(p.Err))
	}
	for _, d := range found.Plugins {
		if err := validateSchema(d); err != nil {
			invalid++
			fmt.Fprintf(out, "invalid  %s: %s\n", d.Path, plugin.FormatSchemaError(err))
		}
	}

	l, err := loader.New(lcfg, loader.WithLogger(logger))
	if err != nil {
		return err
	}
	discovered := builtin.Discovered()
	for _, d := range found.Plugins {
		if !slices.ContainsFunc(discovered, func(b *plugin.Discovered) bool { return b.Manifest.ID == d.Manifest.ID }) {
			discovered = append(discovered, d)
		}
	}
	plan, err := l.Plan(discovered)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "load order (%d):\n", len(plan.Order))
	for i, d := range plan.Order {
		fmt.Fprintf(out, "  %2d. %s %s%s\n", i+1, d.Manifest.ID, d.Manifest.Version, origin(d))
	}
	if len(plan.Excluded) > 0 {
		fmt.Fprintf(out, "excluded (%d):\n", len(plan.Excluded))
		for _, ex := range plan.Excluded {
			fmt.Fprintf(out, "  %s: %s\n", ex.Plugin.Manifest.ID, ex.Reason)
		}
	}
	printWarnings(out, "missing optional dependencies", plan.Resolution.MissingOptional)
	printWarnings(out, "version warnings", plan.Resolution.VersionWarnings)

	if invalid > 0 {
		return oops.Code("MANIFEST_INVALID").Errorf("%d invalid manifest(s)", invalid)
	}
	return nil
}

func validateSchema(d *plugin.Discovered) error {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return oops.With("manifest", d.Path).Wrap(err)
	}
	return plugin.ValidateSchema(data)
}

func origin(d *plugin.Discovered) string {
	if d.Dir == "" {
		return " (built-in)"
	}
	return "  " + d.Dir
}

func printWarnings(out io.Writer, title string, byPlugin map[string][]string) {
	if len(byPlugin) == 0 {
		return
	}
	ids := make([]string, 0, len(byPlugin))
	for id := range byPlugin {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(out, "%s:\n", title)
	for _, id := range ids {
		fmt.Fprintf(out, "  %s: %s\n", id, strings.Join(slices.Compact(byPlugin[id]), ", "))
	}
}
