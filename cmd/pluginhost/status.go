// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/lablabbean/pluginhost/internal/admin"
	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// tokenEnv names the environment variable holding the admin bearer token.
const tokenEnv = "PLUGINHOST_ADMIN_TOKEN"

// statusConfig holds configuration for the status command.
type statusConfig struct {
	addr       string
	jsonOutput bool
	timeout    time.Duration
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status [plugin-id]",
		Short: "Show the status of a running host",
		Long: `Query the admin endpoint of a running host and print every plugin,
or a single plugin when an id is given. The bearer token is read from
` + tokenEnv + `.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, cfg, args)
		},
	}

	cmd.Flags().StringVar(&cfg.addr, "addr", "", "admin address (default: observability.addr from config)")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", admin.DefaultClientTimeout, "request timeout")
	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig, args []string) error {
	addr := cfg.addr
	if addr == "" {
		hostCfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = hostCfg.Observability.Addr
	}
	if addr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("no admin address: set --addr or observability.addr")
	}

	ctx := cmd.Context()
	if cfg.timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}
	client := admin.NewClient(addr, admin.WithToken(os.Getenv(tokenEnv)))

	var (
		v   any
		out string
	)
	if len(args) == 1 {
		ps, err := client.PluginStatus(ctx, args[0])
		if err != nil {
			return err
		}
		v, out = ps, formatPluginDetail(ps)
	} else {
		st, err := client.SystemStatus(ctx)
		if err != nil {
			return err
		}
		v, out = st, formatStatusTable(st)
	}

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return oops.Code("STATUS_FORMAT_FAILED").Wrap(err)
		}
		out = string(data)
	}
	cmd.Println(out)
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	healthColor = map[pluginapi.HealthStatus]lipgloss.Color{
		pluginapi.HealthHealthy:   "46",
		pluginapi.HealthDegraded:  "214",
		pluginapi.HealthUnhealthy: "196",
		pluginapi.HealthUnknown:   "240",
	}
)

func healthText(h pluginapi.HealthStatus) string {
	return lipgloss.NewStyle().Foreground(healthColor[h]).Render(string(h))
}

const rowFormat = "%-20s %-10s %-10s %-4s %s"

// formatStatusTable renders the system status for a terminal.
func formatStatusTable(st *admin.SystemStatus) string {
	lines := []string{
		fmt.Sprintf("%s  %d plugins, %d loaded, %d failed  health %s",
			headerStyle.Render("pluginhost"), st.Total, st.Loaded, st.Failed, healthText(st.Health)),
		headerStyle.Render(fmt.Sprintf(rowFormat, "PLUGIN", "VERSION", "STATE", "GEN", "HEALTH")),
	}
	for _, p := range st.Plugins {
		row := fmt.Sprintf(rowFormat, truncate(p.ID, 20), truncate(p.Version, 10), p.State, fmt.Sprint(p.Generation), healthText(p.Health))
		if detail := p.LoadError; detail != "" {
			row += " " + dimStyle.Render(detail)
		} else if p.HealthMessage != "" {
			row += " " + dimStyle.Render(p.HealthMessage)
		}
		lines = append(lines, row)
	}
	lines = append(lines, dimStyle.Render(fmt.Sprintf("loads: %d attempted, %d loaded, %d failed", st.Metrics.Attempted, st.Metrics.Loaded, st.Metrics.Failed)))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// formatPluginDetail renders one plugin as key/value lines.
func formatPluginDetail(p *admin.PluginStatus) string {
	kv := [][2]string{
		{"id", p.ID},
		{"name", p.Name},
		{"version", p.Version},
		{"state", p.State},
		{"generation", fmt.Sprint(p.Generation)},
		{"health", healthText(p.Health)},
	}
	if p.HealthMessage != "" {
		kv = append(kv, [2]string{"message", p.HealthMessage})
	}
	if p.LoadedAt != nil {
		kv = append(kv, [2]string{"loaded at", p.LoadedAt.Format(time.RFC3339)})
	}
	if p.LoadDurationMs != nil {
		kv = append(kv, [2]string{"load time", fmt.Sprintf("%.1fms", *p.LoadDurationMs)})
	}
	if p.LoadError != "" {
		kv = append(kv, [2]string{"error", p.LoadError})
	}
	lines := make([]string, 0, len(kv))
	for _, e := range kv {
		lines = append(lines, headerStyle.Render(fmt.Sprintf("%-11s", e[0]))+" "+e[1])
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
