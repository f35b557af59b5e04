// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/lablabbean/pluginhost/internal/admin"
	"github.com/lablabbean/pluginhost/internal/audit"
	"github.com/lablabbean/pluginhost/internal/builtin"
	"github.com/lablabbean/pluginhost/internal/config"
	"github.com/lablabbean/pluginhost/internal/health"
	"github.com/lablabbean/pluginhost/internal/logging"
	"github.com/lablabbean/pluginhost/internal/observability"
	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/internal/plugin/goplugin"
	"github.com/lablabbean/pluginhost/internal/plugin/loader"
	"github.com/lablabbean/pluginhost/internal/plugin/lua"
	"github.com/lablabbean/pluginhost/internal/plugin/metrics"
	"github.com/lablabbean/pluginhost/internal/plugin/native"
	"github.com/lablabbean/pluginhost/pkg/errutil"
)

// shutdownTimeout bounds unloading plugins and stopping servers.
const shutdownTimeout = 30 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the plugin host",
		Long: `Load every plugin found on the search paths, serve metrics, health
probes and admin routes, and unload everything on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHost(ctx, cmd, cfg, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// hostDeps holds the parts of runHost tests replace.
type hostDeps struct {
	// catalog receives the built-in plugins; tests add their own.
	catalog *native.Catalog
	// ready is called once plugins are loaded and the server is up.
	ready func(addr string)
}

// runHost runs until ctx is done or the HTTP server fails.
func runHost(ctx context.Context, cmd *cobra.Command, cfg *config.Config, deps *hostDeps) (err error) {
	if deps == nil {
		deps = &hostDeps{}
	}
	if deps.catalog == nil {
		deps.catalog = native.NewCatalog()
	}

	logger := logging.Setup(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Logging.Format,
		Level:   cfg.LogLevel(),
		Writer:  cmd.ErrOrStderr(),
	})

	var l *loader.Loader
	var obs *observability.Server
	var collectors *metrics.Collectors
	if cfg.Observability.Addr != "" {
		ready := func() bool { return l != nil && l.Ready() }
		obs = observability.NewServer(cfg.Observability.Addr, ready, observability.WithLogger(logger))
		collectors = metrics.NewCollectors(obs.Registry())
	}
	sys := metrics.NewSystem(metrics.WithCollectors(collectors))

	var table *plugin.Table
	var observers []plugin.TableOption
	if collectors != nil {
		observers = append(observers, plugin.WithObserver(collectors.StateObserver(func() map[plugin.State]int {
			return table.Counts()
		})))
	}

	if cfg.Audit.DatabaseURL != "" {
		pool, connErr := audit.Connect(ctx, cfg.Audit.DatabaseURL)
		if connErr != nil {
			return connErr
		}
		defer pool.Close()
		store := audit.NewStore(pool, audit.WithBatchSource(func() string { return sys.BatchID().String() }))
		rec := audit.NewRecorder(store, logger, 0)
		go rec.Run(context.WithoutCancel(ctx))
		// Closed after the loader stops so unload transitions are written.
		defer rec.Close()
		observers = append(observers, plugin.WithObserver(rec.Observe))
		logger.Info("recording plugin transitions")
	}
	table = plugin.NewTable(observers...)

	builtin.Register(deps.catalog)
	l, err = loader.New(cfg.LoaderConfig(),
		loader.WithRuntime(native.NewRuntime(deps.catalog)),
		loader.WithRuntime(lua.NewRuntime()),
		loader.WithRuntime(goplugin.NewRuntime()),
		loader.WithBuiltins(builtin.Discovered()...),
		loader.WithTable(table),
		loader.WithMetrics(sys),
		loader.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	host := loader.NewHostService(l)

	var serveErr <-chan error
	if obs != nil {
		mountAdmin(obs, cfg, l, logger)
		if serveErr, err = obs.Start(); err != nil {
			_ = l.Close(ctx)
			return err
		}
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		stopErr := host.Stop(shutdownCtx)
		if obs != nil {
			stopErr = errors.Join(stopErr, obs.Stop(shutdownCtx))
		}
		if stopErr != nil {
			errutil.LogError(logger, "shutdown incomplete", stopErr)
		}
		logger.Info("shutdown complete")
	}()

	if err := host.Start(ctx); err != nil {
		errutil.LogError(logger, "plugin host failed to start", err)
		return err
	}

	addr := ""
	if obs != nil {
		addr = obs.Addr()
	}
	cmd.Printf("pluginhost started: %s\n", sys.Summary())
	if deps.ready != nil {
		deps.ready(addr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "cause", context.Cause(ctx))
	case srvErr, ok := <-serveErr:
		if ok && srvErr != nil {
			return oops.Code("SERVER_FAILED").Wrap(srvErr)
		}
	}
	return nil
}

// mountAdmin adds the admin API to obs when it is enabled.
func mountAdmin(obs *observability.Server, cfg *config.Config, l *loader.Loader, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	var hopts []admin.HandlerOption
	if cfg.Admin.TokenHash != "" {
		verifier, err := admin.NewTokenVerifier(cfg.Admin.TokenHash)
		if err != nil {
			errutil.LogError(logger, "admin routes disabled: invalid token hash", err)
			return
		}
		hopts = append(hopts, admin.WithTokenVerifier(verifier))
	}
	svc := admin.NewService(l, health.NewChecker(l.Table(), l), logger)
	obs.Handle("/admin/", admin.NewHandler(svc, hopts...))
}
