// Package main implements the vigil arbiter daemon.
//
// The arbiter loads the object catalog, partitions it into one
// configuration part per scheduler, and dispatches the parts to the
// satellites declared in its configuration or registering on /register.
//
//	┌─────────────────────────────────────────┐
//	│                Arbiter                  │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    POST /register   satellite announce  │
//	│    GET  /satellites links and liveness  │
//	│    GET  /parts      part assignments    │
//	│    GET  /report     last reload report  │
//	│    POST /reload     re-read the catalog │
//	│    GET  /health     200 once active     │
//	│    GET  /metrics    prometheus          │
//	└─────────────────────────────────────────┘
//
// Configuration comes from --config and VIGIL_* variables, see
// internal/config. Example:
//
//	VIGIL_CATALOG=/etc/vigil/objects.yaml ./arbiter --config /etc/vigil/arbiter.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/vigil/internal/catalog"
	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/config"
	"github.com/dreamware/vigil/internal/coordinator"
	"github.com/dreamware/vigil/internal/logging"
	"github.com/dreamware/vigil/internal/pack"
	"github.com/dreamware/vigil/internal/partition"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	var opts options
	defaults, _ := config.Defaults()
	cmd := &cobra.Command{
		Use:           "arbiter",
		Short:         "Partition the monitoring configuration and dispatch it to satellites",
		Long:          fmt.Sprintf("Settings with a default: %v", defaults),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to the arbiter YAML configuration")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "override log.format (json, console)")
	return cmd
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadArbiter(opts.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := coordinator.NewMetrics(reg)

	clock := clockwork.NewRealClock()
	client := cluster.NewClient(cluster.ClientConfig{
		PingTimeout: cfg.Dispatch.PingTimeout,
		PushTimeout: cfg.Dispatch.PushTimeout,
	})
	registry := coordinator.NewRegistry(log, clock, coordinator.RegistryConfig{
		MaxCheckAttempts: cfg.Dispatch.MaxCheckAttempts,
		CheckInterval:    cfg.Dispatch.CheckInterval,
	})
	disp := coordinator.NewDispatcher(log, clock, client, registry, metrics, coordinator.DispatcherConfig{
		LivenessInterval:  cfg.Dispatch.LivenessInterval,
		AssignInterval:    cfg.Dispatch.AssignInterval,
		ReconcileInterval: cfg.Dispatch.ReconcileInterval,
	})
	source := coordinator.SourceFunc(func(context.Context) (catalog.Catalog, partition.Config, error) {
		cat, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			return nil, partition.Config{}, err
		}
		return cat, cfg.PartitionConfig(), nil
	})
	partitioner := partition.New(log, pack.NewDistributor(log))
	arbiter := coordinator.NewArbiter(log, source, partitioner, disp, registry, metrics)

	// An invalid first configuration is reported but does not stop the
	// daemon: a later POST /reload may fix it.
	if _, err := arbiter.Reload(ctx); err != nil {
		log.Error("initial reload failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newServer(log, runID, arbiter, registry, disp, reg).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("arbiter listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return disp.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}
		return nil
	})
	err = g.Wait()
	log.Info("arbiter stopped")
	return err
}
