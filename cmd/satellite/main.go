// Package main implements the vigil satellite daemon. One binary serves
// every satellite kind; --kind or VIGIL_KIND selects it.
//
//	┌─────────────────────────────────────────┐
//	│               Satellite                 │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    GET  /ping           liveness        │
//	│    POST /push           configuration   │
//	│    GET  /managed        held parts      │
//	│    GET  /what_i_managed held parts      │
//	│    GET  /info           status          │
//	│    GET  /health         health check    │
//	│    GET  /metrics        prometheus      │
//	└─────────────────────────────────────────┘
//
// On start the satellite registers with the arbiter, retrying with
// exponential backoff, and exits if registration never succeeds.
//
//	VIGIL_ID=scheduler-1 VIGIL_KIND=scheduler VIGIL_ARBITER=localhost:7770 ./satellite
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

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/config"
	"github.com/dreamware/vigil/internal/logging"
	"github.com/dreamware/vigil/internal/satellite"
	"github.com/dreamware/vigil/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	kind       string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "satellite",
		Short:        "Run a vigil satellite (scheduler, poller, reactionner, broker or receiver)",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to the satellite YAML configuration")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "override kind")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "override log.format (json, console)")
	return cmd
}

func run(ctx context.Context, opts options) error {
	if opts.kind != "" {
		// The kind decides the default port, so it must be known before
		// defaults are filled.
		if err := os.Setenv(config.EnvPrefix+"_KIND", opts.kind); err != nil {
			return err
		}
	}
	cfg, err := config.LoadSatellite(opts.configPath)
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	sat := satellite.New(log, clockwork.NewRealClock(), cfg.Info(), storage.NewMemoryStore(), reg)

	mux := http.NewServeMux()
	mux.Handle("/", sat.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("satellite listening",
			zap.String("id", cfg.ID),
			zap.String("kind", cfg.Kind),
			zap.String("listen", cfg.Listen),
			zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = cfg.Registration.InitialInterval
		policy.MaxInterval = cfg.Registration.MaxInterval
		policy.MaxElapsedTime = cfg.Registration.MaxElapsed
		client := cluster.NewClient(cluster.ClientConfig{})
		return sat.Register(ctx, client, cfg.Arbiter, policy)
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
	log.Info("satellite stopped")
	return err
}
