// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/evgrid/stationd/internal/cache"
	"github.com/evgrid/stationd/internal/config"
	"github.com/evgrid/stationd/internal/domain/charging/manager"
	"github.com/evgrid/stationd/internal/domain/charging/store"
	"github.com/evgrid/stationd/internal/engine"
	stlog "github.com/evgrid/stationd/internal/log"
	"github.com/evgrid/stationd/internal/notify"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stationd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stationd: %v\n", err)
		os.Exit(1)
	}

	stlog.Configure(stlog.Config{Level: cfg.LogLevel, Service: "stationd"})
	logger := stlog.WithComponent("daemon")
	logger.Info().Str("version", version).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := stlog.WithComponent("daemon")

	ca, err := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer func() { _ = ca.Close() }()

	st, err := store.NewSqliteStore(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	eng := engine.New()
	defer eng.Close()

	mgr := manager.New(st, ca, eng, notify.NewLogNotifier(), cfg)
	if err := mgr.StartupReconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	eng.StartLoop(cfg.DispatchInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(ctx) })

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
