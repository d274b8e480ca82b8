// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/valwatch/config"
	"github.com/absmach/valwatch/internal/wiring"
	"github.com/absmach/valwatch/lifecycle"
	"github.com/absmach/valwatch/server/health"
	"github.com/absmach/valwatch/server/otel"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the validator watcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting valwatch", slog.String("version", version))
	slog.Info("Configuration loaded",
		slog.String("broker", cfg.Broker.Type),
		slog.String("storage", cfg.Storage.Type),
		slog.Int("lcd_urls", len(cfg.Chain.LCDURLs)),
		slog.Int("ws_urls", len(cfg.Chain.WSURLs)),
		slog.Int("rpc_endpoints", len(cfg.Chain.RPCEndpoints)),
		slog.Int("recipients", len(cfg.Telegram.ChatIDs)),
		slog.Bool("health_enabled", cfg.Health.HTTPEnabled),
		slog.String("log_level", cfg.Log.Level))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	instanceID, err := os.Hostname()
	if err != nil || instanceID == "" {
		instanceID = uuid.NewString()
	}
	otelShutdown, err := otel.InitProvider(ctx, cfg.Otel, instanceID)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", slog.String("error", err.Error()))
		}
	}()

	var opts []wiring.Option
	if cfg.Otel.Enabled {
		m, err := otel.NewMetrics()
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		opts = append(opts, wiring.WithObservers(m), wiring.WithRecorder(m))
		slog.Info("OTel metrics enabled", slog.String("endpoint", cfg.Otel.Endpoint))
	}

	lcfg, deps, err := wiring.Build(cfg, logger, opts...)
	if err != nil {
		return err
	}
	ctrl := lifecycle.New(lcfg, deps, logger)

	if err := start(ctx, ctrl, cfg.Lifecycle.ShutdownTimeout); err != nil {
		return err
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Health.HTTPEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.HTTPAddr,
			ShutdownTimeout: cfg.Lifecycle.ShutdownTimeout,
		}, ctrl, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("valwatch started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctrl.Failed():
		runErr = fmt.Errorf("application could not recover: %w", ctrl.Err())
		slog.Error("Supervisor gave up", slog.String("error", runErr.Error()))
	case err := <-serverErr:
		runErr = fmt.Errorf("health server: %w", err)
		slog.Error("Server error", slog.String("error", err.Error()))
	case <-ctx.Done():
	}

	if err := shutdown(ctrl, cfg.Lifecycle.ShutdownTimeout); err != nil {
		slog.Error("Error during shutdown", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}

	cancel()
	wg.Wait()
	slog.Info("valwatch stopped")
	return runErr
}

type controller interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// start runs the controller startup. A failed startup is still shut down so
// the teardown of the last attempt releases the store and the broker.
func start(ctx context.Context, ctrl controller, timeout time.Duration) error {
	err := ctrl.Start(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, lifecycle.ErrStartupExhausted) {
		slog.Error("Giving up after failed startup attempts", slog.String("error", err.Error()))
	}
	if serr := shutdown(ctrl, timeout); serr != nil {
		slog.Error("Error during shutdown", slog.String("error", serr.Error()))
		err = errors.Join(err, serr)
	}
	return err
}

func shutdown(ctrl controller, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return ctrl.Shutdown(ctx)
}
