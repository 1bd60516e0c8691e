// Package app provides the top-level application lifecycle management for the
// up/down bot. It wires together all dependencies (stores, caches, blob
// storage, exchange clients and notifications) and runs the configured mode
// alongside the ops HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownbot/internal/config"
	"github.com/alanyoungcy/updownbot/internal/server"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	status  *runtimeStatus
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		status: newRuntimeStatus(cfg.Mode, cfg.Strategy.Coin, cfg.Strategy.Interval, time.Now()),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. Resources are released by Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	var mode func(context.Context, *Dependencies) error
	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		mode = a.TradeMode
	case "monitor":
		mode = a.MonitorMode
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Metrics.Addr != "" {
		srv := server.NewServer(server.Config{Addr: a.cfg.Metrics.Addr}, a.status, a.status.FeedConnected, a.logger)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	g.Go(func() error {
		return mode(ctx, deps)
	})

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
