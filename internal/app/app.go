// Package app provides the top-level application lifecycle for poolsight. It
// wires together the chain client, caches, the snapshot tracker and the HTTP
// surface, and starts the goroutines the configured mode needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/poolsight/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// modeFunc runs one operating mode over wired dependencies.
type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	"serve": (*App).ServeMode,
	"snapshot": func(a *App, ctx context.Context, deps *Dependencies) error {
		return a.SnapshotMode(ctx, deps, nil)
	},
}

// Run resolves the mode, wires the dependencies it needs and blocks until the
// mode finishes or the context is cancelled. An unknown mode fails before
// anything is dialed.
func (a *App) Run(ctx context.Context) error {
	run, ok := modes[strings.ToLower(a.cfg.Mode)]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Uint64("chain_id", a.cfg.Chain.ChainID),
		slog.Bool("redis", a.cfg.Redis.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return run(a, ctx, deps)
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
