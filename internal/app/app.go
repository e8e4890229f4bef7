// Package app provides the top-level lifecycle for the feed service. It
// wires the observation source, detector, hub, scheduler, and HTTP server,
// starts them, and tears everything down in reverse order on shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbfeed/arbfeed/internal/config"
	"github.com/arbfeed/arbfeed/internal/scheduler"
	"github.com/arbfeed/arbfeed/internal/server"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
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

// Run wires all dependencies and blocks until the context is cancelled. It
// is the single externally triggered cancellation point: cancellation stops
// the scheduler loops, closes every live connection, and shuts the HTTP
// server down.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("source", a.cfg.Source.Kind),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	sched := scheduler.New(
		deps.Source,
		deps.Detector,
		deps.History,
		deps.Hub,
		deps.Publisher,
		scheduler.Config{
			PriceInterval: a.cfg.Scheduler.PriceInterval.Duration,
			GasInterval:   a.cfg.Scheduler.GasInterval.Duration,
			ArbInterval:   a.cfg.Scheduler.ArbInterval.Duration,
		},
		a.logger,
	)
	deps.Snapshots.set(sched)

	g.Go(func() error {
		err := sched.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return err
	})

	srv := server.New(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	}, deps.Hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		deps.Hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
