package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bzconsulting24/quartermaster-sub001/internal/app"
	"github.com/bzconsulting24/quartermaster-sub001/internal/config"
	"github.com/bzconsulting24/quartermaster-sub001/internal/logger"
)

func main() {
	// Initialize structured logger
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("application exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("application stopped")
}

// run wires dependencies and serves the enabled roles until ctx is done.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	application, err := app.New(cfg, deps, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.EnableAPI {
		g.Go(func() error {
			return application.Run(ctx)
		})
	}

	if cfg.EnableEmbedderWorker {
		g.Go(func() error {
			return application.RunWorkers(ctx)
		})
	}

	if !cfg.EnableAPI && !cfg.EnableEmbedderWorker {
		log.Warn("neither ENABLE_API nor ENABLE_EMBEDDER_WORKER is set, nothing to run")
		return nil
	}

	log.Info("application started", "api", cfg.EnableAPI, "worker", cfg.EnableEmbedderWorker,
		"vector_backend", cfg.VectorBackend, "queue_backend", cfg.QueueBackend)

	return g.Wait()
}
