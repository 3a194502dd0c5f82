package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/bzconsulting24/quartermaster-sub001/features/document"
	"github.com/bzconsulting24/quartermaster-sub001/features/job"
	"github.com/bzconsulting24/quartermaster-sub001/features/stats"
	"github.com/bzconsulting24/quartermaster-sub001/internal/config"
	"github.com/bzconsulting24/quartermaster-sub001/internal/lease"
	"github.com/bzconsulting24/quartermaster-sub001/internal/middleware"
	"github.com/bzconsulting24/quartermaster-sub001/internal/queue"
	"github.com/bzconsulting24/quartermaster-sub001/internal/retrieval"
	"github.com/bzconsulting24/quartermaster-sub001/internal/text"
	"github.com/bzconsulting24/quartermaster-sub001/internal/worker"
)

type App struct {
	Handler    http.Handler
	Jobs       *job.Service
	Retrieval  *retrieval.Service
	Processor  *worker.Processor
	Pool       *worker.Pool
	serverPort int
}

// New wires services over deps. The worker pool is only built when
// ENABLE_EMBEDDER_WORKER is set.
func New(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*App, error) {
	if deps == nil || deps.DB == nil || deps.Queue == nil || deps.Chunks == nil {
		return nil, errors.New("app: database, queue and chunk store are required")
	}

	if deps.Locker == nil {
		deps.Locker = lease.NewKeyedMutex()
	}

	// Feature: Document
	docRepo := document.NewPostgresRepo(deps.DB)
	docHandler := document.NewHandler(document.NewService(docRepo, deps.Chunks, deps.Locker))

	// Feature: Job
	jobService := job.NewService(deps.Queue)
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(deps.Queue, deps.Chunks)

	// Retrieval
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		logger.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	deps.closers = append(deps.closers, queryLogger.Close)
	entities := retrieval.NewPostgresEntityLookup(deps.DB)
	retrievalService := retrieval.NewService(deps.Embedder, deps.Chunks, entities, docRepo, queryLogger, cfg.QueryTopKCap)
	retrievalHandler := retrieval.NewHandler(retrievalService)

	// Worker
	processor := worker.NewProcessor(deps.Queue, docRepo, deps.Chunks, deps.Embedder, deps.Locker, deps.Events, worker.ProcessorConfig{
		Chunking: text.ChunkOptions{
			ChunkSize:         cfg.ChunkSize,
			Overlap:           cfg.ChunkOverlap,
			PreserveSentences: cfg.ChunkPreserveSentences,
		},
		RetainContent: cfg.RetainSourceContent,
	})

	var pool *worker.Pool
	if cfg.EnableEmbedderWorker {
		pool, err = worker.NewPool(deps.Queue, processor, worker.PoolConfig{
			Concurrency:   cfg.WorkerConcurrency,
			RateLimit:     cfg.WorkerRateLimit,
			RateWindow:    cfg.WorkerRateWindow,
			PollInterval:  cfg.WorkerPollInterval,
			PruneInterval: cfg.QueuePruneInterval,
			StallTimeout:  cfg.QueueStallTimeout,
			Retention: queue.Retention{
				KeepCompleted:   cfg.QueueKeepCompleted,
				CompletedMaxAge: cfg.QueueCompletedMaxAge,
				KeepFailed:      cfg.QueueKeepFailed,
				FailedMaxAge:    cfg.QueueFailedMaxAge,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("worker pool: %w", err)
		}
	}

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-ID")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /query", middleware.CorrelationID(enableCORS(retrievalHandler.Query)))
	mux.Handle("POST /reindex-all", middleware.CorrelationID(enableCORS(retrievalHandler.ReindexAll)))

	mux.Handle("POST /jobs/document", middleware.CorrelationID(enableCORS(jobHandler.EnqueueDocument)))
	mux.Handle("POST /jobs/text", middleware.CorrelationID(enableCORS(jobHandler.EnqueueText)))
	mux.Handle("DELETE /jobs/{jobId}", middleware.CorrelationID(enableCORS(jobHandler.Cancel)))
	mux.Handle("GET /status/{jobId}", middleware.CorrelationID(enableCORS(jobHandler.GetStatus)))

	mux.Handle("GET /queue-stats", middleware.CorrelationID(enableCORS(statsHandler.GetQueueStats)))
	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.Handle("GET /document/{documentId}/chunks", middleware.CorrelationID(enableCORS(docHandler.GetChunks)))
	mux.Handle("DELETE /document/{documentId}", middleware.CorrelationID(enableCORS(docHandler.Delete)))
	mux.Handle("POST /document/{documentId}/reindex", middleware.CorrelationID(enableCORS(jobHandler.EnqueueReindex)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8081
	}

	return &App{
		Handler:    mux,
		Jobs:       jobService,
		Retrieval:  retrievalService,
		Processor:  processor,
		Pool:       pool,
		serverPort: port,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.serverPort),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.serverPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// RunWorkers blocks until ctx is done. Without a pool it returns at once.
func (a *App) RunWorkers(ctx context.Context) error {
	if a.Pool == nil {
		return nil
	}
	return a.Pool.Run(ctx)
}
