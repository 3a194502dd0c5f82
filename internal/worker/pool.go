package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/bzconsulting24/quartermaster-sub001/internal/logger"
	"github.com/bzconsulting24/quartermaster-sub001/internal/middleware"
	"github.com/bzconsulting24/quartermaster-sub001/internal/queue"
)

type Handler interface {
	Process(ctx context.Context, job *queue.Job) (*Result, error)
}

type PoolConfig struct {
	Concurrency int
	// RateLimit job starts are allowed per RateWindow.
	RateLimit     int
	RateWindow    time.Duration
	PollInterval  time.Duration
	PruneInterval time.Duration
	Retention     queue.Retention
	// StallTimeout is how long a job may stay active before it is assumed
	// lost with its worker and handed out again.
	StallTimeout time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:   5,
		RateLimit:     50,
		RateWindow:    time.Minute,
		PollInterval:  time.Second,
		PruneInterval: 5 * time.Minute,
		Retention:     queue.DefaultRetention(),
		StallTimeout:  30 * time.Minute,
	}
}

// Pool runs up to Concurrency jobs at once on an ants pool. Each task
// claims one job and runs it; Submit blocks while every worker is busy.
// Job starts are spaced RateWindow/RateLimit apart, so no window of
// RateWindow ever sees more than RateLimit starts. A task holds its start
// slot until it finds a job, so an idle queue does not use up the budget.
type Pool struct {
	queue   queue.Queue
	handler Handler
	limiter *rate.Limiter
	workers *ants.Pool
	cfg     PoolConfig
}

func NewPool(q queue.Queue, h Handler, cfg PoolConfig) (*Pool, error) {
	def := DefaultPoolConfig()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RateLimit < 1 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Retention == (queue.Retention{}) {
		cfg.Retention = def.Retention
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}

	workers, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(v interface{}) {
		slog.Error("worker task panicked", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Pool{
		queue:   q,
		handler: h,
		limiter: rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), 1),
		workers: workers,
		cfg:     cfg,
	}, nil
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to
// finish and releases the pool.
func (p *Pool) Run(ctx context.Context) error {
	defer p.workers.Release()

	slog.Info("embedding worker pool started", "concurrency", p.cfg.Concurrency, "rate_limit", p.cfg.RateLimit, "rate_window", p.cfg.RateWindow)

	var maintenance sync.WaitGroup
	if p.cfg.PruneInterval > 0 {
		maintenance.Add(1)
		go func() {
			defer maintenance.Done()
			p.maintain(ctx)
		}()
	}

	var inFlight sync.WaitGroup
	err := p.dispatch(ctx, &inFlight)

	slog.Info("embedding worker pool stopping, waiting for in-flight jobs")
	inFlight.Wait()
	maintenance.Wait()
	slog.Info("embedding worker pool stopped")
	return err
}

// dispatch keeps one claim task per free worker until ctx is done.
func (p *Pool) dispatch(ctx context.Context, inFlight *sync.WaitGroup) error {
	for ctx.Err() == nil {
		inFlight.Add(1)
		err := p.workers.Submit(func() {
			defer inFlight.Done()
			p.claimAndRun(ctx)
		})
		if err != nil {
			inFlight.Done()
			return fmt.Errorf("submit worker task: %w", err)
		}
	}
	return nil
}

func (p *Pool) claimAndRun(ctx context.Context) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}
	job := p.next(ctx)
	if job == nil {
		return
	}
	// A started job runs to completion even during shutdown.
	p.runJob(context.WithoutCancel(ctx), job)
}

// next polls the queue until a job is available or ctx is done.
func (p *Pool) next(ctx context.Context) *queue.Job {
	for {
		job, err := p.dequeue(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "failed to dequeue job", "error", err)
		}
		if job != nil {
			return job
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) dequeue(ctx context.Context) (job *queue.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			job, err = nil, fmt.Errorf("dequeue panicked: %v", r)
		}
	}()
	return p.queue.Dequeue(ctx)
}

func (p *Pool) runJob(ctx context.Context, job *queue.Job) {
	ctx = logger.WithJobID(ctx, job.ID)
	if id := job.CorrelationID(); id != "" {
		ctx = middleware.WithCorrelationID(ctx, id)
	}

	slog.InfoContext(ctx, "job started", "kind", job.Kind, "attempt", job.AttemptsMade+1, "max_attempts", job.MaxAttempts)
	start := time.Now()

	res, err := p.process(ctx, job)
	if err != nil {
		final, fErr := p.queue.Fail(ctx, job.ID, err)
		if fErr != nil {
			slog.ErrorContext(ctx, "failed to record job failure", "error", fErr)
			return
		}
		if final {
			slog.ErrorContext(ctx, "job failed permanently", "kind", job.Kind, "error", err)
		} else {
			slog.WarnContext(ctx, "job failed, will retry", "kind", job.Kind, "error", err)
		}
		return
	}

	if err := p.queue.Complete(ctx, job.ID, res); err != nil {
		slog.ErrorContext(ctx, "failed to complete job", "error", err)
		return
	}
	slog.InfoContext(ctx, "job completed", "kind", job.Kind, "duration", time.Since(start))
}

func (p *Pool) process(ctx context.Context, job *queue.Job) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return p.handler.Process(ctx, job)
}

// maintain sweeps once at start, which picks up jobs orphaned by a crash,
// then every PruneInterval.
func (p *Pool) maintain(ctx context.Context) {
	p.sweep(ctx)

	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	recovered, err := p.queue.RecoverStalled(ctx, p.cfg.StallTimeout)
	if err != nil {
		slog.ErrorContext(ctx, "failed to recover stalled jobs", "error", err)
	} else if recovered > 0 {
		slog.WarnContext(ctx, "recovered stalled jobs", "count", recovered, "stall_timeout", p.cfg.StallTimeout)
	}

	n, err := p.queue.Prune(ctx, p.cfg.Retention)
	if err != nil {
		slog.ErrorContext(ctx, "failed to prune jobs", "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "pruned finished jobs", "removed", n)
	}
}
