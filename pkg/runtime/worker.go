package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Worker defaults.
const (
	DefaultPollInterval = time.Second
	DefaultBatchLimit   = 10
)

// WorkerOptions configures a polling worker.
type WorkerOptions struct {
	// PollInterval sets the pacing between ProcessRunnableStreams passes.
	PollInterval time.Duration

	// BatchLimit caps how many due streams one pass may tick.
	BatchLimit int

	Logger *slog.Logger
}

// Worker repeatedly drains due streams through a runtime. Pacing uses a
// token bucket, so a long pass is not followed by an extra sleep.
type Worker struct {
	runtime *Runtime
	limiter *rate.Limiter
	batch   int
	logger  *slog.Logger
}

// NewWorker creates a polling worker over rt.
func NewWorker(rt *Runtime, opts WorkerOptions) *Worker {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	batch := opts.BatchLimit
	if batch <= 0 {
		batch = DefaultBatchLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		runtime: rt,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		batch:   batch,
		logger:  logger.With("component", "worker", "worker_id", rt.Engine.WorkerID()),
	}
}

// Run polls until ctx is cancelled. Per-stream tick failures are logged
// and do not stop the loop; only context cancellation ends it, and that
// is reported as a clean nil.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started", "batch_limit", w.batch)

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			w.logger.InfoContext(ctx, "worker stopped")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		results, err := w.runtime.ProcessRunnableStreams(ctx, w.batch)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.InfoContext(ctx, "worker stopped")
				return nil
			}
			w.logger.ErrorContext(ctx, "pass finished with tick failures",
				"processed", len(results), "error", err.Error())
			continue
		}
		if len(results) > 0 {
			w.logger.DebugContext(ctx, "pass finished", "processed", len(results))
		}
	}
}
