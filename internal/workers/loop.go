// Package workers runs the gateway's periodic background jobs.
package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
)

// WorkerFunc performs one batch of work. It returns the number of items
// handled and any error that cut the batch short.
type WorkerFunc func(ctx context.Context, batchSize int) (int, error)

const defaultRunTimeout = time.Minute

// runWorkerLoop runs workerFunc every interval until ctx is done.
func runWorkerLoop(ctx context.Context, name string, interval, runTimeout time.Duration, batchSize int, workerFunc WorkerFunc) {
	ctx = logging.ContextWithWorker(ctx, name)
	slog.InfoContext(ctx, "Worker starting", slog.Duration("interval", interval), slog.Int("batch_size", batchSize))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Worker stopping")
			return
		case <-ticker.C:
			runWork(ctx, runTimeout, batchSize, workerFunc)
		}
	}
}

// runWork executes a single batch bounded by runTimeout.
func runWork(ctx context.Context, runTimeout time.Duration, batchSize int, workerFunc WorkerFunc) {
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	processed, err := workerFunc(runCtx, batchSize)
	if err != nil {
		slog.ErrorContext(ctx, "Worker run failed", slog.Int("processed", processed), slog.Any("error", err))
		return
	}
	if processed > 0 {
		slog.InfoContext(ctx, "Worker run finished", slog.Int("processed", processed))
	}
}
