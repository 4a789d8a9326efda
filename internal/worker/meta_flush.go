package worker

import (
	"context"
	"log/slog"
	"time"
)

// MetaFlusher writes dirty shard metadata to disk.
type MetaFlusher interface {
	FlushMeta() error
}

// MetaFlushWorker periodically persists shard access times and seal
// markers, which are otherwise only written on close.
type MetaFlushWorker struct {
	flusher  MetaFlusher
	interval time.Duration
}

// NewMetaFlushWorker creates a worker flushing through flusher every interval.
func NewMetaFlushWorker(flusher MetaFlusher, interval time.Duration) *MetaFlushWorker {
	return &MetaFlushWorker{
		flusher:  flusher,
		interval: interval,
	}
}

// Run flushes on every interval until ctx is cancelled, then flushes once more.
func (w *MetaFlushWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "meta-flush",
		"action", "worker_started",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "meta-flush",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *MetaFlushWorker) flush() {
	if err := w.flusher.FlushMeta(); err != nil {
		slog.Warn("shard metadata flush failed",
			"component", "worker",
			"worker", "meta-flush",
			"action", "flush_failed",
			"error", err,
		)
	}
}
