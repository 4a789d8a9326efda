package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChineseWriter/novel-dl/internal/api"
	"github.com/ChineseWriter/novel-dl/internal/ingest"
	"github.com/ChineseWriter/novel-dl/internal/metrics"
	"github.com/ChineseWriter/novel-dl/internal/snapshot"
	"github.com/ChineseWriter/novel-dl/internal/worker"
)

// metaFlushInterval is how often dirty shard metadata is written to disk.
const metaFlushInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	logger, err := newLogger(os.Stdout, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "level", cfg.Log.Level)
	if cfg.DevMode {
		slog.Warn("dev mode enabled, API authentication is disabled")
	}

	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	slog.Info("shards opened",
		"path", cfg.Data.Dir,
		"shards", len(mgr.Shards()),
		"current", mgr.Current(),
		"capacity", mgr.Capacity(),
		"tokenizer", mgr.Tokenizer().Name(),
	)

	m := metrics.New()
	m.RegisterShards(mgr)

	pipeline := ingest.New(mgr,
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithMetrics(m),
		ingest.WithLogger(logger),
	)

	uploader, err := snapshot.NewUploader(cfg.Snapshot.Storage)
	if err != nil {
		mgr.Close()
		return err
	}

	handler := api.NewHandler(mgr, pipeline, uploader, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler, api.MetricsMiddleware(m), m.Handler())
	slog.Info("router initialized")

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	var wg sync.WaitGroup
	if interval := cfg.Snapshot.Interval.Std(); interval > 0 {
		coordinator := worker.NewSnapshotCoordinator(worker.NewManagerAdapter(mgr), interval, uploader)
		startWorker(ctx, &wg, "snapshot-coordinator", coordinator.Run)
	}
	startWorker(ctx, &wg, "meta-flush", worker.NewMetaFlushWorker(mgr, metaFlushInterval).Run)

	go func() {
		slog.Info("server starting", "address", srv.Addr)
		// ErrServerClosed is the expected error after Shutdown; anything
		// else is a real failure and triggers shutdown.
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	// Stop accepting requests first so no ingest is in flight when the
	// shards close.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if buf := pipeline.Buffer(); buf.Len() > 0 {
		slog.Warn("discarding chapters still waiting on their books",
			"component", "ingest",
			"action", "pending_discarded",
			"chapters", buf.Len(),
			"books", len(buf.Books()),
		)
	}

	if err := mgr.Close(); err != nil {
		slog.Error("shard close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
