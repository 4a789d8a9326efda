package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ChineseWriter/novel-dl/internal/client"
	"github.com/ChineseWriter/novel-dl/internal/config"
	"github.com/ChineseWriter/novel-dl/internal/shard"
	"github.com/ChineseWriter/novel-dl/internal/tokenize"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	dataDirOverride string
	jsonOutput      bool
)

var rootCmd = &cobra.Command{
	Use:           "noveldl",
	Short:         "novel-dl - sharded novel library",
	Long:          "Store crawled novels in sharded SQLite files, search them by title and export them as text.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirOverride, "data-dir", "",
		"Data directory (overrides config and NOVELDL_DATA_DIR)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(shardCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(importCmd)
}

// loadConfig loads configuration and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dataDirOverride != "" {
		cfg.Data.Dir = dataDirOverride
	}
	return cfg, nil
}

// newLogger builds a JSON logger at the configured level.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// openManager opens the shard set under the configured data directory.
func openManager(cfg *config.Config) (*shard.Manager, error) {
	tok, err := tokenize.Get(cfg.Tokenizer.Name)
	if err != nil {
		return nil, err
	}
	return shard.NewManager(cfg.Data.Dir,
		shard.WithCapacity(cfg.Shards.Capacity),
		shard.WithTokenizer(tok),
	)
}

// newClient returns an API client for baseURL authenticated with the
// configured API key.
func newClient(cfg *config.Config, baseURL string) (*client.Client, error) {
	return client.New(client.Config{BaseURL: baseURL, APIKey: cfg.Auth.APIKey})
}

// parseShardIndex accepts a shard name ("00003") or a plain index ("3").
func parseShardIndex(s string) (int, error) {
	if index, err := shard.ParseName(s); err == nil {
		return index, nil
	}
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid shard index %q", s)
	}
	return index, nil
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker launched", "worker", name)
		fn(ctx)
		slog.Info("worker exited", "worker", name)
	}()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
