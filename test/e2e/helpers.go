// Package e2e drives a full novel-dl server stack over HTTP.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChineseWriter/novel-dl/internal/api"
	"github.com/ChineseWriter/novel-dl/internal/client"
	"github.com/ChineseWriter/novel-dl/internal/ingest"
	"github.com/ChineseWriter/novel-dl/internal/metrics"
	"github.com/ChineseWriter/novel-dl/internal/shard"
	"github.com/ChineseWriter/novel-dl/internal/snapshot"
	"github.com/ChineseWriter/novel-dl/internal/types"
	"github.com/ChineseWriter/novel-dl/internal/worker"
)

const testAPIKey = "e2e-api-key"

// env is one running server over a temporary data directory.
type env struct {
	dataDir     string
	manager     *shard.Manager
	pipeline    *ingest.Pipeline
	metrics     *metrics.Metrics
	server      *httptest.Server
	client      *client.Client
	coordinator *worker.SnapshotCoordinator
}

// startServer starts the full stack over dataDir. The server and shards
// are closed when the test ends unless stop is called first.
func startServer(t *testing.T, dataDir string, capacity int) *env {
	t.Helper()

	mgr, err := shard.NewManager(dataDir, shard.WithCapacity(capacity))
	if err != nil {
		t.Fatalf("open shards: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	m.RegisterShards(mgr)
	p := ingest.New(mgr, ingest.WithWorkers(4), ingest.WithMetrics(m), ingest.WithLogger(logger))

	uploader := snapshot.NoopUploader{}
	handler := api.NewHandler(mgr, p, uploader, testAPIKey, "e2e")
	srv := httptest.NewServer(api.NewRouter(handler, api.MetricsMiddleware(m), m.Handler()))

	c, err := client.New(client.Config{BaseURL: srv.URL, APIKey: testAPIKey, RetryBase: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	e := &env{
		dataDir:     dataDir,
		manager:     mgr,
		pipeline:    p,
		metrics:     m,
		server:      srv,
		client:      c,
		coordinator: worker.NewSnapshotCoordinator(worker.NewManagerAdapter(mgr), time.Hour, uploader),
	}
	t.Cleanup(e.stop)
	return e
}

func (e *env) stop() {
	if e.server == nil {
		return
	}
	e.server.Close()
	e.manager.Close()
	e.server = nil
}

func bookRecord(title, author string) types.BookRecord {
	return types.BookRecord{
		Title:       title,
		Author:      author,
		State:       "连载中",
		Description: fmt.Sprintf("%s的简介", title),
		Source:      "https://books.example/" + title,
		Tags:        []string{"武侠"},
	}
}

func chapterRecord(bookFP string, index int) types.ChapterRecord {
	return types.ChapterRecord{
		BookFingerprint: bookFP,
		Index:           index,
		Title:           fmt.Sprintf("第%d回", index),
		Content:         strings.Repeat("字", 900),
		Source:          fmt.Sprintf("https://books.example/%s/%d", bookFP[:8], index),
		UpdateTime:      float64(time.Date(2024, 5, 1, 12, 0, index, 0, time.UTC).Unix()),
	}
}

// ingestBatch posts records and fails the test on any transport error.
func ingestBatch(t *testing.T, c *client.Client, records ...ingest.Record) *types.IngestResponse {
	t.Helper()
	resp, err := c.Ingest(context.Background(), records, "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return resp
}
