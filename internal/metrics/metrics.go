// Package metrics exposes Prometheus collectors for ingest, storage and the HTTP API.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

const namespace = "noveldl"

// Outcome labels.
const (
	OutcomeCreated  = "created"
	OutcomeMerged   = "merged"
	OutcomeStored   = "stored"
	OutcomeBuffered = "buffered"
	OutcomeReplayed = "replayed"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	books           *prometheus.CounterVec
	chapters        *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	rollovers       prometheus.Counter
	pending         prometheus.Gauge
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a registry with process, Go runtime and application collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		books: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "books_total",
			Help:      "Books written, labeled by outcome (created or merged).",
		}, []string{"outcome"}),
		chapters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chapters_total",
			Help:      "Chapters processed, labeled by outcome (stored, buffered or replayed).",
		}, []string{"outcome"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Records rejected at the ingest boundary, labeled by kind.",
		}, []string{"kind"}),
		rollovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_rollovers_total",
			Help:      "Times the current shard filled and a new one became current.",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_chapters",
			Help:      "Chapters buffered while waiting for their book.",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, labeled by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies, labeled by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveBook counts a book write.
func (m *Metrics) ObserveBook(outcome string) {
	m.books.WithLabelValues(outcome).Inc()
}

// ObserveChapter counts a chapter outcome.
func (m *Metrics) ObserveChapter(outcome string) {
	m.chapters.WithLabelValues(outcome).Inc()
}

// ObserveRejected counts a rejected record of the given kind.
func (m *Metrics) ObserveRejected(kind string) {
	m.rejected.WithLabelValues(kind).Inc()
}

// ObserveRollover counts a shard rollover.
func (m *Metrics) ObserveRollover() {
	m.rollovers.Inc()
}

// SetPending records the current out-of-order buffer size.
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ShardLister lists shards for the shard collector.
type ShardLister interface {
	ListShards(ctx context.Context) ([]types.ShardInfo, error)
}

// RegisterShards adds a collector reporting per-shard book counts and
// file sizes, read from lister at scrape time.
func (m *Metrics) RegisterShards(lister ShardLister) {
	m.registry.MustRegister(&shardCollector{lister: lister})
}

var (
	shardBooksDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "shard", "books"),
		"Books stored in a shard.",
		[]string{"shard"}, nil,
	)
	shardSizeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "shard", "size_bytes"),
		"Database file size of a shard.",
		[]string{"shard"}, nil,
	)
)

type shardCollector struct {
	lister ShardLister
}

func (c *shardCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- shardBooksDesc
	ch <- shardSizeDesc
}

func (c *shardCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	shards, err := c.lister.ListShards(ctx)
	if err != nil {
		slog.Warn("failed to list shards for metrics",
			"component", "metrics",
			"action", "list_shards_failed",
			"error", err,
		)
		return
	}
	for _, s := range shards {
		ch <- prometheus.MustNewConstMetric(shardBooksDesc, prometheus.GaugeValue, float64(s.BookCount), s.Name)
		ch <- prometheus.MustNewConstMetric(shardSizeDesc, prometheus.GaugeValue, float64(s.SizeBytes), s.Name)
	}
}
