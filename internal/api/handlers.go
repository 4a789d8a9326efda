// Package api serves the novel library over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChineseWriter/novel-dl/internal/export"
	"github.com/ChineseWriter/novel-dl/internal/fingerprint"
	"github.com/ChineseWriter/novel-dl/internal/ingest"
	"github.com/ChineseWriter/novel-dl/internal/shard"
	"github.com/ChineseWriter/novel-dl/internal/snapshot"
	"github.com/ChineseWriter/novel-dl/internal/store"
	"github.com/ChineseWriter/novel-dl/internal/types"
	"github.com/ChineseWriter/novel-dl/internal/validation"
)

const (
	// MaxRecordsPerRequest caps the records accepted by one POST.
	MaxRecordsPerRequest = 1000

	// MaxRequestBytes caps the body of one POST.
	MaxRequestBytes = 64 << 20

	// DefaultChangesLimit and MaxChangesLimit bound change log pages.
	DefaultChangesLimit = 500
	MaxChangesLimit     = 5000
)

// Library is the read side of the shard manager.
type Library interface {
	GetBook(ctx context.Context, fingerprint string) (*types.Book, error)
	GetChapter(ctx context.Context, fingerprint string) (*types.Chapter, error)
	SearchSummaries(ctx context.Context, name string) ([]types.Book, error)
	ListShards(ctx context.Context) ([]types.ShardInfo, error)
	Shard(index int) (*shard.Shard, error)
}

// Ingester runs record batches through the ingest pipeline.
type Ingester interface {
	Run(ctx context.Context, feed ingest.Feed) (*ingest.Report, error)
	Buffer() *ingest.Buffer
}

// Handler implements the API handlers
type Handler struct {
	library  Library
	ingester Ingester
	uploader snapshot.Uploader
	apiKey   string
	version  string
}

// NewHandler creates a Handler. uploader may be nil.
func NewHandler(lib Library, ing Ingester, uploader snapshot.Uploader, apiKey, version string) *Handler {
	if uploader == nil {
		uploader = snapshot.NoopUploader{}
	}
	return &Handler{
		library:  lib,
		ingester: ing,
		uploader: uploader,
		apiKey:   apiKey,
		version:  version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response",
			"component", "api",
			"action", "encode_failed",
			"error", err,
		)
	}
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	shards, err := h.library.ListShards(r.Context())
	if err != nil {
		slog.Error("health check failed",
			"component", "api",
			"action", "health_failed",
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	resp := types.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		ShardCount: len(shards),
	}
	for _, s := range shards {
		resp.BookCount += s.BookCount
	}
	writeJSON(w, http.StatusOK, resp)
}

// SearchBooks handles GET /api/v1/books?title=...
// Results carry book metadata only; chapters are fetched per book.
func (h *Handler) SearchBooks(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	if title == "" {
		WriteProblem(w, r, http.StatusBadRequest, "missing required query parameter: title")
		return
	}

	books, err := h.library.SearchSummaries(r.Context(), title)
	if err != nil {
		slog.Error("search failed",
			"component", "api",
			"action", "search_failed",
			"query", title,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	if books == nil {
		books = []types.Book{}
	}
	writeJSON(w, http.StatusOK, types.SearchResponse{Query: title, Books: books})
}

// fingerprintParam returns the {fingerprint} path parameter, writing a
// 400 response and returning false when it is malformed.
func fingerprintParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	fp := chi.URLParam(r, "fingerprint")
	if !fingerprint.Valid(fp) {
		WriteProblem(w, r, http.StatusBadRequest, "fingerprint must be 64 lowercase hex characters")
		return "", false
	}
	return fp, true
}

// GetBook handles GET /api/v1/books/{fingerprint}
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	fp, ok := fingerprintParam(w, r)
	if !ok {
		return
	}
	book, err := h.library.GetBook(r.Context(), fp)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// ExportBook handles GET /api/v1/books/{fingerprint}/export.txt
func (h *Handler) ExportBook(w http.ResponseWriter, r *http.Request) {
	fp, ok := fingerprintParam(w, r)
	if !ok {
		return
	}
	book, err := h.library.GetBook(r.Context(), fp)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": export.Filename(*book)}))
	if err := export.WriteText(w, *book, time.Local); err != nil {
		slog.Warn("export write failed",
			"component", "api",
			"action", "export_failed",
			"book", fp,
			"error", err,
		)
	}
}

// ExportBookEPUB handles GET /api/v1/books/{fingerprint}/export.epub
// The book is rendered in full before the response starts so that a
// failed render still yields a problem response.
func (h *Handler) ExportBookEPUB(w http.ResponseWriter, r *http.Request) {
	fp, ok := fingerprintParam(w, r)
	if !ok {
		return
	}
	book, err := h.library.GetBook(r.Context(), fp)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteEPUB(&buf, *book); err != nil {
		slog.Error("epub export failed",
			"component", "api",
			"action", "export_failed",
			"book", fp,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "epub rendering failed")
		return
	}

	w.Header().Set("Content-Type", "application/epub+zip")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": export.EPUBFilename(*book)}))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

// GetChapter handles GET /api/v1/chapters/{fingerprint}
func (h *Handler) GetChapter(w http.ResponseWriter, r *http.Request) {
	fp, ok := fingerprintParam(w, r)
	if !ok {
		return
	}
	chapter, err := h.library.GetChapter(r.Context(), fp)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chapter)
}

// ListShards handles GET /api/v1/shards
func (h *Handler) ListShards(w http.ResponseWriter, r *http.Request) {
	shards, err := h.library.ListShards(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if shards == nil {
		shards = []types.ShardInfo{}
	}
	writeJSON(w, http.StatusOK, shards)
}

// ShardDetail is the response of GET /api/v1/shards/{index}.
type ShardDetail struct {
	types.ShardInfo
	Stats *types.ShardStats `json:"stats"`
}

// shardParam resolves the {index} path parameter.
func (h *Handler) shardParam(w http.ResponseWriter, r *http.Request) (*shard.Shard, bool) {
	index, err := shard.ParseName(chi.URLParam(r, "index"))
	if err != nil {
		if index, err = strconv.Atoi(chi.URLParam(r, "index")); err != nil || index < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "shard index must be a non-negative integer")
			return nil, false
		}
	}
	sh, err := h.library.Shard(index)
	if err != nil {
		MapStoreError(w, r, err)
		return nil, false
	}
	return sh, true
}

// GetShard handles GET /api/v1/shards/{index}
func (h *Handler) GetShard(w http.ResponseWriter, r *http.Request) {
	sh, ok := h.shardParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	info, err := sh.Info(ctx)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	stats, err := sh.Store.GetStats(ctx)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	shards, err := h.library.ListShards(ctx)
	if err == nil {
		for _, s := range shards {
			if s.Index == info.Index {
				info.Current = s.Current
			}
		}
	}
	writeJSON(w, http.StatusOK, ShardDetail{ShardInfo: info, Stats: stats})
}

// ChangesResponse is one page of a shard's change log.
type ChangesResponse struct {
	Changes        []store.Change `json:"changes"`
	LastSequence   int64          `json:"last_sequence"`
	LatestSequence int64          `json:"latest_sequence"`
	HasMore        bool           `json:"has_more"`
}

// ShardChanges handles GET /api/v1/shards/{index}/changes?after=N&limit=M
func (h *Handler) ShardChanges(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sh, ok := h.shardParam(w, r)
	if !ok {
		return
	}
	after, limit, err := parseChangesRequest(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	changes, err := sh.Store.ChangesSince(ctx, after, limit)
	if err != nil {
		slog.Error("change log query failed",
			"component", "api",
			"action", "changes_failed",
			"shard", sh.Name(),
			"after", after,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	latest, err := sh.Store.LastSequence(ctx)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	last := after
	if len(changes) > 0 {
		last = changes[len(changes)-1].Sequence
	}
	resp := ChangesResponse{
		Changes:        changes,
		LastSequence:   last,
		LatestSequence: latest,
		HasMore:        len(changes) == limit && last < latest,
	}
	if resp.Changes == nil {
		resp.Changes = []store.Change{}
	}
	writeJSON(w, http.StatusOK, resp)

	slog.Debug("change log served",
		"component", "api",
		"action", "changes_served",
		"shard", sh.Name(),
		"after", after,
		"returned", len(changes),
		"has_more", resp.HasMore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func parseChangesRequest(r *http.Request) (after int64, limit int, err error) {
	q := r.URL.Query()
	if s := q.Get("after"); s != "" {
		after, err = strconv.ParseInt(s, 10, 64)
		if err != nil || after < 0 {
			return 0, 0, errors.New("invalid after parameter: must be an integer >= 0")
		}
	}

	limit = DefaultChangesLimit
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("invalid limit parameter: must be an integer >= 1")
		}
		if limit > MaxChangesLimit {
			limit = MaxChangesLimit
		}
	}
	return after, limit, nil
}

// ShardSnapshot handles GET /api/v1/shards/{index}/snapshot. It redirects
// to a pre-signed URL when snapshot storage is configured and serves the
// local snapshot file otherwise.
func (h *Handler) ShardSnapshot(w http.ResponseWriter, r *http.Request) {
	sh, ok := h.shardParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	url, _, err := h.uploader.PresignedURL(ctx, sh.Name())
	if err == nil {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}
	if !errors.Is(err, snapshot.ErrNotConfigured) {
		slog.Warn("pre-signed URL failed, serving local snapshot",
			"component", "api",
			"action", "presign_failed",
			"shard", sh.Name(),
			"error", err,
		)
	}

	path, err := sh.Store.GetSnapshotPath(ctx)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": sh.Name() + ".db"}))
	http.ServeFile(w, r, path)
}

// IngestRecords handles POST /api/v1/records. The body is a JSON array of
// book and chapter records. Invalid records are rejected individually;
// the optional run_id query parameter (a ULID) tags the writes.
func (h *Handler) IngestRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if runID := r.URL.Query().Get("run_id"); runID != "" {
		if verr := validation.ValidateULID("run_id", runID); verr != nil {
			WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
			return
		}
		ctx = store.WithRunID(ctx, runID)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if len(raw) > MaxRecordsPerRequest {
		WriteProblem(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("at most %d records per request, got %d", MaxRecordsPerRequest, len(raw)))
		return
	}

	records := make([]ingest.Record, len(raw))
	for i, msg := range raw {
		if err := json.Unmarshal(msg, &records[i]); err != nil {
			records[i] = ingest.Record{Err: fmt.Errorf("%w: records[%d]: %v", validation.ErrInvalidRecord, i, err)}
		}
	}

	report, err := h.ingester.Run(ctx, ingest.Records(records))
	if err != nil {
		slog.Error("ingest failed",
			"component", "api",
			"action", "ingest_failed",
			"run_id", store.RunIDFromContext(ctx),
			"records", len(records),
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Response())
}

// PendingResponse lists chapters waiting on books that have not arrived.
type PendingResponse struct {
	Total int            `json:"total"`
	Books map[string]int `json:"books"`
}

// PendingChapters handles GET /api/v1/ingest/pending
func (h *Handler) PendingChapters(w http.ResponseWriter, r *http.Request) {
	buf := h.ingester.Buffer()
	writeJSON(w, http.StatusOK, PendingResponse{Total: buf.Len(), Books: buf.Pending()})
}
