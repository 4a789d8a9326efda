package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChineseWriter/novel-dl/internal/ingest"
	"github.com/ChineseWriter/novel-dl/internal/metrics"
	"github.com/ChineseWriter/novel-dl/internal/shard"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

const testAPIKey = "test-secret-key-12345"

type testServer struct {
	router   http.Handler
	manager  *shard.Manager
	pipeline *ingest.Pipeline
}

func newTestServer(t *testing.T, uploader *fakeUploader) *testServer {
	t.Helper()
	m, err := shard.NewManager(t.TempDir(), shard.WithCapacity(2))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	p := ingest.New(m, ingest.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	met := metrics.New()
	met.RegisterShards(m)

	var h *Handler
	if uploader != nil {
		h = NewHandler(m, p, uploader, testAPIKey, "test")
	} else {
		h = NewHandler(m, p, nil, testAPIKey, "test")
	}
	return &testServer{
		router:   NewRouter(h, MetricsMiddleware(met), met.Handler()),
		manager:  m,
		pipeline: p,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) post(t *testing.T, path string, records ...ingest.Record) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(records)
	require.NoError(t, err)
	return s.do(t, http.MethodPost, path, body, true)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func alphaRecord() types.BookRecord {
	return types.BookRecord{
		Title:       "东方传说",
		Author:      "佚名",
		State:       "连载",
		Description: "简介",
		Source:      "https://a.example/book/1",
		Tags:        []string{"玄幻"},
	}
}

func chapterOf(b types.BookRecord, index int, title string) types.ChapterRecord {
	return types.ChapterRecord{
		BookFingerprint: b.Fingerprint(),
		Index:           index,
		Title:           title,
		Content:         "正文" + title,
		Source:          "https://a.example/book/1/" + title,
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[types.HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 1, resp.ShardCount)
	assert.Zero(t, resp.BookCount)
}

func TestIngestAndRead(t *testing.T) {
	s := newTestServer(t, nil)
	b := alphaRecord()
	c1 := chapterOf(b, 1, "初入江湖")
	c2 := chapterOf(b, 2, "风起")

	rec := s.post(t, "/api/v1/records",
		ingest.ChapterRecord(c2),
		ingest.ChapterRecord(c1),
		ingest.BookRecord(b),
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[types.IngestResponse](t, rec)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, 1, resp.BooksCreated)
	assert.Equal(t, 2, resp.ChaptersStored+resp.ChaptersReplayed)
	assert.Zero(t, resp.Rejected)
	assert.NotNil(t, resp.Errors)

	fp := b.Fingerprint()

	t.Run("book", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/books/"+fp, nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[map[string]any](t, rec)
		assert.Equal(t, fp, got["fingerprint"])
		assert.Equal(t, "东方传说", got["title"])
		assert.Len(t, got["chapters"], 2)
	})

	t.Run("chapter", func(t *testing.T) {
		chFP := c1.Chapter().Fingerprint()
		rec := s.do(t, http.MethodGet, "/api/v1/chapters/"+chFP, nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[map[string]any](t, rec)
		assert.Equal(t, chFP, got["fingerprint"])
		assert.Equal(t, "正文初入江湖", got["content"])
	})

	t.Run("export", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/books/"+fp+"/export.txt", nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
		body := rec.Body.String()
		assert.True(t, strings.HasPrefix(body, "《东方传说》\n作者: 佚名\n标签: 玄幻\n"), body)
		assert.Less(t, strings.Index(body, "第00001章 初入江湖"), strings.Index(body, "第00002章 风起"))
	})

	t.Run("export epub", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/books/"+fp+"/export.epub", nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/epub+zip", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), ".epub")
		assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
	})

	t.Run("search", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/books?title=东方", nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[map[string]any](t, rec)
		books := got["books"].([]any)
		require.Len(t, books, 1)
		book := books[0].(map[string]any)
		assert.Equal(t, fp, book["fingerprint"])
		assert.NotContains(t, book, "chapters")
	})

	t.Run("search miss", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/books?title=西游", nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"query":"西游","books":[]}`, rec.Body.String())
	})

	t.Run("health counts", func(t *testing.T) {
		resp := decode[types.HealthResponse](t, s.do(t, http.MethodGet, "/api/v1/health", nil, false))
		assert.Equal(t, int64(1), resp.BookCount)
	})
}

func TestIngestRecords_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("unauthorized", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/records", []byte(`[]`), false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	})

	t.Run("invalid json", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/records", []byte(`{"kind":`), true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid run id", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/records?run_id=nope", []byte(`[]`), true)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		p := decode[ProblemWithErrors](t, rec)
		require.Len(t, p.Errors, 1)
		assert.Equal(t, "run_id", p.Errors[0].Field)
	})

	t.Run("partial acceptance", func(t *testing.T) {
		body := `[
			{"kind":"book","title":"Alpha","author":"Bob","source":"https://a.example/alpha"},
			{"kind":"book","title":"","author":"Bob","source":"https://a.example/x"},
			{"kind":"poem"}
		]`
		rec := s.do(t, http.MethodPost, "/api/v1/records", []byte(body), true)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[types.IngestResponse](t, rec)
		assert.Equal(t, 1, resp.BooksCreated)
		assert.Equal(t, 2, resp.Rejected)
		assert.Len(t, resp.Errors, 2)
	})

	t.Run("too many records", func(t *testing.T) {
		body := "[" + strings.TrimSuffix(strings.Repeat(`{"kind":"book"},`, MaxRecordsPerRequest+1), ",") + "]"
		rec := s.do(t, http.MethodPost, "/api/v1/records", []byte(body), true)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestIngestRecords_RunIDRecordedInChanges(t *testing.T) {
	s := newTestServer(t, nil)
	const runID = "01HZX3K5Q8J9V7W6T4R2N0M1PB"

	rec := s.post(t, "/api/v1/records?run_id="+runID, ingest.BookRecord(alphaRecord()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runID, decode[types.IngestResponse](t, rec).RunID)

	rec = s.do(t, http.MethodGet, "/api/v1/shards/0/changes", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ChangesResponse](t, rec)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, runID, resp.Changes[0].RunID)
	assert.Equal(t, alphaRecord().Fingerprint(), resp.Changes[0].EntityID)
	assert.False(t, resp.HasMore)
}

func TestShardChanges_Pagination(t *testing.T) {
	s := newTestServer(t, nil)
	b := alphaRecord()
	s.post(t, "/api/v1/records", ingest.BookRecord(b))
	s.post(t, "/api/v1/records", ingest.ChapterRecord(chapterOf(b, 1, "一")))
	s.post(t, "/api/v1/records", ingest.ChapterRecord(chapterOf(b, 2, "二")))

	rec := s.do(t, http.MethodGet, "/api/v1/shards/00000/changes?after=0&limit=2", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[ChangesResponse](t, rec)
	assert.Len(t, page.Changes, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(3), page.LatestSequence)

	rec = s.do(t, http.MethodGet, "/api/v1/shards/0/changes?after=2&limit=2", nil, true)
	page = decode[ChangesResponse](t, rec)
	assert.Len(t, page.Changes, 1)
	assert.False(t, page.HasMore)

	for _, q := range []string{"after=-1", "after=x", "limit=0"} {
		rec := s.do(t, http.MethodGet, "/api/v1/shards/0/changes?"+q, nil, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetBook_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/books/not-a-fingerprint", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/books/"+alphaRecord().Fingerprint(), nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	p := decode[Problem](t, rec)
	assert.Equal(t, http.StatusNotFound, p.Status)

	rec = s.do(t, http.MethodGet, "/api/v1/chapters/"+strings.Repeat("0", 64), nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/books", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShards(t *testing.T) {
	s := newTestServer(t, nil)
	for _, title := range []string{"甲", "乙", "丙"} {
		b := alphaRecord()
		b.Title = title
		require.Equal(t, http.StatusOK, s.post(t, "/api/v1/records", ingest.BookRecord(b)).Code)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/shards", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	shards := decode[[]types.ShardInfo](t, rec)
	require.Len(t, shards, 2)
	assert.Equal(t, int64(2), shards[0].BookCount)
	assert.NotNil(t, shards[0].SealedAt)
	assert.True(t, shards[1].Current)

	rec = s.do(t, http.MethodGet, "/api/v1/shards/1", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[ShardDetail](t, rec)
	assert.Equal(t, "00001", detail.Name)
	assert.True(t, detail.Current)
	require.NotNil(t, detail.Stats)
	assert.Equal(t, int64(1), detail.Stats.BookCount)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/shards/7", nil, false).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/shards/abc", nil, false).Code)
}

type fakeUploader struct {
	url string
}

func (f *fakeUploader) Upload(context.Context, string, string) error { return nil }

func (f *fakeUploader) PresignedURL(_ context.Context, name string) (string, time.Time, error) {
	return f.url + name, time.Now().Add(time.Minute), nil
}

func TestShardSnapshot_Local(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/shards/0/snapshot", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sh, err := s.manager.Shard(0)
	require.NoError(t, err)
	require.NoError(t, sh.Store.GenerateSnapshot(context.Background()))

	rec = s.do(t, http.MethodGet, "/api/v1/shards/0/snapshot", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "SQLite format 3"))
}

func TestShardSnapshot_Redirect(t *testing.T) {
	s := newTestServer(t, &fakeUploader{url: "https://s3.example.com/"})

	rec := s.do(t, http.MethodGet, "/api/v1/shards/0/snapshot", nil, true)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://s3.example.com/00000", rec.Header().Get("Location"))
}

func TestPendingChapters(t *testing.T) {
	s := newTestServer(t, nil)
	b := alphaRecord()
	s.post(t, "/api/v1/records", ingest.ChapterRecord(chapterOf(b, 1, "一")))

	rec := s.do(t, http.MethodGet, "/api/v1/ingest/pending", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PendingResponse](t, rec)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, map[string]int{b.Fingerprint(): 1}, resp.Books)

	s.post(t, "/api/v1/records", ingest.BookRecord(b))
	resp = decode[PendingResponse](t, s.do(t, http.MethodGet, "/api/v1/ingest/pending", nil, true))
	assert.Zero(t, resp.Total)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodGet, "/api/v1/health", nil, false)

	rec := s.do(t, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `noveldl_http_request_duration_seconds_count{method="GET",route="/api/v1/health"} 1`)
	assert.Contains(t, body, `noveldl_shard_books{shard="00000"} 0`)
}
