package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChineseWriter/novel-dl/internal/metrics"
	"github.com/ChineseWriter/novel-dl/internal/shard"
	"github.com/ChineseWriter/novel-dl/internal/store"
	"github.com/ChineseWriter/novel-dl/internal/types"
	"github.com/ChineseWriter/novel-dl/internal/validation"
)

func newTestManager(t *testing.T, opts ...shard.Option) *shard.Manager {
	t.Helper()
	m, err := shard.NewManager(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func bookRecord(title, author string) types.BookRecord {
	return types.BookRecord{
		Title:  title,
		Author: author,
		State:  "连载",
		Source: "https://example.com/" + title,
	}
}

func chapterRecord(b types.BookRecord, index int, content string) types.ChapterRecord {
	return types.ChapterRecord{
		BookFingerprint: b.Fingerprint(),
		Index:           index,
		Title:           fmt.Sprintf("第%d章", index),
		Content:         content,
		Source:          fmt.Sprintf("https://example.com/%s/%d", b.Title, index),
	}
}

func TestPipeline_OutOfOrderReplay(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	p := New(m)

	b := bookRecord("东方传说", "佚名")
	c := chapterRecord(b, 1, "正文")

	stored, err := p.ProcessChapter(ctx, c)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, 1, p.Buffer().Len())

	outcome, err := p.ProcessBook(ctx, b)
	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.Equal(t, 1, outcome.Replayed)
	assert.Zero(t, p.Buffer().Len())
	assert.Empty(t, p.Buffer().Pending())

	want := c.Chapter()
	got, err := m.GetChapter(ctx, want.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, want.Index, got.Index)
	assert.Equal(t, want.Title, got.Title)
	assert.Equal(t, want.Content, got.Content)
	assert.Equal(t, want.Sources, got.Sources)
}

func TestPipeline_ChapterAfterBookIsStored(t *testing.T) {
	ctx := context.Background()
	p := New(newTestManager(t))

	b := bookRecord("Alpha", "Bob")
	_, err := p.ProcessBook(ctx, b)
	require.NoError(t, err)

	stored, err := p.ProcessChapter(ctx, chapterRecord(b, 1, "content"))
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Zero(t, p.Buffer().Len())
}

func TestPipeline_InvalidRecords(t *testing.T) {
	ctx := context.Background()
	p := New(newTestManager(t))

	_, err := p.ProcessBook(ctx, types.BookRecord{Title: "x"})
	assert.ErrorIs(t, err, validation.ErrInvalidRecord)

	_, err = p.ProcessChapter(ctx, types.ChapterRecord{BookFingerprint: "short", Index: 0})
	assert.ErrorIs(t, err, validation.ErrInvalidRecord)
	assert.Zero(t, p.Buffer().Len())
}

func TestPipeline_RunConcurrentOutOfOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, shard.WithCapacity(3))
	met := metrics.New()
	p := New(m, WithWorkers(8), WithMetrics(met))

	var records []Record
	var books []types.BookRecord
	for i := 0; i < 10; i++ {
		b := bookRecord(fmt.Sprintf("书%02d", i), "作者")
		books = append(books, b)
		for j := 1; j <= 5; j++ {
			records = append(records, ChapterRecord(chapterRecord(b, j, strings.Repeat("字", j))))
		}
	}
	for _, b := range books {
		records = append(records, BookRecord(b))
	}

	report, err := p.Run(ctx, Records(records))
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 10, report.BooksCreated)
	assert.Equal(t, 50, report.ChaptersStored+report.ChaptersBuffered)
	assert.Equal(t, report.ChaptersBuffered, report.ChaptersReplayed)
	assert.Empty(t, report.Orphaned)
	assert.Zero(t, p.Buffer().Len())

	for _, b := range books {
		got, err := m.GetBook(ctx, b.Fingerprint())
		require.NoError(t, err)
		assert.Len(t, got.Chapters, 5, b.Title)
	}
	assert.GreaterOrEqual(t, len(m.Shards()), 4)
}

func TestPipeline_RunReportsRejectedAndOrphaned(t *testing.T) {
	ctx := context.Background()
	p := New(newTestManager(t), WithWorkers(2))

	missing := bookRecord("无书", "无名")
	input := strings.Join([]string{
		`{"kind":"book","title":"Alpha","author":"Bob","state":"Serializing","source":"https://a.example/alpha"}`,
		``,
		`{"kind":"book","title":"","author":"Bob","source":"https://a.example/x"}`,
		`{"kind":"magazine"}`,
		`not json`,
		fmt.Sprintf(`{"kind":"chapter","book_fingerprint":%q,"index":1,"title":"t","content":"c","source":"https://a.example/c"}`, missing.Fingerprint()),
	}, "\n")

	report, err := p.Run(ctx, JSONLines(strings.NewReader(input)))
	require.NoError(t, err)

	assert.Equal(t, 1, report.BooksCreated)
	assert.Equal(t, 3, report.Rejected)
	assert.Len(t, report.Errors, 3)
	assert.Equal(t, 1, report.ChaptersBuffered)
	assert.Equal(t, map[string]int{missing.Fingerprint(): 1}, report.Orphaned)

	resp := report.Response()
	assert.Equal(t, report.RunID, resp.RunID)
	assert.Equal(t, 3, resp.Rejected)
}

func TestPipeline_RunUsesRunIDFromContext(t *testing.T) {
	ctx := store.WithRunID(context.Background(), "01HZX3K5Q8J9V7W6T4R2N0M1PB")
	p := New(newTestManager(t))

	report, err := p.Run(ctx, Records([]Record{BookRecord(bookRecord("Alpha", "Bob"))}))
	require.NoError(t, err)
	assert.Equal(t, "01HZX3K5Q8J9V7W6T4R2N0M1PB", report.RunID)
}

type failingWriter struct {
	mu       sync.Mutex
	hasBook  bool
	bookErr  error
	chapErr  error
	chapters int
}

func (w *failingWriter) AddBook(_ context.Context, book types.Book) (*shard.BookResult, error) {
	if w.bookErr != nil {
		return nil, w.bookErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hasBook = true
	return &shard.BookResult{Created: true, Book: book}, nil
}

func (w *failingWriter) AddChapter(context.Context, types.Chapter) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.hasBook {
		return false, nil
	}
	if w.chapErr != nil {
		return false, w.chapErr
	}
	w.chapters++
	return true, nil
}

func TestPipeline_ReplayFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	w := &failingWriter{chapErr: fmt.Errorf("%w: disk gone", store.ErrStorageUnavailable)}
	p := New(w, WithWorkers(1))

	b := bookRecord("Alpha", "Bob")
	_, err := p.ProcessChapter(ctx, chapterRecord(b, 1, "c"))
	require.NoError(t, err)
	_, err = p.ProcessChapter(ctx, chapterRecord(b, 2, "c"))
	require.NoError(t, err)

	outcome, err := p.ProcessBook(ctx, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReplayFailed)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Created)
	assert.Equal(t, 2, p.Buffer().Len(), "unreplayed chapters restored")
}

func TestPipeline_RunStopsOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	w := &failingWriter{bookErr: fmt.Errorf("%w: disk gone", store.ErrStorageUnavailable)}
	p := New(w, WithWorkers(2))

	var records []Record
	for i := 0; i < 20; i++ {
		records = append(records, BookRecord(bookRecord(fmt.Sprintf("b%d", i), "a")))
	}
	report, err := p.Run(ctx, Records(records))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrStorageUnavailable))
	require.NotNil(t, report)
	assert.Zero(t, report.BooksCreated)
}

func TestPipeline_ConstraintViolationRejects(t *testing.T) {
	ctx := context.Background()
	w := &failingWriter{bookErr: fmt.Errorf("%w: UNIQUE", store.ErrConstraintViolation)}
	p := New(w)

	report, err := p.Run(ctx, Records([]Record{BookRecord(bookRecord("Alpha", "Bob"))}))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
}
