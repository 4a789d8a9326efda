// Package ingest routes crawler records into the shard manager, buffering
// chapters that arrive before their book.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ChineseWriter/novel-dl/internal/metrics"
	"github.com/ChineseWriter/novel-dl/internal/shard"
	"github.com/ChineseWriter/novel-dl/internal/store"
	"github.com/ChineseWriter/novel-dl/internal/types"
	"github.com/ChineseWriter/novel-dl/internal/validation"
)

// DefaultWorkers is the number of concurrent record workers per run.
const DefaultWorkers = 4

// maxReportedErrors caps the rejection messages kept in a Report.
const maxReportedErrors = 100

// ErrReplayFailed indicates a buffered chapter could not be written after
// its book was stored. It aborts the run.
var ErrReplayFailed = errors.New("replay of buffered chapters failed")

// Writer is the part of the shard manager the pipeline writes through.
type Writer interface {
	AddBook(ctx context.Context, book types.Book) (*shard.BookResult, error)
	AddChapter(ctx context.Context, chapter types.Chapter) (bool, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers sets the number of concurrent record workers.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithMetrics records ingest outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline validates records and writes them through a Writer. Its buffer
// outlives individual runs, so a chapter from one run is replayed when its
// book arrives in a later one.
type Pipeline struct {
	writer  Writer
	buffer  *Buffer
	gate    *gate
	workers int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Pipeline writing through w.
func New(w Writer, opts ...Option) *Pipeline {
	p := &Pipeline{
		writer:  w,
		buffer:  NewBuffer(),
		gate:    newGate(),
		workers: DefaultWorkers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

// Buffer returns the out-of-order chapter buffer.
func (p *Pipeline) Buffer() *Buffer {
	return p.buffer
}

// BookOutcome describes a processed book record.
type BookOutcome struct {
	shard.BookResult
	Replayed int
}

// ProcessBook validates r, stores the book and replays any chapters that
// were waiting on it.
func (p *Pipeline) ProcessBook(ctx context.Context, r types.BookRecord) (*BookOutcome, error) {
	if err := validation.BookRecord(r); err != nil {
		return nil, err
	}
	book := r.Book()
	fp := book.Fingerprint()

	unlock := p.gate.Lock(fp)
	defer unlock()

	res, err := p.writer.AddBook(ctx, book)
	if err != nil {
		return nil, err
	}
	outcome := &BookOutcome{BookResult: *res}
	p.observeBook(res)

	pending := p.buffer.Take(fp)
	for i, ch := range pending {
		ok, err := p.writer.AddChapter(ctx, ch)
		if err == nil && !ok {
			err = errors.New("book not present after insert")
		}
		if err != nil {
			p.buffer.Restore(fp, pending[i:])
			p.setPending()
			return outcome, fmt.Errorf("%w: book %s chapter %d: %v", ErrReplayFailed, fp, ch.Index, err)
		}
		outcome.Replayed++
		if p.metrics != nil {
			p.metrics.ObserveChapter(metrics.OutcomeReplayed)
		}
	}
	if len(pending) > 0 {
		p.setPending()
		p.logger.Debug("buffered chapters replayed",
			"component", "ingest",
			"action", "chapters_replayed",
			"book", fp,
			"count", len(pending),
		)
	}
	return outcome, nil
}

// ProcessChapter validates r and stores the chapter, or buffers it when its
// book is not stored yet. stored reports which happened.
func (p *Pipeline) ProcessChapter(ctx context.Context, r types.ChapterRecord) (stored bool, err error) {
	if err := validation.ChapterRecord(r); err != nil {
		return false, err
	}
	for _, w := range validation.ChapterWarnings(r) {
		p.logger.Debug("chapter record warning",
			"component", "ingest",
			"action", "chapter_warning",
			"book", r.BookFingerprint,
			"index", r.Index,
			"field", w.Field,
			"message", w.Message,
		)
	}
	chapter := r.Chapter()

	unlock := p.gate.RLock(chapter.BookFingerprint)
	defer unlock()

	ok, err := p.writer.AddChapter(ctx, chapter)
	if err != nil {
		return false, err
	}
	if ok {
		if p.metrics != nil {
			p.metrics.ObserveChapter(metrics.OutcomeStored)
		}
		return true, nil
	}

	p.buffer.Add(chapter)
	p.setPending()
	if p.metrics != nil {
		p.metrics.ObserveChapter(metrics.OutcomeBuffered)
	}
	return false, nil
}

func (p *Pipeline) observeBook(res *shard.BookResult) {
	if p.metrics == nil {
		return
	}
	if res.Created {
		p.metrics.ObserveBook(metrics.OutcomeCreated)
	} else {
		p.metrics.ObserveBook(metrics.OutcomeMerged)
	}
	if res.RolledOver {
		p.metrics.ObserveRollover()
	}
}

func (p *Pipeline) setPending() {
	if p.metrics != nil {
		p.metrics.SetPending(p.buffer.Len())
	}
}

// Report summarizes one run.
type Report struct {
	RunID            string
	BooksCreated     int
	BooksMerged      int
	Rollovers        int
	ChaptersStored   int
	ChaptersBuffered int
	ChaptersReplayed int
	Rejected         int
	Errors           []string

	// Orphaned maps book fingerprints to chapters still waiting on them
	// when the run ended.
	Orphaned map[string]int
}

// Response converts the report into its API form.
func (r *Report) Response() types.IngestResponse {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	return types.IngestResponse{
		RunID:            r.RunID,
		BooksCreated:     r.BooksCreated,
		BooksMerged:      r.BooksMerged,
		ChaptersStored:   r.ChaptersStored,
		ChaptersBuffered: r.ChaptersBuffered,
		ChaptersReplayed: r.ChaptersReplayed,
		Rejected:         r.Rejected,
		Errors:           errs,
	}
}

type tally struct {
	mu     sync.Mutex
	report Report
}

func (t *tally) book(o *BookOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o.Created {
		t.report.BooksCreated++
	} else {
		t.report.BooksMerged++
	}
	if o.RolledOver {
		t.report.Rollovers++
	}
	t.report.ChaptersReplayed += o.Replayed
}

func (t *tally) chapter(stored bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stored {
		t.report.ChaptersStored++
	} else {
		t.report.ChaptersBuffered++
	}
}

func (t *tally) reject(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Rejected++
	if len(t.report.Errors) < maxReportedErrors {
		t.report.Errors = append(t.report.Errors, msg)
	}
}

// Run processes every record from feed with the configured number of
// workers. Invalid records and constraint violations are counted and
// skipped. Storage failures, identity mismatches and replay failures stop
// the run and are returned alongside the partial report.
//
// Writes are tagged with the run ID from ctx (see store.WithRunID); a new
// ULID is generated when ctx carries none.
func (p *Pipeline) Run(ctx context.Context, feed Feed) (*Report, error) {
	runID := store.RunIDFromContext(ctx)
	if runID == "" {
		runID = ulid.Make().String()
		ctx = store.WithRunID(ctx, runID)
	}
	t := &tally{report: Report{RunID: runID}}
	logger := p.logger.With("run_id", runID)

	logger.Info("ingest run started",
		"component", "ingest",
		"action", "run_started",
		"workers", p.workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	records := make(chan Record)
	g.Go(func() error {
		defer close(records)
		return feed(gctx, records)
	})
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for rec := range records {
				if gctx.Err() != nil {
					continue
				}
				if err := p.handle(gctx, rec, t, logger); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()

	report := t.report
	report.Orphaned = p.buffer.Pending()
	for fp, n := range report.Orphaned {
		logger.Warn("chapters waiting on missing book",
			"component", "ingest",
			"action", "chapters_orphaned",
			"book", fp,
			"count", n,
		)
	}

	if err != nil {
		logger.Error("ingest run failed",
			"component", "ingest",
			"action", "run_failed",
			"error", err,
		)
		return &report, err
	}

	logger.Info("ingest run completed",
		"component", "ingest",
		"action", "run_completed",
		"books_created", report.BooksCreated,
		"books_merged", report.BooksMerged,
		"chapters_stored", report.ChaptersStored,
		"chapters_buffered", report.ChaptersBuffered,
		"chapters_replayed", report.ChaptersReplayed,
		"rejected", report.Rejected,
	)
	return &report, nil
}

// handle processes one record. It returns an error only when the run must stop.
func (p *Pipeline) handle(ctx context.Context, rec Record, t *tally, logger *slog.Logger) error {
	var err error
	switch {
	case rec.Err != nil:
		err = rec.Err
	case rec.Book != nil:
		var outcome *BookOutcome
		outcome, err = p.ProcessBook(ctx, *rec.Book)
		if outcome != nil {
			t.book(outcome)
		}
	case rec.Chapter != nil:
		var stored bool
		stored, err = p.ProcessChapter(ctx, *rec.Chapter)
		if err == nil {
			t.chapter(stored)
		}
	default:
		err = fmt.Errorf("%w: record has no payload", validation.ErrInvalidRecord)
	}
	if err == nil {
		return nil
	}

	if fatal(err) {
		return err
	}

	kind := rec.Kind
	if kind == "" {
		kind = "unknown"
	}
	msg := err.Error()
	if rec.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", rec.Line, msg)
	}
	t.reject(msg)
	if p.metrics != nil {
		p.metrics.ObserveRejected(kind)
	}
	logger.Warn("record rejected",
		"component", "ingest",
		"action", "record_rejected",
		"kind", kind,
		"line", rec.Line,
		"error", err,
	)
	return nil
}

// fatal reports whether err must stop the run. Bad input and constraint
// violations only reject the record.
func fatal(err error) bool {
	return !errors.Is(err, validation.ErrInvalidRecord) &&
		!errors.Is(err, store.ErrConstraintViolation)
}
