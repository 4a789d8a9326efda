package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ChineseWriter/novel-dl/internal/merge"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

type chapterRow struct {
	Fingerprint     string    `db:"fingerprint"`
	BookFingerprint string    `db:"book_fingerprint"`
	Index           int       `db:"idx"`
	Title           string    `db:"title"`
	UpdateTime      float64   `db:"update_time"`
	Content         string    `db:"content"`
	Attributes      StringMap `db:"attributes"`
}

func newChapterRow(c types.Chapter) chapterRow {
	return chapterRow{
		Fingerprint:     c.Fingerprint(),
		BookFingerprint: c.BookFingerprint,
		Index:           c.Index,
		Title:           c.Title,
		UpdateTime:      types.UnixSeconds(c.UpdatedAt),
		Content:         c.Content,
		Attributes:      c.Attributes,
	}
}

func (r chapterRow) chapter() types.Chapter {
	return types.Chapter{
		BookFingerprint: r.BookFingerprint,
		Index:           r.Index,
		Title:           r.Title,
		UpdatedAt:       types.FromUnixSeconds(r.UpdateTime),
		Content:         r.Content,
		Attributes:      r.Attributes,
	}
}

// GetChapter returns the chapter with the given fingerprint.
func (s *SQLiteStore) GetChapter(ctx context.Context, fingerprint string) (*types.Chapter, error) {
	var row chapterRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM chapters WHERE fingerprint = ?", fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chapter %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter: %w", err)
	}

	c := row.chapter()
	if err := s.db.SelectContext(ctx, &c.Sources,
		"SELECT url FROM chapter_sources WHERE chapter_fingerprint = ? ORDER BY url", fingerprint); err != nil {
		return nil, fmt.Errorf("get chapter sources: %w", err)
	}
	if len(c.Sources) == 0 {
		c.Sources = nil
	}
	return &c, nil
}

// PutChapter inserts the chapter or replaces it by fingerprint.
// The owning book must already be stored in this shard.
func (s *SQLiteStore) PutChapter(ctx context.Context, chapter types.Chapter) error {
	chapter = merge.Chapter(chapter)
	fp := chapter.Fingerprint()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM chapters WHERE fingerprint = ?", fp)
		if err != nil {
			return fmt.Errorf("delete chapter: %w", err)
		}
		op := opInsert
		if n, _ := res.RowsAffected(); n > 0 {
			op = opReplace
		}

		if err := insertChapter(ctx, tx, chapter); err != nil {
			return err
		}
		return appendChange(ctx, tx, tableChapters, fp, op)
	})
}

// MergeChapter merges chapter into the chapter stored at the same book and
// index, or inserts it when the slot is empty. A stored chapter with a
// different title is reconciled first: both take the longer title and the
// row is rewritten under the resulting fingerprint. It returns ErrNotFound
// when the owning book is not in this shard.
func (s *SQLiteStore) MergeChapter(ctx context.Context, chapter types.Chapter) (*types.Chapter, error) {
	chapter = merge.Chapter(chapter)
	var result types.Chapter

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := hasBook(ctx, tx, chapter.BookFingerprint)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("book %s: %w", chapter.BookFingerprint, ErrNotFound)
		}

		existing, err := chapterAt(ctx, tx, chapter.BookFingerprint, chapter.Index)
		if errors.Is(err, ErrNotFound) {
			result = chapter
			if err := insertChapter(ctx, tx, chapter); err != nil {
				return err
			}
			return appendChange(ctx, tx, tableChapters, chapter.Fingerprint(), opInsert)
		}
		if err != nil {
			return err
		}

		result, err = merge.SameSlot(*existing, chapter)
		if err != nil {
			return err
		}
		if err := upsertChapter(ctx, tx, result); err != nil {
			return err
		}
		return appendChange(ctx, tx, tableChapters, result.Fingerprint(), opMerge)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// chapterAt returns the chapter occupying a book's index, with sources.
func chapterAt(ctx context.Context, q sqlx.QueryerContext, bookFP string, index int) (*types.Chapter, error) {
	var row chapterRow
	err := sqlx.GetContext(ctx, q, &row,
		"SELECT * FROM chapters WHERE book_fingerprint = ? AND idx = ?", bookFP, index)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chapter %s#%d: %w", bookFP, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter: %w", err)
	}

	c := row.chapter()
	if err := sqlx.SelectContext(ctx, q, &c.Sources,
		"SELECT url FROM chapter_sources WHERE chapter_fingerprint = ? ORDER BY url", row.Fingerprint); err != nil {
		return nil, fmt.Errorf("get chapter sources: %w", err)
	}
	if len(c.Sources) == 0 {
		c.Sources = nil
	}
	return &c, nil
}

// loadChapters returns every chapter of a book ordered by index.
func loadChapters(ctx context.Context, q sqlx.QueryerContext, bookFP string) ([]types.Chapter, error) {
	var rows []chapterRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		"SELECT * FROM chapters WHERE book_fingerprint = ? ORDER BY idx", bookFP); err != nil {
		return nil, fmt.Errorf("get chapters: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var sources []struct {
		Chapter string `db:"chapter_fingerprint"`
		URL     string `db:"url"`
	}
	if err := sqlx.SelectContext(ctx, q, &sources, `
		SELECT cs.chapter_fingerprint, cs.url
		FROM chapter_sources cs
		JOIN chapters c ON c.fingerprint = cs.chapter_fingerprint
		WHERE c.book_fingerprint = ?
		ORDER BY cs.url
	`, bookFP); err != nil {
		return nil, fmt.Errorf("get chapter sources: %w", err)
	}
	byChapter := make(map[string][]string, len(rows))
	for _, src := range sources {
		byChapter[src.Chapter] = append(byChapter[src.Chapter], src.URL)
	}

	chapters := make([]types.Chapter, 0, len(rows))
	for _, row := range rows {
		c := row.chapter()
		c.Sources = byChapter[row.Fingerprint]
		chapters = append(chapters, c)
	}
	return chapters, nil
}

func insertChapter(ctx context.Context, tx *sqlx.Tx, c types.Chapter) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO chapters (fingerprint, book_fingerprint, idx, title, update_time, content, attributes)
		VALUES (:fingerprint, :book_fingerprint, :idx, :title, :update_time, :content, :attributes)
	`, newChapterRow(c))
	if err != nil {
		return fmt.Errorf("insert chapter %d: %w", c.Index, err)
	}
	return insertChapterSources(ctx, tx, c)
}

// upsertChapter writes an already merged chapter. Any row at the same book
// and index under another fingerprint is the pre-reconciliation title and
// is removed first.
func upsertChapter(ctx context.Context, tx *sqlx.Tx, c types.Chapter) error {
	fp := c.Fingerprint()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM chapters WHERE book_fingerprint = ? AND idx = ? AND fingerprint <> ?",
		c.BookFingerprint, c.Index, fp); err != nil {
		return fmt.Errorf("delete drifted chapter: %w", err)
	}

	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO chapters (fingerprint, book_fingerprint, idx, title, update_time, content, attributes)
		VALUES (:fingerprint, :book_fingerprint, :idx, :title, :update_time, :content, :attributes)
		ON CONFLICT(fingerprint) DO UPDATE SET
			update_time = excluded.update_time,
			content = excluded.content,
			attributes = excluded.attributes
	`, newChapterRow(c))
	if err != nil {
		return fmt.Errorf("upsert chapter %d: %w", c.Index, err)
	}
	return insertChapterSources(ctx, tx, c)
}

func insertChapterSources(ctx context.Context, tx *sqlx.Tx, c types.Chapter) error {
	fp := c.Fingerprint()
	for _, src := range c.Sources {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO chapter_sources (chapter_fingerprint, url) VALUES (?, ?)", fp, src); err != nil {
			return fmt.Errorf("insert chapter source: %w", err)
		}
	}
	return nil
}
