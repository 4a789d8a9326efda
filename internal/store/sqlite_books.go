package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ChineseWriter/novel-dl/internal/merge"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

type bookRow struct {
	Fingerprint string      `db:"fingerprint"`
	Title       string      `db:"title"`
	Author      string      `db:"author"`
	State       int         `db:"state"`
	Description string      `db:"description"`
	Tags        StringSlice `db:"tags"`
	Attributes  StringMap   `db:"attributes"`
	CreatedAt   string      `db:"created_at"`
	UpdatedAt   string      `db:"updated_at"`
}

type coverRow struct {
	Fingerprint     string `db:"fingerprint"`
	BookFingerprint string `db:"book_fingerprint"`
	URL             string `db:"url"`
	Data            []byte `db:"data"`
}

// GetBook returns the book with its covers and chapters.
func (s *SQLiteStore) GetBook(ctx context.Context, fingerprint string) (*types.Book, error) {
	return loadBook(ctx, s.db, fingerprint, true)
}

// GetBookSummary returns the book with its covers but without chapters.
func (s *SQLiteStore) GetBookSummary(ctx context.Context, fingerprint string) (*types.Book, error) {
	return loadBook(ctx, s.db, fingerprint, false)
}

// HasBook reports whether the shard holds the book.
func (s *SQLiteStore) HasBook(ctx context.Context, fingerprint string) (bool, error) {
	return hasBook(ctx, s.db, fingerprint)
}

// PutBook inserts the book or replaces it by fingerprint. Replacing drops
// the previous chapters, covers, sources and tokens before writing the new
// ones. The title tokens are written in the same transaction.
func (s *SQLiteStore) PutBook(ctx context.Context, book types.Book, tokens []string) error {
	book = merge.Book(book)
	fp := book.Fingerprint()
	for _, c := range book.Chapters {
		if c.BookFingerprint != fp {
			return fmt.Errorf("chapter %d belongs to %s: %w", c.Index, c.BookFingerprint, merge.ErrIdentityMismatch)
		}
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := formatTime(time.Now())
		created := now
		op := opInsert

		var prev string
		err := tx.GetContext(ctx, &prev, "SELECT created_at FROM books WHERE fingerprint = ?", fp)
		switch {
		case err == nil:
			created, op = prev, opReplace
			if _, err := tx.ExecContext(ctx, "DELETE FROM books WHERE fingerprint = ?", fp); err != nil {
				return fmt.Errorf("delete book: %w", err)
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup book: %w", err)
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO books (fingerprint, title, author, state, description, tags, attributes, created_at, updated_at)
			VALUES (:fingerprint, :title, :author, :state, :description, :tags, :attributes, :created_at, :updated_at)
		`, bookRow{
			Fingerprint: fp,
			Title:       book.Title,
			Author:      book.Author,
			State:       int(book.State),
			Description: book.Description,
			Tags:        book.Tags,
			Attributes:  book.Attributes,
			CreatedAt:   created,
			UpdatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("insert book: %w", err)
		}

		if err := writeBookSatellites(ctx, tx, fp, book); err != nil {
			return err
		}
		for _, c := range book.Chapters {
			if err := insertChapter(ctx, tx, c); err != nil {
				return err
			}
		}
		for _, tok := range tokens {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO title_tokens (token, book_fingerprint) VALUES (?, ?)", tok, fp); err != nil {
				return fmt.Errorf("insert token %q: %w", tok, err)
			}
		}

		return appendChange(ctx, tx, tableBooks, fp, op)
	})
}

// MergeBook merges book into the stored record with the same fingerprint
// in one transaction. It returns ErrNotFound when the shard does not hold
// the book. Stored chapters are loaded and merged only when book carries
// chapters; the returned book carries chapters under the same condition.
func (s *SQLiteStore) MergeBook(ctx context.Context, book types.Book) (*types.Book, error) {
	fp := book.Fingerprint()
	var merged types.Book

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := loadBook(ctx, tx, fp, len(book.Chapters) > 0)
		if err != nil {
			return err
		}

		merged, err = merge.Books(*existing, book)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE books SET state = ?, description = ?, tags = ?, attributes = ?, updated_at = ?
			WHERE fingerprint = ?
		`, int(merged.State), merged.Description, StringSlice(merged.Tags), StringMap(merged.Attributes),
			formatTime(time.Now()), fp)
		if err != nil {
			return fmt.Errorf("update book: %w", err)
		}

		if err := writeBookSatellites(ctx, tx, fp, merged); err != nil {
			return err
		}
		for _, c := range merged.Chapters {
			if err := upsertChapter(ctx, tx, c); err != nil {
				return err
			}
		}

		return appendChange(ctx, tx, tableBooks, fp, opMerge)
	})
	if err != nil {
		return nil, err
	}
	return &merged, nil
}

// writeBookSatellites adds sources and covers. Existing rows are kept; a
// stored cover takes the new data when it is longer, or bytewise greater at
// equal length, matching merge.Covers.
func writeBookSatellites(ctx context.Context, tx *sqlx.Tx, fp string, book types.Book) error {
	for _, src := range book.Sources {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO book_sources (book_fingerprint, url) VALUES (?, ?)", fp, src); err != nil {
			return fmt.Errorf("insert book source: %w", err)
		}
	}
	for _, c := range book.Covers {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO covers (fingerprint, book_fingerprint, url, data)
			VALUES (:fingerprint, :book_fingerprint, :url, :data)
			ON CONFLICT(book_fingerprint, fingerprint) DO UPDATE SET data = excluded.data
			WHERE length(excluded.data) > coalesce(length(covers.data), 0)
			   OR (length(excluded.data) = length(covers.data) AND excluded.data > covers.data)
		`, coverRow{Fingerprint: c.Fingerprint(), BookFingerprint: fp, URL: c.URL, Data: c.Data})
		if err != nil {
			return fmt.Errorf("insert cover: %w", err)
		}
	}
	return nil
}

func hasBook(ctx context.Context, q sqlx.QueryerContext, fp string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, "SELECT EXISTS(SELECT 1 FROM books WHERE fingerprint = ?)", fp)
	if err != nil {
		return false, fmt.Errorf("check book: %w", err)
	}
	return exists, nil
}

func loadBook(ctx context.Context, q sqlx.QueryerContext, fp string, withChapters bool) (*types.Book, error) {
	var row bookRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT * FROM books WHERE fingerprint = ?", fp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %s: %w", fp, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}

	book := &types.Book{
		Title:       row.Title,
		Author:      row.Author,
		State:       types.State(row.State),
		Description: row.Description,
		Tags:        row.Tags,
		Attributes:  row.Attributes,
	}

	if err := sqlx.SelectContext(ctx, q, &book.Sources,
		"SELECT url FROM book_sources WHERE book_fingerprint = ? ORDER BY url", fp); err != nil {
		return nil, fmt.Errorf("get book sources: %w", err)
	}
	if len(book.Sources) == 0 {
		book.Sources = nil
	}

	var covers []coverRow
	if err := sqlx.SelectContext(ctx, q, &covers,
		"SELECT * FROM covers WHERE book_fingerprint = ? ORDER BY fingerprint", fp); err != nil {
		return nil, fmt.Errorf("get covers: %w", err)
	}
	for _, c := range covers {
		book.Covers = append(book.Covers, types.Cover{URL: c.URL, Data: c.Data})
	}

	if withChapters {
		book.Chapters, err = loadChapters(ctx, q, fp)
		if err != nil {
			return nil, err
		}
	}

	return book, nil
}
