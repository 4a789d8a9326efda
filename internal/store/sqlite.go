package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLiteStore is the SQLite-backed record store of one shard.
type SQLiteStore struct {
	db   *sqlx.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the shard database at dbPath.
// It applies pragmas on every pooled connection and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, unavailable("create database directory", err)
		}
	}

	db, err := sqlx.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, unavailable("open database", err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping database", err)
	}

	if err := RunMigrations(ctx, db.DB); err != nil {
		db.Close()
		return nil, unavailable("migrate database", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// dsn encodes pragmas so that each new connection gets them.
// Immediate transactions take the write lock up front, which keeps
// read-merge-write units from failing on lock upgrade.
func dsn(dbPath string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return dbPath + "?" + q.Encode()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction. The transaction is rolled back on
// every exit path except a successful commit.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// BookCount returns the number of books in the shard.
func (s *SQLiteStore) BookCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM books"); err != nil {
		return 0, unavailable("count books", err)
	}
	return count, nil
}

// GetStats returns aggregate shard statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*types.ShardStats, error) {
	var row struct {
		Books    int64 `db:"books"`
		Chapters int64 `db:"chapters"`
		Covers   int64 `db:"covers"`
		Tokens   int64 `db:"tokens"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT
			(SELECT COUNT(*) FROM books) AS books,
			(SELECT COUNT(*) FROM chapters) AS chapters,
			(SELECT COUNT(*) FROM covers) AS covers,
			(SELECT COUNT(*) FROM title_tokens) AS tokens
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	stats := &types.ShardStats{
		BookCount:    row.Books,
		ChapterCount: row.Chapters,
		CoverCount:   row.Covers,
		TokenCount:   row.Tokens,
	}

	var lastChange sql.NullString
	if err := s.db.GetContext(ctx, &lastChange, "SELECT MAX(created_at) FROM change_log"); err != nil {
		return nil, fmt.Errorf("query last change: %w", err)
	}
	if t, ok := parseTime(lastChange.String); ok {
		stats.LastChange = &t
	}

	snap, err := s.GetMeta(ctx, metaLastSnapshot)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if t, ok := parseTime(snap); ok {
		stats.LastSnapshot = &t
	}

	return stats, nil
}

// GetMeta reads a value from sync_meta.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM sync_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a value to sync_meta.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
