package store

import (
	"context"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

// Store defines the record store contract of a single shard.
type Store interface {
	GetBook(ctx context.Context, fingerprint string) (*types.Book, error)
	GetBookSummary(ctx context.Context, fingerprint string) (*types.Book, error)
	HasBook(ctx context.Context, fingerprint string) (bool, error)
	PutBook(ctx context.Context, book types.Book, tokens []string) error
	MergeBook(ctx context.Context, book types.Book) (*types.Book, error)
	GetChapter(ctx context.Context, fingerprint string) (*types.Chapter, error)
	PutChapter(ctx context.Context, chapter types.Chapter) error
	MergeChapter(ctx context.Context, chapter types.Chapter) (*types.Chapter, error)
	BookCount(ctx context.Context) (int64, error)
	FingerprintsByToken(ctx context.Context, token string) ([]string, error)
	ChangesSince(ctx context.Context, afterSeq int64, limit int) ([]Change, error)
	LastSequence(ctx context.Context) (int64, error)
	GetStats(ctx context.Context) (*types.ShardStats, error)
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
