package shard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChineseWriter/novel-dl/internal/store"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

const (
	dbFileName   = "novel.db"
	metaFileName = "meta.yaml"
)

// Shard wraps one shard's record store with metadata and access tracking.
type Shard struct {
	Index    int
	Store    store.Store
	BasePath string // Directory containing this shard

	mu        sync.Mutex
	meta      *Meta
	metaDirty bool
}

// openShard opens the shard directory at basePath, creating it and its
// metadata when absent.
func openShard(index int, basePath string, capacity int) (*Shard, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create shard directory: %w", err)
	}

	metaPath := filepath.Join(basePath, metaFileName)
	meta, err := LoadMeta(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		meta = NewMeta(index, capacity)
		if err := SaveMeta(metaPath, meta); err != nil {
			return nil, fmt.Errorf("write shard metadata: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load shard metadata: %w", err)
	}

	sqliteStore, err := store.NewSQLiteStore(filepath.Join(basePath, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open shard %d database: %w", index, err)
	}

	return &Shard{
		Index:    index,
		Store:    sqliteStore,
		BasePath: basePath,
		meta:     meta,
	}, nil
}

// Name returns the shard directory name.
func (s *Shard) Name() string {
	return Name(s.Index)
}

// Meta returns a copy of the shard metadata.
func (s *Shard) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.meta
}

// TouchAccessed updates the last_accessed timestamp.
// Metadata is written on Close, not on every access.
func (s *Shard) TouchAccessed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta.LastAccessed = time.Now().UTC()
	s.metaDirty = true
}

// seal records that the shard has filled.
func (s *Shard) seal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.SealedAt == nil {
		now := time.Now().UTC()
		s.meta.SealedAt = &now
		s.metaDirty = true
	}
}

// FlushMeta saves metadata to disk if dirty.
func (s *Shard) FlushMeta() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.metaDirty {
		return nil
	}

	if err := SaveMeta(filepath.Join(s.BasePath, metaFileName), s.meta); err != nil {
		return err
	}

	s.metaDirty = false
	return nil
}

// Close flushes metadata and closes the underlying store.
func (s *Shard) Close() error {
	metaErr := s.FlushMeta()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return metaErr
}

// Info returns summary information about the shard.
func (s *Shard) Info(ctx context.Context) (types.ShardInfo, error) {
	count, err := s.Store.BookCount(ctx)
	if err != nil {
		return types.ShardInfo{}, err
	}

	var sizeBytes int64
	if info, err := os.Stat(filepath.Join(s.BasePath, dbFileName)); err == nil {
		sizeBytes = info.Size()
	}

	meta := s.Meta()
	return types.ShardInfo{
		Index:        s.Index,
		Name:         s.Name(),
		BookCount:    count,
		SizeBytes:    sizeBytes,
		Created:      meta.Created,
		LastAccessed: meta.LastAccessed,
		SealedAt:     meta.SealedAt,
	}, nil
}
