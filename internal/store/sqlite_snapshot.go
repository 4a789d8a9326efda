package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrSnapshotNotAvailable indicates no snapshot has been generated yet.
var ErrSnapshotNotAvailable = errors.New("snapshot not available")

const metaLastSnapshot = "last_snapshot"

func (s *SQLiteStore) snapshotPath() string {
	return filepath.Join(filepath.Dir(s.path), "snapshot", "current.db")
}

// GenerateSnapshot writes a compacted copy of the shard next to it.
// The copy is built under a temporary name and renamed into place.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	dst := s.snapshotPath()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	started := time.Now()
	tmp := dst + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install snapshot: %w", err)
	}

	return s.SetMeta(ctx, metaLastSnapshot, formatTime(started))
}

// GetSnapshotPath returns the path of the latest snapshot.
func (s *SQLiteStore) GetSnapshotPath(ctx context.Context) (string, error) {
	path := s.snapshotPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrSnapshotNotAvailable
		}
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	return path, nil
}
