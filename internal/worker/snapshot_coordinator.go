package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChineseWriter/novel-dl/internal/shard"
	"github.com/ChineseWriter/novel-dl/internal/snapshot"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

// ShardEnumerator provides access to every shard.
// This interface allows testing with mock implementations.
type ShardEnumerator interface {
	ListShards(ctx context.Context) ([]types.ShardInfo, error)
	SnapshotStore(ctx context.Context, index int) (SnapshotCapableStore, error)
}

// SnapshotCapableStore represents a shard store that can generate snapshots.
type SnapshotCapableStore interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
	GetStats(ctx context.Context) (*types.ShardStats, error)
}

// ManagerAdapter adapts shard.Manager to ShardEnumerator.
type ManagerAdapter struct {
	manager *shard.Manager
}

// NewManagerAdapter creates an adapter for the given Manager.
func NewManagerAdapter(manager *shard.Manager) *ManagerAdapter {
	return &ManagerAdapter{manager: manager}
}

// ListShards returns all shards from the underlying Manager.
func (a *ManagerAdapter) ListShards(ctx context.Context) ([]types.ShardInfo, error) {
	return a.manager.ListShards(ctx)
}

// SnapshotStore returns the record store of the shard at index.
func (a *ManagerAdapter) SnapshotStore(_ context.Context, index int) (SnapshotCapableStore, error) {
	sh, err := a.manager.Shard(index)
	if err != nil {
		return nil, err
	}
	return sh.Store, nil
}

// SnapshotCoordinator snapshots every shard that changed since its last
// snapshot and uploads the result.
type SnapshotCoordinator struct {
	shards   ShardEnumerator
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotCoordinator creates a coordinator over shards.
// The uploader is optional; if nil, snapshots stay local.
func NewSnapshotCoordinator(
	shards ShardEnumerator,
	interval time.Duration,
	uploader snapshot.Uploader,
) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		shards:   shards,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the coordinator loop. A cycle runs immediately, then on
// every interval until ctx is cancelled.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// CycleResult counts the shards handled by one cycle.
type CycleResult struct {
	Succeeded int
	Skipped   int
	Failed    int
}

// RunOnce snapshots every changed shard once.
func (c *SnapshotCoordinator) RunOnce(ctx context.Context) CycleResult {
	var result CycleResult

	shards, err := c.shards.ListShards(ctx)
	if err != nil {
		slog.Error("failed to list shards for snapshot generation",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "list_shards_failed",
			"error", err,
		)
		return result
	}

	for _, info := range shards {
		if ctx.Err() != nil {
			return result
		}
		switch c.snapshotShard(ctx, info) {
		case outcomeDone:
			result.Succeeded++
		case outcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	if result.Succeeded > 0 || result.Failed > 0 {
		slog.Info("snapshot generation cycle completed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "cycle_complete",
			"total", len(shards),
			"succeeded", result.Succeeded,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	}
	return result
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeDone
	outcomeSkipped
)

func (c *SnapshotCoordinator) snapshotShard(ctx context.Context, info types.ShardInfo) outcome {
	st, err := c.shards.SnapshotStore(ctx, info.Index)
	if err != nil {
		slog.Warn("failed to get shard for snapshot",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"shard", info.Name,
			"error", err,
		)
		return outcomeFailed
	}

	stats, err := st.GetStats(ctx)
	if err != nil {
		slog.Warn("failed to read shard stats",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"shard", info.Name,
			"error", err,
		)
		return outcomeFailed
	}
	if upToDate(stats) {
		return outcomeSkipped
	}

	slog.Info("snapshot generation started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_start",
		"shard", info.Name,
	)

	if err := st.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return outcomeFailed
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"shard", info.Name,
			"error", err,
		)
		return outcomeFailed
	}

	if c.uploader != nil {
		c.uploadSnapshot(ctx, st, info.Name)
	}
	return outcomeDone
}

// upToDate reports whether the last snapshot already covers every change.
func upToDate(stats *types.ShardStats) bool {
	if stats.LastSnapshot == nil {
		return false
	}
	return stats.LastChange == nil || stats.LastChange.Before(*stats.LastSnapshot)
}

// uploadSnapshot uploads a generated snapshot. Failures are logged and
// leave the local snapshot in place.
func (c *SnapshotCoordinator) uploadSnapshot(ctx context.Context, st SnapshotCapableStore, name string) {
	path, err := st.GetSnapshotPath(ctx)
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"shard", name,
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, name, path); err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			return
		}
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"shard", name,
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
		"shard", name,
	)
}
