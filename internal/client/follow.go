package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChineseWriter/novel-dl/internal/store"
)

// FollowStats summarizes one Pull.
type FollowStats struct {
	Pages    int
	Changes  int
	Cursor   int64
	Duration time.Duration
}

// Follower tails the change log of one shard, remembering the last
// sequence it handed out.
type Follower struct {
	client   *Client
	shard    int
	pageSize int

	mu     sync.Mutex
	cursor int64
}

// NewFollower starts following shard after sequence cursor.
// pageSize <= 0 uses the server default page size.
func NewFollower(c *Client, shard int, cursor int64, pageSize int) *Follower {
	return &Follower{client: c, shard: shard, cursor: cursor, pageSize: pageSize}
}

// Cursor returns the last sequence handled.
func (f *Follower) Cursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Pull fetches pages until the follower has caught up, calling fn for
// each change in sequence order. The cursor advances past a change only
// after fn returns nil, so a failed Pull resumes at the failing change.
func (f *Follower) Pull(ctx context.Context, fn func(store.Change) error) (*FollowStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := time.Now()
	stats := &FollowStats{Cursor: f.cursor}
	for {
		page, err := f.client.Changes(ctx, f.shard, f.cursor, f.pageSize)
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, fmt.Errorf("pull shard %d after %d: %w", f.shard, f.cursor, err)
		}
		stats.Pages++

		for _, ch := range page.Changes {
			if err := fn(ch); err != nil {
				stats.Duration = time.Since(start)
				return stats, fmt.Errorf("handle change %d: %w", ch.Sequence, err)
			}
			f.cursor = ch.Sequence
			stats.Cursor = f.cursor
			stats.Changes++
		}

		if !page.HasMore || len(page.Changes) == 0 {
			stats.Duration = time.Since(start)
			return stats, nil
		}
	}
}
