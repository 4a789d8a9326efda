package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ChineseWriter/novel-dl/internal/shard"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

type mockStore struct {
	mu           sync.Mutex
	generateErr  error
	generated    int
	stats        types.ShardStats
	snapshotPath string
}

func (s *mockStore) GenerateSnapshot(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generateErr != nil {
		return s.generateErr
	}
	s.generated++
	now := time.Now()
	s.stats.LastSnapshot = &now
	return nil
}

func (s *mockStore) GetSnapshotPath(context.Context) (string, error) {
	return s.snapshotPath, nil
}

func (s *mockStore) GetStats(context.Context) (*types.ShardStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	return &stats, nil
}

type mockEnumerator struct {
	stores  []*mockStore
	listErr error
}

func (e *mockEnumerator) ListShards(context.Context) ([]types.ShardInfo, error) {
	if e.listErr != nil {
		return nil, e.listErr
	}
	infos := make([]types.ShardInfo, len(e.stores))
	for i := range e.stores {
		infos[i] = types.ShardInfo{Index: i, Name: shard.Name(i)}
	}
	return infos, nil
}

func (e *mockEnumerator) SnapshotStore(_ context.Context, index int) (SnapshotCapableStore, error) {
	if index >= len(e.stores) {
		return nil, shard.ErrShardNotFound
	}
	return e.stores[index], nil
}

type mockUploader struct {
	mu      sync.Mutex
	uploads map[string]string
	err     error
}

func (u *mockUploader) Upload(_ context.Context, name, path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	if u.uploads == nil {
		u.uploads = make(map[string]string)
	}
	u.uploads[name] = path
	return nil
}

func (u *mockUploader) PresignedURL(context.Context, string) (string, time.Time, error) {
	return "", time.Time{}, nil
}

func TestSnapshotCoordinator_RunOnce(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now().Add(-time.Minute)

	fresh := &mockStore{snapshotPath: "/s/00000/snapshot/current.db"}
	stale := &mockStore{snapshotPath: "/s/00001/snapshot/current.db",
		stats: types.ShardStats{LastSnapshot: &old, LastChange: &recent}}
	current := &mockStore{stats: types.ShardStats{LastSnapshot: &recent, LastChange: &old}}
	broken := &mockStore{generateErr: errors.New("disk full")}

	up := &mockUploader{}
	c := NewSnapshotCoordinator(&mockEnumerator{stores: []*mockStore{fresh, stale, current, broken}}, time.Hour, up)

	got := c.RunOnce(context.Background())
	want := CycleResult{Succeeded: 2, Skipped: 1, Failed: 1}
	if got != want {
		t.Errorf("RunOnce() = %+v, want %+v", got, want)
	}
	if fresh.generated != 1 || stale.generated != 1 || current.generated != 0 {
		t.Errorf("generated = %d/%d/%d, want 1/1/0", fresh.generated, stale.generated, current.generated)
	}
	if up.uploads["00000"] != fresh.snapshotPath || up.uploads["00001"] != stale.snapshotPath {
		t.Errorf("uploads = %v", up.uploads)
	}
}

func TestSnapshotCoordinator_UploadFailureIsNotFatal(t *testing.T) {
	st := &mockStore{snapshotPath: "/x"}
	c := NewSnapshotCoordinator(&mockEnumerator{stores: []*mockStore{st}}, time.Hour, &mockUploader{err: errors.New("denied")})

	if got := c.RunOnce(context.Background()); got.Succeeded != 1 {
		t.Errorf("RunOnce() = %+v, want one success", got)
	}
}

func TestSnapshotCoordinator_ListError(t *testing.T) {
	c := NewSnapshotCoordinator(&mockEnumerator{listErr: errors.New("boom")}, time.Hour, nil)
	if got := c.RunOnce(context.Background()); got != (CycleResult{}) {
		t.Errorf("RunOnce() = %+v, want zero", got)
	}
}

func TestSnapshotCoordinator_RunStopsOnCancel(t *testing.T) {
	st := &mockStore{}
	c := NewSnapshotCoordinator(&mockEnumerator{stores: []*mockStore{st}}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.generated != 1 {
		t.Errorf("generated = %d, want 1 (unchanged shard skipped after first cycle)", st.generated)
	}
}

func TestSnapshotCoordinator_WithShardManager(t *testing.T) {
	ctx := context.Background()
	m, err := shard.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if _, err := m.AddBook(ctx, types.Book{Title: "Alpha", Author: "Bob"}); err != nil {
		t.Fatalf("AddBook() error = %v", err)
	}

	c := NewSnapshotCoordinator(NewManagerAdapter(m), time.Hour, nil)
	if got := c.RunOnce(ctx); got.Succeeded != 1 {
		t.Fatalf("first RunOnce() = %+v, want one success", got)
	}

	sh, err := m.Shard(0)
	if err != nil {
		t.Fatalf("Shard(0) error = %v", err)
	}
	path, err := sh.Store.GetSnapshotPath(ctx)
	if err != nil {
		t.Fatalf("GetSnapshotPath() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}

	if got := c.RunOnce(ctx); got.Skipped != 1 {
		t.Errorf("second RunOnce() = %+v, want unchanged shard skipped", got)
	}

	if _, err := m.AddBook(ctx, types.Book{Title: "Beta", Author: "Bob"}); err != nil {
		t.Fatalf("AddBook() error = %v", err)
	}
	if got := c.RunOnce(ctx); got.Succeeded != 1 {
		t.Errorf("third RunOnce() = %+v, want changed shard snapshotted", got)
	}
}
