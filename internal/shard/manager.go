// Package shard presents one logical book store over a sequence of
// capacity-bounded SQLite shards.
package shard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ChineseWriter/novel-dl/internal/store"
	"github.com/ChineseWriter/novel-dl/internal/tokenize"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

// DefaultCapacity is the number of books a shard holds before a new one is opened.
const DefaultCapacity = 5000

// Option configures a Manager.
type Option func(*Manager)

// WithCapacity sets the per-shard book cap.
func WithCapacity(n int) Option {
	return func(m *Manager) { m.capacity = n }
}

// WithTokenizer sets the tokenizer used for both indexing and search.
func WithTokenizer(t tokenize.Tokenizer) Option {
	return func(m *Manager) { m.tokenizer = t }
}

// BookResult describes where AddBook placed a book.
type BookResult struct {
	Shard      int
	Created    bool
	RolledOver bool
	Book       types.Book
}

// Manager routes writes to the owning or current shard and fans reads out
// over all shards. Shards are scanned in index order; the first shard that
// holds a record owns it.
type Manager struct {
	rootPath  string
	capacity  int
	tokenizer tokenize.Tokenizer

	mu      sync.RWMutex // guards shards and current
	shards  []*Shard
	current int

	// writeMu is the write lock of the current shard. It spans the
	// capacity check, the insert of a new book and any rollover.
	writeMu sync.Mutex

	locks *keyLocks
}

// NewManager opens every shard under rootPath/shards, creating shard 0 when
// none exist, and makes the first shard below capacity current.
func NewManager(rootPath string, opts ...Option) (*Manager, error) {
	// Expand ~ to home directory
	if strings.HasPrefix(rootPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		rootPath = filepath.Join(home, rootPath[2:])
	}

	m := &Manager{
		rootPath:  rootPath,
		capacity:  DefaultCapacity,
		tokenizer: tokenize.Unigram{},
		locks:     newKeyLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.capacity < 1 {
		return nil, fmt.Errorf("shard capacity must be positive, got %d", m.capacity)
	}

	if err := os.MkdirAll(m.shardsPath(), 0755); err != nil {
		return nil, fmt.Errorf("%w: create shards directory: %v", store.ErrStorageUnavailable, err)
	}

	indexes, err := m.discover()
	if err != nil {
		return nil, err
	}
	for _, index := range indexes {
		sh, err := openShard(index, m.shardPath(index), m.capacity)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.shards = append(m.shards, sh)
	}

	ctx := context.Background()
	m.current = -1
	for _, sh := range m.shards {
		count, err := sh.Store.BookCount(ctx)
		if err != nil {
			m.Close()
			return nil, err
		}
		if count < int64(m.capacity) {
			m.current = sh.Index
			break
		}
	}
	if m.current < 0 {
		sh, err := openShard(len(m.shards), m.shardPath(len(m.shards)), m.capacity)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.shards = append(m.shards, sh)
		m.current = sh.Index
	}

	return m, nil
}

// discover returns the indexes of existing shard directories, which must
// run 0..n-1 without gaps.
func (m *Manager) discover() ([]int, error) {
	entries, err := os.ReadDir(m.shardsPath())
	if err != nil {
		return nil, fmt.Errorf("read shards directory: %w", err)
	}

	var indexes []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		index, err := ParseName(entry.Name())
		if err != nil {
			continue
		}
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	for i, index := range indexes {
		if i != index {
			return nil, fmt.Errorf("%w: expected %s, found %s", ErrShardGap, Name(i), Name(index))
		}
	}
	return indexes, nil
}

// AddBook merges book into the shard that already holds it, or inserts it
// into the current shard. Inserting the book that fills the current shard
// also moves the manager on to the next shard.
func (m *Manager) AddBook(ctx context.Context, book types.Book) (*BookResult, error) {
	fp := book.Fingerprint()
	unlock := m.locks.Lock("book:" + fp)
	defer unlock()

	owner, err := m.owner(ctx, fp)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		merged, err := owner.Store.MergeBook(ctx, book)
		if err != nil {
			return nil, fmt.Errorf("merge book into shard %d: %w", owner.Index, err)
		}
		owner.TouchAccessed()
		return &BookResult{Shard: owner.Index, Book: *merged}, nil
	}

	return m.insertBook(ctx, book)
}

// insertBook writes a new book into the current shard under writeMu. When
// the insert brings the shard to capacity, the next shard is opened before
// the write, so that a failure leaves neither a new book nor a new shard.
func (m *Manager) insertBook(ctx context.Context, book types.Book) (*BookResult, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.currentShard()
	count, err := cur.Store.BookCount(ctx)
	if err != nil {
		return nil, err
	}
	if count >= int64(m.capacity) {
		next, created, err := m.nextShard(ctx, cur)
		if err != nil {
			return nil, err
		}
		m.activate(cur, next, created)
		cur = next
		if count, err = cur.Store.BookCount(ctx); err != nil {
			return nil, err
		}
	}

	var (
		next    *Shard
		created bool
	)
	if count+1 >= int64(m.capacity) {
		if next, created, err = m.nextShard(ctx, cur); err != nil {
			return nil, err
		}
	}

	if err := cur.Store.PutBook(ctx, book, m.tokenizer.Tokens(book.Title)); err != nil {
		if created {
			next.Close()
			os.RemoveAll(next.BasePath)
		}
		return nil, fmt.Errorf("insert book into shard %d: %w", cur.Index, err)
	}
	cur.TouchAccessed()

	result := &BookResult{Shard: cur.Index, Created: true, Book: book}
	if next != nil {
		m.activate(cur, next, created)
		result.RolledOver = true
	}
	return result, nil
}

// nextShard returns the first shard after cur with room, opening a new one
// when every later shard is full. created reports whether the shard is new
// and not yet registered.
func (m *Manager) nextShard(ctx context.Context, cur *Shard) (*Shard, bool, error) {
	shards := m.Shards()
	for _, sh := range shards[cur.Index+1:] {
		count, err := sh.Store.BookCount(ctx)
		if err != nil {
			return nil, false, err
		}
		if count < int64(m.capacity) {
			return sh, false, nil
		}
	}

	index := len(shards)
	sh, err := openShard(index, m.shardPath(index), m.capacity)
	if err != nil {
		return nil, false, fmt.Errorf("open shard %d: %w", index, err)
	}
	return sh, true, nil
}

// activate seals prev and makes next current, registering it if new.
func (m *Manager) activate(prev, next *Shard, created bool) {
	prev.seal()

	m.mu.Lock()
	defer m.mu.Unlock()
	if created {
		m.shards = append(m.shards, next)
	}
	m.current = next.Index
}

// AddChapter merges chapter into the shard holding its book. It returns
// false with a nil error when no shard holds the book yet; the caller is
// expected to retry once the book has been added.
func (m *Manager) AddChapter(ctx context.Context, chapter types.Chapter) (bool, error) {
	unlock := m.locks.Lock(fmt.Sprintf("chapter:%s:%d", chapter.BookFingerprint, chapter.Index))
	defer unlock()

	owner, err := m.owner(ctx, chapter.BookFingerprint)
	if err != nil {
		return false, err
	}
	if owner == nil {
		return false, nil
	}

	if _, err := owner.Store.MergeChapter(ctx, chapter); err != nil {
		return false, fmt.Errorf("merge chapter into shard %d: %w", owner.Index, err)
	}
	owner.TouchAccessed()
	return true, nil
}

// owner returns the first shard holding the book, or nil.
func (m *Manager) owner(ctx context.Context, bookFP string) (*Shard, error) {
	for _, sh := range m.Shards() {
		ok, err := sh.Store.HasBook(ctx, bookFP)
		if err != nil {
			return nil, fmt.Errorf("scan shard %d: %w", sh.Index, err)
		}
		if ok {
			return sh, nil
		}
	}
	return nil, nil
}

// GetBook returns the full book from the first shard holding it.
func (m *Manager) GetBook(ctx context.Context, fingerprint string) (*types.Book, error) {
	for _, sh := range m.Shards() {
		book, err := sh.Store.GetBook(ctx, fingerprint)
		if err == nil {
			return book, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("get book from shard %d: %w", sh.Index, err)
		}
	}
	return nil, fmt.Errorf("book %s: %w", fingerprint, ErrNotFound)
}

// GetChapter returns the chapter from the first shard holding it.
func (m *Manager) GetChapter(ctx context.Context, fingerprint string) (*types.Chapter, error) {
	for _, sh := range m.Shards() {
		chapter, err := sh.Store.GetChapter(ctx, fingerprint)
		if err == nil {
			return chapter, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("get chapter from shard %d: %w", sh.Index, err)
		}
	}
	return nil, fmt.Errorf("chapter %s: %w", fingerprint, ErrNotFound)
}

// SearchByTitle returns the books whose titles contain every token of name,
// ordered by title then author. A name without tokens matches nothing.
func (m *Manager) SearchByTitle(ctx context.Context, name string) ([]types.Book, error) {
	return m.search(ctx, name, true)
}

// SearchSummaries is SearchByTitle without chapters.
func (m *Manager) SearchSummaries(ctx context.Context, name string) ([]types.Book, error) {
	return m.search(ctx, name, false)
}

func (m *Manager) search(ctx context.Context, name string, withChapters bool) ([]types.Book, error) {
	tokens := m.tokenizer.Tokens(name)
	if len(tokens) == 0 {
		return nil, nil
	}

	shards := m.Shards()
	var matches map[string]*Shard
	for _, tok := range tokens {
		hits := make(map[string]*Shard)
		for _, sh := range shards {
			fps, err := sh.Store.FingerprintsByToken(ctx, tok)
			if err != nil {
				return nil, fmt.Errorf("search shard %d: %w", sh.Index, err)
			}
			for _, fp := range fps {
				if _, seen := hits[fp]; !seen {
					hits[fp] = sh
				}
			}
		}

		if matches == nil {
			matches = hits
		} else {
			for fp := range matches {
				if _, ok := hits[fp]; !ok {
					delete(matches, fp)
				}
			}
		}
		if len(matches) == 0 {
			return nil, nil
		}
	}

	books := make([]types.Book, 0, len(matches))
	for fp, sh := range matches {
		load := sh.Store.GetBookSummary
		if withChapters {
			load = sh.Store.GetBook
		}
		book, err := load(ctx, fp)
		if err != nil {
			return nil, fmt.Errorf("resolve %s in shard %d: %w", fp, sh.Index, err)
		}
		books = append(books, *book)
	}
	sort.Slice(books, func(i, j int) bool {
		if books[i].Title != books[j].Title {
			return books[i].Title < books[j].Title
		}
		return books[i].Author < books[j].Author
	})
	return books, nil
}

// Tokenizer returns the tokenizer used for indexing and search.
func (m *Manager) Tokenizer() tokenize.Tokenizer {
	return m.tokenizer
}

// Capacity returns the per-shard book cap.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Current returns the index of the shard receiving new books.
func (m *Manager) Current() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) currentShard() *Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shards[m.current]
}

// Shards returns the open shards in index order.
func (m *Manager) Shards() []*Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Shard, len(m.shards))
	copy(out, m.shards)
	return out
}

// Shard returns the shard at index.
func (m *Manager) Shard(index int) (*Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.shards) {
		return nil, fmt.Errorf("%w: %s", ErrShardNotFound, Name(index))
	}
	return m.shards[index], nil
}

// ListShards returns summary information for every shard.
func (m *Manager) ListShards(ctx context.Context) ([]types.ShardInfo, error) {
	current := m.Current()
	var result []types.ShardInfo
	for _, sh := range m.Shards() {
		info, err := sh.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("shard %d info: %w", sh.Index, err)
		}
		info.Current = sh.Index == current
		result = append(result, info)
	}
	return result, nil
}

// BookCount returns the number of books across all shards.
func (m *Manager) BookCount(ctx context.Context) (int64, error) {
	var total int64
	for _, sh := range m.Shards() {
		n, err := sh.Store.BookCount(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// FlushMeta writes dirty shard metadata to disk. It returns the first
// error encountered after attempting every shard.
func (m *Manager) FlushMeta() error {
	var firstErr error
	for _, sh := range m.Shards() {
		if err := sh.FlushMeta(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush shard %d metadata: %w", sh.Index, err)
		}
	}
	return firstErr
}

func (m *Manager) shardsPath() string {
	return filepath.Join(m.rootPath, "shards")
}

func (m *Manager) shardPath(index int) string {
	return filepath.Join(m.shardsPath(), Name(index))
}

// Close closes all shards. It returns the first error encountered.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, sh := range m.shards {
		if err := sh.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close shard %d: %w", sh.Index, err)
		}
	}
	m.shards = nil
	return firstErr
}
