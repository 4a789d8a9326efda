package ingest

import (
	"sort"
	"sync"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

// Buffer holds chapters whose book has not been stored yet, keyed by book
// fingerprint in arrival order. It is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	pending map[string][]types.Chapter
	count   int
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{pending: make(map[string][]types.Chapter)}
}

// Add appends chapter to the list waiting on its book.
func (b *Buffer) Add(chapter types.Chapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[chapter.BookFingerprint] = append(b.pending[chapter.BookFingerprint], chapter)
	b.count++
}

// Take removes and returns every chapter waiting on bookFP.
func (b *Buffer) Take(bookFP string) []types.Chapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	chapters, ok := b.pending[bookFP]
	if !ok {
		return nil
	}
	delete(b.pending, bookFP)
	b.count -= len(chapters)
	return chapters
}

// Restore puts chapters back at the front of bookFP's list.
func (b *Buffer) Restore(bookFP string, chapters []types.Chapter) {
	if len(chapters) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[bookFP] = append(append([]types.Chapter(nil), chapters...), b.pending[bookFP]...)
	b.count += len(chapters)
}

// Len returns the number of buffered chapters.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Pending returns the number of chapters waiting per book, for books that
// have any.
func (b *Buffer) Pending() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.pending))
	for fp, chapters := range b.pending {
		out[fp] = len(chapters)
	}
	return out
}

// Books returns the fingerprints of books with waiting chapters, sorted.
func (b *Buffer) Books() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for fp := range b.pending {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}
