package types

import (
	"bytes"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"time"

	"github.com/ChineseWriter/novel-dl/internal/fingerprint"
)

// Index bounds for chapters.
const (
	MinChapterIndex = 1
	MaxChapterIndex = 10000
)

// Cover is an image attached to a book, identified by its source URL.
type Cover struct {
	URL  string `json:"url"`
	Data []byte `json:"data,omitempty"`
}

// Fingerprint returns the cover identity.
func (c Cover) Fingerprint() string {
	return fingerprint.Cover(c.URL)
}

// Area returns width times height of the decoded image header,
// or -1 when the data cannot be decoded.
func (c Cover) Area() int {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(c.Data))
	if err != nil {
		return -1
	}
	return cfg.Width * cfg.Height
}

// Chapter is one numbered chapter of a book.
type Chapter struct {
	BookFingerprint string            `json:"book_fingerprint"`
	Index           int               `json:"index"`
	Title           string            `json:"title"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Content         string            `json:"content"`
	Sources         []string          `json:"sources"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// Fingerprint returns the chapter identity derived from book, index and title.
func (c Chapter) Fingerprint() string {
	return fingerprint.Chapter(c.BookFingerprint, c.Index, c.Title)
}

// MarshalJSON includes the derived fingerprint.
func (c Chapter) MarshalJSON() ([]byte, error) {
	type plain Chapter
	return json.Marshal(struct {
		Fingerprint string `json:"fingerprint"`
		plain
	}{c.Fingerprint(), plain(c)})
}

// Book is a novel with its satellite data.
type Book struct {
	Title       string            `json:"title"`
	Author      string            `json:"author"`
	State       State             `json:"state"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	Sources     []string          `json:"sources"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Covers      []Cover           `json:"covers,omitempty"`
	Chapters    []Chapter         `json:"chapters,omitempty"`
}

// Fingerprint returns the book identity derived from title and author.
func (b Book) Fingerprint() string {
	return fingerprint.Book(b.Title, b.Author)
}

// MarshalJSON includes the derived fingerprint.
func (b Book) MarshalJSON() ([]byte, error) {
	type plain Book
	return json.Marshal(struct {
		Fingerprint string `json:"fingerprint"`
		plain
	}{b.Fingerprint(), plain(b)})
}

// MainCover returns the cover with the largest pixel area.
// Covers whose data cannot be decoded are only chosen when nothing else is available.
func (b Book) MainCover() (Cover, bool) {
	if len(b.Covers) == 0 {
		return Cover{}, false
	}
	best, bestArea := 0, math.MinInt
	for i, c := range b.Covers {
		if area := c.Area(); area > bestArea {
			best, bestArea = i, area
		}
	}
	return b.Covers[best], true
}

// UnixSeconds converts t to fractional Unix seconds; the zero time maps to 0.
func UnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds; values <= 0 yield the zero time.
func FromUnixSeconds(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

// ShardInfo describes one physical shard.
type ShardInfo struct {
	Index        int        `json:"index"`
	Name         string     `json:"name"`
	Current      bool       `json:"current"`
	BookCount    int64      `json:"book_count"`
	SizeBytes    int64      `json:"size_bytes"`
	Created      time.Time  `json:"created"`
	LastAccessed time.Time  `json:"last_accessed"`
	SealedAt     *time.Time `json:"sealed_at,omitempty"`
}

// ShardStats holds aggregate counts for a single shard.
type ShardStats struct {
	BookCount    int64      `json:"book_count"`
	ChapterCount int64      `json:"chapter_count"`
	CoverCount   int64      `json:"cover_count"`
	TokenCount   int64      `json:"token_count"`
	LastChange   *time.Time `json:"last_change,omitempty"`
	LastSnapshot *time.Time `json:"last_snapshot,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	ShardCount int    `json:"shard_count"`
	BookCount  int64  `json:"book_count"`
}

// SearchResponse represents the response from a title search
type SearchResponse struct {
	Query string `json:"query"`
	Books []Book `json:"books"`
}

// IngestResponse summarizes records accepted through the API or CLI
type IngestResponse struct {
	RunID            string   `json:"run_id"`
	BooksCreated     int      `json:"books_created"`
	BooksMerged      int      `json:"books_merged"`
	ChaptersStored   int      `json:"chapters_stored"`
	ChaptersBuffered int      `json:"chapters_buffered"`
	ChaptersReplayed int      `json:"chapters_replayed"`
	Rejected         int      `json:"rejected"`
	Errors           []string `json:"errors"`
}
