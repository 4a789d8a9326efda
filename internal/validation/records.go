package validation

import (
	"fmt"
	"unicode/utf8"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

// Field limits, in runes.
const (
	MaxTitleLength       = 500
	MaxAuthorLength      = 200
	MaxDescriptionLength = 20000
	MaxURLLength         = 2048
	MaxContentLength     = 1_000_000

	// ShortContentLength is the content length at or below which a
	// chapter is reported as suspiciously short.
	ShortContentLength = 800
)

// BookRecord validates a book record at the ingest boundary.
func BookRecord(r types.BookRecord) error {
	var c Collector

	c.Add(ValidateRequired("title", r.Title))
	c.Add(ValidateRequired("author", r.Author))
	c.Add(ValidateRequired("source", r.Source))
	ValidateText(&c, "title", r.Title, MaxTitleLength)
	ValidateText(&c, "author", r.Author, MaxAuthorLength)
	ValidateText(&c, "description", r.Description, MaxDescriptionLength)
	ValidateText(&c, "source", r.Source, MaxURLLength)
	c.Add(ValidateUTF8("state", r.State))

	for i, tag := range r.Tags {
		ValidateText(&c, fmt.Sprintf("tags[%d]", i), tag, MaxTitleLength)
	}
	for i, cover := range r.Covers {
		field := fmt.Sprintf("covers[%d].url", i)
		c.Add(ValidateRequired(field, cover.URL))
		ValidateText(&c, field, cover.URL, MaxURLLength)
	}
	for k, v := range r.Attributes {
		ValidateText(&c, "attributes."+k, v, MaxDescriptionLength)
	}

	return c.Err()
}

// ChapterRecord validates a chapter record at the ingest boundary.
func ChapterRecord(r types.ChapterRecord) error {
	var c Collector

	c.Add(ValidateFingerprint("book_fingerprint", r.BookFingerprint))
	c.Add(ValidateIntRange("index", r.Index, types.MinChapterIndex, types.MaxChapterIndex))
	c.Add(ValidateRequired("title", r.Title))
	c.Add(ValidateRequired("source", r.Source))
	ValidateText(&c, "title", r.Title, MaxTitleLength)
	ValidateText(&c, "content", r.Content, MaxContentLength)
	ValidateText(&c, "source", r.Source, MaxURLLength)
	c.Add(ValidateNonNegative("update_time", r.UpdateTime))
	for k, v := range r.Attributes {
		ValidateText(&c, "attributes."+k, v, MaxDescriptionLength)
	}

	return c.Err()
}

// ChapterWarnings reports non-fatal oddities in a chapter record.
func ChapterWarnings(r types.ChapterRecord) []ValidationError {
	var warnings []ValidationError
	if n := utf8.RuneCountInString(r.Content); n <= ShortContentLength {
		warnings = append(warnings, ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("only %d characters, chapter may be truncated", n),
		})
	}
	return warnings
}
