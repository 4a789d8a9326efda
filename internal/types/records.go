package types

import "strings"

// CoverRecord is a cover image as scraped.
type CoverRecord struct {
	URL  string `json:"url"`
	Data []byte `json:"data,omitempty"`
}

// BookRecord is a book-level record emitted by the crawling layer.
type BookRecord struct {
	Title       string            `json:"title"`
	Author      string            `json:"author"`
	State       string            `json:"state"`
	Description string            `json:"description"`
	Source      string            `json:"source"`
	Tags        []string          `json:"tags,omitempty"`
	Covers      []CoverRecord     `json:"covers,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Fingerprint returns the identity of the book this record describes.
func (r BookRecord) Fingerprint() string {
	return Book{Title: strings.TrimSpace(r.Title), Author: strings.TrimSpace(r.Author)}.Fingerprint()
}

// Book converts the record into a Book with no chapters.
func (r BookRecord) Book() Book {
	b := Book{
		Title:       strings.TrimSpace(r.Title),
		Author:      strings.TrimSpace(r.Author),
		State:       ParseState(r.State),
		Description: r.Description,
		Sources:     []string{r.Source},
		Attributes:  copyAttributes(r.Attributes),
	}
	for _, tag := range r.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			b.Tags = append(b.Tags, tag)
		}
	}
	for _, c := range r.Covers {
		b.Covers = append(b.Covers, Cover{URL: c.URL, Data: c.Data})
	}
	return b
}

// ChapterRecord is a chapter-level record emitted by the crawling layer.
type ChapterRecord struct {
	BookFingerprint string            `json:"book_fingerprint"`
	Index           int               `json:"index"`
	Title           string            `json:"title"`
	Content         string            `json:"content"`
	Source          string            `json:"source"`
	UpdateTime      float64           `json:"update_time,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// Chapter converts the record into a Chapter.
func (r ChapterRecord) Chapter() Chapter {
	return Chapter{
		BookFingerprint: r.BookFingerprint,
		Index:           r.Index,
		Title:           strings.TrimSpace(r.Title),
		UpdatedAt:       FromUnixSeconds(r.UpdateTime),
		Content:         r.Content,
		Sources:         []string{r.Source},
		Attributes:      copyAttributes(r.Attributes),
	}
}

func copyAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
