// Package merge combines two records that share an identity into one.
//
// Every function here is pure. Results are returned in normalized form:
// string sets sorted and deduplicated, covers ordered by fingerprint and
// chapters ordered by index. Merging is commutative, associative and
// idempotent over normalized inputs, with one exception: attribute
// collisions keep the existing value.
package merge

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

// ErrIdentityMismatch indicates a merge between records with different identities.
var ErrIdentityMismatch = errors.New("identity mismatch")

// Books merges two records of the same book.
//
// Descriptions of equal length do not keep the existing value: the
// lexicographically greater one wins, so that Books(x, y) equals Books(y, x).
// Attributes are the only field where the existing record takes precedence.
func Books(existing, incoming types.Book) (types.Book, error) {
	efp, ifp := existing.Fingerprint(), incoming.Fingerprint()
	if efp != ifp {
		return types.Book{}, fmt.Errorf("merge book %s with %s: %w", efp, ifp, ErrIdentityMismatch)
	}

	chapters, err := chapterSet(efp, existing.Chapters, incoming.Chapters)
	if err != nil {
		return types.Book{}, err
	}

	return types.Book{
		Title:       existing.Title,
		Author:      existing.Author,
		State:       max(existing.State, incoming.State),
		Description: Longer(existing.Description, incoming.Description),
		Tags:        Union(existing.Tags, incoming.Tags),
		Sources:     Union(existing.Sources, incoming.Sources),
		Attributes:  Attributes(existing.Attributes, incoming.Attributes),
		Covers:      Covers(existing.Covers, incoming.Covers),
		Chapters:    chapters,
	}, nil
}

// Chapters merges two records of the same chapter.
func Chapters(existing, incoming types.Chapter) (types.Chapter, error) {
	efp, ifp := existing.Fingerprint(), incoming.Fingerprint()
	if efp != ifp {
		return types.Chapter{}, fmt.Errorf("merge chapter %s with %s: %w", efp, ifp, ErrIdentityMismatch)
	}

	updated := existing.UpdatedAt
	if incoming.UpdatedAt.After(updated) {
		updated = incoming.UpdatedAt
	}

	return types.Chapter{
		BookFingerprint: existing.BookFingerprint,
		Index:           existing.Index,
		Title:           existing.Title,
		UpdatedAt:       updated,
		Content:         Longer(existing.Content, incoming.Content),
		Sources:         Union(existing.Sources, incoming.Sources),
		Attributes:      Attributes(existing.Attributes, incoming.Attributes),
	}, nil
}

// ReconcileTitles gives two chapters occupying the same book and index the
// longer of their titles, so that both carry the same fingerprint.
// Chapters in different slots are returned unchanged.
func ReconcileTitles(a, b types.Chapter) (types.Chapter, types.Chapter) {
	if a.BookFingerprint != b.BookFingerprint || a.Index != b.Index || a.Title == b.Title {
		return a, b
	}
	title := Longer(a.Title, b.Title)
	a.Title, b.Title = title, title
	return a, b
}

// SameSlot merges two chapters that share book and index, resolving title
// drift first. It fails with ErrIdentityMismatch when the slots differ.
func SameSlot(existing, incoming types.Chapter) (types.Chapter, error) {
	if existing.BookFingerprint != incoming.BookFingerprint || existing.Index != incoming.Index {
		return types.Chapter{}, fmt.Errorf("merge chapter %s#%d with %s#%d: %w",
			existing.BookFingerprint, existing.Index, incoming.BookFingerprint, incoming.Index, ErrIdentityMismatch)
	}
	existing, incoming = ReconcileTitles(existing, incoming)
	return Chapters(existing, incoming)
}

// chapterSet merges two chapter lists of one book by slot.
func chapterSet(bookFP string, a, b []types.Chapter) ([]types.Chapter, error) {
	if len(a) == 0 && len(b) == 0 {
		return nil, nil
	}

	byIndex := make(map[int]types.Chapter, len(a)+len(b))
	for _, list := range [][]types.Chapter{a, b} {
		for _, c := range list {
			if c.BookFingerprint != bookFP {
				return nil, fmt.Errorf("chapter %d belongs to %s, not %s: %w",
					c.Index, c.BookFingerprint, bookFP, ErrIdentityMismatch)
			}
			prev, ok := byIndex[c.Index]
			if !ok {
				byIndex[c.Index] = Chapter(c)
				continue
			}
			merged, err := SameSlot(prev, c)
			if err != nil {
				return nil, err
			}
			byIndex[c.Index] = merged
		}
	}

	out := make([]types.Chapter, 0, len(byIndex))
	for _, c := range byIndex {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Longer returns the string with more runes. Equal-length strings are
// ordered lexicographically and the greater one is returned.
func Longer(a, b string) string {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	switch {
	case la > lb:
		return a
	case lb > la:
		return b
	case b > a:
		return b
	default:
		return a
	}
}

// Union returns the sorted set union of a and b without empty strings.
// It returns nil when the union is empty.
func Union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Attributes unions two attribute maps; existing values win on collision.
func Attributes(existing, incoming map[string]string) map[string]string {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	out := make(map[string]string, len(existing)+len(incoming))
	for k, v := range incoming {
		out[k] = v
	}
	for k, v := range existing {
		out[k] = v
	}
	return out
}

// Covers unions two cover lists by fingerprint. When both lists carry
// the same cover, the longer data wins and equal lengths go to the
// bytewise greater data.
func Covers(existing, incoming []types.Cover) []types.Cover {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	byFP := make(map[string]types.Cover, len(existing)+len(incoming))
	for _, list := range [][]types.Cover{existing, incoming} {
		for _, c := range list {
			fp := c.Fingerprint()
			if prev, ok := byFP[fp]; ok && !richerCover(c, prev) {
				continue
			}
			byFP[fp] = c
		}
	}

	fps := make([]string, 0, len(byFP))
	for fp := range byFP {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	out := make([]types.Cover, 0, len(fps))
	for _, fp := range fps {
		out = append(out, byFP[fp])
	}
	return out
}

// richerCover reports whether a should replace b for the same URL.
func richerCover(a, b types.Cover) bool {
	if len(a.Data) != len(b.Data) {
		return len(a.Data) > len(b.Data)
	}
	return bytes.Compare(a.Data, b.Data) > 0
}

// Book returns b in normalized form.
func Book(b types.Book) types.Book {
	b.Tags = Union(b.Tags, nil)
	b.Sources = Union(b.Sources, nil)
	b.Attributes = Attributes(b.Attributes, nil)
	b.Covers = Covers(b.Covers, nil)
	chapters, err := chapterSet(b.Fingerprint(), b.Chapters, nil)
	if err == nil {
		b.Chapters = chapters
	}
	return b
}

// Chapter returns c in normalized form.
func Chapter(c types.Chapter) types.Chapter {
	c.Sources = Union(c.Sources, nil)
	c.Attributes = Attributes(c.Attributes, nil)
	return c
}
