package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ChineseWriter/novel-dl/internal/types"
	"github.com/ChineseWriter/novel-dl/internal/validation"
)

// Record kinds.
const (
	KindBook    = "book"
	KindChapter = "chapter"
)

// maxLineBytes bounds a single JSON Lines record; chapter bodies can be large.
const maxLineBytes = 16 << 20

// Record is one inbound record tagged by kind. Exactly one of Book and
// Chapter is set on a decoded record. Err is set instead when the input
// could not be decoded.
type Record struct {
	Kind    string
	Book    *types.BookRecord
	Chapter *types.ChapterRecord

	// Line is the 1-based input line, or 0 when not read from a stream.
	Line int
	Err  error
}

// BookRecord wraps r as a Record.
func BookRecord(r types.BookRecord) Record {
	return Record{Kind: KindBook, Book: &r}
}

// ChapterRecord wraps r as a Record.
func ChapterRecord(r types.ChapterRecord) Record {
	return Record{Kind: KindChapter, Chapter: &r}
}

// UnmarshalJSON decodes a flat object whose "kind" field selects the
// record type.
func (r *Record) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	switch head.Kind {
	case KindBook:
		var b types.BookRecord
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*r = Record{Kind: KindBook, Book: &b}
	case KindChapter:
		var c types.ChapterRecord
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		*r = Record{Kind: KindChapter, Chapter: &c}
	default:
		return fmt.Errorf("unknown record kind %q", head.Kind)
	}
	return nil
}

// MarshalJSON encodes the record as a flat object with a "kind" field.
func (r Record) MarshalJSON() ([]byte, error) {
	switch {
	case r.Book != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			types.BookRecord
		}{KindBook, *r.Book})
	case r.Chapter != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			types.ChapterRecord
		}{KindChapter, *r.Chapter})
	default:
		return nil, fmt.Errorf("record has no payload")
	}
}

// Feed sends records to out until its input is exhausted or ctx is done.
type Feed func(ctx context.Context, out chan<- Record) error

// Records feeds the given records in order.
func Records(records []Record) Feed {
	return func(ctx context.Context, out chan<- Record) error {
		for _, rec := range records {
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// JSONLines feeds one record per non-blank line of r. Lines that fail to
// decode are sent with Err set so they are counted as rejected.
func JSONLines(r io.Reader) Feed {
	return func(ctx context.Context, out chan<- Record) error {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

		line := 0
		for sc.Scan() {
			line++
			text := bytes.TrimSpace(sc.Bytes())
			if len(text) == 0 {
				continue
			}

			var rec Record
			if err := json.Unmarshal(text, &rec); err != nil {
				rec = Record{Err: fmt.Errorf("%w: %v", validation.ErrInvalidRecord, err)}
			}
			rec.Line = line

			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read records at line %d: %w", line+1, err)
		}
		return nil
	}
}

// Concat feeds each feed in turn.
func Concat(feeds ...Feed) Feed {
	return func(ctx context.Context, out chan<- Record) error {
		for _, feed := range feeds {
			if err := feed(ctx, out); err != nil {
				return err
			}
		}
		return nil
	}
}
