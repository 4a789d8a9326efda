// Package export renders stored books into reader formats.
package export

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

// TimeLayout is the layout of chapter update times in text output.
const TimeLayout = "2006-01-02 15:04:05"

// WriteText writes b in the plain text layout: a header with title,
// author, tags, state and description, then every chapter in index order.
// Update times are printed in loc, or in UTC when loc is nil.
func WriteText(w io.Writer, b types.Book, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "《%s》\n", b.Title)
	fmt.Fprintf(bw, "作者: %s\n", b.Author)
	if len(b.Tags) > 0 {
		fmt.Fprintf(bw, "标签: %s\n", strings.Join(b.Tags, "、"))
	}
	bw.WriteString("\n")
	fmt.Fprintf(bw, "状态: %s\n", b.State)
	fmt.Fprintf(bw, "简介: \n%s\n\n", b.Description)

	for _, ch := range b.Chapters {
		writeChapter(bw, ch, loc)
	}
	return bw.Flush()
}

func writeChapter(w *bufio.Writer, ch types.Chapter, loc *time.Location) {
	fmt.Fprintf(w, "第%05d章 %s\n", ch.Index, ch.Title)
	if !ch.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "更新时间: %s\n", ch.UpdatedAt.In(loc).Format(TimeLayout))
	}
	fmt.Fprintf(w, "%s\n\n", ch.Content)
}

// Text returns the text rendering of b.
func Text(b types.Book, loc *time.Location) string {
	var sb strings.Builder
	WriteText(&sb, b, loc)
	return sb.String()
}

// Filename returns a file name for the text export of b.
func Filename(b types.Book) string {
	name := fmt.Sprintf("%s - %s.txt", b.Title, b.Author)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
}
