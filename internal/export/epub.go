package export

import (
	"bytes"
	"fmt"
	"html"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-shiori/go-epub"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

// File names inside an exported EPUB.
const (
	IntroFilename = "intro.xhtml"
	chapterFormat = "chapter-%05d.xhtml"
)

// emsp indents paragraphs and separates headings the way printed Chinese
// novels do.
const emsp = "\u2003"

// WriteEPUB writes b as an EPUB book: an information page with the main
// cover, title, author, state, description, tags, sources and attributes,
// then one page per chapter in index order.
func WriteEPUB(w io.Writer, b types.Book) error {
	// go-epub reads media from files, so stylesheets and the cover are
	// staged in a scratch directory for the duration of the write.
	tmp, err := os.MkdirTemp("", "noveldl-epub-*")
	if err != nil {
		return fmt.Errorf("create epub workspace: %w", err)
	}
	defer os.RemoveAll(tmp)

	e, err := epub.NewEpub(b.Title)
	if err != nil {
		return fmt.Errorf("new epub: %w", err)
	}
	e.SetAuthor(b.Author)
	e.SetLang("zh-CN")
	e.SetIdentifier("urn:novel-dl:" + b.Fingerprint())
	e.SetDescription(b.Description)

	introCSS, err := stageCSS(e, tmp, "introduce.css", introduceCSS)
	if err != nil {
		return err
	}
	chapterCSS, err := stageCSS(e, tmp, "chapter.css", chapterStyle)
	if err != nil {
		return err
	}

	coverPath, err := stageCover(e, tmp, b)
	if err != nil {
		return err
	}

	if _, err := e.AddSection(introPage(b, coverPath), fmt.Sprintf("《%s》基本信息", b.Title), IntroFilename, introCSS); err != nil {
		return fmt.Errorf("add information page: %w", err)
	}
	for _, ch := range b.Chapters {
		name := fmt.Sprintf(chapterFormat, ch.Index)
		if _, err := e.AddSection(chapterPage(ch), chapterHeading(ch, " "), name, chapterCSS); err != nil {
			return fmt.Errorf("add chapter %d: %w", ch.Index, err)
		}
	}

	if _, err := e.WriteTo(w); err != nil {
		return fmt.Errorf("write epub: %w", err)
	}
	return nil
}

// EPUBFilename returns a file name for the EPUB export of b.
func EPUBFilename(b types.Book) string {
	return strings.TrimSuffix(Filename(b), ".txt") + ".epub"
}

func stageCSS(e *epub.Epub, dir, name, content string) (string, error) {
	src := filepath.Join(dir, name)
	if err := os.WriteFile(src, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	path, err := e.AddCSS(src, name)
	if err != nil {
		return "", fmt.Errorf("add %s: %w", name, err)
	}
	return path, nil
}

// stageCover adds the main cover and returns its path relative to the
// pages, or "" when the book has no decodable cover.
func stageCover(e *epub.Epub, dir string, b types.Book) (string, error) {
	cover, ok := b.MainCover()
	if !ok {
		return "", nil
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(cover.Data))
	if err != nil {
		return "", nil
	}
	ext := "." + format
	if format == "jpeg" {
		ext = ".jpg"
	}

	name := "cover" + ext
	src := filepath.Join(dir, name)
	if err := os.WriteFile(src, cover.Data, 0o600); err != nil {
		return "", fmt.Errorf("stage cover: %w", err)
	}
	path, err := e.AddImage(src, name)
	if err != nil {
		return "", fmt.Errorf("add cover: %w", err)
	}
	e.SetCover(path, "")
	return path, nil
}

func introPage(b types.Book, coverPath string) string {
	var sb strings.Builder
	sb.WriteString(`<div class="container">`)
	if coverPath != "" {
		fmt.Fprintf(&sb, `<div class="cover"><img src="%s" alt="封面图片"/></div>`, html.EscapeString(coverPath))
	}
	fmt.Fprintf(&sb, "<h1>%s</h1>", html.EscapeString(b.Title))
	writeField(&sb, "作者", html.EscapeString(b.Author))
	writeField(&sb, "状态", b.State.String())
	writeField(&sb, "描述", multiline(b.Description))
	writeField(&sb, "标签", "")
	writeList(&sb, "tags", b.Tags)
	writeField(&sb, "来源", "")
	writeList(&sb, "sources", b.Sources)
	writeAttributes(&sb, `<dl class="attributes">`, b.Attributes)
	sb.WriteString(`</div>`)
	return sb.String()
}

func chapterPage(ch types.Chapter) string {
	var sb strings.Builder
	sb.WriteString(`<div class="container">`)
	fmt.Fprintf(&sb, "<h1>%s</h1>", html.EscapeString(chapterHeading(ch, emsp)))
	if ch.UpdatedAt.IsZero() {
		writeField(&sb, "更新时间", "未知")
	} else {
		writeField(&sb, "更新时间", fmt.Sprintf(`<time datetime="%s">%s</time>`,
			ch.UpdatedAt.UTC().Format(time.RFC3339Nano), ch.UpdatedAt.UTC().Format(TimeLayout)))
	}

	sb.WriteString(`<div class="chapter-content">`)
	for _, line := range strings.Split(strings.ReplaceAll(ch.Content, "\t", ""), "\n") {
		fmt.Fprintf(&sb, "<p>%s%s%s</p>", emsp, emsp, html.EscapeString(line))
	}
	sb.WriteString(`</div>`)

	sb.WriteString(`<div class="hidden"><h2>来源</h2>`)
	writeList(&sb, "sources", ch.Sources)
	sb.WriteString(`<div class="other-info"><h2>其它信息</h2>`)
	writeAttributes(&sb, "<dl>", ch.Attributes)
	sb.WriteString(`</div></div></div>`)
	return sb.String()
}

func chapterHeading(ch types.Chapter, sep string) string {
	return fmt.Sprintf("第%d章%s%s", ch.Index, sep, ch.Title)
}

// writeField writes a labelled paragraph; value is already escaped.
func writeField(sb *strings.Builder, label, value string) {
	fmt.Fprintf(sb, `<p><span class="info-title">%s:</span> %s</p>`, label, value)
}

func writeList(sb *strings.Builder, class string, items []string) {
	fmt.Fprintf(sb, `<ul class="%s">`, class)
	for _, item := range items {
		fmt.Fprintf(sb, "<li>%s</li>", html.EscapeString(item))
	}
	sb.WriteString("</ul>")
}

func writeAttributes(sb *strings.Builder, open string, attrs map[string]string) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString(open)
	for _, k := range keys {
		fmt.Fprintf(sb, "<dt>%s</dt><dd>%s</dd>", html.EscapeString(k), html.EscapeString(attrs[k]))
	}
	sb.WriteString("</dl>")
}

func multiline(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br/>")
}

const introduceCSS = `body {
    line-height: 1.6;
    margin: 20px;
}
.container {
    max-width: 800px;
    margin: auto;
    padding: 20px;
}
h1 {
    color: #333;
    border-bottom: 2px solid #333;
    padding-bottom: 10px;
}
.info-title {
    font-weight: bold;
}
.cover {
    text-align: center;
    margin-bottom: 20px;
}
.cover img {
    max-width: 100%;
    height: auto;
}
.tags {
    list-style-type: none;
    padding: 0;
}
.tags li {
    display: inline;
    margin-right: 10px;
}
`

const chapterStyle = `body {
    line-height: 1.6;
    margin: 20px;
}
.container {
    max-width: 800px;
    margin: auto;
}
h1 {
    color: #333;
    border-bottom: 2px solid #333;
    padding-bottom: 10px;
}
.info-title {
    font-weight: bold;
}
.hidden {
    display: none;
}
`
