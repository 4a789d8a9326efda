// Package importer reads books produced by other downloaders.
package importer

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/ChineseWriter/novel-dl/internal/fingerprint"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

// Sentinel errors
var (
	ErrNotEPUB         = errors.New("not an epub archive")
	ErrMissingMetadata = errors.New("book title or author missing")
	ErrTooManyChapters = fmt.Errorf("more than %d chapters", types.MaxChapterIndex)
)

// maxEntryBytes bounds a single archive member.
const maxEntryBytes = 64 << 20

const introBase = "intro.xhtml"

// chapterPrefix matches the numbering in front of chapter headings,
// such as "第12章" or "第十二章".
var chapterPrefix = regexp.MustCompile(`^第\s*[0-9零〇一二两三四五六七八九十百千万]+\s*章`)

// OpenEPUB reads the EPUB file at name.
func OpenEPUB(name string) (*types.Book, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat epub: %w", err)
	}
	return ReadEPUB(f, info.Size())
}

// ReadEPUB converts an EPUB archive into a book with its chapters.
//
// Package metadata supplies title, author, description, subjects and
// sources. An information page named intro.xhtml, as written by
// Tomato-Novel-Downloader and by WriteEPUB, fills in whatever the
// metadata lacks, plus the state, tags and attributes. Every other page
// of the reading order that has a heading becomes a chapter, numbered
// from 1 in reading order.
func ReadEPUB(r io.ReaderAt, size int64) (*types.Book, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEPUB, err)
	}
	a := archive{files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		a.files[f.Name] = f
	}

	pkgPath, err := a.rootfile()
	if err != nil {
		return nil, err
	}
	var pkg opfPackage
	if err := a.decodeXML(pkgPath, &pkg); err != nil {
		return nil, err
	}
	base := path.Dir(pkgPath)

	manifest := make(map[string]opfItem, len(pkg.Manifest))
	var intro *opfItem
	for i, item := range pkg.Manifest {
		item.Href = resolve(base, item.Href)
		pkg.Manifest[i] = item
		manifest[item.ID] = item
		if path.Base(item.Href) == introBase {
			intro = &pkg.Manifest[i]
		}
	}

	book := types.Book{
		Title:       first(pkg.Metadata.Titles),
		Author:      first(pkg.Metadata.Creators),
		Description: first(pkg.Metadata.Descriptions),
		Tags:        nonEmpty(pkg.Metadata.Subjects),
		Sources:     nonEmpty(pkg.Metadata.Sources),
	}

	var introCover string
	if intro != nil {
		doc, err := a.document(intro.Href)
		if err != nil {
			return nil, err
		}
		introCover = readIntro(doc, intro.Href, &book)
	}
	if book.Title == "" || book.Author == "" {
		return nil, ErrMissingMetadata
	}
	bookFP := fingerprint.Book(book.Title, book.Author)

	if href := coverHref(pkg, manifest, introCover); href != "" {
		if data, err := a.read(href); err == nil {
			book.Covers = []types.Cover{{URL: "epub:" + href, Data: data}}
		}
	}

	for _, ref := range pkg.Spine {
		item, ok := manifest[ref.IDRef]
		if !ok || (intro != nil && item.ID == intro.ID) || !item.isPage() {
			continue
		}
		doc, err := a.document(item.Href)
		if err != nil {
			return nil, err
		}
		ch, ok := readChapter(doc)
		if !ok {
			continue
		}
		if len(book.Chapters) == types.MaxChapterIndex {
			return nil, ErrTooManyChapters
		}
		ch.BookFingerprint = bookFP
		ch.Index = len(book.Chapters) + 1
		book.Chapters = append(book.Chapters, ch)
	}

	return &book, nil
}

type archive struct {
	files map[string]*zip.File
}

func (a archive) read(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrNotEPUB, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) > maxEntryBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", name, maxEntryBytes)
	}
	return data, nil
}

func (a archive) decodeXML(name string, v any) error {
	data, err := a.read(name)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func (a archive) document(name string) (*goquery.Document, error) {
	data, err := a.read(name)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	return doc, nil
}

// rootfile returns the package document named by META-INF/container.xml.
func (a archive) rootfile() (string, error) {
	var c struct {
		Rootfiles []struct {
			FullPath string `xml:"full-path,attr"`
		} `xml:"rootfiles>rootfile"`
	}
	if err := a.decodeXML("META-INF/container.xml", &c); err != nil {
		return "", err
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		return "", fmt.Errorf("%w: container lists no package document", ErrNotEPUB)
	}
	return c.Rootfiles[0].FullPath, nil
}

type opfPackage struct {
	Metadata struct {
		Titles       []string `xml:"title"`
		Creators     []string `xml:"creator"`
		Descriptions []string `xml:"description"`
		Subjects     []string `xml:"subject"`
		Sources      []string `xml:"source"`
		Metas        []struct {
			Name    string `xml:"name,attr"`
			Content string `xml:"content,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
	Manifest []opfItem `xml:"manifest>item"`
	Spine    []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

type opfItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

func (i opfItem) isPage() bool {
	if strings.Contains(i.Properties, "nav") {
		return false
	}
	return i.MediaType == "application/xhtml+xml" || i.MediaType == "text/html"
}

// resolve turns an href relative to dir into an archive member name.
func resolve(dir, href string) string {
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	return path.Join(dir, href)
}

// coverHref picks the cover image: the manifest cover-image, then the
// legacy cover meta, then the image shown on the information page.
func coverHref(pkg opfPackage, manifest map[string]opfItem, introCover string) string {
	for _, item := range pkg.Manifest {
		if strings.Contains(item.Properties, "cover-image") {
			return item.Href
		}
	}
	for _, m := range pkg.Metadata.Metas {
		if m.Name == "cover" {
			if item, ok := manifest[m.Content]; ok {
				return item.Href
			}
		}
	}
	if introCover != "" {
		return introCover
	}
	for _, item := range pkg.Manifest {
		if strings.HasPrefix(path.Base(item.Href), "cover.") && strings.HasPrefix(item.MediaType, "image/") {
			return item.Href
		}
	}
	return ""
}

// readIntro fills the gaps in b from an information page and returns the
// archive path of the image it shows, if any.
func readIntro(doc *goquery.Document, href string, b *types.Book) string {
	if b.Title == "" {
		b.Title = clean(doc.Find("h1, h2").First().Text())
	}

	var unlabeled []string
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := clean(p.Text())
		label, value, ok := splitLabel(text)
		if !ok {
			if text != "" {
				unlabeled = append(unlabeled, text)
			}
			return
		}
		switch label {
		case "作者":
			if b.Author == "" {
				b.Author = value
			}
		case "状态":
			state, _, _ := strings.Cut(value, "；")
			b.State = types.ParseState(state)
		case "描述", "简介":
			if b.Description == "" {
				b.Description = value
			}
		}
	})
	if b.Description == "" && len(unlabeled) > 0 {
		b.Description = unlabeled[len(unlabeled)-1]
	}

	b.Tags = appendItems(b.Tags, doc.Find("ul.tags li"))
	b.Sources = appendItems(b.Sources, doc.Find("ul.sources li"))
	b.Attributes = readAttributes(doc.Find("dl.attributes"))

	if src, ok := doc.Find("img").First().Attr("src"); ok && src != "" {
		return resolve(path.Dir(href), src)
	}
	return ""
}

// readChapter converts a page into a chapter. Pages without a heading,
// such as cover pages, are skipped.
func readChapter(doc *goquery.Document) (types.Chapter, bool) {
	heading := clean(doc.Find("h1").First().Text())
	if heading == "" {
		heading = clean(doc.Find("h2").First().Text())
	}
	if heading == "" {
		return types.Chapter{}, false
	}

	title := heading
	if loc := chapterPrefix.FindStringIndex(heading); loc != nil {
		if rest := clean(heading[loc[1]:]); rest != "" {
			title = rest
		}
	}

	paragraphs := doc.Find(".chapter-content p")
	if paragraphs.Length() == 0 {
		paragraphs = doc.Find("p")
	}
	var lines []string
	paragraphs.Each(func(_ int, p *goquery.Selection) {
		if line := clean(p.Text()); line != "" {
			lines = append(lines, line)
		}
	})
	var content string
	if len(lines) > 0 {
		content = "\t" + strings.Join(lines, "\n\t")
	}

	ch := types.Chapter{
		Title:      title,
		Content:    content,
		Sources:    appendItems(nil, doc.Find("ul.sources li")),
		Attributes: readAttributes(doc.Find(".other-info dl")),
	}
	if stamp, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			ch.UpdatedAt = t.UTC()
		}
	}
	return ch, true
}

// splitLabel splits "作者：某人" into its label and value. Labels are short;
// longer prefixes are treated as running text.
func splitLabel(text string) (label, value string, ok bool) {
	i := strings.IndexAny(text, ":：")
	if i < 0 {
		return "", "", false
	}
	label = clean(text[:i])
	if label == "" || utf8.RuneCountInString(label) > 6 {
		return "", "", false
	}
	_, size := utf8.DecodeRuneInString(text[i:])
	return label, clean(text[i+size:]), true
}

func readAttributes(dl *goquery.Selection) map[string]string {
	var attrs map[string]string
	dl.First().Find("dt").Each(func(_ int, dt *goquery.Selection) {
		key := clean(dt.Text())
		if key == "" {
			return
		}
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[key] = clean(dt.NextFiltered("dd").Text())
	})
	return attrs
}

func appendItems(dst []string, items *goquery.Selection) []string {
	items.Each(func(_ int, li *goquery.Selection) {
		if text := clean(li.Text()); text != "" {
			dst = append(dst, text)
		}
	})
	return dst
}

// clean trims surrounding whitespace, including the ideographic and em
// spaces used for indentation.
func clean(s string) string {
	return strings.TrimFunc(s, unicode.IsSpace)
}

func first(values []string) string {
	for _, v := range values {
		if v = clean(v); v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = clean(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
