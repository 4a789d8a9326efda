package importer

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChineseWriter/novel-dl/internal/export"
	"github.com/ChineseWriter/novel-dl/internal/fingerprint"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func zipArchive(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// downloaderArchive builds a book in the layout Tomato-Novel-Downloader
// writes: an intro page with labelled fields, a cover and one page per
// chapter with an h1 heading.
func downloaderArchive(t *testing.T, cover []byte) []byte {
	files := map[string]string{
		"mimetype": "application/epub+zip",
		"META-INF/container.xml": `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`,
		"OEBPS/content.opf": `<?xml version="1.0" encoding="utf-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="id">tnd-1</dc:identifier>
    <dc:title>天龙八部</dc:title>
    <dc:language>zh</dc:language>
    <meta name="cover" content="cover-img"/>
  </metadata>
  <manifest>
    <item id="intro" href="intro.xhtml" media-type="application/xhtml+xml"/>
    <item id="cover-img" href="cover.jpg" media-type="image/jpeg"/>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
    <item id="c1" href="Text/%E7%AC%AC1%E7%AB%A0.xhtml" media-type="application/xhtml+xml"/>
    <item id="c2" href="Text/c2.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine>
    <itemref idref="intro"/>
    <itemref idref="nav"/>
    <itemref idref="c1"/>
    <itemref idref="c2"/>
  </spine>
</package>`,
		"OEBPS/intro.xhtml": `<html><body>
<h2>天龙八部</h2>
<p class="no-indent">作者：金庸</p>
<p class="no-indent">状态：已完结；字数：120万</p>
<p>大理段氏<br/>少林寺</p>
</body></html>`,
		"OEBPS/cover.jpg": string(cover),
		"OEBPS/nav.xhtml": `<html><body><h1>目录</h1></body></html>`,
		"OEBPS/Text/第1章.xhtml": `<html><body>
<h1>第1章 青衫磊落险峰行</h1>
<p>　　青光闪动，</p>
<p>　　一柄青钢剑倏地刺出。</p>
</body></html>`,
		"OEBPS/Text/c2.xhtml": `<html><body>
<h1>第二章 玉壁月华明</h1>
<p>　　段誉</p>
</body></html>`,
	}
	return zipArchive(t, files,
		"mimetype", "META-INF/container.xml", "OEBPS/content.opf", "OEBPS/intro.xhtml",
		"OEBPS/cover.jpg", "OEBPS/nav.xhtml", "OEBPS/Text/第1章.xhtml", "OEBPS/Text/c2.xhtml")
}

func TestReadEPUB_DownloaderLayout(t *testing.T) {
	cover := pngBytes(t, 2, 3)
	data := downloaderArchive(t, cover)

	book, err := ReadEPUB(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	assert.Equal(t, "天龙八部", book.Title)
	assert.Equal(t, "金庸", book.Author)
	assert.Equal(t, types.StateFinished, book.State)
	assert.Equal(t, "大理段氏\n少林寺", book.Description)

	require.Len(t, book.Covers, 1)
	assert.Equal(t, cover, book.Covers[0].Data)
	assert.Equal(t, "epub:OEBPS/cover.jpg", book.Covers[0].URL)

	require.Len(t, book.Chapters, 2)
	fp := fingerprint.Book("天龙八部", "金庸")
	first, second := book.Chapters[0], book.Chapters[1]
	assert.Equal(t, fp, first.BookFingerprint)
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, "青衫磊落险峰行", first.Title)
	assert.Equal(t, "\t青光闪动，\n\t一柄青钢剑倏地刺出。", first.Content)
	assert.Equal(t, 2, second.Index)
	assert.Equal(t, "玉壁月华明", second.Title)
	assert.Equal(t, "\t段誉", second.Content)
}

func TestReadEPUB_Errors(t *testing.T) {
	t.Run("not a zip", func(t *testing.T) {
		data := []byte("plain text")
		_, err := ReadEPUB(bytes.NewReader(data), int64(len(data)))
		assert.ErrorIs(t, err, ErrNotEPUB)
	})

	t.Run("no container", func(t *testing.T) {
		data := zipArchive(t, map[string]string{"mimetype": "application/epub+zip"}, "mimetype")
		_, err := ReadEPUB(bytes.NewReader(data), int64(len(data)))
		assert.ErrorIs(t, err, ErrNotEPUB)
	})

	t.Run("no author", func(t *testing.T) {
		files := map[string]string{
			"META-INF/container.xml": `<container><rootfiles><rootfile full-path="book.opf"/></rootfiles></container>`,
			"book.opf": `<package><metadata><title>无名</title></metadata>
				<manifest></manifest><spine></spine></package>`,
		}
		data := zipArchive(t, files, "META-INF/container.xml", "book.opf")
		_, err := ReadEPUB(bytes.NewReader(data), int64(len(data)))
		assert.ErrorIs(t, err, ErrMissingMetadata)
	})
}

func TestReadEPUB_RoundTripsExport(t *testing.T) {
	// Given a book exported with every field set
	b := types.Book{
		Title:       "天龙八部",
		Author:      "金庸",
		State:       types.StateSerializing,
		Description: "大理段氏\n少林寺",
		Tags:        []string{"武侠", "江湖"},
		Sources:     []string{"https://a.example/tlbb"},
		Attributes:  map[string]string{"words": "1200000"},
		Covers:      []types.Cover{{URL: "https://img.example/c.png", Data: pngBytes(t, 4, 4)}},
	}
	fp := b.Fingerprint()
	updated := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	b.Chapters = []types.Chapter{
		{
			BookFingerprint: fp, Index: 1, Title: "青衫磊落险峰行",
			Content: "\t青光闪动，\n\t一柄青钢剑倏地刺出。", UpdatedAt: updated,
			Sources:    []string{"https://a.example/tlbb/1"},
			Attributes: map[string]string{"site": "a"},
		},
		{BookFingerprint: fp, Index: 2, Title: "玉壁月华明", Content: "\t段誉 & <木婉清>"},
	}

	var buf bytes.Buffer
	require.NoError(t, export.WriteEPUB(&buf, b))

	// When it is read back
	got, err := ReadEPUB(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	// Then the book and its chapters survive
	assert.Equal(t, b.Title, got.Title)
	assert.Equal(t, b.Author, got.Author)
	assert.Equal(t, b.State, got.State)
	assert.Equal(t, b.Description, got.Description)
	assert.ElementsMatch(t, b.Tags, got.Tags)
	assert.Contains(t, got.Sources, "https://a.example/tlbb")
	assert.Equal(t, b.Attributes, got.Attributes)
	require.NotEmpty(t, got.Covers)
	assert.Equal(t, b.Covers[0].Data, got.Covers[0].Data)

	require.Len(t, got.Chapters, 2)
	for i, want := range b.Chapters {
		ch := got.Chapters[i]
		assert.Equal(t, want.Fingerprint(), ch.Fingerprint(), "chapter %d", want.Index)
		assert.Equal(t, want.Content, ch.Content, "chapter %d", want.Index)
		assert.True(t, want.UpdatedAt.Equal(ch.UpdatedAt), "chapter %d", want.Index)
		assert.Equal(t, want.Attributes, ch.Attributes, "chapter %d", want.Index)
	}
	assert.Equal(t, []string{"https://a.example/tlbb/1"}, got.Chapters[0].Sources)
}

func TestOpenEPUB(t *testing.T) {
	data := downloaderArchive(t, pngBytes(t, 1, 1))
	name := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(name, data, 0o600))

	book, err := OpenEPUB(name)
	require.NoError(t, err)
	assert.Len(t, book.Chapters, 2)

	_, err = OpenEPUB(filepath.Join(t.TempDir(), "missing.epub"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSplitLabel(t *testing.T) {
	tests := []struct {
		text, label, value string
		ok                 bool
	}{
		{"作者：金庸", "作者", "金庸", true},
		{"状态: 连载", "状态", "连载", true},
		{"没有冒号的句子", "", "", false},
		{"这是一段很长的文字，其中有：冒号", "", "", false},
	}
	for _, tt := range tests {
		label, value, ok := splitLabel(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.label, label, tt.text)
		assert.Equal(t, tt.value, value, tt.text)
	}
}
