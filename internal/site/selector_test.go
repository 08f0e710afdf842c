package site

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

const hjwzwBook = `<html><head>
<meta property="og:novel:book_name" content="恐怖修仙世界" />
<meta property="og:novel:author" content="龍蛇枝" />
<meta property="og:novel:category" content="仙俠" />
<meta property="og:novel:update_time" content="2021-04-06" />
<meta property="og:novel:latest_chapter_name" content="完本感言" />
</head><body></body></html>`

const hjwzwChapters = `<html><body>
<div id="tbchapterlist"><table><tbody><tr>
<td><a href="/Book/Read/37656,16491126">第1章 黑暗恐懼</a></td>
<td><a href="/Book/Read/37656,16491127">第2章 陰鬼</a></td>
<td><a href="/Book/Read/37656,20212949">完本感言</a></td>
</tr></tbody></table></div>
</body></html>`

const hjwzwChapter = `<html><body>
<table><tbody><tr><td>
<h1>第1章 黑暗恐懼</h1>
<div></div><div></div><div></div><div></div>
<div>請記住本站域名: 黃金屋<br/>&nbsp;&nbsp;周凡勉力眨了一下眼睛。<br/><br/>&nbsp;&nbsp;但屋內大多數地方一片昏暗。<p>他來到這個世界三天了。</p></div>
</td></tr></tbody></table>
</body></html>`

func newHJWZW(t *testing.T) crawler.SiteAdapter {
	t.Helper()
	a, err := NewRegistry().Build(AdapterHJWZW, Selectors{})
	require.NoError(t, err)
	return a
}

func TestHJWZWBookPage(t *testing.T) {
	t.Parallel()

	a := newHJWZW(t)
	extract := map[string]func(string) (string, error){
		"恐怖修仙世界":     a.ExtractTitle,
		"龍蛇枝":        a.ExtractWriter,
		"仙俠":         a.ExtractType,
		"2021-04-06": a.ExtractLastUpdate,
		"完本感言":       a.ExtractLastChapter,
	}
	for want, fn := range extract {
		got, err := fn(hjwzwBook)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestHJWZWMissingMeta(t *testing.T) {
	t.Parallel()

	a := newHJWZW(t)
	page := `<html><head><meta property="og:novel:author" content="author" /></head></html>`

	_, err := a.ExtractTitle(page)
	var extractErr *crawler.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, FieldTitle, extractErr.Field)

	writer, err := a.ExtractWriter(page)
	require.NoError(t, err)
	assert.Equal(t, "author", writer)

	_, err = a.ExtractLastUpdate("<data></data>")
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, FieldLastUpdate, extractErr.Field)
}

func TestHJWZWChapterList(t *testing.T) {
	t.Parallel()

	a := newHJWZW(t)
	urls, err := a.ExtractChapterURLs(hjwzwChapters)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/Book/Read/37656,16491126",
		"/Book/Read/37656,16491127",
		"/Book/Read/37656,20212949",
	}, urls)

	titles, err := a.ExtractChapterTitles(hjwzwChapters)
	require.NoError(t, err)
	assert.Equal(t, []string{"第1章 黑暗恐懼", "第2章 陰鬼", "完本感言"}, titles)
}

func TestHJWZWChapterListErrors(t *testing.T) {
	t.Parallel()

	a := newHJWZW(t)
	var extractErr *crawler.ExtractionError

	_, err := a.ExtractChapterURLs("<data></data>")
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, FieldChapterURLs, extractErr.Field)

	missingHref := `<div id="tbchapterlist"><table><tbody><tr>
<td><a href="u1">one</a></td><td><a href="">two</a></td>
</tr></tbody></table></div>`
	_, err = a.ExtractChapterURLs(missingHref)
	require.ErrorAs(t, err, &extractErr)

	titles, err := a.ExtractChapterTitles(missingHref)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, titles)
}

func TestHJWZWChapterContent(t *testing.T) {
	t.Parallel()

	a := newHJWZW(t)
	content, err := a.ExtractChapterContent(hjwzwChapter)
	require.NoError(t, err)
	assert.Equal(t, "周凡勉力眨了一下眼睛。\n  但屋內大多數地方一片昏暗。\n他來到這個世界三天了。", content)

	_, err = a.ExtractChapterContent(`<table><tbody><tr><td><h1>t</h1><div></div><div></div><div></div><div></div><div></div></td></tr></tbody></table>`)
	var extractErr *crawler.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, FieldChapterContent, extractErr.Field)
}

func TestSelectorAdapterFromConfig(t *testing.T) {
	t.Parallel()

	a, err := NewRegistry().Build(AdapterSelector, Selectors{
		Title:          Selector{CSS: "h1.title"},
		Writer:         Selector{CSS: "span.author"},
		LastUpdate:     Selector{CSS: "time", Attr: "datetime"},
		ChapterLink:    Selector{CSS: "ul.chapters a"},
		ChapterContent: Selector{CSS: "#content"},
	})
	require.NoError(t, err)

	page := `<h1 class="title"> Star Sea </h1><span class="author">Someone</span>
<time datetime="2024-05-01">May</time>
<ul class="chapters"><li><a href="/c/1">One</a></li><li><a href="/c/2">Two</a></li></ul>
<div id="content"><p>first</p><p>second</p></div>`

	title, err := a.ExtractTitle(page)
	require.NoError(t, err)
	assert.Equal(t, "Star Sea", title)

	date, err := a.ExtractLastUpdate(page)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", date)

	kind, err := a.ExtractType(page)
	require.NoError(t, err)
	assert.Empty(t, kind)

	urls, err := a.ExtractChapterURLs(page)
	require.NoError(t, err)
	assert.Equal(t, []string{"/c/1", "/c/2"}, urls)

	content, err := a.ExtractChapterContent(page)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", content)
}

func TestRegistryBuildErrors(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Build("nope", Selectors{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hjwzw")

	_, err = r.Build(AdapterSelector, Selectors{Title: Selector{CSS: "h1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), FieldWriter)

	assert.Equal(t, []string{AdapterHJWZW, AdapterSelector}, r.Names())
}

func TestRegistryPresetOverride(t *testing.T) {
	t.Parallel()

	a, err := NewRegistry().Build("HJWZW", Selectors{Title: Selector{CSS: "h2"}})
	require.NoError(t, err)
	title, err := a.ExtractTitle("<h2>Override</h2>")
	require.NoError(t, err)
	assert.Equal(t, "Override", title)

	_, err = a.ExtractTitle(hjwzwBook)
	assert.True(t, errors.As(err, new(*crawler.ExtractionError)))
}
