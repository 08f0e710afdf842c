// Package site holds the per-site page adapters and the registry that builds
// them from configuration.
package site

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

// Field names reported on *crawler.ExtractionError.
const (
	FieldTitle          = "title"
	FieldWriter         = "writer"
	FieldType           = "type"
	FieldLastUpdate     = "last_update"
	FieldLastChapter    = "last_chapter"
	FieldChapterURLs    = "chapter_urls"
	FieldChapterTitles  = "chapter_titles"
	FieldChapterContent = "chapter_content"
)

// Selector locates one field. An empty Attr reads the element text.
type Selector struct {
	CSS  string
	Attr string
}

func (s Selector) empty() bool {
	return strings.TrimSpace(s.CSS) == ""
}

// Selectors describes every field an adapter extracts.
type Selectors struct {
	Title          Selector
	Writer         Selector
	BookType       Selector
	LastUpdate     Selector
	LastChapter    Selector
	ChapterLink    Selector
	ChapterContent Selector
	// Remove lists boilerplate fragments stripped from chapter content.
	Remove []string
}

// Merge returns s with every non-empty field of override applied.
func (s Selectors) Merge(override Selectors) Selectors {
	pick := func(base, o Selector) Selector {
		if o.empty() {
			return base
		}
		return o
	}
	out := Selectors{
		Title:          pick(s.Title, override.Title),
		Writer:         pick(s.Writer, override.Writer),
		BookType:       pick(s.BookType, override.BookType),
		LastUpdate:     pick(s.LastUpdate, override.LastUpdate),
		LastChapter:    pick(s.LastChapter, override.LastChapter),
		ChapterLink:    pick(s.ChapterLink, override.ChapterLink),
		ChapterContent: pick(s.ChapterContent, override.ChapterContent),
	}
	out.Remove = append(append([]string(nil), s.Remove...), override.Remove...)
	return out
}

// Validate checks that the fields a crawl cannot do without are set.
func (s Selectors) Validate() error {
	var errs []error
	for field, sel := range map[string]Selector{
		FieldTitle:          s.Title,
		FieldWriter:         s.Writer,
		FieldChapterURLs:    s.ChapterLink,
		FieldChapterContent: s.ChapterContent,
	} {
		if sel.empty() {
			errs = append(errs, fmt.Errorf("selector for %s is required", field))
		}
	}
	return errors.Join(errs...)
}

// SelectorAdapter extracts fields with CSS selectors via goquery.
type SelectorAdapter struct {
	sel Selectors
}

var _ crawler.SiteAdapter = (*SelectorAdapter)(nil)

// NewSelectorAdapter validates sel and builds an adapter.
func NewSelectorAdapter(sel Selectors) (*SelectorAdapter, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if sel.ChapterLink.Attr == "" {
		sel.ChapterLink.Attr = "href"
	}
	return &SelectorAdapter{sel: sel}, nil
}

func parse(field, page string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, crawler.NewExtractionError(field, fmt.Errorf("parse page: %w", err))
	}
	return doc, nil
}

func (a *SelectorAdapter) single(field string, sel Selector, page string) (string, error) {
	if sel.empty() {
		return "", nil
	}
	doc, err := parse(field, page)
	if err != nil {
		return "", err
	}
	value := read(doc.Find(sel.CSS).First(), sel.Attr)
	if value == "" {
		return "", crawler.NewExtractionError(field, nil)
	}
	return value, nil
}

func read(s *goquery.Selection, attr string) string {
	if s.Length() == 0 {
		return ""
	}
	if attr != "" {
		return strings.TrimSpace(s.AttrOr(attr, ""))
	}
	return strings.TrimSpace(s.Text())
}

// ExtractTitle implements crawler.SiteAdapter.
func (a *SelectorAdapter) ExtractTitle(page string) (string, error) {
	return a.single(FieldTitle, a.sel.Title, page)
}

// ExtractWriter implements crawler.SiteAdapter.
func (a *SelectorAdapter) ExtractWriter(page string) (string, error) {
	return a.single(FieldWriter, a.sel.Writer, page)
}

// ExtractType implements crawler.SiteAdapter. Sites without a category
// selector yield an empty type.
func (a *SelectorAdapter) ExtractType(page string) (string, error) {
	return a.single(FieldType, a.sel.BookType, page)
}

// ExtractLastUpdate implements crawler.SiteAdapter.
func (a *SelectorAdapter) ExtractLastUpdate(page string) (string, error) {
	return a.single(FieldLastUpdate, a.sel.LastUpdate, page)
}

// ExtractLastChapter implements crawler.SiteAdapter.
func (a *SelectorAdapter) ExtractLastChapter(page string) (string, error) {
	return a.single(FieldLastChapter, a.sel.LastChapter, page)
}

// ExtractChapterURLs returns the raw link targets in page order.
func (a *SelectorAdapter) ExtractChapterURLs(page string) ([]string, error) {
	return a.list(FieldChapterURLs, page, a.sel.ChapterLink.Attr)
}

// ExtractChapterTitles returns the link texts in page order.
func (a *SelectorAdapter) ExtractChapterTitles(page string) ([]string, error) {
	return a.list(FieldChapterTitles, page, "")
}

func (a *SelectorAdapter) list(field, page, attr string) ([]string, error) {
	doc, err := parse(field, page)
	if err != nil {
		return nil, err
	}
	var (
		out  []string
		errs []error
	)
	doc.Find(a.sel.ChapterLink.CSS).Each(func(i int, s *goquery.Selection) {
		v := read(s, attr)
		if v == "" {
			errs = append(errs, fmt.Errorf("entry %d is empty", i))
		}
		out = append(out, v)
	})
	if len(out) == 0 {
		return nil, crawler.NewExtractionError(field, errors.New("chapter list is empty"))
	}
	if len(errs) > 0 {
		return nil, crawler.NewExtractionError(field, errors.Join(errs...))
	}
	return out, nil
}

// ExtractChapterContent returns the chapter body with line breaks kept.
func (a *SelectorAdapter) ExtractChapterContent(page string) (string, error) {
	doc, err := parse(FieldChapterContent, page)
	if err != nil {
		return "", err
	}
	sel := doc.Find(a.sel.ChapterContent.CSS).First()
	var content string
	if a.sel.ChapterContent.Attr != "" {
		content = read(sel, a.sel.ChapterContent.Attr)
	} else {
		content = blockText(sel)
	}
	for _, junk := range a.sel.Remove {
		if junk != "" {
			content = strings.ReplaceAll(content, junk, "")
		}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", crawler.NewExtractionError(FieldChapterContent, nil)
	}
	return content, nil
}

// blockText renders the selection as text, turning <br> and block edges into
// newlines and dropping blank lines.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(strings.ReplaceAll(n.Data, "\u00a0", " "))
			return
		case html.ElementNode:
			switch n.Data {
			case "br":
				b.WriteByte('\n')
				return
			case "script", "style":
				return
			case "p", "div":
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (n.Data == "p" || n.Data == "div") {
			b.WriteByte('\n')
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}

	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
