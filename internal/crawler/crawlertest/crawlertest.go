// Package crawlertest provides in-memory sites for tests of packages that
// drive crawler.Book.
package crawlertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

// LineAdapter reads pages made of "key: value" lines. Chapter index lines
// look like "chapter: url|title".
type LineAdapter struct{}

var _ crawler.SiteAdapter = LineAdapter{}

func (LineAdapter) field(page, key string) (string, error) {
	for _, line := range strings.Split(page, "\n") {
		if v, ok := strings.CutPrefix(line, key+": "); ok {
			return v, nil
		}
	}
	return "", crawler.NewExtractionError(key, nil)
}

// ExtractTitle implements crawler.SiteAdapter.
func (a LineAdapter) ExtractTitle(p string) (string, error) { return a.field(p, "title") }

// ExtractWriter implements crawler.SiteAdapter.
func (a LineAdapter) ExtractWriter(p string) (string, error) { return a.field(p, "writer") }

// ExtractType implements crawler.SiteAdapter.
func (a LineAdapter) ExtractType(p string) (string, error) { return a.field(p, "type") }

// ExtractLastUpdate implements crawler.SiteAdapter.
func (a LineAdapter) ExtractLastUpdate(p string) (string, error) { return a.field(p, "date") }

// ExtractLastChapter implements crawler.SiteAdapter.
func (a LineAdapter) ExtractLastChapter(p string) (string, error) { return a.field(p, "last") }

// ExtractChapterContent implements crawler.SiteAdapter.
func (a LineAdapter) ExtractChapterContent(p string) (string, error) { return a.field(p, "content") }

// ExtractChapterURLs implements crawler.SiteAdapter.
func (a LineAdapter) ExtractChapterURLs(p string) ([]string, error) { return chapterParts(p, 0), nil }

// ExtractChapterTitles implements crawler.SiteAdapter.
func (a LineAdapter) ExtractChapterTitles(p string) ([]string, error) { return chapterParts(p, 1), nil }

func chapterParts(p string, idx int) []string {
	var out []string
	for _, line := range strings.Split(p, "\n") {
		if v, ok := strings.CutPrefix(line, "chapter: "); ok {
			parts := strings.SplitN(v, "|", 2)
			if idx < len(parts) {
				out = append(out, parts[idx])
			}
		}
	}
	return out
}

// BookPage renders a metadata page for LineAdapter.
func BookPage(title, writer, date, last string) string {
	return fmt.Sprintf("title: %s\nwriter: %s\ntype: fantasy\ndate: %s\nlast: %s", title, writer, date, last)
}

// ChapterList renders a chapter index of n chapters at /read/{num}/{i}.
func ChapterList(num, n int) string {
	lines := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		lines = append(lines, fmt.Sprintf("chapter: /read/%d/%d|Chapter %d", num, i, i))
	}
	return strings.Join(lines, "\n")
}

// Fetcher serves canned pages; unknown URLs answer 404 and URLs marked with
// FailAlways answer 503.
type Fetcher struct {
	mu    sync.Mutex
	pages map[string]string
	fail  map[string]bool
	calls map[string]int
	delay time.Duration
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// NewFetcher returns an empty Fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{pages: map[string]string{}, fail: map[string]bool{}, calls: map[string]int{}}
}

// Set serves page at url.
func (f *Fetcher) Set(url, page string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = page
}

// Remove stops serving url.
func (f *Fetcher) Remove(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pages, url)
}

// FailAlways makes url answer 503 on every attempt.
func (f *Fetcher) FailAlways(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[url] = true
}

// SetDelay makes every fetch wait d before answering.
func (f *Fetcher) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns how many times url was fetched.
func (f *Fetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// TotalCalls returns the number of fetches across all URLs.
func (f *Fetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	delay := f.delay
	failing := f.fail[req.URL]
	page, ok := f.pages[req.URL]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FetchTransport, URL: req.URL, Err: err}
	}
	if failing {
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FetchHTTP, URL: req.URL, StatusCode: 503}
	}
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FetchHTTP, URL: req.URL, StatusCode: 404}
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: page}, nil
}

// Site returns a valid site named name backed by LineAdapter and f.
func Site(name string, f *Fetcher) *crawler.Site {
	return &crawler.Site{
		Name:                name,
		Adapter:             LineAdapter{},
		Fetcher:             f,
		BookURLTemplate:     "https://" + name + ".test/book/{num}",
		ChapterListTemplate: "https://" + name + ".test/book/{num}/chapters",
	}
}

// Clock is a fixed clock.
type Clock struct{ T time.Time }

// Now implements crawler.Clock.
func (c Clock) Now() time.Time { return c.T }

// SequentialIDs hands out deterministic UUID-shaped ids.
type SequentialIDs struct {
	mu sync.Mutex
	n  int
}

// NewID implements crawler.IDGenerator.
func (s *SequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", s.n), nil
}
