package crawler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// lineAdapter reads "key: value" lines; chapters are "chapter: url|title".
type lineAdapter struct{}

func (lineAdapter) field(page, key string) (string, error) {
	for _, line := range strings.Split(page, "\n") {
		if v, ok := strings.CutPrefix(line, key+": "); ok {
			return v, nil
		}
	}
	return "", NewExtractionError(key, nil)
}

func (a lineAdapter) ExtractTitle(page string) (string, error)  { return a.field(page, "title") }
func (a lineAdapter) ExtractWriter(page string) (string, error) { return a.field(page, "writer") }
func (a lineAdapter) ExtractType(page string) (string, error)   { return a.field(page, "type") }
func (a lineAdapter) ExtractLastUpdate(page string) (string, error) {
	return a.field(page, "date")
}

func (a lineAdapter) ExtractLastChapter(page string) (string, error) {
	return a.field(page, "last")
}

func (a lineAdapter) chapters(page string) [][2]string {
	var out [][2]string
	for _, line := range strings.Split(page, "\n") {
		if v, ok := strings.CutPrefix(line, "chapter: "); ok {
			parts := strings.SplitN(v, "|", 2)
			out = append(out, [2]string{parts[0], parts[1]})
		}
	}
	return out
}

func (a lineAdapter) ExtractChapterURLs(page string) ([]string, error) {
	var urls []string
	for _, c := range a.chapters(page) {
		urls = append(urls, c[0])
	}
	return urls, nil
}

func (a lineAdapter) ExtractChapterTitles(page string) ([]string, error) {
	var titles []string
	for _, c := range a.chapters(page) {
		titles = append(titles, c[1])
	}
	return titles, nil
}

func (a lineAdapter) ExtractChapterContent(page string) (string, error) {
	return a.field(page, "content")
}

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	fail   map[string]int
	delays map[string]time.Duration
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:  map[string]string{},
		fail:   map[string]int{},
		delays: map[string]time.Duration{},
		calls:  map[string]int{},
	}
}

func (f *fakeFetcher) set(url, page string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = page
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	delay := f.delays[req.URL]
	if f.fail[req.URL] > 0 {
		f.fail[req.URL]--
		f.mu.Unlock()
		return FetchResponse{}, &FetchError{Kind: FetchTimeout, URL: req.URL, Err: context.DeadlineExceeded}
	}
	page, ok := f.pages[req.URL]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return FetchResponse{}, &FetchError{Kind: FetchTransport, URL: req.URL, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	if !ok {
		return FetchResponse{}, &FetchError{Kind: FetchHTTP, URL: req.URL, StatusCode: 404, Err: fmt.Errorf("not found")}
	}
	return FetchResponse{URL: req.URL, StatusCode: 200, Body: page}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeBlobStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{data: map[string]string{}}
}

func (s *fakeBlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = string(b)
	return "mem://" + path, nil
}

func (s *fakeBlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[path]
	return ok, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubHasher struct{}

func (stubHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("len-%d", len(data)), nil
}

type failingHasher struct{ err error }

func (h failingHasher) Hash([]byte) (string, error) {
	return "", h.err
}

func testSite(f Fetcher) *Site {
	return &Site{
		Name:                "demo",
		Adapter:             lineAdapter{},
		Fetcher:             f,
		BookURLTemplate:     "https://demo.test/book/{num}",
		ChapterListTemplate: "https://demo.test/book/{num}/chapters",
		ChapterConcurrency:  4,
	}
}

func bookPage(title, writer, date, last string) string {
	return strings.Join([]string{
		"title: " + title,
		"writer: " + writer,
		"type: fantasy",
		"date: " + date,
		"last: " + last,
	}, "\n")
}

func noWaitRetry() RetryPolicy {
	return NewFixedRetryPolicy(DefaultMaxAttempts, 0)
}
