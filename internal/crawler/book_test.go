package crawler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookRefreshLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fetcher := newFakeFetcher()
	site := testSite(fetcher)
	url := site.BookURL(5)

	// first sighting
	fetcher.set(url, bookPage("Star Sea", "Lin", "2020-01-01", "chapter 1"))
	outcome := NewBook(site, BookRecord{Num: 5}, BookOptions{Retry: noWaitRetry()}).Refresh(ctx)
	require.Equal(t, Changed, outcome.Result)
	require.Equal(t, 0, outcome.Record.Version)
	require.False(t, outcome.Record.EndFlag)
	require.Equal(t, "demo", outcome.Record.Site)
	rec := outcome.Record

	// new chapter published
	fetcher.set(url, bookPage("Star Sea", "Lin", "2020-06-01", "chapter 9"))
	outcome = NewBook(site, rec, BookOptions{Retry: noWaitRetry()}).Refresh(ctx)
	require.Equal(t, Changed, outcome.Result)
	require.False(t, outcome.VersionBumped)
	require.Equal(t, 0, outcome.Record.Version)
	require.Equal(t, "2020-06-01", outcome.Record.LastUpdate)
	rec = outcome.Record

	// marked complete, nothing new upstream
	rec.EndFlag = true
	rec.DownloadFlag = DownloadDone
	outcome = NewBook(site, rec, BookOptions{Retry: noWaitRetry()}).Refresh(ctx)
	require.Equal(t, Unchanged, outcome.Result)
	require.Equal(t, rec, outcome.Record)

	// a completed book got new content
	fetcher.set(url, bookPage("Star Sea", "Lin", "2021-01-01", "side story"))
	outcome = NewBook(site, rec, BookOptions{Retry: noWaitRetry()}).Refresh(ctx)
	require.Equal(t, Changed, outcome.Result)
	require.True(t, outcome.VersionBumped)
	require.Nil(t, outcome.Conflict)
	require.Equal(t, 1, outcome.Record.Version)
	require.False(t, outcome.Record.EndFlag)
	require.Equal(t, DownloadPending, outcome.Record.DownloadFlag)
}

func TestBookRefreshIdentityConflict(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	site := testSite(fetcher)
	prior := BookRecord{
		Site: "demo", Num: 7, Version: 2, Title: "Old", Writer: "A",
		LastUpdate: "2022-01-01", EndFlag: true, DownloadFlag: DownloadDone, ReadFlag: true,
	}
	// same last_update, different identity
	fetcher.set(site.BookURL(7), bookPage("New", "B", "2022-01-01", "x"))

	outcome := NewBook(site, prior, BookOptions{Retry: noWaitRetry()}).Refresh(context.Background())
	require.Equal(t, Changed, outcome.Result)
	require.True(t, outcome.VersionBumped)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, 2, outcome.Conflict.OldVersion)
	assert.Equal(t, 3, outcome.Conflict.NewVersion)
	assert.Equal(t, "Old", outcome.Conflict.OldTitle)
	assert.Equal(t, "B", outcome.Conflict.NewWriter)
	assert.Equal(t, 3, outcome.Record.Version)
	assert.Equal(t, "New", outcome.Record.Title)
	assert.False(t, outcome.Record.EndFlag)
	assert.Equal(t, DownloadPending, outcome.Record.DownloadFlag)
	assert.True(t, outcome.Record.ReadFlag)
}

func TestBookRefreshIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fetcher := newFakeFetcher()
	site := testSite(fetcher)
	fetcher.set(site.BookURL(1), bookPage("T", "W", "2023-03-03", "c"))

	first := NewBook(site, BookRecord{Num: 1}, BookOptions{Retry: noWaitRetry()}).Refresh(ctx)
	require.Equal(t, Changed, first.Result)
	second := NewBook(site, first.Record, BookOptions{Retry: noWaitRetry()}).Refresh(ctx)
	require.Equal(t, Unchanged, second.Result)
	require.Equal(t, first.Record, second.Record)
}

func TestBookRefreshFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(f *fakeFetcher, url string)
		wantType string
		calls    int
	}{
		{
			name:     "missing page is not retried",
			setup:    func(*fakeFetcher, string) {},
			wantType: "404",
			calls:    1,
		},
		{
			name: "extraction failure is not retried",
			setup: func(f *fakeFetcher, url string) {
				f.set(url, "title: only")
			},
			wantType: "extraction",
			calls:    1,
		},
		{
			name: "timeouts exhaust the retry cap",
			setup: func(f *fakeFetcher, url string) {
				f.fail[url] = 100
			},
			wantType: "timeout",
			calls:    DefaultMaxAttempts,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fetcher := newFakeFetcher()
			site := testSite(fetcher)
			url := site.BookURL(3)
			tt.setup(fetcher, url)

			prior := BookRecord{Site: "demo", Num: 3}
			outcome := NewBook(site, prior, BookOptions{Retry: noWaitRetry()}).Refresh(context.Background())
			require.Equal(t, Failed, outcome.Result)
			require.Error(t, outcome.Err)
			assert.Equal(t, tt.wantType, ErrorType(outcome.Err))
			assert.Equal(t, prior, outcome.Record)
			assert.Equal(t, tt.calls, fetcher.callCount(url))
		})
	}
}

func TestBookRefreshRecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	site := testSite(fetcher)
	url := site.BookURL(4)
	fetcher.set(url, bookPage("T", "W", "2024-01-01", "c"))
	fetcher.fail[url] = 3

	outcome := NewBook(site, BookRecord{Num: 4}, BookOptions{Retry: noWaitRetry()}).Refresh(context.Background())
	require.Equal(t, Changed, outcome.Result)
	require.Equal(t, 4, fetcher.callCount(url))
}

func chapterListPage(n int) string {
	lines := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		lines = append(lines, fmt.Sprintf("chapter: /read/%d|Chapter %d", i, i))
	}
	return strings.Join(lines, "\n")
}

func TestBookDownloadPreservesChapterOrder(t *testing.T) {
	t.Parallel()

	const chapters = 20
	fetcher := newFakeFetcher()
	site := testSite(fetcher)
	site.ChapterConcurrency = 8
	fetcher.set(site.ChapterListURL(9), chapterListPage(chapters))

	rng := rand.New(rand.NewSource(42))
	var want strings.Builder
	want.WriteString("Title\nWriter\n" + separator + "\n\n")
	for i := 1; i <= chapters; i++ {
		url := fmt.Sprintf("https://demo.test/read/%d", i)
		fetcher.set(url, fmt.Sprintf("content: body %d", i))
		fetcher.delays[url] = time.Duration(rng.Intn(5)) * time.Millisecond
		fmt.Fprintf(&want, "Chapter %d\n%s\nbody %d\n\n", i, separator, i)
	}

	rec := BookRecord{Site: "demo", Num: 9, Title: "Title", Writer: "Writer"}
	blobs := newFakeBlobStore()
	outcome := NewBook(site, rec, BookOptions{Retry: noWaitRetry(), Hasher: stubHasher{}}).Download(context.Background(), blobs)

	require.Equal(t, DownloadSuccess, outcome.Result, "err: %v", outcome.Err)
	require.Equal(t, "demo/9.txt", outcome.Path)
	require.Equal(t, "mem://demo/9.txt", outcome.URI)
	require.Equal(t, chapters, outcome.Chapters)
	require.Equal(t, want.String(), blobs.data["demo/9.txt"])
	require.Equal(t, fmt.Sprintf("len-%d", want.Len()), outcome.Checksum)
}

func TestBookDownloadWritesVersionedPath(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	site := testSite(fetcher)
	fetcher.set(site.ChapterListURL(2), "chapter: https://demo.test/read/1|One")
	fetcher.set("https://demo.test/read/1", "content: hello")

	rec := BookRecord{Site: "demo", Num: 2, Version: 3, Title: "T", Writer: "W"}
	blobs := newFakeBlobStore()
	outcome := NewBook(site, rec, BookOptions{Retry: noWaitRetry()}).Download(context.Background(), blobs)
	require.Equal(t, DownloadSuccess, outcome.Result)
	require.Equal(t, "demo/2-v3.txt", outcome.Path)
	ok, err := blobs.Exists(context.Background(), "demo/2-v3.txt")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBookDownloadHashFailureWritesNothing(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	site := testSite(fetcher)
	fetcher.set(site.ChapterListURL(4), "chapter: https://demo.test/read/1|One")
	fetcher.set("https://demo.test/read/1", "content: hello")

	hashErr := errors.New("digest unavailable")
	rec := BookRecord{Site: "demo", Num: 4, Title: "T", Writer: "W"}
	blobs := newFakeBlobStore()
	outcome := NewBook(site, rec, BookOptions{Retry: noWaitRetry(), Hasher: failingHasher{err: hashErr}}).
		Download(context.Background(), blobs)

	require.Equal(t, DownloadFailed, outcome.Result)
	require.ErrorIs(t, outcome.Err, hashErr)
	assert.Empty(t, outcome.URI)
	assert.Empty(t, blobs.data)
}

func TestBookDownloadFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(f *fakeFetcher, site *Site)
	}{
		{
			name: "chapter list keeps timing out",
			setup: func(f *fakeFetcher, site *Site) {
				f.fail[site.ChapterListURL(6)] = 100
			},
		},
		{
			name: "empty chapter list",
			setup: func(f *fakeFetcher, site *Site) {
				f.set(site.ChapterListURL(6), "title: nothing here")
			},
		},
		{
			name: "one chapter missing",
			setup: func(f *fakeFetcher, site *Site) {
				f.set(site.ChapterListURL(6), chapterListPage(3))
				f.set("https://demo.test/read/1", "content: a")
				f.set("https://demo.test/read/3", "content: c")
			},
		},
		{
			name: "chapter without content",
			setup: func(f *fakeFetcher, site *Site) {
				f.set(site.ChapterListURL(6), chapterListPage(1))
				f.set("https://demo.test/read/1", "nothing")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fetcher := newFakeFetcher()
			site := testSite(fetcher)
			tt.setup(fetcher, site)

			blobs := newFakeBlobStore()
			rec := BookRecord{Site: "demo", Num: 6, Title: "T", Writer: "W"}
			outcome := NewBook(site, rec, BookOptions{Retry: noWaitRetry()}).Download(context.Background(), blobs)
			require.Equal(t, DownloadFailed, outcome.Result)
			require.Error(t, outcome.Err)
			require.Empty(t, blobs.data)
		})
	}
}

func TestBookDownloadChapterListRetryCap(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	site := testSite(fetcher)
	listURL := site.ChapterListURL(8)
	fetcher.fail[listURL] = DefaultMaxAttempts

	outcome := NewBook(site, BookRecord{Site: "demo", Num: 8}, BookOptions{Retry: noWaitRetry()}).
		Download(context.Background(), newFakeBlobStore())
	require.Equal(t, DownloadFailed, outcome.Result)
	require.Equal(t, DefaultMaxAttempts, fetcher.callCount(listURL))
}
