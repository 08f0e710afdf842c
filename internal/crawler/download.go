package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const separator = "--------------------"

// Download fetches the chapter list and every chapter, assembles them in list
// order, and writes the text once to the (num, version) artifact path. Any
// chapter that exhausts its retries, or a checksum failure, fails the whole
// download and nothing is written.
func (b *Book) Download(ctx context.Context, dst BlobStore) DownloadOutcome {
	rec := b.record
	listURL := b.site.ChapterListURL(rec.Num)
	page, err := b.fetch(ctx, listURL)
	if err != nil {
		return failedDownload(err)
	}
	urls, titles, err := b.chapterIndex(listURL, page)
	if err != nil {
		return failedDownload(err)
	}

	contents, err := b.fetchChapters(ctx, urls)
	if err != nil {
		return failedDownload(err)
	}

	text := assemble(rec, titles, contents)
	var sum string
	if b.opts.Hasher != nil {
		if sum, err = b.opts.Hasher.Hash([]byte(text)); err != nil {
			return failedDownload(fmt.Errorf("hash artifact: %w", err))
		}
	}
	path := ArtifactPath(rec.Site, rec.Num, rec.Version)
	uri, err := dst.PutObject(ctx, path, b.opts.ContentType, strings.NewReader(text))
	if err != nil {
		return failedDownload(fmt.Errorf("put object: %w", err))
	}
	outcome := DownloadOutcome{
		Result:   DownloadSuccess,
		URI:      uri,
		Path:     path,
		Chapters: len(urls),
		Bytes:    len(text),
		Checksum: sum,
	}
	return outcome
}

func (b *Book) chapterIndex(listURL, page string) ([]string, []string, error) {
	urls, err := b.site.Adapter.ExtractChapterURLs(page)
	if err != nil {
		return nil, nil, asExtractionError("chapter_urls", err)
	}
	titles, err := b.site.Adapter.ExtractChapterTitles(page)
	if err != nil {
		return nil, nil, asExtractionError("chapter_titles", err)
	}
	if len(urls) == 0 {
		return nil, nil, NewExtractionError("chapter_urls", errors.New("no chapter found"))
	}
	if len(urls) != len(titles) {
		return nil, nil, NewExtractionError("chapter_titles",
			fmt.Errorf("%d urls but %d titles", len(urls), len(titles)))
	}
	resolved := make([]string, len(urls))
	for i, u := range urls {
		abs, err := resolveURL(listURL, u)
		if err != nil {
			return nil, nil, NewExtractionError("chapter_urls", err)
		}
		resolved[i] = abs
	}
	return resolved, titles, nil
}

// fetchChapters returns chapter bodies indexed like urls, regardless of the
// order in which the fetches complete.
func (b *Book) fetchChapters(ctx context.Context, urls []string) ([]string, error) {
	contents := make([]string, len(urls))
	sem := semaphore.NewWeighted(int64(b.site.ChapterPoolSize()))
	g, gctx := errgroup.WithContext(ctx)

	var acquireErr error
	for i, u := range urls {
		if err := sem.Acquire(gctx, 1); err != nil {
			acquireErr = fmt.Errorf("acquire chapter slot: %w", err)
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			page, err := b.fetch(gctx, u)
			if err != nil {
				return fmt.Errorf("chapter %d: %w", i+1, err)
			}
			content, err := b.site.Adapter.ExtractChapterContent(page)
			if err != nil {
				return fmt.Errorf("chapter %d: %w", i+1, asExtractionError("chapter_content", err))
			}
			contents[i] = content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if acquireErr != nil {
		return nil, acquireErr
	}
	return contents, nil
}

func assemble(rec BookRecord, titles, contents []string) string {
	var sb strings.Builder
	sb.WriteString(rec.Title + "\n" + rec.Writer + "\n" + separator + "\n\n")
	for i := range contents {
		sb.WriteString(titles[i] + "\n" + separator + "\n" + contents[i] + "\n\n")
	}
	return sb.String()
}

func failedDownload(err error) DownloadOutcome {
	return DownloadOutcome{Result: DownloadFailed, Err: err}
}
