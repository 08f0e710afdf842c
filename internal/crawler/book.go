package crawler

import (
	"context"
	"errors"
	"fmt"
)

// BookOptions tunes the network behavior of a Book.
type BookOptions struct {
	Retry       RetryPolicy
	Hasher      Hasher
	ContentType string
}

// Book is one probed identifier at one moment. It never writes to the record
// store; the caller commits whatever transition Refresh or Download reports.
type Book struct {
	site   *Site
	record BookRecord
	opts   BookOptions
}

// NewBook wraps the last known record for (site, num). A zero record with only
// Site and Num set stands for an identifier never seen before.
func NewBook(site *Site, prior BookRecord, opts BookOptions) *Book {
	if prior.Site == "" && site != nil {
		prior.Site = site.Name
	}
	if opts.ContentType == "" {
		opts.ContentType = "text/plain; charset=utf-8"
	}
	return &Book{site: site, record: prior, opts: opts}
}

// Record returns the book's current state.
func (b *Book) Record() BookRecord {
	return b.record
}

// Refresh fetches the metadata page and compares it with the prior record.
// Fetch and extraction failures are reported as Failed, never returned.
func (b *Book) Refresh(ctx context.Context) RefreshOutcome {
	prior := b.record
	page, err := b.fetch(ctx, b.site.BookURL(prior.Num))
	if err != nil {
		return RefreshOutcome{Result: Failed, Record: prior, Err: err}
	}
	fresh, err := b.extractInfo(page)
	if err != nil {
		return RefreshOutcome{Result: Failed, Record: prior, Err: err}
	}
	outcome := compare(prior, fresh)
	if outcome.Result == Changed {
		b.record = outcome.Record
	}
	return outcome
}

type bookInfo struct {
	title       string
	writer      string
	bookType    string
	lastUpdate  string
	lastChapter string
}

func (b *Book) extractInfo(page string) (bookInfo, error) {
	var (
		info bookInfo
		err  error
	)
	adapter := b.site.Adapter
	if info.title, err = adapter.ExtractTitle(page); err != nil {
		return bookInfo{}, asExtractionError("title", err)
	}
	if info.writer, err = adapter.ExtractWriter(page); err != nil {
		return bookInfo{}, asExtractionError("writer", err)
	}
	if info.bookType, err = adapter.ExtractType(page); err != nil {
		return bookInfo{}, asExtractionError("type", err)
	}
	if info.lastUpdate, err = adapter.ExtractLastUpdate(page); err != nil {
		return bookInfo{}, asExtractionError("last_update", err)
	}
	if info.lastChapter, err = adapter.ExtractLastChapter(page); err != nil {
		return bookInfo{}, asExtractionError("last_chapter", err)
	}
	return info, nil
}

func compare(prior BookRecord, fresh bookInfo) RefreshOutcome {
	next := prior
	next.Title = fresh.title
	next.Writer = fresh.writer
	next.BookType = fresh.bookType
	next.LastUpdate = fresh.lastUpdate
	next.LastChapter = fresh.lastChapter

	known := prior.Title != "" || prior.Writer != ""
	if known && (fresh.title != prior.Title || fresh.writer != prior.Writer) {
		next.Version = prior.Version + 1
		next.EndFlag = false
		next.DownloadFlag = DownloadPending
		return RefreshOutcome{
			Result:        Changed,
			Record:        next,
			VersionBumped: true,
			Conflict: &IdentityConflictError{
				Site:       prior.Site,
				Num:        prior.Num,
				OldVersion: prior.Version,
				NewVersion: next.Version,
				OldTitle:   prior.Title,
				NewTitle:   fresh.title,
				OldWriter:  prior.Writer,
				NewWriter:  fresh.writer,
			},
		}
	}
	if known && fresh.lastUpdate == prior.LastUpdate {
		return RefreshOutcome{Result: Unchanged, Record: prior}
	}
	if prior.EndFlag {
		next.Version = prior.Version + 1
		next.EndFlag = false
		next.DownloadFlag = DownloadPending
		return RefreshOutcome{Result: Changed, Record: next, VersionBumped: true}
	}
	return RefreshOutcome{Result: Changed, Record: next}
}

func (b *Book) fetch(ctx context.Context, url string) (string, error) {
	resp, attempts, err := Retry(ctx, b.opts.Retry, func(ctx context.Context) (FetchResponse, error) {
		return b.site.Fetcher.Fetch(ctx, FetchRequest{URL: url, Encoding: b.site.Encoding})
	})
	if err != nil {
		return "", fmt.Errorf("fetch %s after %d attempts: %w", url, attempts, err)
	}
	return resp.Body, nil
}

func asExtractionError(field string, err error) error {
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return err
	}
	return NewExtractionError(field, err)
}
