package crawler

import (
	"context"
	"io"
	"time"
)

// SiteAdapter extracts typed fields from one site's raw page text. Every
// method is pure and fails with *ExtractionError when its anchor is missing.
type SiteAdapter interface {
	ExtractTitle(page string) (string, error)
	ExtractWriter(page string) (string, error)
	ExtractType(page string) (string, error)
	ExtractLastUpdate(page string) (string, error)
	ExtractLastChapter(page string) (string, error)
	ExtractChapterURLs(page string) ([]string, error)
	ExtractChapterTitles(page string) ([]string, error)
	ExtractChapterContent(page string) (string, error)
}

// Fetcher performs one GET and returns decoded text. Failures are *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RecordStore is the only component allowed to mutate persisted records. It
// keeps every (site, num) in exactly one of the books and error sets.
type RecordStore interface {
	Exists(ctx context.Context, table Table, site string, num int) (bool, error)
	UpsertBook(ctx context.Context, record BookRecord) error
	UpsertError(ctx context.Context, record ErrorRecord) error
	UpdateInPlace(ctx context.Context, record BookRecord) error
	VersionedInsert(ctx context.Context, record BookRecord) error
	Delete(ctx context.Context, table Table, site string, num int) error

	LatestBook(ctx context.Context, site string, num int) (BookRecord, error)
	GetBook(ctx context.Context, site string, num, version int) (BookRecord, error)
	ListBooks(ctx context.Context, site string, filter BookFilter) ([]BookRecord, error)
	ListErrors(ctx context.Context, site string) ([]ErrorRecord, error)
	MaxNum(ctx context.Context, site string, table Table) (int, error)
	Stats(ctx context.Context, site string) (SiteStats, error)
	PurgeCrossTable(ctx context.Context, site string) (int64, error)
	Close() error
}

// BlobStore writes and checks downloaded artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Publisher pushes book lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy bounds the attempts made for a single page.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for archived artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces sweep run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
