// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Table names one of the two disjoint record sets.
type Table string

// Record sets tracked by the store.
const (
	TableBooks Table = "books"
	TableError Table = "error"
)

// Other returns the opposite record set.
func (t Table) Other() Table {
	if t == TableBooks {
		return TableError
	}
	return TableBooks
}

// DownloadFlag is the tri-state archive marker of a book version.
type DownloadFlag int

// Download states. The integer values are persisted.
const (
	DownloadPending DownloadFlag = 0
	DownloadDone    DownloadFlag = 1
	DownloadError   DownloadFlag = 2
)

// String renders the flag for logs and JSON.
func (f DownloadFlag) String() string {
	switch f {
	case DownloadPending:
		return "false"
	case DownloadDone:
		return "true"
	case DownloadError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// MarshalText encodes the flag as false/true/error.
func (f DownloadFlag) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText parses false/true/error.
func (f *DownloadFlag) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "false", "0", "":
		*f = DownloadPending
	case "true", "1":
		*f = DownloadDone
	case "error", "2":
		*f = DownloadError
	default:
		return fmt.Errorf("unknown download flag %q", string(text))
	}
	return nil
}

// BookRecord is one persisted observation of a book at a given version.
type BookRecord struct {
	Site         string       `json:"site"`
	Num          int          `json:"num"`
	Version      int          `json:"version"`
	Title        string       `json:"title"`
	Writer       string       `json:"writer"`
	BookType     string       `json:"book_type"`
	LastUpdate   string       `json:"last_update"`
	LastChapter  string       `json:"last_chapter"`
	EndFlag      bool         `json:"end_flag"`
	DownloadFlag DownloadFlag `json:"download_flag"`
	ReadFlag     bool         `json:"read_flag"`
}

// Key returns the identity of the record without its version.
func (r BookRecord) Key() Key {
	return Key{Site: r.Site, Num: r.Num}
}

// ErrorRecord marks an identifier whose probe did not produce a valid book.
type ErrorRecord struct {
	Site      string `json:"site"`
	Num       int    `json:"num"`
	ErrorType string `json:"error_type,omitempty"`
}

// Key identifies a book slot on a site.
type Key struct {
	Site string
	Num  int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Site, k.Num)
}

// NormalizeSite lower-cases and trims a site name.
func NormalizeSite(site string) string {
	return strings.ToLower(strings.TrimSpace(site))
}

// BookFilter narrows ListBooks results. Zero values mean "no constraint".
type BookFilter struct {
	LatestOnly   bool
	UnreadOnly   bool
	EndFlag      *bool
	DownloadFlag *DownloadFlag
	Title        string
	Writer       string
	Limit        int
	Offset       int
}

// Match reports whether rec passes every constraint except LatestOnly,
// Limit, and Offset, which depend on the whole result set.
func (f BookFilter) Match(rec BookRecord) bool {
	if f.UnreadOnly && rec.ReadFlag {
		return false
	}
	if f.EndFlag != nil && rec.EndFlag != *f.EndFlag {
		return false
	}
	if f.DownloadFlag != nil && rec.DownloadFlag != *f.DownloadFlag {
		return false
	}
	if f.Title != "" && !strings.Contains(rec.Title, f.Title) {
		return false
	}
	if f.Writer != "" && !strings.Contains(rec.Writer, f.Writer) {
		return false
	}
	return true
}

// SiteStats summarizes a site's persisted state.
type SiteStats struct {
	Site             string `json:"site"`
	BookCount        int    `json:"book_count"`
	BookRecordCount  int    `json:"book_record_count"`
	ErrorCount       int    `json:"error_count"`
	EndCount         int    `json:"end_count"`
	DownloadCount    int    `json:"download_count"`
	DownloadErrCount int    `json:"download_error_count"`
	ReadCount        int    `json:"read_count"`
	MaxNum           int    `json:"max_num"`
}

// RefreshResult is the typed outcome of Book.Refresh.
type RefreshResult string

// Refresh results.
const (
	Changed   RefreshResult = "changed"
	Unchanged RefreshResult = "unchanged"
	Failed    RefreshResult = "failed"
)

// RefreshOutcome carries the refreshed record and the reason for the result.
type RefreshOutcome struct {
	Result        RefreshResult
	Record        BookRecord
	VersionBumped bool
	Conflict      *IdentityConflictError
	Err           error
}

// DownloadResult is the typed outcome of Book.Download.
type DownloadResult string

// Download results.
const (
	DownloadSuccess DownloadResult = "success"
	DownloadFailed  DownloadResult = "failed"
)

// DownloadOutcome describes a finished download attempt.
type DownloadOutcome struct {
	Result   DownloadResult
	URI      string
	Path     string
	Checksum string
	Chapters int
	Bytes    int
	Err      error
}

// FetchRequest captures everything needed to fetch one page.
type FetchRequest struct {
	URL      string
	Encoding string
}

// FetchResponse is a decoded page.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       string
	Duration   time.Duration
}
