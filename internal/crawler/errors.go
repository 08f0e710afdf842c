package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Sentinel errors returned by stores and registries.
var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version is not greater than the latest version")
	ErrUnknownSite     = errors.New("unknown site")
)

// FetchErrorKind classifies network failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout   FetchErrorKind = "timeout"
	FetchHTTP      FetchErrorKind = "http_error"
	FetchTransport FetchErrorKind = "transport_error"
)

// FetchError reports a failed page fetch. It is transient and retried up to a cap.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTP {
		return fmt.Sprintf("fetch %s: %s %d: %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed. A 4xx other than 429
// is a definitive answer from the site.
func (e *FetchError) Retryable() bool {
	if e.Kind != FetchHTTP {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// ExtractionError reports a missing anchor in a page. Retrying the same page is pointless.
type ExtractionError struct {
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extract %s: not found", e.Field)
	}
	return fmt.Sprintf("extract %s: %v", e.Field, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// NewExtractionError builds an ExtractionError for field.
func NewExtractionError(field string, err error) *ExtractionError {
	return &ExtractionError{Field: field, Err: err}
}

// StoreError reports a persistence failure. It is fatal to the current worker only.
type StoreError struct {
	Op   string
	Site string
	Num  int
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s/%d: %v", e.Op, e.Site, e.Num, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IdentityConflictError records a title or writer change on an existing slot.
// It is recorded alongside a version bump and never returned to callers.
type IdentityConflictError struct {
	Site       string
	Num        int
	OldVersion int
	NewVersion int
	OldTitle   string
	NewTitle   string
	OldWriter  string
	NewWriter  string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity changed for %s/%d: %q/%q -> %q/%q (version %d -> %d)",
		e.Site, e.Num, e.OldTitle, e.OldWriter, e.NewTitle, e.NewWriter, e.OldVersion, e.NewVersion)
}

// ErrorType maps a probe failure to the classification stored on error rows.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		if fetchErr.Kind == FetchHTTP {
			return strconv.Itoa(fetchErr.StatusCode)
		}
		return string(fetchErr.Kind)
	}
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return "extraction"
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return "store"
	}
	return "other"
}
