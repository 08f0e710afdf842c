package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NumPlaceholder is substituted with the book number in URL templates.
const NumPlaceholder = "{num}"

// Default sweep bounds.
const (
	DefaultConcurrency        = 300
	DefaultMaxExploreErrors   = 500
	DefaultDownloadWorkers    = 4
	DefaultChapterConcurrency = 10
)

// Site binds one source site's adapter, fetcher, and URL layout.
type Site struct {
	Name                string
	Adapter             SiteAdapter
	Fetcher             Fetcher
	BookURLTemplate     string
	ChapterListTemplate string
	Encoding            string
	Concurrency         int
	DownloadConcurrency int
	ChapterConcurrency  int
	MaxExploreErrors    int
}

// Validate checks that the site can be crawled.
func (s *Site) Validate() error {
	if s == nil {
		return fmt.Errorf("site is nil")
	}
	if s.Name == "" {
		return fmt.Errorf("site name is required")
	}
	if s.Adapter == nil {
		return fmt.Errorf("site %s: adapter is required", s.Name)
	}
	if s.Fetcher == nil {
		return fmt.Errorf("site %s: fetcher is required", s.Name)
	}
	if !strings.Contains(s.BookURLTemplate, NumPlaceholder) {
		return fmt.Errorf("site %s: book url template must contain %s", s.Name, NumPlaceholder)
	}
	if !strings.Contains(s.ChapterListTemplate, NumPlaceholder) {
		return fmt.Errorf("site %s: chapter list template must contain %s", s.Name, NumPlaceholder)
	}
	return nil
}

// BookURL returns the metadata page for num.
func (s *Site) BookURL(num int) string {
	return strings.ReplaceAll(s.BookURLTemplate, NumPlaceholder, strconv.Itoa(num))
}

// ChapterListURL returns the chapter index page for num.
func (s *Site) ChapterListURL(num int) string {
	return strings.ReplaceAll(s.ChapterListTemplate, NumPlaceholder, strconv.Itoa(num))
}

// PoolSize returns the probe concurrency bound.
func (s *Site) PoolSize() int {
	if s.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return s.Concurrency
}

// DownloadPoolSize returns how many books download at once.
func (s *Site) DownloadPoolSize() int {
	if s.DownloadConcurrency <= 0 {
		return DefaultDownloadWorkers
	}
	return s.DownloadConcurrency
}

// ChapterPoolSize returns how many chapters of one book are fetched at once.
func (s *Site) ChapterPoolSize() int {
	if s.ChapterConcurrency <= 0 {
		return DefaultChapterConcurrency
	}
	return s.ChapterConcurrency
}

// ExploreErrorLimit returns the consecutive failure count that ends Explore.
func (s *Site) ExploreErrorLimit() int {
	if s.MaxExploreErrors <= 0 {
		return DefaultMaxExploreErrors
	}
	return s.MaxExploreErrors
}

// ArtifactPath returns where the text of (num, version) is stored. Version 0
// keeps the bare name so archives from before versioning stay addressable.
func ArtifactPath(site string, num, version int) string {
	if version > 0 {
		return fmt.Sprintf("%s/%d-v%d.txt", site, num, version)
	}
	return fmt.Sprintf("%s/%d.txt", site, num)
}

func resolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse chapter url: %w", err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
