package crawler

import (
	"strconv"
	"strings"
)

// DefaultCompletionKeywords are chapter-label fragments that mark a finished book.
func DefaultCompletionKeywords() []string {
	return []string{
		"后记", "後記", "新书", "新書", "结局", "結局", "感言",
		"尾声", "尾聲", "终章", "終章", "外传", "外傳", "完本", "结束", "結束", "完結",
		"完结", "终结", "終結", "番外", "结尾", "結尾", "全书完", "全書完", "全本完",
	}
}

// DefaultCompletionMaxAgeYears is how stale last_update must be to imply completion.
const DefaultCompletionMaxAgeYears = 1

// CompletionPolicy judges whether a book is complete.
type CompletionPolicy struct {
	keywords    []string
	maxAgeYears int
	clock       Clock
}

// NewCompletionPolicy builds a policy; empty keywords fall back to the defaults.
func NewCompletionPolicy(keywords []string, maxAgeYears int, clock Clock) *CompletionPolicy {
	if len(keywords) == 0 {
		keywords = DefaultCompletionKeywords()
	}
	if maxAgeYears <= 0 {
		maxAgeYears = DefaultCompletionMaxAgeYears
	}
	return &CompletionPolicy{
		keywords:    append([]string(nil), keywords...),
		maxAgeYears: maxAgeYears,
		clock:       clock,
	}
}

// IsComplete reports whether rec should be marked ended. last_update values
// are compared as strings against the cutoff year, so "2021-04-06" < "2024".
func (p *CompletionPolicy) IsComplete(rec BookRecord) bool {
	for _, kw := range p.keywords {
		if kw != "" && strings.Contains(rec.LastChapter, kw) {
			return true
		}
	}
	if rec.LastUpdate == "" || p.clock == nil {
		return false
	}
	cutoff := strconv.Itoa(p.clock.Now().Year() - p.maxAgeYears)
	return rec.LastUpdate < cutoff
}
