// Package system provides the wall clock used outside tests.
package system

import (
	"fmt"
	"time"
)

// Clock implements crawler.Clock using time.Now in a fixed location.
type Clock struct {
	loc *time.Location
}

// New returns a UTC clock.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// NewIn returns a clock reporting times in loc. Backup paths are dated in
// this zone.
func NewIn(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Load resolves an IANA zone name; empty means UTC.
func Load(name string) (*Clock, error) {
	if name == "" {
		return New(), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return NewIn(loc), nil
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if c == nil || c.loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.loc)
}
