// Package sitelock serializes record writes per site within one process.
package sitelock

import (
	"sync"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

// Locks hands out one mutex per normalized site name.
type Locks struct {
	mu    sync.Mutex
	sites map[string]*sync.Mutex
}

// New returns an empty lock set.
func New() *Locks {
	return &Locks{sites: make(map[string]*sync.Mutex)}
}

// Lock blocks until site is free and returns the matching unlock.
func (l *Locks) Lock(site string) func() {
	site = crawler.NormalizeSite(site)
	l.mu.Lock()
	m, ok := l.sites[site]
	if !ok {
		m = &sync.Mutex{}
		l.sites[site] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
