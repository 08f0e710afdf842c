// Package backup exports site snapshots to the blob store.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

// Snapshot is the JSON document written for one site.
type Snapshot struct {
	Site    string                `json:"site"`
	TakenAt time.Time             `json:"taken_at"`
	Stats   crawler.SiteStats     `json:"stats"`
	Books   []crawler.BookRecord  `json:"books"`
	Errors  []crawler.ErrorRecord `json:"errors"`
}

// Result describes a written snapshot.
type Result struct {
	Site     string `json:"site"`
	URI      string `json:"uri"`
	Path     string `json:"path"`
	Books    int    `json:"books"`
	Errors   int    `json:"errors"`
	Checksum string `json:"sha256"`
}

// Exporter reads every row of a site and writes it as one JSON object.
type Exporter struct {
	store  crawler.RecordStore
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds an Exporter. hasher may be nil.
func New(
	store crawler.RecordStore,
	blobs crawler.BlobStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Exporter, error) {
	if store == nil || blobs == nil {
		return nil, errors.New("backup requires a record store and a blob store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, blobs: blobs, hasher: hasher, clock: clock, logger: logger}, nil
}

// Path returns backup/<yyyy-mm-dd>/<site>-<hhmmss>.json for t.
func Path(site string, t time.Time) string {
	return fmt.Sprintf("backup/%s/%s-%s.json", t.Format("2006-01-02"), site, t.Format("150405"))
}

func (e *Exporter) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

// Backup snapshots one site. Rows are read without a global lock, so a
// concurrent sweep may leave the snapshot a few rows behind.
func (e *Exporter) Backup(ctx context.Context, site string) (Result, error) {
	site = crawler.NormalizeSite(site)
	snap, err := e.snapshot(ctx, site)
	if err != nil {
		return Result{}, err
	}
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode snapshot: %w", err)
	}

	res := Result{
		Site:   site,
		Path:   Path(site, snap.TakenAt),
		Books:  len(snap.Books),
		Errors: len(snap.Errors),
	}
	if e.hasher != nil {
		if res.Checksum, err = e.hasher.Hash(body); err != nil {
			return Result{}, fmt.Errorf("hash snapshot: %w", err)
		}
	}
	res.URI, err = e.blobs.PutObject(ctx, res.Path, "application/json", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("write snapshot: %w", err)
	}
	e.logger.Info("backup written",
		zap.String("site", site),
		zap.String("uri", res.URI),
		zap.Int("books", res.Books),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

func (e *Exporter) snapshot(ctx context.Context, site string) (Snapshot, error) {
	stats, err := e.store.Stats(ctx, site)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read stats: %w", err)
	}
	books, err := e.store.ListBooks(ctx, site, crawler.BookFilter{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list books: %w", err)
	}
	errs, err := e.store.ListErrors(ctx, site)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list errors: %w", err)
	}
	if books == nil {
		books = []crawler.BookRecord{}
	}
	if errs == nil {
		errs = []crawler.ErrorRecord{}
	}
	return Snapshot{
		Site:    site,
		TakenAt: e.now().UTC(),
		Stats:   stats,
		Books:   books,
		Errors:  errs,
	}, nil
}

// BackupAll snapshots each site in turn and joins per-site failures.
func (e *Exporter) BackupAll(ctx context.Context, sites []string) ([]Result, error) {
	var (
		out  []Result
		errs []error
	)
	for _, site := range sites {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := e.Backup(ctx, site)
		if err != nil {
			errs = append(errs, fmt.Errorf("backup %s: %w", site, err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}
