// Package worker runs one book identifier at a time and commits the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/metrics"
)

// Event types published for downstream consumers.
const (
	EventDownloaded       = "book.downloaded"
	EventVersionBumped    = "book.version_bumped"
	EventIdentityConflict = "book.identity_conflict"
)

// Config controls Worker behavior.
type Config struct {
	ContentType string
	Topic       string
}

// Worker holds the collaborators shared by every per-identifier unit.
type Worker struct {
	store      crawler.RecordStore
	blobStore  crawler.BlobStore
	publisher  crawler.Publisher
	hasher     crawler.Hasher
	clock      crawler.Clock
	retry      crawler.RetryPolicy
	completion *crawler.CompletionPolicy
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	store crawler.RecordStore,
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	retry crawler.RetryPolicy,
	completion *crawler.CompletionPolicy,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/plain; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:      store,
		blobStore:  blobStore,
		publisher:  publisher,
		hasher:     hasher,
		clock:      clock,
		retry:      retry,
		completion: completion,
		cfg:        cfg,
		logger:     logger,
	}
}

// ProbeOutcome reports what one probe did to the store.
type ProbeOutcome struct {
	Num           int
	Result        crawler.RefreshResult
	Record        crawler.BookRecord
	VersionBumped bool
	Conflict      bool
	ErrorType     string
	Err           error
}

// OK reports whether the probe produced a valid, committed book.
func (o ProbeOutcome) OK() bool {
	return o.Err == nil && o.Result != crawler.Failed
}

// CheckOutcome reports whether a book was marked complete.
type CheckOutcome struct {
	Num       int
	Completed bool
	Err       error
}

// DownloadOutcome reports the committed download state of one book.
type DownloadOutcome struct {
	Num      int
	Result   crawler.DownloadResult
	URI      string
	Checksum string
	Err      error
}

// ReconcileAction names what Reconcile changed.
type ReconcileAction string

// Reconcile actions.
const (
	ReconcileNone         ReconcileAction = ""
	ReconcileMarkedDone   ReconcileAction = "marked_done"
	ReconcileResetPending ReconcileAction = "reset_pending"
)

// ReconcileOutcome reports how a record was aligned with the artifact store.
type ReconcileOutcome struct {
	Num    int
	Action ReconcileAction
	Err    error
}

func (w *Worker) book(site *crawler.Site, prior crawler.BookRecord) *crawler.Book {
	return crawler.NewBook(site, prior, crawler.BookOptions{
		Retry:       w.retry,
		Hasher:      w.hasher,
		ContentType: w.cfg.ContentType,
	})
}

// Explore probes an identifier. A known book is refreshed through Update so
// its history survives; an unknown one is moved into the books set when
// valid and into the error set otherwise.
func (w *Worker) Explore(ctx context.Context, site *crawler.Site, num int) ProbeOutcome {
	logger := w.logger.With(zap.String("site", site.Name), zap.Int("num", num))
	prior, err := w.store.LatestBook(ctx, site.Name, num)
	switch {
	case err == nil:
		return w.Update(ctx, site, prior)
	case !errors.Is(err, crawler.ErrNotFound):
		result := ProbeOutcome{Num: num, Result: crawler.Failed, Err: err}
		if ctx.Err() != nil {
			return result
		}
		result.Err = w.storeError("latest book", site.Name, num, err)
		logger.Error("load book failed", zap.Error(result.Err))
		return result
	}

	outcome := w.book(site, crawler.BookRecord{Site: site.Name, Num: num}).Refresh(ctx)
	result := ProbeOutcome{Num: num, Result: outcome.Result, Record: outcome.Record}

	if outcome.Result == crawler.Failed {
		result.Err = outcome.Err
		result.ErrorType = crawler.ErrorType(outcome.Err)
		if ctx.Err() != nil {
			// a canceled probe says nothing about the identifier
			return result
		}
		rec := crawler.ErrorRecord{Site: site.Name, Num: num, ErrorType: result.ErrorType}
		if err := w.store.UpsertError(ctx, rec); err != nil {
			result.Err = w.storeError("upsert error", site.Name, num, err)
			logger.Error("record error row failed", zap.Error(result.Err))
			return result
		}
		logger.Debug("probe failed", zap.String("error_type", result.ErrorType), zap.Error(outcome.Err))
		return result
	}

	if err := w.store.UpsertBook(ctx, outcome.Record); err != nil {
		result.Err = w.storeError("upsert book", site.Name, num, err)
		logger.Error("record book failed", zap.Error(result.Err))
		return result
	}
	logger.Debug("book recorded",
		zap.String("title", outcome.Record.Title),
		zap.String("last_update", outcome.Record.LastUpdate),
	)
	return result
}

// Update re-probes a known book and commits only what changed.
func (w *Worker) Update(ctx context.Context, site *crawler.Site, prior crawler.BookRecord) ProbeOutcome {
	logger := w.logger.With(zap.String("site", site.Name), zap.Int("num", prior.Num))
	outcome := w.book(site, prior).Refresh(ctx)
	result := ProbeOutcome{
		Num:           prior.Num,
		Result:        outcome.Result,
		Record:        outcome.Record,
		VersionBumped: outcome.VersionBumped,
		Conflict:      outcome.Conflict != nil,
	}

	switch {
	case outcome.Result == crawler.Failed:
		result.Err = outcome.Err
		result.ErrorType = crawler.ErrorType(outcome.Err)
		logger.Warn("update probe failed", zap.String("error_type", result.ErrorType), zap.Error(outcome.Err))
		return result
	case outcome.Result == crawler.Unchanged:
		return result
	case outcome.VersionBumped:
		if err := w.store.VersionedInsert(ctx, outcome.Record); err != nil {
			result.Err = w.storeError("versioned insert", site.Name, prior.Num, err)
			logger.Error("versioned insert failed", zap.Error(result.Err))
			return result
		}
	default:
		if err := w.store.UpdateInPlace(ctx, outcome.Record); err != nil {
			result.Err = w.storeError("update", site.Name, prior.Num, err)
			logger.Error("update in place failed", zap.Error(result.Err))
			return result
		}
	}

	if outcome.Conflict != nil {
		metrics.ObserveIdentityConflict(site.Name)
		logger.Warn("identity changed", zap.Error(outcome.Conflict))
		w.publish(ctx, EventIdentityConflict, outcome.Record, map[string]any{
			"previous_version": outcome.Conflict.OldVersion,
			"previous_title":   outcome.Conflict.OldTitle,
			"previous_writer":  outcome.Conflict.OldWriter,
		})
	} else if outcome.VersionBumped {
		logger.Info("version bumped", zap.Int("version", outcome.Record.Version))
		w.publish(ctx, EventVersionBumped, outcome.Record, map[string]any{
			"previous_version": prior.Version,
		})
	}
	return result
}

// Recheck marks a book ended when the completion policy says so.
func (w *Worker) Recheck(ctx context.Context, rec crawler.BookRecord) CheckOutcome {
	result := CheckOutcome{Num: rec.Num}
	if rec.EndFlag || w.completion == nil || !w.completion.IsComplete(rec) {
		return result
	}
	rec.EndFlag = true
	rec.DownloadFlag = crawler.DownloadPending
	if err := w.store.UpdateInPlace(ctx, rec); err != nil {
		result.Err = w.storeError("update", rec.Site, rec.Num, err)
		w.logger.Error("mark complete failed",
			zap.String("site", rec.Site), zap.Int("num", rec.Num), zap.Error(result.Err))
		return result
	}
	result.Completed = true
	return result
}

// Download archives the book text and records the download flag.
func (w *Worker) Download(ctx context.Context, site *crawler.Site, rec crawler.BookRecord) DownloadOutcome {
	logger := w.logger.With(zap.String("site", site.Name), zap.Int("num", rec.Num), zap.Int("version", rec.Version))
	outcome := w.book(site, rec).Download(ctx, w.blobStore)
	result := DownloadOutcome{Num: rec.Num, Result: outcome.Result}
	metrics.ObserveDownload(site.Name, string(outcome.Result), outcome.Bytes)

	if outcome.Result == crawler.DownloadFailed {
		result.Err = outcome.Err
		if ctx.Err() != nil {
			return result
		}
		logger.Warn("download failed", zap.Error(outcome.Err))
		rec.DownloadFlag = crawler.DownloadError
		if err := w.store.UpdateInPlace(ctx, rec); err != nil {
			result.Err = errors.Join(result.Err, w.storeError("update", site.Name, rec.Num, err))
			logger.Error("record download error failed", zap.Error(err))
		}
		return result
	}

	result.URI = outcome.URI
	result.Checksum = outcome.Checksum
	rec.DownloadFlag = crawler.DownloadDone
	if err := w.store.UpdateInPlace(ctx, rec); err != nil {
		result.Err = w.storeError("update", site.Name, rec.Num, err)
		logger.Error("record download failed", zap.Error(result.Err))
		return result
	}
	logger.Info("book downloaded",
		zap.String("uri", outcome.URI),
		zap.Int("chapters", outcome.Chapters),
		zap.Int("bytes", outcome.Bytes),
	)
	w.publish(ctx, EventDownloaded, rec, map[string]any{
		"uri":      outcome.URI,
		"checksum": outcome.Checksum,
		"chapters": outcome.Chapters,
	})
	return result
}

// Reconcile aligns the download flag with whether the artifact exists.
func (w *Worker) Reconcile(ctx context.Context, rec crawler.BookRecord) ReconcileOutcome {
	result := ReconcileOutcome{Num: rec.Num}
	exists, err := w.blobStore.Exists(ctx, crawler.ArtifactPath(rec.Site, rec.Num, rec.Version))
	if err != nil {
		result.Err = fmt.Errorf("check artifact: %w", err)
		return result
	}

	switch {
	case exists && rec.DownloadFlag != crawler.DownloadDone:
		rec.EndFlag = true
		rec.DownloadFlag = crawler.DownloadDone
		result.Action = ReconcileMarkedDone
	case !exists && rec.DownloadFlag == crawler.DownloadDone:
		rec.DownloadFlag = crawler.DownloadPending
		result.Action = ReconcileResetPending
	default:
		return result
	}
	if err := w.store.UpdateInPlace(ctx, rec); err != nil {
		result.Err = w.storeError("update", rec.Site, rec.Num, err)
		result.Action = ReconcileNone
		return result
	}
	w.logger.Info("download flag reconciled",
		zap.String("site", rec.Site),
		zap.Int("num", rec.Num),
		zap.String("action", string(result.Action)),
	)
	return result
}

func (w *Worker) storeError(op, site string, num int, err error) error {
	metrics.ObserveStoreError(op)
	var storeErr *crawler.StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return &crawler.StoreError{Op: op, Site: site, Num: num, Err: err}
}

func (w *Worker) publish(ctx context.Context, eventType string, rec crawler.BookRecord, extra map[string]any) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"type":    eventType,
		"site":    rec.Site,
		"num":     rec.Num,
		"version": rec.Version,
		"title":   rec.Title,
		"writer":  rec.Writer,
	}
	if w.clock != nil {
		payload["timestamp"] = w.clock.Now().Format(time.RFC3339)
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("publish event failed",
			zap.String("type", eventType),
			zap.String("site", rec.Site),
			zap.Int("num", rec.Num),
			zap.Error(err),
		)
	}
}
