package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/dispatcher"
	"github.com/JakeFAU/novel-crawler/internal/progress"
	"github.com/JakeFAU/novel-crawler/internal/worker"
)

// update re-probes the latest version of every (unread, unless All) book.
func (o *Orchestrator) update(ctx context.Context, rs *sweepRun, opts Options) error {
	rows, err := o.store.ListBooks(ctx, rs.site.Name, crawler.BookFilter{
		LatestOnly: true,
		UnreadOnly: !opts.All,
	})
	if err != nil {
		return fmt.Errorf("list books: %w", err)
	}
	rs.logger.Info("updating", zap.Int("books", len(rows)))
	return dispatcher.ForEach(ctx, rs.site.PoolSize(), rows, func(ctx context.Context, rec crawler.BookRecord) {
		var out worker.ProbeOutcome
		rs.track(func() { out = o.worker.Update(ctx, rs.site, rec) })
		rs.probed(out)
	})
}

// updateError re-probes every identifier in the error set.
func (o *Orchestrator) updateError(ctx context.Context, rs *sweepRun) error {
	rows, err := o.store.ListErrors(ctx, rs.site.Name)
	if err != nil {
		return fmt.Errorf("list errors: %w", err)
	}
	rs.logger.Info("re-probing errors", zap.Int("errors", len(rows)))
	return dispatcher.ForEach(ctx, rs.site.PoolSize(), rows, func(ctx context.Context, rec crawler.ErrorRecord) {
		var out worker.ProbeOutcome
		rs.track(func() { out = o.worker.Explore(ctx, rs.site, rec.Num) })
		rs.probed(out)
	})
}

// download archives every ended book whose download is pending.
func (o *Orchestrator) download(ctx context.Context, rs *sweepRun) error {
	ended := true
	pending := crawler.DownloadPending
	rows, err := o.store.ListBooks(ctx, rs.site.Name, crawler.BookFilter{
		LatestOnly:   true,
		EndFlag:      &ended,
		DownloadFlag: &pending,
	})
	if err != nil {
		return fmt.Errorf("list downloads: %w", err)
	}
	rs.logger.Info("downloading", zap.Int("books", len(rows)))
	return dispatcher.ForEach(ctx, rs.site.DownloadPoolSize(), rows, func(ctx context.Context, rec crawler.BookRecord) {
		var out worker.DownloadOutcome
		rs.track(func() { out = o.worker.Download(ctx, rs.site, rec) })
		rs.tally.download(out)
		result := "success"
		if out.Result != crawler.DownloadSuccess || out.Err != nil {
			result = "failed"
		}
		rs.emit(progress.Event{Stage: progress.StageDownloadDone, Num: out.Num, Result: result})
	})
}

// check applies the completion policy to every book not yet ended.
func (o *Orchestrator) check(ctx context.Context, rs *sweepRun) error {
	open := false
	rows, err := o.store.ListBooks(ctx, rs.site.Name, crawler.BookFilter{LatestOnly: true, EndFlag: &open})
	if err != nil {
		return fmt.Errorf("list open books: %w", err)
	}
	return dispatcher.ForEach(ctx, rs.site.PoolSize(), rows, func(ctx context.Context, rec crawler.BookRecord) {
		rs.tally.check(o.worker.Recheck(ctx, rec))
	})
}

// fix repairs drift: probes identifiers missing from both sets, purges error
// rows shadowed by books, then aligns download flags with stored artifacts.
func (o *Orchestrator) fix(ctx context.Context, rs *sweepRun) error {
	site := rs.site
	missing, err := o.missingNums(ctx, site.Name)
	if err != nil {
		return err
	}
	rs.tally.update(func(r *Report) { r.Missing = len(missing) })
	rs.logger.Info("probing missing identifiers", zap.Int("missing", len(missing)))
	if err := dispatcher.ForEach(ctx, site.PoolSize(), missing, func(ctx context.Context, num int) {
		var out worker.ProbeOutcome
		rs.track(func() { out = o.worker.Explore(ctx, site, num) })
		rs.probed(out)
	}); err != nil {
		return err
	}

	purged, err := o.store.PurgeCrossTable(ctx, site.Name)
	if err != nil {
		return fmt.Errorf("purge cross table: %w", err)
	}
	rs.tally.update(func(r *Report) { r.Purged = purged })

	rows, err := o.store.ListBooks(ctx, site.Name, crawler.BookFilter{LatestOnly: true})
	if err != nil {
		return fmt.Errorf("list books: %w", err)
	}
	return dispatcher.ForEach(ctx, site.PoolSize(), rows, func(ctx context.Context, rec crawler.BookRecord) {
		rs.tally.reconcile(o.worker.Reconcile(ctx, rec))
	})
}

// missingNums lists identifiers below the books max that are in neither set.
func (o *Orchestrator) missingNums(ctx context.Context, site string) ([]int, error) {
	maxNum, err := o.store.MaxNum(ctx, site, crawler.TableBooks)
	if err != nil {
		return nil, fmt.Errorf("read max num: %w", err)
	}
	seen := make(map[int]struct{}, maxNum)
	books, err := o.store.ListBooks(ctx, site, crawler.BookFilter{LatestOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	for _, b := range books {
		seen[b.Num] = struct{}{}
	}
	errs, err := o.store.ListErrors(ctx, site)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	for _, e := range errs {
		seen[e.Num] = struct{}{}
	}
	var missing []int
	for n := 1; n < maxNum; n++ {
		if _, ok := seen[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing, nil
}
