package orchestrator

import (
	"context"
	"fmt"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

// Info returns the persisted summary of one site.
func (o *Orchestrator) Info(ctx context.Context, siteName string) (crawler.SiteStats, error) {
	site, err := o.Site(siteName)
	if err != nil {
		return crawler.SiteStats{}, err
	}
	stats, err := o.store.Stats(ctx, site.Name)
	if err != nil {
		return crawler.SiteStats{}, fmt.Errorf("site stats: %w", err)
	}
	return stats, nil
}

// Search returns one page of latest-version books whose title and writer
// contain the given fragments. Pages start at 1.
func (o *Orchestrator) Search(ctx context.Context, siteName, title, writer string, page int) ([]crawler.BookRecord, error) {
	site, err := o.Site(siteName)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	rows, err := o.store.ListBooks(ctx, site.Name, crawler.BookFilter{
		LatestOnly: true,
		Title:      title,
		Writer:     writer,
		Limit:      DefaultSearchPageSize,
		Offset:     (page - 1) * DefaultSearchPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	return rows, nil
}

// Book returns the latest record of one identifier.
func (o *Orchestrator) Book(ctx context.Context, siteName string, num int) (crawler.BookRecord, error) {
	site, err := o.Site(siteName)
	if err != nil {
		return crawler.BookRecord{}, err
	}
	return o.store.LatestBook(ctx, site.Name, num)
}
