// Package storetest holds behavior checks shared by every RecordStore backend.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) crawler.RecordStore

// Book builds a minimal record for tests.
func Book(site string, num, version int) crawler.BookRecord {
	return crawler.BookRecord{
		Site:       site,
		Num:        num,
		Version:    version,
		Title:      "title",
		Writer:     "writer",
		BookType:   "fantasy",
		LastUpdate: "2024-01-01",
	}
}

// Run exercises the RecordStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("upsert book moves out of errors", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.UpsertError(ctx, crawler.ErrorRecord{Site: "demo", Num: 1, ErrorType: "404"}))
		require.NoError(t, store.UpsertBook(ctx, Book("demo", 1, 0)))

		inBooks, err := store.Exists(ctx, crawler.TableBooks, "demo", 1)
		require.NoError(t, err)
		inErrors, err := store.Exists(ctx, crawler.TableError, "demo", 1)
		require.NoError(t, err)
		assert.True(t, inBooks)
		assert.False(t, inErrors)
	})

	t.Run("upsert error moves out of books", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.UpsertBook(ctx, Book("demo", 2, 0)))
		require.NoError(t, store.UpsertError(ctx, crawler.ErrorRecord{Site: "demo", Num: 2, ErrorType: "timeout"}))

		inBooks, err := store.Exists(ctx, crawler.TableBooks, "demo", 2)
		require.NoError(t, err)
		assert.False(t, inBooks)
		errs, err := store.ListErrors(ctx, "demo")
		require.NoError(t, err)
		require.Len(t, errs, 1)
		assert.Equal(t, "timeout", errs[0].ErrorType)
	})

	t.Run("upsert book updates the same version", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		rec := Book("demo", 3, 0)
		require.NoError(t, store.UpsertBook(ctx, rec))
		rec.LastUpdate = "2024-02-02"
		require.NoError(t, store.UpsertBook(ctx, rec))

		rows, err := store.ListBooks(ctx, "demo", crawler.BookFilter{})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "2024-02-02", rows[0].LastUpdate)
	})

	t.Run("update in place requires a row", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		err := store.UpdateInPlace(ctx, Book("demo", 4, 0))
		require.ErrorIs(t, err, crawler.ErrNotFound)

		rec := Book("demo", 4, 0)
		require.NoError(t, store.UpsertBook(ctx, rec))
		rec.EndFlag = true
		rec.DownloadFlag = crawler.DownloadDone
		require.NoError(t, store.UpdateInPlace(ctx, rec))

		got, err := store.LatestBook(ctx, "demo", 4)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("versioned insert keeps history", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.UpsertBook(ctx, Book("demo", 5, 0)))
		next := Book("demo", 5, 1)
		next.Title = "renamed"
		require.NoError(t, store.VersionedInsert(ctx, next))

		err := store.VersionedInsert(ctx, Book("demo", 5, 1))
		require.ErrorIs(t, err, crawler.ErrVersionConflict)

		latest, err := store.LatestBook(ctx, "demo", 5)
		require.NoError(t, err)
		assert.Equal(t, 1, latest.Version)
		assert.Equal(t, "renamed", latest.Title)

		old, err := store.GetBook(ctx, "demo", 5, 0)
		require.NoError(t, err)
		assert.Equal(t, "title", old.Title)

		all, err := store.ListBooks(ctx, "demo", crawler.BookFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
		latestOnly, err := store.ListBooks(ctx, "demo", crawler.BookFilter{LatestOnly: true})
		require.NoError(t, err)
		require.Len(t, latestOnly, 1)
		assert.Equal(t, 1, latestOnly[0].Version)
	})

	t.Run("missing rows", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		_, err := store.LatestBook(ctx, "demo", 99)
		require.ErrorIs(t, err, crawler.ErrNotFound)
		_, err = store.GetBook(ctx, "demo", 99, 0)
		require.ErrorIs(t, err, crawler.ErrNotFound)
		maxNum, err := store.MaxNum(ctx, "demo", crawler.TableBooks)
		require.NoError(t, err)
		assert.Zero(t, maxNum)
	})

	t.Run("filters and paging", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		for num := 1; num <= 6; num++ {
			rec := Book("demo", num, 0)
			rec.EndFlag = num%2 == 0
			rec.ReadFlag = num == 1
			if num == 3 {
				rec.Title = "star sea"
			}
			require.NoError(t, store.UpsertBook(ctx, rec))
		}
		require.NoError(t, store.UpsertBook(ctx, Book("other", 1, 0)))

		ended := true
		rows, err := store.ListBooks(ctx, "demo", crawler.BookFilter{EndFlag: &ended})
		require.NoError(t, err)
		assert.Equal(t, []int{2, 4, 6}, nums(rows))

		rows, err = store.ListBooks(ctx, "demo", crawler.BookFilter{UnreadOnly: true, Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []int{3, 4}, nums(rows))

		rows, err = store.ListBooks(ctx, "demo", crawler.BookFilter{Title: "star"})
		require.NoError(t, err)
		assert.Equal(t, []int{3}, nums(rows))

		pending := crawler.DownloadPending
		rows, err = store.ListBooks(ctx, "demo", crawler.BookFilter{DownloadFlag: &pending, Writer: "writ"})
		require.NoError(t, err)
		assert.Len(t, rows, 6)
	})

	t.Run("max num and stats", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		done := Book("demo", 10, 0)
		done.EndFlag = true
		done.DownloadFlag = crawler.DownloadDone
		done.ReadFlag = true
		require.NoError(t, store.UpsertBook(ctx, done))
		require.NoError(t, store.VersionedInsert(ctx, Book("demo", 10, 1)))
		failed := Book("demo", 7, 0)
		failed.EndFlag = true
		failed.DownloadFlag = crawler.DownloadError
		require.NoError(t, store.UpsertBook(ctx, failed))
		require.NoError(t, store.UpsertError(ctx, crawler.ErrorRecord{Site: "demo", Num: 12, ErrorType: "404"}))

		maxBook, err := store.MaxNum(ctx, "demo", crawler.TableBooks)
		require.NoError(t, err)
		assert.Equal(t, 10, maxBook)
		maxErr, err := store.MaxNum(ctx, "demo", crawler.TableError)
		require.NoError(t, err)
		assert.Equal(t, 12, maxErr)

		stats, err := store.Stats(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, crawler.SiteStats{
			Site:             "demo",
			BookCount:        2,
			BookRecordCount:  3,
			ErrorCount:       1,
			EndCount:         1,
			DownloadCount:    0,
			DownloadErrCount: 1,
			ReadCount:        0,
			MaxNum:           10,
		}, stats)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.UpsertBook(ctx, Book("demo", 8, 0)))
		require.NoError(t, store.VersionedInsert(ctx, Book("demo", 8, 1)))
		require.NoError(t, store.Delete(ctx, crawler.TableBooks, "demo", 8))
		ok, err := store.Exists(ctx, crawler.TableBooks, "demo", 8)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("site names are normalized", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.UpsertBook(ctx, Book(" Demo ", 9, 0)))
		rec, err := store.LatestBook(ctx, "demo", 9)
		require.NoError(t, err)
		assert.Equal(t, "demo", rec.Site)
	})
}

func nums(rows []crawler.BookRecord) []int {
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Num)
	}
	return out
}
