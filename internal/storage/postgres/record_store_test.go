package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/progress"
	"github.com/JakeFAU/novel-crawler/internal/storage/sqlstore"
)

func newMockStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRecordStoreWithPool(mock, sqlstore.Tables{})
	require.NoError(t, err)
	return store, mock
}

func sampleBook() crawler.BookRecord {
	return crawler.BookRecord{
		Site:       "Demo",
		Num:        7,
		Version:    1,
		Title:      "title",
		Writer:     "writer",
		BookType:   "fantasy",
		LastUpdate: "2024-05-01",
	}
}

func bookArgs(rec crawler.BookRecord) []any {
	rec.Site = crawler.NormalizeSite(rec.Site)
	return sqlstore.BookArgs(rec)
}

func TestNewRecordStoreWithPoolRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStoreWithPool(nil, sqlstore.Tables{})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRecordStoreWithPool(mock, sqlstore.Tables{Books: "books;drop"})
	require.Error(t, err)
}

func TestMigrateRunsSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS books").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS errors").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sweep_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBookDeletesErrorRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleBook()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO books").WithArgs(bookArgs(rec)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM errors").WithArgs("demo", 7).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertBook(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertErrorDeletesBookRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO errors").WithArgs("demo", 3, "404").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM books").WithArgs("demo", 3).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	err := store.UpsertError(context.Background(), crawler.ErrorRecord{Site: " demo ", Num: 3, ErrorType: "404"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBookRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleBook()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO books").WithArgs(bookArgs(rec)...).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.UpsertBook(context.Background(), rec)
	require.Error(t, err)
	var storeErr *crawler.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "upsert book", storeErr.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateInPlaceMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleBook()

	mock.ExpectExec("UPDATE books SET").WithArgs(bookArgs(rec)...).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateInPlace(context.Background(), rec)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionedInsert(t *testing.T) {
	t.Parallel()

	t.Run("appends new version", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		rec := sampleBook()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), -1\)`).
			WithArgs("demo", 7).
			WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(0))
		mock.ExpectExec("INSERT INTO books").WithArgs(bookArgs(rec)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("DELETE FROM errors").WithArgs("demo", 7).WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectCommit()

		require.NoError(t, store.VersionedInsert(context.Background(), rec))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects stale version", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		rec := sampleBook()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), -1\)`).
			WithArgs("demo", 7).
			WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(1))
		mock.ExpectRollback()

		err := store.VersionedInsert(context.Background(), rec)
		require.ErrorIs(t, err, crawler.ErrVersionConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func bookRow(rec crawler.BookRecord) []any {
	return []any{
		rec.Site, rec.Num, rec.Version, rec.Title, rec.Writer, rec.BookType,
		rec.LastUpdate, rec.LastChapter, rec.EndFlag, int(rec.DownloadFlag), rec.ReadFlag,
	}
}

var bookColumnNames = []string{
	"site", "num", "version", "title", "writer", "book_type",
	"last_update", "last_chapter", "end_flag", "download_flag", "read_flag",
}

func TestLatestBook(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	want := sampleBook()
	want.Site = "demo"
	want.DownloadFlag = crawler.DownloadDone

	mock.ExpectQuery("SELECT (.+) FROM books WHERE site").
		WithArgs("demo", 7).
		WillReturnRows(pgxmock.NewRows(bookColumnNames).AddRow(bookRow(want)...))
	mock.ExpectQuery("SELECT (.+) FROM books WHERE site").
		WithArgs("demo", 8).
		WillReturnError(pgx.ErrNoRows)

	got, err := store.LatestBook(context.Background(), "Demo", 7)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = store.LatestBook(context.Background(), "demo", 8)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBooksAndErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	first := sampleBook()
	first.Site = "demo"
	second := first
	second.Num = 9

	done := crawler.DownloadPending
	mock.ExpectQuery("SELECT (.+) FROM books b WHERE").
		WithArgs("demo", 0).
		WillReturnRows(pgxmock.NewRows(bookColumnNames).AddRow(bookRow(first)...).AddRow(bookRow(second)...))
	mock.ExpectQuery("SELECT site, num, error_type FROM errors").
		WithArgs("demo").
		WillReturnRows(pgxmock.NewRows([]string{"site", "num", "error_type"}).AddRow("demo", 3, "404"))

	books, err := store.ListBooks(context.Background(), "demo", crawler.BookFilter{LatestOnly: true, DownloadFlag: &done})
	require.NoError(t, err)
	assert.Equal(t, []crawler.BookRecord{first, second}, books)

	errs, err := store.ListErrors(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, []crawler.ErrorRecord{{Site: "demo", Num: 3, ErrorType: "404"}}, errs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaxNumStatsAndPurge(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(num\), 0\) FROM errors`).
		WithArgs("demo").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(42))
	mock.ExpectQuery("WITH latest AS").
		WithArgs("demo").
		WillReturnRows(pgxmock.NewRows([]string{"a", "b", "c", "d", "e", "f", "g", "h"}).
			AddRow(3, 4, 2, 1, 1, 0, 1, 12))
	mock.ExpectExec("DELETE FROM errors WHERE site").
		WithArgs("demo").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	maxNum, err := store.MaxNum(context.Background(), "demo", crawler.TableError)
	require.NoError(t, err)
	assert.Equal(t, 42, maxNum)

	stats, err := store.Stats(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, crawler.SiteStats{
		Site: "demo", BookCount: 3, BookRecordCount: 4, ErrorCount: 2, EndCount: 1,
		DownloadCount: 1, ReadCount: 1, MaxNum: 12,
	}, stats)

	purged, err := store.PurgeCrossTable(context.Background(), "demo")
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)

	_, err = store.MaxNum(context.Background(), "demo", crawler.Table("nope"))
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	runs := store.RunStore()

	id := uuid.MustParse("0191d9f6-0000-7000-8000-000000000001")
	started := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	mock.ExpectExec("INSERT INTO sweep_runs").
		WithArgs(id.String(), "demo", "explore", started, (*time.Time)(nil), "running", int64(0), int64(0), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE sweep_runs SET probes").
		WithArgs(id.String(), int64(5), int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE sweep_runs SET finished_at").
		WithArgs(id.String(), finished, "success", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT (.+) FROM sweep_runs WHERE id").
		WithArgs(id.String()).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "site", "kind", "started_at", "finished_at", "status", "probes", "failures", "note",
		}).AddRow(id.String(), "demo", "explore", started, &finished, "success", int64(5), int64(2), ""))
	mock.ExpectExec("UPDATE sweep_runs SET finished_at").
		WithArgs(pgxmock.AnyArg(), finished, "error", "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, runs.StartRun(ctx, progress.Run{
		ID: id, Site: "demo", Sweep: "explore", StartedAt: started, Status: progress.RunRunning,
	}))
	require.NoError(t, runs.AddCounts(ctx, id, 5, 2))
	require.NoError(t, runs.FinishRun(ctx, id, finished, progress.RunSuccess, ""))

	got, err := runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, progress.RunSuccess, got.Status)
	assert.EqualValues(t, 5, got.Probes)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))

	err = runs.FinishRun(ctx, uuid.New(), finished, progress.RunError, "gone")
	require.ErrorIs(t, err, progress.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
