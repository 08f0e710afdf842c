package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/progress"
	"github.com/JakeFAU/novel-crawler/internal/storage/storetest"
)

func openStore(t *testing.T) *RecordStore {
	t.Helper()
	store, err := New(context.Background(), Config{Path: filepath.Join(t.TempDir(), "books.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) crawler.RecordStore {
		return openStore(t)
	})
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestReopenKeepsRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "books.db")
	store, err := New(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.UpsertBook(ctx, storetest.Book("demo", 4, 0)))
	require.NoError(t, store.Close())

	reopened, err := New(ctx, Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	rec, err := reopened.LatestBook(ctx, "demo", 4)
	require.NoError(t, err)
	assert.Equal(t, "title", rec.Title)
}

func TestPurgeCrossTable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.UpsertBook(ctx, storetest.Book("demo", 1, 0)))
	// rows written behind the store's back, as an interrupted move would leave them
	_, err := store.db.ExecContext(ctx, `INSERT INTO errors (site, num, error_type) VALUES ('demo', 1, ''), ('demo', 2, '')`)
	require.NoError(t, err)

	n, err := store.PurgeCrossTable(ctx, "demo")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	errs, err := store.ListErrors(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, 2, errs[0].Num)
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runs := openStore(t).RunStore()
	started := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	first := progress.Run{ID: uuid.New(), Site: "demo", Sweep: "explore", StartedAt: started, Status: progress.RunRunning}
	second := progress.Run{ID: uuid.New(), Site: "other", Sweep: "update", StartedAt: started.Add(time.Hour), Status: progress.RunRunning}

	require.NoError(t, runs.StartRun(ctx, first))
	require.NoError(t, runs.StartRun(ctx, second))
	require.NoError(t, runs.AddCounts(ctx, first.ID, 3, 1))
	require.NoError(t, runs.AddCounts(ctx, first.ID, 2, 0))
	require.NoError(t, runs.FinishRun(ctx, first.ID, started.Add(time.Minute), progress.RunSuccess, "done"))

	got, err := runs.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.RunSuccess, got.Status)
	assert.EqualValues(t, 5, got.Probes)
	assert.EqualValues(t, 1, got.Failures)
	assert.Equal(t, "done", got.Note)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, started.Add(time.Minute).Equal(*got.FinishedAt))

	all, err := runs.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	demo, err := runs.ListRuns(ctx, "demo", 10)
	require.NoError(t, err)
	require.Len(t, demo, 1)
	assert.Nil(t, all[0].FinishedAt)

	_, err = runs.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, progress.ErrRunNotFound)
	require.ErrorIs(t, runs.AddCounts(ctx, uuid.New(), 1, 1), progress.ErrRunNotFound)
}
