package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-crawler/internal/progress"
	"github.com/JakeFAU/novel-crawler/internal/storage/memory"
)

// TestStoreSinkPersistsRuns ensures probe counts are collapsed and the run is finished.
func TestStoreSinkPersistsRuns(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	sink := NewStoreSink(repo, nil)
	id := uuid.New()
	runID := progress.UUIDToBytes(id)
	now := time.Now().UTC()

	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageSweepStart, Site: "hjwzw", Sweep: "explore"},
		{RunID: runID, TS: now, Stage: progress.StageProbeDone, Site: "hjwzw", Sweep: "explore", Num: 1, Result: "changed"},
		{RunID: runID, TS: now, Stage: progress.StageProbeDone, Site: "hjwzw", Sweep: "explore", Num: 2, Result: "failed"},
		{RunID: runID, TS: now, Stage: progress.StageProbeDone, Site: "hjwzw", Sweep: "explore", Num: 3, Result: "failed"},
		{RunID: runID, TS: now.Add(time.Minute), Stage: progress.StageSweepError, Site: "hjwzw", Sweep: "explore", Note: "canceled"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	run, err := repo.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, int64(3), run.Probes)
	require.Equal(t, int64(2), run.Failures)
	require.Equal(t, progress.RunError, run.Status)
	require.Equal(t, "canceled", run.Note)
}

// TestStoreSinkPropagatesErrors surfaces repository failures to the hub.
func TestStoreSinkPropagatesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(failingRepo{}, nil)
	err := sink.Consume(context.Background(), []progress.Event{{
		RunID: progress.UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: progress.StageSweepStart,
		Site:  "hjwzw",
		Sweep: "update",
	}})
	require.ErrorContains(t, err, "start run")

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type failingRepo struct{}

func (failingRepo) StartRun(context.Context, progress.Run) error { return errors.New("down") }
func (failingRepo) AddCounts(context.Context, uuid.UUID, int64, int64) error {
	return errors.New("down")
}

func (failingRepo) FinishRun(context.Context, uuid.UUID, time.Time, progress.RunStatus, string) error {
	return errors.New("down")
}

func (failingRepo) GetRun(context.Context, uuid.UUID) (progress.Run, error) {
	return progress.Run{}, errors.New("down")
}

func (failingRepo) ListRuns(context.Context, string, int) ([]progress.Run, error) {
	return nil, errors.New("down")
}
