package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/progress"
)

// StoreSink persists sweep runs through a progress.RunRepository. Probe
// completions are collapsed per run before each write.
type StoreSink struct {
	repo   progress.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo progress.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type runCounts struct {
	probes   int64
	failures int64
}

// Consume writes run starts, collapsed probe counts, then run completions,
// so a run finished in the same batch still gets its counts.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	counts := make(map[uuid.UUID]*runCounts)
	var finishes []progress.Event

	for _, evt := range batch {
		id := evt.RunUUID()
		switch evt.Stage {
		case progress.StageSweepStart:
			run := progress.Run{
				ID:        id,
				Site:      evt.Site,
				Sweep:     evt.Sweep,
				StartedAt: evt.TS,
				Status:    progress.RunRunning,
			}
			if err := s.repo.StartRun(ctx, run); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageProbeDone, progress.StageDownloadDone:
			c := counts[id]
			if c == nil {
				c = &runCounts{}
				counts[id] = c
			}
			c.probes++
			if evt.Result == "failed" {
				c.failures++
			}
		case progress.StageSweepDone, progress.StageSweepError:
			finishes = append(finishes, evt)
		}
	}

	for id, c := range counts {
		if err := s.repo.AddCounts(ctx, id, c.probes, c.failures); err != nil {
			return fmt.Errorf("add run counts: %w", err)
		}
	}
	for _, evt := range finishes {
		status := progress.RunSuccess
		if evt.Stage == progress.StageSweepError {
			status = progress.RunError
		}
		if err := s.repo.FinishRun(ctx, evt.RunUUID(), evt.TS, status, evt.Note); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
