package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/novel-crawler/internal/progress"
)

// RunStore keeps sweep runs in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]progress.Run
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]progress.Run)}
}

// StartRun inserts run; a repeated start keeps the first row.
func (s *RunStore) StartRun(_ context.Context, run progress.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return nil
	}
	s.runs[run.ID] = run
	return nil
}

// AddCounts adds probe and failure deltas to a run.
func (s *RunStore) AddCounts(_ context.Context, id uuid.UUID, probes, failures int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return progress.ErrRunNotFound
	}
	run.Probes += probes
	run.Failures += failures
	s.runs[id] = run
	return nil
}

// FinishRun marks a run terminal.
func (s *RunStore) FinishRun(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status progress.RunStatus,
	note string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return progress.ErrRunNotFound
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.Note = note
	s.runs[id] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (progress.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return progress.Run{}, progress.ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns the newest runs first; an empty site matches all sites.
func (s *RunStore) ListRuns(_ context.Context, site string, limit int) ([]progress.Run, error) {
	s.mu.RLock()
	out := make([]progress.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if site == "" || run.Site == site {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, 0, limit), nil
}
