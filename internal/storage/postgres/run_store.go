package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/novel-crawler/internal/progress"
	"github.com/JakeFAU/novel-crawler/internal/storage/sqlstore"
)

// RunStore implements progress.RunRepository on the sweep_runs table.
type RunStore struct {
	pool pgxPool
	q    *sqlstore.Builder
}

var _ progress.RunRepository = (*RunStore)(nil)

// NewRunStore shares pool with the record store; it does not own it.
func NewRunStore(pool pgxPool, tables sqlstore.Tables) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	q, err := sqlstore.NewBuilder(sqlstore.Postgres, tables)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, q: q}, nil
}

// RunStore returns a run repository backed by the same pool.
func (s *RecordStore) RunStore() *RunStore {
	return &RunStore{pool: s.pool, q: s.q}
}

// StartRun inserts run; a repeated start keeps the first row.
func (s *RunStore) StartRun(ctx context.Context, run progress.Run) error {
	_, err := s.pool.Exec(ctx, s.q.StartRun(),
		run.ID.String(),
		run.Site,
		run.Sweep,
		run.StartedAt,
		run.FinishedAt,
		string(run.Status),
		run.Probes,
		run.Failures,
		run.Note,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// AddCounts adds probe and failure deltas to a run.
func (s *RunStore) AddCounts(ctx context.Context, id uuid.UUID, probes, failures int64) error {
	tag, err := s.pool.Exec(ctx, s.q.AddRunCounts(), id.String(), probes, failures)
	if err != nil {
		return fmt.Errorf("add run counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return progress.ErrRunNotFound
	}
	return nil
}

// FinishRun marks a run terminal.
func (s *RunStore) FinishRun(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status progress.RunStatus,
	note string,
) error {
	tag, err := s.pool.Exec(ctx, s.q.FinishRun(), id.String(), finishedAt, string(status), note)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return progress.ErrRunNotFound
	}
	return nil
}

func scanRun(row sqlstore.Scanner) (progress.Run, error) {
	var (
		run    progress.Run
		id     string
		status string
	)
	if err := row.Scan(
		&id,
		&run.Site,
		&run.Sweep,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Probes,
		&run.Failures,
		&run.Note,
	); err != nil {
		return progress.Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return progress.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = parsed
	run.Status = progress.RunStatus(status)
	return run, nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (progress.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, s.q.GetRun(), id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return progress.Run{}, progress.ErrRunNotFound
	}
	if err != nil {
		return progress.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first; an empty site matches all sites.
func (s *RunStore) ListRuns(ctx context.Context, site string, limit int) ([]progress.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, s.q.ListRuns(), site, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []progress.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
