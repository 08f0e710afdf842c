package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/novel-crawler/internal/progress"
	"github.com/JakeFAU/novel-crawler/internal/storage/sqlstore"
)

// RunStore implements progress.RunRepository on the sweep_runs table.
type RunStore struct {
	db *sql.DB
	q  *sqlstore.Builder
}

var _ progress.RunRepository = (*RunStore)(nil)

// StartRun inserts run; a repeated start keeps the first row.
func (s *RunStore) StartRun(ctx context.Context, run progress.Run) error {
	_, err := s.db.ExecContext(ctx, s.q.StartRun(),
		run.ID.String(), run.Site, run.Sweep, run.StartedAt.UTC(), utcPtr(run.FinishedAt),
		string(run.Status), run.Probes, run.Failures, run.Note)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func affected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return progress.ErrRunNotFound
	}
	return nil
}

// AddCounts adds probe and failure deltas to a run.
func (s *RunStore) AddCounts(ctx context.Context, id uuid.UUID, probes, failures int64) error {
	res, err := s.db.ExecContext(ctx, s.q.AddRunCounts(), id.String(), probes, failures)
	if err != nil {
		return fmt.Errorf("add run counts: %w", err)
	}
	return affected(res, "add run counts")
}

// FinishRun marks a run terminal.
func (s *RunStore) FinishRun(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status progress.RunStatus,
	note string,
) error {
	res, err := s.db.ExecContext(ctx, s.q.FinishRun(), id.String(), finishedAt.UTC(), string(status), note)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return affected(res, "finish run")
}

func scanRun(row sqlstore.Scanner) (progress.Run, error) {
	var (
		run      progress.Run
		id       string
		status   string
		finished sql.NullTime
	)
	if err := row.Scan(&id, &run.Site, &run.Sweep, &run.StartedAt, &finished,
		&status, &run.Probes, &run.Failures, &run.Note); err != nil {
		return progress.Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return progress.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = parsed
	run.Status = progress.RunStatus(status)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (progress.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, s.q.GetRun(), id.String()))
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, s.q.ListRuns(), site, limit)
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
