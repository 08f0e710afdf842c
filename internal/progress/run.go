package progress

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a sweep run.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("sweep run not found")

// Run is one row of the sweep_runs table.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	Site       string     `json:"site"`
	Sweep      string     `json:"sweep"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Probes     int64      `json:"probes"`
	Failures   int64      `json:"failures"`
	Note       string     `json:"note,omitempty"`
}

// RunRepository persists sweep runs.
type RunRepository interface {
	StartRun(ctx context.Context, run Run) error
	AddCounts(ctx context.Context, id uuid.UUID, probes, failures int64) error
	FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, note string) error
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	ListRuns(ctx context.Context, site string, limit int) ([]Run, error)
}
