package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSweepStart   Stage = "SWEEP_START"
	StageSweepDone    Stage = "SWEEP_DONE"
	StageSweepError   Stage = "SWEEP_ERROR"
	StageProbeDone    Stage = "PROBE_DONE"
	StageDownloadDone Stage = "DOWNLOAD_DONE"
)

// Event captures one sweep milestone.
type Event struct {
	// RunID identifies the sweep run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	Site  string
	// Sweep names the sweep kind (explore, update, error, download, check, fix).
	Sweep string
	Num   int
	// Result is the probe or download result for per-book stages.
	Result string
	Bytes  int64
	Dur    time.Duration
	// Note carries low-volume context such as a sweep summary or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Site == "" {
		return errors.New("site is required")
	}
	if e.Sweep == "" {
		return errors.New("sweep is required")
	}
	switch e.Stage {
	case StageSweepStart, StageSweepDone, StageSweepError:
	case StageProbeDone, StageDownloadDone:
		if e.Result == "" {
			return fmt.Errorf("%s requires a result", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
