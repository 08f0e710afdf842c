// Package uuid generates and normalizes sweep run IDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 sweep run IDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RunKey maps a run ID to the UUID the run store is keyed by. IDs that are
// not UUIDs (from a custom generator) map to a stable name-based UUID.
func RunKey(runID string) uuid.UUID {
	if id, err := uuid.Parse(runID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID))
}
