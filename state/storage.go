// Package state persists pipeline runs and the resources whose extraction
// failed so they can be retried.
package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when no run has been recorded for a repository.
var ErrNotFound = errors.New("not found")

// Run describes one harvest of a repository.
type Run struct {
	ID         uuid.UUID
	Repository string

	// Start and End delimit the harvested time frame.
	Start time.Time
	End   time.Time

	StartedAt  time.Time
	FinishedAt time.Time

	Records  int
	Failures int
	DryRun   bool
}

// NewRun returns a run of repo over [start, end] starting now.
func NewRun(repo string, start, end time.Time, dryRun bool) *Run {
	return &Run{
		ID:         uuid.New(),
		Repository: repo,
		Start:      start,
		End:        end,
		StartedAt:  time.Now().UTC(),
		DryRun:     dryRun,
	}
}

// Failure is a resource that could not be extracted.
type Failure struct {
	Repository string
	ResourceID string
	Data       json.RawMessage
	Error      string
	Timestamp  time.Time
}

type Storage interface {
	// RecordRun stores run, replacing an earlier version with the same ID.
	RecordRun(ctx context.Context, run *Run) error

	// LastRun returns the most recent finished run of repo that was not a
	// dry run.
	LastRun(ctx context.Context, repo string) (*Run, error)

	// SaveFailures stores failures, replacing earlier failures of the same
	// resources.
	SaveFailures(ctx context.Context, failures []Failure) error

	// Failures lists the failures of repo, oldest first.
	Failures(ctx context.Context, repo string) ([]Failure, error)

	// ClearFailures removes the failures of the given resources of repo.
	ClearFailures(ctx context.Context, repo string, ids []string) error

	Close() error
}
