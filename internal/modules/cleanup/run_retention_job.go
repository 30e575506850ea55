// Package cleanup provides data cleanup and maintenance functionality.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RunPurger deletes runs created before a cutoff.
type RunPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Vacuumer reclaims space after deletes.
type Vacuumer interface {
	IncrementalVacuum(ctx context.Context) error
}

// RunRetentionJob deletes optimization runs older than the retention window.
// Runs daily from the scheduler.
type RunRetentionJob struct {
	runs      RunPurger
	db        Vacuumer
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewRunRetentionJob creates a retention job keeping retentionDays of history.
// db may be nil.
func NewRunRetentionJob(runs RunPurger, db Vacuumer, retentionDays int, log zerolog.Logger) *RunRetentionJob {
	return &RunRetentionJob{
		runs:      runs,
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		timeout:   5 * time.Minute,
		now:       time.Now,
		log:       log.With().Str("job", "run_retention").Logger(),
	}
}

// Name returns the job name
func (j *RunRetentionJob) Name() string {
	return "run_retention"
}

// Run executes the retention job
func (j *RunRetentionJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	deleted, err := j.runs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge runs: %w", err)
	}

	if deleted > 0 && j.db != nil {
		if err := j.db.IncrementalVacuum(ctx); err != nil {
			j.log.Warn().Err(err).Msg("Failed to reclaim space after purge")
		}
	}

	j.log.Info().
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Run retention job completed")
	return nil
}
