package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const archiveTimeout = 30 * time.Second

// Recorder persists runs and, when an archiver is configured, uploads
// successful runs in the background.
type Recorder struct {
	repo     *Repository
	archiver Archiver
	log      zerolog.Logger
	pending  sync.WaitGroup
}

// NewRecorder creates a recorder. archiver may be nil.
func NewRecorder(repo *Repository, archiver Archiver, log zerolog.Logger) *Recorder {
	return &Recorder{
		repo:     repo,
		archiver: archiver,
		log:      log.With().Str("component", "run_recorder").Logger(),
	}
}

// Record saves run. Archiving never fails the call; upload errors are logged.
func (r *Recorder) Record(ctx context.Context, run *Run) error {
	if err := r.repo.Save(ctx, run); err != nil {
		return err
	}
	if r.archiver == nil || run.Status != StatusSucceeded {
		return nil
	}

	snapshot := *run
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()

		key, err := r.archiver.Archive(actx, &snapshot)
		if err != nil {
			r.log.Warn().Err(err).Str("run_id", snapshot.ID).Msg("Failed to archive run")
			return
		}
		if err := r.repo.MarkArchived(actx, snapshot.ID, key); err != nil {
			r.log.Warn().Err(err).Str("run_id", snapshot.ID).Msg("Failed to record archive key")
		}
	}()
	return nil
}

// Get returns a stored run.
func (r *Recorder) Get(ctx context.Context, id string) (*Run, error) {
	return r.repo.Get(ctx, id)
}

// List returns the most recent runs.
func (r *Recorder) List(ctx context.Context, limit int) ([]*Run, error) {
	return r.repo.List(ctx, limit)
}

// Wait blocks until background uploads have finished.
func (r *Recorder) Wait() {
	r.pending.Wait()
}
