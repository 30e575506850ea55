package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/portfolio-optimizer/internal/modules/optimization"
)

// ErrRunNotFound is returned by Get for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// runColumns is the column list of the runs table.
// Column order must match scanRun().
const runColumns = `id, created_at, source, num_assets, num_observations, risk_level, max_weight,
method, status, error, weights, expected_return, volatility, iterations, regularized, duration_ms, archived_key`

// Repository stores runs in the history database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new run repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "runs").Logger(),
	}
}

// Save inserts a run.
func (r *Repository) Save(ctx context.Context, run *Run) error {
	var weights sql.NullString
	if len(run.Weights) > 0 {
		data, err := json.Marshal(run.Weights)
		if err != nil {
			return fmt.Errorf("failed to encode weights: %w", err)
		}
		weights = sql.NullString{String: string(data), Valid: true}
	}

	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.CreatedAt.UnixMilli(),
		run.Source,
		run.NumAssets,
		run.NumObservations,
		run.RiskLevel,
		run.MaxWeight,
		run.Method,
		run.Status,
		nullString(run.Error),
		weights,
		run.ExpectedReturn,
		run.Volatility,
		run.Iterations,
		boolToInt(run.Regularized),
		run.Duration.Milliseconds(),
		nullString(run.ArchivedKey),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns the run with the given id.
func (r *Repository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkArchived records the object key a run was archived under.
func (r *Repository) MarkArchived(ctx context.Context, id, key string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE runs SET archived_key = ? WHERE id = ?`, key, id)
	if err != nil {
		return fmt.Errorf("failed to mark run %s archived: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// DeleteOlderThan removes runs created before cutoff and returns how many were removed.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Debug().Int64("deleted", n).Time("cutoff", cutoff).Msg("Deleted old runs")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run         Run
		createdAt   int64
		errText     sql.NullString
		weights     sql.NullString
		regularized int
		durationMs  int64
		archivedKey sql.NullString
	)
	err := s.Scan(
		&run.ID,
		&createdAt,
		&run.Source,
		&run.NumAssets,
		&run.NumObservations,
		&run.RiskLevel,
		&run.MaxWeight,
		&run.Method,
		&run.Status,
		&errText,
		&weights,
		&run.ExpectedReturn,
		&run.Volatility,
		&run.Iterations,
		&regularized,
		&durationMs,
		&archivedKey,
	)
	if err != nil {
		return nil, err
	}

	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	run.Error = errText.String
	run.Regularized = regularized != 0
	run.Duration = time.Duration(durationMs) * time.Millisecond
	run.ArchivedKey = archivedKey.String
	if weights.Valid {
		var w []optimization.AssetWeight
		if err := json.Unmarshal([]byte(weights.String), &w); err != nil {
			return nil, fmt.Errorf("failed to decode weights of run %s: %w", run.ID, err)
		}
		run.Weights = w
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
