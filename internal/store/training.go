package store

import (
	"context"
	"database/sql"
	"time"
)

// TrainingRun is the persisted outcome of one entity/variable pair within a
// pipeline run.
type TrainingRun struct {
	ID           int64
	RunID        string
	Entity       string
	Variable     string
	Outcome      string
	State        string
	NPoints      sql.NullInt64
	ForecastRows sql.NullInt64
	Reason       sql.NullString
	ModelPath    sql.NullString
	StartedAt    time.Time
	Duration     time.Duration
}

func (s *Store) InsertTrainingRun(ctx context.Context, r *TrainingRun) error {
	id, err := s.insertID(ctx, `
		INSERT INTO training_runs (run_id, entity, variable, outcome, state, n_points, forecast_rows, reason,
			model_path, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Entity, r.Variable, r.Outcome, r.State, r.NPoints, r.ForecastRows, r.Reason,
		r.ModelPath, r.StartedAt.UTC(), r.Duration.Milliseconds())
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// TrainingRuns returns the pairs recorded for runID in insertion order.
func (s *Store) TrainingRuns(ctx context.Context, runID string) ([]TrainingRun, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, run_id, entity, variable, outcome, state, n_points, forecast_rows, reason, model_path,
			started_at, duration_ms
		FROM training_runs
		WHERE run_id = ?
		ORDER BY id
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrainingRun
	for rows.Next() {
		var r TrainingRun
		var ms sql.NullInt64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Entity, &r.Variable, &r.Outcome, &r.State, &r.NPoints,
			&r.ForecastRows, &r.Reason, &r.ModelPath, &r.StartedAt, &ms); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms.Int64) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestTrainingRunID returns the run id of the most recent training pair,
// or "" when nothing has been trained yet.
func (s *Store) LatestTrainingRunID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM training_runs ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}
