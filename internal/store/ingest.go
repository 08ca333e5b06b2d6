package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// IngestRun audits one provider fetch for one entity. Counters stay null
// when the fetch failed before reaching that stage.
type IngestRun struct {
	ID                int64
	RunID             string
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Provider          string
	Endpoint          string
	Entity            string
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsStored     sql.NullInt64
	ParseErrors       sql.NullInt64 // rows dropped by normalization
	Success           bool
	ErrorMessage      sql.NullString
}

// Duration is zero until the run is completed.
func (r IngestRun) Duration() time.Duration {
	if !r.FinishedAt.Valid {
		return 0
	}
	return r.FinishedAt.Time.Sub(r.StartedAt)
}

// StartIngestRun inserts an unfinished, unsuccessful audit row.
func (s *Store) StartIngestRun(ctx context.Context, runID, provider, endpoint, entity string) (*IngestRun, error) {
	run := &IngestRun{
		RunID:     runID,
		StartedAt: nowUTC(),
		Provider:  provider,
		Endpoint:  endpoint,
		Entity:    entity,
	}
	id, err := s.insertID(ctx, `
		INSERT INTO ingest_runs (run_id, started_at, provider, endpoint, entity, success)
		VALUES (?, ?, ?, ?, ?, FALSE)`,
		run.RunID, run.StartedAt, run.Provider, run.Endpoint, run.Entity)
	if err != nil {
		return nil, fmt.Errorf("start ingest run %s %s: %w", provider, entity, err)
	}
	run.ID = id
	return run, nil
}

// CompleteIngestRun stamps the finish time and writes the counters and
// outcome held in run.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: nowUTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ingest_runs SET
			finished_at = ?, http_status = ?, response_size_bytes = ?,
			records_parsed = ?, records_stored = ?, parse_errors = ?,
			success = ?, error_message = ?
		WHERE id = ?`),
		run.FinishedAt, run.HTTPStatus, run.ResponseSizeBytes,
		run.RecordsParsed, run.RecordsStored, run.ParseErrors,
		run.Success, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("complete ingest run %d: %w", run.ID, err)
	}
	return nil
}

// IngestRunFilter narrows RecentIngestRuns. Zero values match everything.
type IngestRunFilter struct {
	Limit      int
	FailedOnly bool
	Entity     string
	RunID      string
}

// RecentIngestRuns returns audit rows newest first.
func (s *Store) RecentIngestRuns(ctx context.Context, f IngestRunFilter) ([]IngestRun, error) {
	var (
		where []string
		args  []any
	)
	if f.FailedOnly {
		where = append(where, "success = FALSE")
	}
	if f.Entity != "" {
		where = append(where, "LOWER(entity) = LOWER(?)")
		args = append(args, f.Entity)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}

	q := `
		SELECT id, run_id, started_at, finished_at, provider, endpoint, entity,
		       http_status, response_size_bytes, records_parsed, records_stored,
		       parse_errors, success, error_message
		FROM ingest_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query ingest runs: %w", err)
	}
	defer rows.Close()

	var out []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.FinishedAt, &r.Provider, &r.Endpoint,
			&r.Entity, &r.HTTPStatus, &r.ResponseSizeBytes, &r.RecordsParsed, &r.RecordsStored,
			&r.ParseErrors, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
