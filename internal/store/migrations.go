package store

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Schema is written for SQLite; sqlToPostgres adapts the handful of type
// names that differ.
var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS air_quality (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    city TEXT NOT NULL,
    station TEXT NOT NULL DEFAULT '',
    pollutant_id TEXT NOT NULL,
    pollutant_min REAL,
    pollutant_max REAL,
    pollutant_avg REAL,
    last_update DATETIME NOT NULL,
    pollutant_range REAL,
    aqi_category TEXT,
    year INTEGER,
    month INTEGER,
    day INTEGER,
    hour INTEGER,
    quality_flags TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(city, station, pollutant_id, last_update)
);

CREATE INDEX IF NOT EXISTS idx_air_quality_series ON air_quality(city, pollutant_id, last_update);

CREATE TABLE IF NOT EXISTS weather_data (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    city TEXT NOT NULL,
    temperature REAL,
    humidity REAL,
    pressure REAL,
    wind_speed REAL,
    description TEXT,
    observed_at DATETIME NOT NULL,
    heat_index REAL,
    pressure_anomaly REAL,
    year INTEGER,
    month INTEGER,
    day INTEGER,
    hour INTEGER,
    quality_flags TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(city, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_weather_series ON weather_data(city, observed_at);
`,
	},
	{
		Version:     2,
		Description: "Ingest audit and raw payload archive",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    provider TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    entity TEXT NOT NULL,
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    parse_errors INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_run ON ingest_runs(run_id);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER,
    fetched_at DATETIME NOT NULL,
    provider TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    entity TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
	{
		Version:     3,
		Description: "Training run report",
		SQL: `
CREATE TABLE IF NOT EXISTS training_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    entity TEXT NOT NULL,
    variable TEXT NOT NULL,
    outcome TEXT NOT NULL,
    state TEXT NOT NULL,
    n_points INTEGER,
    forecast_rows INTEGER,
    reason TEXT,
    model_path TEXT,
    started_at DATETIME NOT NULL,
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_training_runs_run ON training_runs(run_id);
`,
	},
}

var postgresTypes = strings.NewReplacer(
	"INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY",
	"DATETIME", "TIMESTAMPTZ",
	"REAL", "DOUBLE PRECISION",
	"BLOB", "BYTEA",
	"INTEGER", "BIGINT",
)

func sqlToPostgres(q string) string {
	return postgresTypes.Replace(q)
}

func (s *Store) migrationSQL(m migration) string {
	if s.postgres() {
		return sqlToPostgres(m.SQL)
	}
	return m.SQL
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(s.migrationSQL(m)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			s.rebind("INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	q := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`
	if s.postgres() {
		q = sqlToPostgres(q)
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
