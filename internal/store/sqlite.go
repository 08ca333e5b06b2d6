package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Store wraps the relational database. Queries are written with ?
// placeholders and rebound for Postgres.
type Store struct {
	db     *sql.DB
	driver string
}

func New(db *sql.DB, driver string) *Store {
	if driver == "" {
		driver = DriverSQLite
	}
	return &Store{db: db, driver: driver}
}

// Open connects using driver and dsn and applies connection settings the
// driver needs.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		db.Exec("PRAGMA journal_mode=WAL")
		db.Exec("PRAGMA busy_timeout=5000")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, driver), nil
}

func nowUTC() time.Time { return time.Now().UTC() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) postgres() bool { return s.driver == DriverPostgres }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if !s.postgres() {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insertID runs an INSERT and returns the new row id. It returns 0 when the
// insert was skipped by ON CONFLICT DO NOTHING.
func (s *Store) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.postgres() {
		var id int64
		err := s.db.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return id, err
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}
