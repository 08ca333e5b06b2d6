package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload is a provider response body kept for audit and replay. Bodies
// are stored gzipped and deduplicated by content hash, so an unchanged
// response is only attached to the first run that saw it.
type RawPayload struct {
	ID          int64
	IngestRunID sql.NullInt64
	FetchedAt   time.Time
	Provider    string
	Endpoint    string
	Entity      string
	Body        []byte
}

// StoreRawPayload saves body against the ingest run that fetched it. It
// returns the new id, or 0 when an identical body is already stored.
func (s *Store) StoreRawPayload(ctx context.Context, ingestRunID int64, provider, endpoint, entity string, body []byte) (int64, error) {
	compressed, err := gzipBytes(body)
	if err != nil {
		return 0, fmt.Errorf("raw payload %s %s: %w", provider, entity, err)
	}
	sum := sha256.Sum256(body)

	id, err := s.insertID(ctx, `
		INSERT INTO raw_payloads
		(ingest_run_id, fetched_at, provider, endpoint, entity, payload_compressed, payload_hash, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(payload_hash) DO NOTHING`,
		sql.NullInt64{Int64: ingestRunID, Valid: ingestRunID > 0},
		nowUTC(), provider, endpoint, entity, compressed, hex.EncodeToString(sum[:]))
	if err != nil {
		return 0, fmt.Errorf("insert raw payload %s %s: %w", provider, entity, err)
	}
	return id, nil
}

// GetRawPayload returns the decompressed body of one payload.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload_compressed FROM raw_payloads WHERE id = ?`), id).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}
	return gunzipBytes(compressed)
}

// RawPayloadsForRun returns the payloads first stored by pipeline run runID,
// in fetch order, with bodies decompressed.
func (s *Store) RawPayloadsForRun(ctx context.Context, runID string) ([]RawPayload, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT p.id, p.ingest_run_id, p.fetched_at, p.provider, p.endpoint,
		       COALESCE(p.entity, ''), p.payload_compressed
		FROM raw_payloads p
		JOIN ingest_runs r ON r.id = p.ingest_run_id
		WHERE r.run_id = ?
		ORDER BY p.id`), runID)
	if err != nil {
		return nil, fmt.Errorf("query raw payloads for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []RawPayload
	for rows.Next() {
		var (
			p          RawPayload
			compressed []byte
		)
		if err := rows.Scan(&p.ID, &p.IngestRunID, &p.FetchedAt, &p.Provider, &p.Endpoint, &p.Entity, &compressed); err != nil {
			return nil, err
		}
		if p.Body, err = gunzipBytes(compressed); err != nil {
			return nil, fmt.Errorf("raw payload %d: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CleanupOldRawPayloads deletes payloads fetched more than retentionDays ago
// and reports how many went.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := nowUTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM raw_payloads WHERE fetched_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup raw payloads: %w", err)
	}
	return res.RowsAffected()
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
