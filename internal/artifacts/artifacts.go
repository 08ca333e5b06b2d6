// Package artifacts persists fitted models and forecast tables to a local
// directory and mirrors them to remote storage.
package artifacts

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/aircast/internal/forecast"
	"github.com/lox/aircast/internal/metrics"
)

const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

var ErrNotFound = errors.New("artifact not found")

var keyReplacer = strings.NewReplacer(" ", "_", "/", "_")

// Key is the file stem for a pair: "Pune", "PM2.5" -> "Pune_PM2.5".
func Key(entity, variable string) string {
	return keyReplacer.Replace(strings.TrimSpace(entity)) + "_" + keyReplacer.Replace(strings.TrimSpace(variable))
}

func ModelFile(entity, variable string) string {
	return Key(entity, variable) + "_arima.json"
}

func ForecastFile(entity, variable, format string) string {
	return Key(entity, variable) + "_forecast_72h." + format
}

// Store writes artifacts under dir. Each write replaces the previous file
// for the same key.
type Store struct {
	dir      string
	formats  []string
	uploader Uploader

	// retry bounds for remote copies
	retryMaxElapsed time.Duration
}

func NewStore(dir string, formats []string, uploader Uploader) *Store {
	if len(formats) == 0 {
		formats = []string{FormatCSV}
	}
	return &Store{
		dir:             dir,
		formats:         formats,
		uploader:        uploader,
		retryMaxElapsed: time.Minute,
	}
}

func (s *Store) Dir() string { return s.dir }

// SaveModel writes the model blob and mirrors it remotely.
func (s *Store) SaveModel(ctx context.Context, m *forecast.Model) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal model: %w", err)
	}
	path := filepath.Join(s.dir, ModelFile(m.Entity, m.Variable))
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	s.mirror(ctx, path)
	return path, nil
}

// LoadModel reads a model blob written by SaveModel.
func (s *Store) LoadModel(entity, variable string) (*forecast.Model, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ModelFile(entity, variable)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m forecast.Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return &m, nil
}

// SaveForecast writes the forecast table in every configured format and
// returns the local paths written.
func (s *Store) SaveForecast(ctx context.Context, entity, variable string, rows []forecast.Row) ([]string, error) {
	var paths []string
	for _, format := range s.formats {
		var (
			data []byte
			err  error
		)
		switch format {
		case FormatCSV:
			data, err = encodeCSV(rows)
		case FormatParquet:
			data, err = encodeParquet(entity, variable, rows)
		default:
			err = fmt.Errorf("unsupported format %q", format)
		}
		if err != nil {
			return paths, fmt.Errorf("encode %s forecast: %w", format, err)
		}

		path := filepath.Join(s.dir, ForecastFile(entity, variable, format))
		if err := writeFileAtomic(path, data); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	for _, p := range paths {
		s.mirror(ctx, p)
	}
	return paths, nil
}

// LoadForecast returns the persisted forecast for a pair. Tables are tried
// in configured format order, then any other known format. When no table
// exists the forecast is recomputed from the stored model.
func (s *Store) LoadForecast(entity, variable string) ([]forecast.Row, error) {
	seen := make(map[string]bool)
	for _, format := range append(append([]string{}, s.formats...), FormatCSV, FormatParquet) {
		if seen[format] {
			continue
		}
		seen[format] = true

		data, err := os.ReadFile(filepath.Join(s.dir, ForecastFile(entity, variable, format)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		switch format {
		case FormatCSV:
			return decodeCSV(bytes.NewReader(data))
		case FormatParquet:
			return decodeParquet(data)
		}
	}

	m, err := s.LoadModel(entity, variable)
	if err != nil {
		return nil, err
	}
	return m.Forecast(forecast.Horizon), nil
}

var csvHeader = []string{"timestamp", "mean", "lower", "upper"}

func encodeCSV(rows []forecast.Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write([]string{
			r.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(r.Mean, 'f', -1, 64),
			strconv.FormatFloat(r.Lower, 'f', -1, 64),
			strconv.FormatFloat(r.Upper, 'f', -1, 64),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func decodeCSV(r io.Reader) ([]forecast.Row, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read forecast csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	rows := make([]forecast.Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(csvHeader) {
			return nil, fmt.Errorf("forecast csv line %d: %d fields", i+2, len(rec))
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("forecast csv line %d: %w", i+2, err)
		}
		var vals [3]float64
		for j := range vals {
			if vals[j], err = strconv.ParseFloat(rec[j+1], 64); err != nil {
				return nil, fmt.Errorf("forecast csv line %d: %w", i+2, err)
			}
		}
		rows = append(rows, forecast.Row{Timestamp: ts, Mean: vals[0], Lower: vals[1], Upper: vals[2]})
	}
	return rows, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// mirror copies a local artifact to the remote prefix. Failures are logged
// and counted, never returned.
func (s *Store) mirror(ctx context.Context, path string) {
	if s.uploader == nil {
		return
	}
	name := filepath.Base(path)

	operation := func() error {
		f, err := os.Open(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()
		return s.uploader.Upload(ctx, name, f)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.retryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		metrics.ArtifactUploads.WithLabelValues(s.uploader.Scheme(), "error").Inc()
		log.Printf("artifacts: warning: upload %s to %s: %v", name, s.uploader.Scheme(), err)
		return
	}
	metrics.ArtifactUploads.WithLabelValues(s.uploader.Scheme(), "ok").Inc()
}
