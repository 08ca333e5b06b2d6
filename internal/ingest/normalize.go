package ingest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/lox/aircast/internal/metrics"
	"github.com/lox/aircast/internal/models"
)

const (
	TableAirQuality = "air_quality"
	TableWeather    = "weather_data"
)

// SchemaError reports a batch missing a required column. The whole batch
// is rejected.
type SchemaError struct {
	Table  string
	Column string
	Index  int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: record %d missing required column %q", e.Table, e.Index, e.Column)
}

// NormalizeStats counts what happened to a batch.
type NormalizeStats struct {
	Input      int
	Duplicates int
	Dropped    int
}

// Values providers use for "no reading".
var nullTokens = map[string]bool{
	"":     true,
	"na":   true,
	"n/a":  true,
	"null": true,
	"none": true,
	"nan":  true,
}

// Older revisions of the data.gov.in resource used pollutant_* names.
var aqiAliases = map[string]string{
	"pollutant_min": "min_value",
	"pollutant_max": "max_value",
	"pollutant_avg": "avg_value",
}

type rawAirQuality struct {
	City        string   `mapstructure:"city"`
	Station     string   `mapstructure:"station"`
	PollutantID string   `mapstructure:"pollutant_id"`
	Min         *float64 `mapstructure:"min_value"`
	Max         *float64 `mapstructure:"max_value"`
	Avg         *float64 `mapstructure:"avg_value"`
	LastUpdate  any      `mapstructure:"last_update"`
}

func (r rawAirQuality) key() string {
	return strings.Join([]string{r.City, r.Station, r.PollutantID,
		floatKey(r.Min), floatKey(r.Max), floatKey(r.Avg), fmt.Sprint(r.LastUpdate)}, "\x1f")
}

type rawWeather struct {
	City        string   `mapstructure:"city"`
	Temperature *float64 `mapstructure:"temperature"`
	Humidity    *float64 `mapstructure:"humidity"`
	Pressure    *float64 `mapstructure:"pressure"`
	WindSpeed   *float64 `mapstructure:"wind_speed"`
	Description string   `mapstructure:"description"`
	Timestamp   any      `mapstructure:"timestamp"`
}

func (r rawWeather) key() string {
	return strings.Join([]string{r.City, floatKey(r.Temperature), floatKey(r.Humidity),
		floatKey(r.Pressure), floatKey(r.WindSpeed), r.Description, fmt.Sprint(r.Timestamp)}, "\x1f")
}

// NormalizeAirQuality turns raw data.gov.in records into typed rows: exact
// duplicates dropped, numeric gaps filled with the batch mean, city and
// station lower-cased, last_update parsed to UTC.
func NormalizeAirQuality(records []Record) ([]models.AirQualityRecord, NormalizeStats, error) {
	stats := NormalizeStats{Input: len(records)}
	if err := requireColumns(TableAirQuality, records, "city", "last_update"); err != nil {
		return nil, stats, err
	}

	seen := make(map[string]bool, len(records))
	out := make([]models.AirQualityRecord, 0, len(records))
	for i, rec := range records {
		var raw rawAirQuality
		if err := decodeRecord(cleanRecord(rec, aqiAliases), &raw); err != nil {
			log.Printf("normalize: warning: %s record %d: %v", TableAirQuality, i, err)
			stats.Dropped++
			continue
		}
		k := raw.key()
		if seen[k] {
			stats.Duplicates++
			continue
		}
		seen[k] = true

		city := normalizeLabel(raw.City)
		if city == "" {
			log.Printf("normalize: warning: %s record %d: empty city", TableAirQuality, i)
			stats.Dropped++
			continue
		}
		ts, err := ParseTimestamp(raw.LastUpdate)
		if err != nil {
			log.Printf("normalize: warning: %s record %d: %v", TableAirQuality, i, err)
			stats.Dropped++
			continue
		}

		out = append(out, models.AirQualityRecord{
			City:         city,
			Station:      normalizeLabel(raw.Station),
			PollutantID:  strings.TrimSpace(raw.PollutantID),
			PollutantMin: nullFloat(raw.Min),
			PollutantMax: nullFloat(raw.Max),
			PollutantAvg: nullFloat(raw.Avg),
			LastUpdate:   ts,
		})
	}

	fillMean(out, func(r *models.AirQualityRecord) *sql.NullFloat64 { return &r.PollutantMin })
	fillMean(out, func(r *models.AirQualityRecord) *sql.NullFloat64 { return &r.PollutantMax })
	fillMean(out, func(r *models.AirQualityRecord) *sql.NullFloat64 { return &r.PollutantAvg })

	metrics.RecordsDropped.WithLabelValues(TableAirQuality).Add(float64(stats.Dropped))
	return out, stats, nil
}

// NormalizeWeather is the weather_data counterpart of NormalizeAirQuality.
func NormalizeWeather(records []Record) ([]models.WeatherRecord, NormalizeStats, error) {
	stats := NormalizeStats{Input: len(records)}
	if err := requireColumns(TableWeather, records, "city", "timestamp"); err != nil {
		return nil, stats, err
	}

	seen := make(map[string]bool, len(records))
	out := make([]models.WeatherRecord, 0, len(records))
	for i, rec := range records {
		var raw rawWeather
		if err := decodeRecord(cleanRecord(rec, nil), &raw); err != nil {
			log.Printf("normalize: warning: %s record %d: %v", TableWeather, i, err)
			stats.Dropped++
			continue
		}
		k := raw.key()
		if seen[k] {
			stats.Duplicates++
			continue
		}
		seen[k] = true

		city := normalizeLabel(raw.City)
		if city == "" {
			log.Printf("normalize: warning: %s record %d: empty city", TableWeather, i)
			stats.Dropped++
			continue
		}
		ts, err := ParseTimestamp(raw.Timestamp)
		if err != nil {
			log.Printf("normalize: warning: %s record %d: %v", TableWeather, i, err)
			stats.Dropped++
			continue
		}

		out = append(out, models.WeatherRecord{
			City:        city,
			Temperature: nullFloat(raw.Temperature),
			Humidity:    nullFloat(raw.Humidity),
			Pressure:    nullFloat(raw.Pressure),
			WindSpeed:   nullFloat(raw.WindSpeed),
			Description: normalizeLabel(raw.Description),
			ObservedAt:  ts,
		})
	}

	fillMean(out, func(r *models.WeatherRecord) *sql.NullFloat64 { return &r.Temperature })
	fillMean(out, func(r *models.WeatherRecord) *sql.NullFloat64 { return &r.Humidity })
	fillMean(out, func(r *models.WeatherRecord) *sql.NullFloat64 { return &r.Pressure })
	fillMean(out, func(r *models.WeatherRecord) *sql.NullFloat64 { return &r.WindSpeed })

	metrics.RecordsDropped.WithLabelValues(TableWeather).Add(float64(stats.Dropped))
	return out, stats, nil
}

func requireColumns(table string, records []Record, cols ...string) error {
	for i, rec := range records {
		for _, col := range cols {
			if _, ok := rec[col]; !ok {
				return &SchemaError{Table: table, Column: col, Index: i}
			}
		}
	}
	return nil
}

// cleanRecord trims strings, maps null tokens to nil and applies key aliases
// without touching the caller's map.
func cleanRecord(rec Record, aliases map[string]string) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if nullTokens[strings.ToLower(s)] {
				v = nil
			} else {
				v = s
			}
		}
		out[k] = v
	}
	for from, to := range aliases {
		if _, ok := out[to]; ok {
			continue
		}
		if v, ok := out[from]; ok {
			out[to] = v
		}
	}
	return out
}

func decodeRecord(input map[string]any, result any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           result,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

var timestampLayouts = []string{
	"02-01-2006 15:04:05", // data.gov.in last_update
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts the layouts providers are known to send, or epoch
// seconds, and returns a UTC instant.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	case time.Time:
		return t.UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, fmt.Errorf("invalid epoch %v", t)
		}
		return time.Unix(int64(t), 0).UTC(), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch %q", t)
		}
		return time.Unix(n, 0).UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil || math.IsNaN(*p) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatKey(p *float64) string {
	if p == nil {
		return "<nil>"
	}
	return strconv.FormatFloat(*p, 'g', -1, 64)
}

// fillMean replaces missing values in one column with the mean of the
// present ones. A column with no values is left alone.
func fillMean[T any](rows []T, col func(*T) *sql.NullFloat64) {
	var sum float64
	var n int
	for i := range rows {
		if v := col(&rows[i]); v.Valid {
			sum += v.Float64
			n++
		}
	}
	if n == 0 || n == len(rows) {
		return
	}
	mean := sum / float64(n)
	for i := range rows {
		if v := col(&rows[i]); !v.Valid {
			*v = sql.NullFloat64{Float64: mean, Valid: true}
		}
	}
}
