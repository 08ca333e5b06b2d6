package store

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/lox/aircast/internal/models"
)

// InsertAirQuality inserts rows in one transaction, skipping rows that
// already exist. It returns how many rows were new. An empty batch logs a
// warning and writes nothing.
func (s *Store) InsertAirQuality(ctx context.Context, rows []models.AirQualityRecord) (int, error) {
	if len(rows) == 0 {
		log.Printf("store: warning: no air_quality records to insert")
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin air_quality insert: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO air_quality (city, station, pollutant_id, pollutant_min, pollutant_max, pollutant_avg, last_update,
			pollutant_range, aqi_category, year, month, day, hour, quality_flags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(city, station, pollutant_id, last_update) DO NOTHING
	`))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prepare air_quality insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	now := nowUTC()
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, r.City, r.Station, r.PollutantID, r.PollutantMin, r.PollutantMax,
			r.PollutantAvg, r.LastUpdate.UTC(), r.PollutantRange, r.AQICategory, r.Year, r.Month, r.Day, r.Hour,
			r.QualityFlags, now)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert air_quality %s/%s: %w", r.City, r.PollutantID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit air_quality insert: %w", err)
	}
	return inserted, nil
}

// InsertWeather is the weather_data counterpart of InsertAirQuality.
func (s *Store) InsertWeather(ctx context.Context, rows []models.WeatherRecord) (int, error) {
	if len(rows) == 0 {
		log.Printf("store: warning: no weather_data records to insert")
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin weather_data insert: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO weather_data (city, temperature, humidity, pressure, wind_speed, description, observed_at,
			heat_index, pressure_anomaly, year, month, day, hour, quality_flags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(city, observed_at) DO NOTHING
	`))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prepare weather_data insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	now := nowUTC()
	for _, w := range rows {
		res, err := stmt.ExecContext(ctx, w.City, w.Temperature, w.Humidity, w.Pressure, w.WindSpeed,
			w.Description, w.ObservedAt.UTC(), w.HeatIndex, w.PressureAnomaly, w.Year, w.Month, w.Day, w.Hour,
			w.QualityFlags, now)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert weather_data %s: %w", w.City, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit weather_data insert: %w", err)
	}
	return inserted, nil
}

// ListPollutants returns the distinct pollutant codes stored for city.
func (s *Store) ListPollutants(ctx context.Context, city string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT DISTINCT pollutant_id FROM air_quality WHERE city = ? ORDER BY pollutant_id
	`), normalizeCity(city))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AirQualityObservations returns every stored reading of pollutant for
// city, oldest first.
func (s *Store) AirQualityObservations(ctx context.Context, city, pollutant string) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT city, pollutant_id, pollutant_avg, pollutant_min, pollutant_max, last_update, created_at
		FROM air_quality
		WHERE city = ? AND pollutant_id = ?
		ORDER BY last_update
	`), normalizeCity(city), pollutant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		if err := rows.Scan(&o.Entity, &o.Variable, &o.Value, &o.Min, &o.Max, &o.Timestamp, &o.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// WeatherObservations returns one weather variable for city, oldest first.
func (s *Store) WeatherObservations(ctx context.Context, city, variable string) ([]models.Observation, error) {
	if !models.IsWeatherVariable(variable) {
		return nil, fmt.Errorf("unknown weather variable %q", variable)
	}

	// variable is whitelisted above.
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT city, `+variable+`, observed_at, created_at
		FROM weather_data
		WHERE city = ?
		ORDER BY observed_at
	`), normalizeCity(city))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		o := models.Observation{Variable: variable}
		if err := rows.Scan(&o.Entity, &o.Value, &o.Timestamp, &o.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
