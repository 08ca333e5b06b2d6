package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/aircast/internal/artifacts"
	"github.com/lox/aircast/internal/config"
	"github.com/lox/aircast/internal/forecast"
	"github.com/lox/aircast/internal/ingest"
	"github.com/lox/aircast/internal/models"
	"github.com/lox/aircast/internal/store"
)

var base = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, store.DriverSQLite)
	require.NoError(t, st.Migrate())
	return st
}

func newTestRunner(t *testing.T, st *store.Store, aqi, weather ingest.Provider, configure func(*config.Config)) (*Runner, *artifacts.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.Features = nil
	cfg.Artifacts.OutputDir = t.TempDir()
	if configure != nil {
		configure(cfg)
	}
	arts := artifacts.NewStore(cfg.Artifacts.OutputDir, cfg.Artifacts.Formats, nil)
	return NewRunner(cfg, st, arts, aqi, weather), arts
}

// pm25Records returns hourly data.gov.in style readings for city at the
// given hour offsets from base.
func pm25Records(city string, hours []int) []map[string]any {
	rng := rand.New(rand.NewSource(7))
	out := make([]map[string]any, 0, len(hours))
	for _, h := range hours {
		avg := 40 + 8*math.Sin(float64(h)/4) + rng.NormFloat64()
		out = append(out, map[string]any{
			"country":      "India",
			"city":         city,
			"station":      "Karve Road, " + city + " - MPCB",
			"pollutant_id": "PM2.5",
			"min_value":    fmt.Sprintf("%.2f", avg-5),
			"max_value":    fmt.Sprintf("%.2f", avg+5),
			"avg_value":    fmt.Sprintf("%.2f", avg),
			"last_update":  base.Add(time.Duration(h) * time.Hour).Format("02-01-2006 15:04:05"),
		})
	}
	return out
}

func hourRange(from, to int, skip ...int) []int {
	skipped := make(map[int]bool)
	for _, s := range skip {
		skipped[s] = true
	}
	var out []int
	for h := from; h < to; h++ {
		if !skipped[h] {
			out = append(out, h)
		}
	}
	return out
}

// aqiServer answers data.gov.in requests from a per-city table. Cities in
// drop get their connection closed without a response.
func aqiServer(t *testing.T, records map[string][]map[string]any, drop ...string) *httptest.Server {
	t.Helper()
	dropped := make(map[string]bool)
	for _, c := range drop {
		dropped[c] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		city := r.URL.Query().Get("filters[city]")
		if dropped[city] {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer does not support hijacking")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"records": records[city]})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_PuneEndToEnd(t *testing.T) {
	st := setupTestStore(t)
	// 60 hourly slots with a 5 hour hole at hours 20-24.
	hours := hourRange(0, 60, 20, 21, 22, 23, 24)
	require.Len(t, hours, 55)
	srv := aqiServer(t, map[string][]map[string]any{"Pune": pm25Records("Pune", hours)})

	aqi := ingest.NewAQIClient("test-key", srv.URL, 100, 5*time.Second)
	runner, arts := newTestRunner(t, st, aqi, nil, func(c *config.Config) {
		c.Pipeline.Cities = []string{"Pune"}
	})

	rep, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Failed())

	fetches := rep.Fetches()
	require.Len(t, fetches, 1)
	assert.Equal(t, OutcomeOK, fetches[0].Outcome)
	assert.Equal(t, 55, fetches[0].Stored)

	res, ok := rep.Pair("Pune", "PM2.5")
	require.True(t, ok, "Pune/PM2.5 pair missing from report")
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, StatePersisted, res.State)
	assert.Equal(t, 60, res.NPoints)
	assert.Equal(t, forecast.Horizon, res.ForecastRows)

	_, err = os.Stat(filepath.Join(arts.Dir(), "Pune_PM2.5_arima.json"))
	require.NoError(t, err, "model blob not written")
	_, err = os.Stat(filepath.Join(arts.Dir(), "Pune_PM2.5_forecast_72h.csv"))
	require.NoError(t, err, "forecast table not written")

	rows, err := arts.LoadForecast("Pune", "PM2.5")
	require.NoError(t, err)
	require.Len(t, rows, 72)
	last := base.Add(59 * time.Hour)
	assert.True(t, rows[0].Timestamp.Equal(last.Add(time.Hour)), "first row at %v, want %v", rows[0].Timestamp, last.Add(time.Hour))
	for i := 1; i < len(rows); i++ {
		assert.Equal(t, time.Hour, rows[i].Timestamp.Sub(rows[i-1].Timestamp))
		assert.LessOrEqual(t, rows[i].Lower, rows[i].Mean)
		assert.GreaterOrEqual(t, rows[i].Upper, rows[i].Mean)
	}

	runs, err := st.TrainingRuns(context.Background(), rep.RunID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].Outcome)
	assert.Equal(t, "persisted", runs[0].State)
	assert.Equal(t, int64(60), runs[0].NPoints.Int64)
}

func TestRun_ProviderFailureIsolatedPerEntity(t *testing.T) {
	st := setupTestStore(t)
	srv := aqiServer(t, map[string][]map[string]any{
		"Mumbai": pm25Records("Mumbai", hourRange(0, 60)),
	}, "Delhi")

	aqi := ingest.NewAQIClient("test-key", srv.URL, 100, 5*time.Second)
	runner, arts := newTestRunner(t, st, aqi, nil, func(c *config.Config) {
		c.Pipeline.Cities = []string{"Delhi", "Mumbai"}
		c.Pipeline.Pollutants = []string{"PM2.5"}
	})

	rep, err := runner.Run(context.Background())
	require.NoError(t, err, "provider failures are not fatal to the run")
	assert.True(t, rep.Failed())

	fetches, pairs := rep.Counts()
	assert.Equal(t, 1, fetches[OutcomeFetchFailed])
	assert.Equal(t, 1, fetches[OutcomeOK])
	assert.Equal(t, 1, pairs[OutcomeOK])
	assert.Equal(t, 1, pairs[OutcomeFetchFailed])

	delhi, ok := rep.Pair("Delhi", "PM2.5")
	require.True(t, ok)
	assert.Equal(t, OutcomeFetchFailed, delhi.Outcome)
	assert.Equal(t, StatePending, delhi.State)
	assert.NotEmpty(t, delhi.Reason)

	mumbai, ok := rep.Pair("Mumbai", "PM2.5")
	require.True(t, ok)
	assert.Equal(t, OutcomeOK, mumbai.Outcome)
	rows, err := arts.LoadForecast("Mumbai", "PM2.5")
	require.NoError(t, err)
	assert.Len(t, rows, 72)

	_, err = arts.LoadModel("Delhi", "PM2.5")
	assert.ErrorIs(t, err, artifacts.ErrNotFound)

	failed, err := st.RecentIngestRuns(context.Background(), store.IngestRunFilter{Limit: 10, FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "Delhi", failed[0].Entity)
	assert.True(t, failed[0].ErrorMessage.Valid)
}

func TestIngest_ZeroRecords(t *testing.T) {
	st := setupTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filters[city]") == "Surat" {
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.Write([]byte(`{"records":[]}`))
	}))
	defer srv.Close()

	aqi := ingest.NewAQIClient("test-key", srv.URL, 100, 5*time.Second)
	runner, _ := newTestRunner(t, st, aqi, nil, func(c *config.Config) {
		c.Pipeline.Cities = []string{"Chennai", "Surat"}
	})

	rep, err := runner.Ingest(context.Background())
	require.NoError(t, err)
	for _, f := range rep.Fetches() {
		assert.Equal(t, OutcomeOK, f.Outcome, f.Entity)
		assert.Zero(t, f.Stored, f.Entity)
	}

	var count int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM air_quality`).Scan(&count))
	assert.Zero(t, count)
}

func TestIngest_SchemaErrorIsReturned(t *testing.T) {
	st := setupTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[{"city":"Pune","pollutant_id":"NO2","avg_value":"12"}]}`))
	}))
	defer srv.Close()

	aqi := ingest.NewAQIClient("test-key", srv.URL, 100, 5*time.Second)
	runner, _ := newTestRunner(t, st, aqi, nil, func(c *config.Config) {
		c.Pipeline.Cities = []string{"Pune", "Delhi"}
	})

	rep, err := runner.Ingest(context.Background())
	require.Error(t, err)

	var schemaErr *ingest.SchemaError
	require.True(t, errors.As(err, &schemaErr), "want SchemaError, got %v", err)
	assert.Equal(t, "last_update", schemaErr.Column)

	fetches, _ := rep.Counts()
	assert.Equal(t, 2, fetches[OutcomeSchemaError], "both cities fail and both are reported")
}

func TestTrain_InsufficientDataAndWeather(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	var weather []models.WeatherRecord
	rng := rand.New(rand.NewSource(3))
	for h := 0; h < 72; h++ {
		weather = append(weather, models.WeatherRecord{
			City:        "pune",
			Temperature: sql.NullFloat64{Float64: 28 + 4*math.Sin(float64(h)*2*math.Pi/24) + 0.3*rng.NormFloat64(), Valid: true},
			ObservedAt:  base.Add(time.Duration(h) * time.Hour),
		})
	}
	_, err := st.InsertWeather(ctx, weather)
	require.NoError(t, err)

	var aq []models.AirQualityRecord
	for h := 0; h < 12; h++ {
		aq = append(aq, models.AirQualityRecord{
			City:         "pune",
			Station:      "karve road",
			PollutantID:  "NO2",
			PollutantAvg: sql.NullFloat64{Float64: float64(10 + h), Valid: true},
			LastUpdate:   base.Add(time.Duration(h) * time.Hour),
		})
	}
	_, err = st.InsertAirQuality(ctx, aq)
	require.NoError(t, err)

	runner, arts := newTestRunner(t, st, nil, nil, func(c *config.Config) {
		c.Pipeline.Cities = []string{"Pune"}
		c.Pipeline.Features = []string{models.VarTemperature, models.VarHumidity}
		c.Pipeline.Workers = 3
	})

	rep, err := runner.Train(ctx)
	require.NoError(t, err)

	no2, ok := rep.Pair("Pune", "NO2")
	require.True(t, ok)
	assert.Equal(t, OutcomeInsufficientData, no2.Outcome)
	assert.Equal(t, StatePending, no2.State)
	_, err = arts.LoadModel("Pune", "NO2")
	assert.ErrorIs(t, err, artifacts.ErrNotFound, "a short series is never fitted")

	temp, ok := rep.Pair("Pune", models.VarTemperature)
	require.True(t, ok)
	assert.Equal(t, OutcomeOK, temp.Outcome)
	assert.Equal(t, 72, temp.NPoints)

	hum, ok := rep.Pair("Pune", models.VarHumidity)
	require.True(t, ok)
	assert.Equal(t, OutcomeInsufficientData, hum.Outcome)

	assert.False(t, rep.Failed(), "insufficient data is not a failure")

	runs, err := st.TrainingRuns(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestTrain_NothingToTrain(t *testing.T) {
	st := setupTestStore(t)
	runner, _ := newTestRunner(t, st, nil, nil, func(c *config.Config) {
		c.Pipeline.Cities = []string{"Surat"}
	})

	rep, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Fetches())
	assert.Empty(t, rep.Pairs())
}
