package artifacts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/aircast/internal/forecast"
)

func testRows(n int) []forecast.Row {
	start := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	rows := make([]forecast.Row, n)
	for i := range rows {
		rows[i] = forecast.Row{
			Timestamp: start.Add(time.Duration(i+1) * time.Hour),
			Mean:      50 + float64(i),
			Lower:     40 + float64(i),
			Upper:     60.25 + float64(i),
		}
	}
	return rows
}

func TestKey(t *testing.T) {
	tests := []struct {
		entity, variable, want string
	}{
		{"Pune", "PM2.5", "Pune_PM2.5"},
		{"New Delhi", "NO2", "New_Delhi_NO2"},
		{"Surat", "CO/CO2", "Surat_CO_CO2"},
	}
	for _, tt := range tests {
		if got := Key(tt.entity, tt.variable); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.entity, tt.variable, got, tt.want)
		}
	}
	assert.Equal(t, "Pune_PM2.5_arima.json", ModelFile("Pune", "PM2.5"))
	assert.Equal(t, "Pune_PM2.5_forecast_72h.csv", ForecastFile("Pune", "PM2.5", FormatCSV))
}

func TestSaveAndLoadForecastCSV(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, []string{FormatCSV}, nil)

	rows := testRows(72)
	paths, err := s.SaveForecast(context.Background(), "Pune", "PM2.5", rows)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "Pune_PM2.5_forecast_72h.csv")}, paths)

	got, err := s.LoadForecast("Pune", "PM2.5")
	require.NoError(t, err)
	require.Len(t, got, 72)
	assert.True(t, got[0].Timestamp.Equal(rows[0].Timestamp))
	assert.Equal(t, rows[71].Upper, got[71].Upper)
}

func TestSaveForecastOverwrites(t *testing.T) {
	s := NewStore(t.TempDir(), nil, nil)
	ctx := context.Background()

	_, err := s.SaveForecast(ctx, "Pune", "NO2", testRows(72))
	require.NoError(t, err)
	_, err = s.SaveForecast(ctx, "Pune", "NO2", testRows(3))
	require.NoError(t, err)

	got, err := s.LoadForecast("Pune", "NO2")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSaveForecastParquet(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, []string{FormatCSV, FormatParquet}, nil)

	paths, err := s.SaveForecast(context.Background(), "Mumbai", "SO2", testRows(72))
	require.NoError(t, err)
	require.Len(t, paths, 2)

	data, err := os.ReadFile(filepath.Join(dir, "Mumbai_SO2_forecast_72h.parquet"))
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "PAR1", string(data[:4]))
	assert.Equal(t, "PAR1", string(data[len(data)-4:]))
}

func TestLoadForecastParquetOnly(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, []string{FormatParquet}, nil)
	want := testRows(72)

	_, err := s.SaveForecast(context.Background(), "Surat", "PM10", want)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "Surat_PM10_forecast_72h.csv"))
	require.True(t, errors.Is(err, os.ErrNotExist))

	// No model is stored, so rows can only come from the parquet table.
	got, err := s.LoadForecast("Surat", "PM10")
	require.NoError(t, err)
	require.Len(t, got, 72)
	for i := range want {
		assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp), "row %d timestamp", i)
		assert.Equal(t, want[i].Mean, got[i].Mean)
		assert.Equal(t, want[i].Lower, got[i].Lower)
		assert.Equal(t, want[i].Upper, got[i].Upper)
	}
}

func TestLoadForecastCorruptParquet(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, []string{FormatParquet}, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Surat_PM10_forecast_72h.parquet"), []byte("not parquet"), 0o644))

	_, err := s.LoadForecast("Surat", "PM10")
	assert.Error(t, err)
}

func TestModelRoundTripAndForecastFallback(t *testing.T) {
	s := NewStore(t.TempDir(), []string{FormatParquet}, nil)
	m := &forecast.Model{
		Entity:        "Chennai",
		Variable:      "temperature",
		Order:         forecast.Order{P: 2, D: 1, Q: 2},
		AR:            []float64{0.1, 0.2},
		MA:            []float64{-0.3, 0.05},
		Sigma2:        1.5,
		LastLevel:     31,
		LastDiffs:     []float64{0.2, -0.1},
		LastResiduals: []float64{0.05, 0.01},
		TrainEnd:      time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC),
	}
	path, err := s.SaveModel(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "Chennai_temperature_arima.json", filepath.Base(path))

	loaded, err := s.LoadModel("Chennai", "temperature")
	require.NoError(t, err)
	assert.Equal(t, m.AR, loaded.AR)
	assert.True(t, m.TrainEnd.Equal(loaded.TrainEnd))

	rows, err := s.LoadForecast("Chennai", "temperature")
	require.NoError(t, err)
	assert.Len(t, rows, forecast.Horizon)
}

func TestLoadForecastMissing(t *testing.T) {
	s := NewStore(t.TempDir(), nil, nil)
	_, err := s.LoadForecast("Nowhere", "PM10")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMirrorToFileUploader(t *testing.T) {
	remote := t.TempDir()
	up, err := NewUploader(context.Background(), "file://"+remote)
	require.NoError(t, err)

	s := NewStore(t.TempDir(), nil, up)
	_, err = s.SaveForecast(context.Background(), "Surat", "PM10", testRows(72))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(remote, "Surat_PM10_forecast_72h.csv"))
	assert.NoError(t, err)
}

type failingUploader struct{ calls int }

func (f *failingUploader) Scheme() string { return "fail" }
func (f *failingUploader) Upload(context.Context, string, io.Reader) error {
	f.calls++
	return errors.New("remote down")
}
func (f *failingUploader) Close() error { return nil }

func TestMirrorFailureIsNotFatal(t *testing.T) {
	up := &failingUploader{}
	s := NewStore(t.TempDir(), nil, up)
	s.retryMaxElapsed = 50 * time.Millisecond

	paths, err := s.SaveForecast(context.Background(), "Delhi", "CO", testRows(72))
	require.NoError(t, err)
	assert.Len(t, paths, 1)
	assert.GreaterOrEqual(t, up.calls, 1)
}

func TestNewUploader(t *testing.T) {
	up, err := NewUploader(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, up)

	up, err = NewUploader(context.Background(), "ftp://user:pw@files.example.com/forecasts")
	require.NoError(t, err)
	ftpUp := up.(*FTPUploader)
	assert.Equal(t, "files.example.com:21", ftpUp.addr)
	assert.Equal(t, "forecasts", ftpUp.dir)
	assert.Equal(t, "user", ftpUp.user)

	_, err = NewUploader(context.Background(), "s3://bucket/x")
	assert.Error(t, err)
}
