package forecast

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/aircast/internal/series"
)

var start = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func makeSeries(values []float64) *series.Series {
	s := &series.Series{Entity: "pune", Variable: "PM2.5"}
	for i, v := range values {
		p := series.Point{Timestamp: start.Add(time.Duration(i) * time.Hour)}
		if !math.IsNaN(v) {
			p.Value, p.Valid = v, true
		}
		s.Points = append(s.Points, p)
	}
	return s
}

// arimaPath simulates an ARIMA(1,1,1)-like path with a fixed seed.
func arimaPath(n int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	level, prevDiff, prevErr := 80.0, 0.0, 0.0
	for i := range out {
		e := rng.NormFloat64() * 3
		d := 0.5*prevDiff + e + 0.3*prevErr
		level += d
		out[i] = level
		prevDiff, prevErr = d, e
	}
	return out
}

func TestFitAndForecast(t *testing.T) {
	s := makeSeries(arimaPath(200, 7))

	m, err := Fit(s)
	require.NoError(t, err)
	assert.Equal(t, Order{P: 2, D: 1, Q: 2}, m.Order)
	assert.Equal(t, s.Last(), m.TrainEnd)
	assert.Equal(t, 200, m.NObs)
	assert.Greater(t, m.Sigma2, 0.0)

	// Stationarity triangle for AR(2).
	phi1, phi2 := m.AR[0], m.AR[1]
	assert.Less(t, math.Abs(phi2), 1.0)
	assert.Less(t, phi1+phi2, 1.0)
	assert.Less(t, phi2-phi1, 1.0)

	rows := m.Forecast(Horizon)
	require.Len(t, rows, 72)
	assert.Equal(t, s.Last().Add(time.Hour), rows[0].Timestamp)
	for i, r := range rows {
		if i > 0 {
			assert.Equal(t, time.Hour, r.Timestamp.Sub(rows[i-1].Timestamp))
			prevWidth := rows[i-1].Upper - rows[i-1].Lower
			assert.GreaterOrEqual(t, r.Upper-r.Lower, prevWidth-1e-9, "band narrowed at step %d", i)
		}
		assert.LessOrEqual(t, r.Lower, r.Mean)
		assert.LessOrEqual(t, r.Mean, r.Upper)
		assert.False(t, math.IsNaN(r.Mean))
	}
}

func TestFit_ToleratesGaps(t *testing.T) {
	values := arimaPath(120, 3)
	for i := 40; i < 50; i++ {
		values[i] = math.NaN()
	}
	m, err := Fit(makeSeries(values))
	require.NoError(t, err)
	assert.Equal(t, 110, m.NObs)
	assert.Len(t, m.Forecast(Horizon), Horizon)
}

func TestFit_Degenerate(t *testing.T) {
	constant := make([]float64, 60)
	for i := range constant {
		constant[i] = 42
	}
	trend := make([]float64, 60)
	for i := range trend {
		trend[i] = float64(i)
	}

	tests := []struct {
		name   string
		values []float64
	}{
		{"constant", constant},
		{"perfect trend", trend},
		{"too short", []float64{1, 2, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fit(makeSeries(tt.values))
			if !errors.Is(err, ErrDegenerateSeries) {
				t.Fatalf("err = %v, want ErrDegenerateSeries", err)
			}
		})
	}
}

func TestForecast_RandomWalkBand(t *testing.T) {
	end := start.Add(59 * time.Hour)
	m := &Model{
		AR:            []float64{0, 0},
		MA:            []float64{0, 0},
		Sigma2:        4,
		LastLevel:     10,
		LastDiffs:     []float64{1, -1},
		LastResiduals: []float64{0.5, 0.5},
		TrainEnd:      end,
	}
	rows := m.Forecast(3)
	require.Len(t, rows, 3)

	z := 1.959963984540054
	for h, r := range rows {
		sd := 2 * math.Sqrt(float64(h+1))
		assert.InDelta(t, 10, r.Mean, 1e-9)
		assert.InDelta(t, 10-z*sd, r.Lower, 1e-6)
		assert.InDelta(t, 10+z*sd, r.Upper, 1e-6)
		assert.Equal(t, end.Add(time.Duration(h+1)*time.Hour), r.Timestamp)
	}
}

func TestForecast_UsesCarriedState(t *testing.T) {
	m := &Model{
		AR:            []float64{0.5, 0},
		MA:            []float64{0.2, 0},
		Sigma2:        1,
		LastLevel:     100,
		LastDiffs:     []float64{0, 2},
		LastResiduals: []float64{0, 1},
		TrainEnd:      start,
	}
	rows := m.Forecast(2)
	// w1 = 0.5*2 + 0.2*1 = 1.2, w2 = 0.5*1.2 = 0.6
	assert.InDelta(t, 101.2, rows[0].Mean, 1e-9)
	assert.InDelta(t, 101.8, rows[1].Mean, 1e-9)
}

func TestCSS_ZeroParameters(t *testing.T) {
	w := []float64{1, 2, 3, math.NaN(), 4}
	sse, n, filled, _ := css(w, []float64{0, 0}, []float64{0, 0})
	assert.Equal(t, 2, n)
	assert.InDelta(t, 9+16, sse, 1e-12)
	assert.Equal(t, 0.0, filled[3])
}

func TestTransformKeepsInvertibility(t *testing.T) {
	for _, u := range [][]float64{{5, 5, 5, 5}, {-5, 3, -2, -5}, {0.1, -0.2, 0.3, -0.4}} {
		ar, ma := transform(u)
		assert.Less(t, math.Abs(ar[1]), 1.0)
		assert.Less(t, ar[0]+ar[1], 1.0)
		assert.Less(t, ar[1]-ar[0], 1.0)
		// Invertibility of 1 + th1 z + th2 z^2 is stationarity of -th.
		assert.Less(t, math.Abs(ma[1]), 1.0)
		assert.Less(t, -ma[0]-ma[1], 1.0)
		assert.Less(t, -ma[1]+ma[0], 1.0)
	}
}
