// Package forecast fits a fixed-order ARIMA(2,1,2) model to an hourly
// series and projects it forward with a 95% confidence band.
package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lox/aircast/internal/series"
)

const (
	P = 2
	D = 1
	Q = 2

	// Horizon is the number of hourly steps forecast per pair.
	Horizon = 72

	// minDiffs is the fewest usable differences a fit is attempted on.
	minDiffs = 10
)

var (
	ErrDegenerateSeries = errors.New("degenerate series")
	ErrFitFailed        = errors.New("fit failed")
)

type Order struct {
	P int `json:"p"`
	D int `json:"d"`
	Q int `json:"q"`
}

// Model is a fitted ARIMA(2,1,2) with no constant, estimated by conditional
// sum of squares. It carries enough state to forecast without the training
// series.
type Model struct {
	Entity   string    `json:"entity"`
	Variable string    `json:"variable"`
	Order    Order     `json:"order"`
	AR       []float64 `json:"ar"`
	MA       []float64 `json:"ma"`
	Sigma2   float64   `json:"sigma2"`
	CSS      float64   `json:"css"`

	TrainStart time.Time `json:"train_start"`
	TrainEnd   time.Time `json:"train_end"`
	NPoints    int       `json:"n_points"`
	NObs       int       `json:"n_obs"` // non-null points
	NUsed      int       `json:"n_used"`

	LastLevel     float64   `json:"last_level"`
	LastDiffs     []float64 `json:"last_diffs"`     // oldest first
	LastResiduals []float64 `json:"last_residuals"` // oldest first

	OptimizerStatus string    `json:"optimizer_status"`
	FittedAt        time.Time `json:"fitted_at"`
}

// Row is one forecast step.
type Row struct {
	Timestamp time.Time `json:"timestamp"`
	Mean      float64   `json:"mean"`
	Lower     float64   `json:"lower"`
	Upper     float64   `json:"upper"`
}

// Fit estimates the model on s. Missing slots are carried through the
// recursion as one-step predictions and excluded from the objective.
func Fit(s *series.Series) (*Model, error) {
	if s == nil || len(s.Points) < 2 {
		return nil, fmt.Errorf("%w: series too short", ErrDegenerateSeries)
	}
	levels := s.Values()
	if math.IsNaN(levels[len(levels)-1]) {
		return nil, fmt.Errorf("%w: last point missing", ErrDegenerateSeries)
	}

	w := difference(levels)
	var usable []float64
	for _, v := range w {
		if !math.IsNaN(v) {
			usable = append(usable, v)
		}
	}
	if len(usable) < minDiffs {
		return nil, fmt.Errorf("%w: %d usable differences, need %d", ErrDegenerateSeries, len(usable), minDiffs)
	}
	if stat.Variance(usable, nil) == 0 {
		return nil, fmt.Errorf("%w: differenced series has zero variance", ErrDegenerateSeries)
	}

	objective := func(u []float64) float64 {
		ar, ma := transform(u)
		sse, n, _, _ := css(w, ar, ma)
		if n == 0 || math.IsNaN(sse) || math.IsInf(sse, 0) {
			return math.MaxFloat64
		}
		return sse / float64(n)
	}

	settings := &optimize.Settings{
		FuncEvaluations: 5000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-10,
			Iterations: 200,
		},
	}
	result, err := optimize.Minimize(optimize.Problem{Func: objective}, make([]float64, P+Q), settings, &optimize.NelderMead{})
	if result == nil {
		return nil, fmt.Errorf("%w: %v", ErrFitFailed, err)
	}
	if math.IsNaN(result.F) || math.IsInf(result.F, 0) || result.F == math.MaxFloat64 {
		return nil, fmt.Errorf("%w: non-finite objective (%v)", ErrFitFailed, err)
	}

	ar, ma := transform(result.X)
	sse, n, filled, resid := css(w, ar, ma)

	m := &Model{
		Entity:          s.Entity,
		Variable:        s.Variable,
		Order:           Order{P: P, D: D, Q: Q},
		AR:              ar,
		MA:              ma,
		Sigma2:          sse / float64(n),
		CSS:             sse,
		TrainStart:      s.First(),
		TrainEnd:        s.Last(),
		NPoints:         len(levels),
		NObs:            s.NonNull(),
		NUsed:           n,
		LastLevel:       levels[len(levels)-1],
		LastDiffs:       tail(filled, P),
		LastResiduals:   tail(resid, Q),
		OptimizerStatus: result.Status.String(),
		FittedAt:        time.Now().UTC(),
	}
	if !finite(m.AR) || !finite(m.MA) || math.IsNaN(m.Sigma2) || m.Sigma2 <= 0 {
		return nil, fmt.Errorf("%w: non-finite parameters", ErrFitFailed)
	}
	return m, nil
}

// Forecast projects the model steps hours past TrainEnd.
func (m *Model) Forecast(steps int) []Row {
	if steps <= 0 {
		return nil
	}

	w := append([]float64(nil), m.LastDiffs...)
	e := append([]float64(nil), m.LastResiduals...)
	for len(w) < P {
		w = append([]float64{0}, w...)
	}
	for len(e) < Q {
		e = append([]float64{0}, e...)
	}

	z := distuv.UnitNormal.Quantile(0.975)
	psi := integratedPsi(m.AR, m.MA, steps)

	rows := make([]Row, steps)
	level := m.LastLevel
	var cumVar float64
	for h := 0; h < steps; h++ {
		var next float64
		for i := 0; i < P; i++ {
			next += m.AR[i] * w[len(w)-1-i]
		}
		for j := 0; j < Q; j++ {
			next += m.MA[j] * e[len(e)-1-j]
		}
		w = append(w, next)
		e = append(e, 0)
		level += next

		cumVar += psi[h] * psi[h]
		sd := math.Sqrt(m.Sigma2 * cumVar)

		rows[h] = Row{
			Timestamp: m.TrainEnd.Add(time.Duration(h+1) * series.Step),
			Mean:      level,
			Lower:     level - z*sd,
			Upper:     level + z*sd,
		}
	}
	return rows
}

func difference(levels []float64) []float64 {
	out := make([]float64, len(levels)-1)
	for i := range out {
		out[i] = levels[i+1] - levels[i] // NaN propagates
	}
	return out
}

// css runs the ARMA(2,2) recursion over the differenced series w and
// returns the residual sum of squares, the number of terms in it, w with
// missing values replaced by predictions, and the residuals.
func css(w, ar, ma []float64) (sse float64, n int, filled, resid []float64) {
	filled = make([]float64, len(w))
	resid = make([]float64, len(w))
	for t := range w {
		var pred float64
		for i := 0; i < len(ar); i++ {
			if t-1-i >= 0 {
				pred += ar[i] * filled[t-1-i]
			}
		}
		for j := 0; j < len(ma); j++ {
			if t-1-j >= 0 {
				pred += ma[j] * resid[t-1-j]
			}
		}

		switch {
		case math.IsNaN(w[t]):
			filled[t] = pred
		case t < P:
			// Conditioning values: kept, not scored.
			filled[t] = w[t]
		default:
			filled[t] = w[t]
			resid[t] = w[t] - pred
			sse += resid[t] * resid[t]
			n++
		}
	}
	return sse, n, filled, resid
}

// transform maps unconstrained values to stationary AR and invertible MA
// coefficients through partial autocorrelations in (-1, 1).
func transform(u []float64) (ar, ma []float64) {
	ar = pacfToCoeffs(math.Tanh(u[0]), math.Tanh(u[1]))
	m := pacfToCoeffs(math.Tanh(u[2]), math.Tanh(u[3]))
	ma = []float64{-m[0], -m[1]}
	return ar, ma
}

func pacfToCoeffs(r1, r2 float64) []float64 {
	return []float64{r1 * (1 - r2), r2}
}

// integratedPsi returns the MA(infinity) weights of the integrated process
// for lags 0..steps-1.
func integratedPsi(ar, ma []float64, steps int) []float64 {
	psi := make([]float64, steps)
	psi[0] = 1
	for j := 1; j < steps; j++ {
		var v float64
		if j <= len(ma) {
			v = ma[j-1]
		}
		for i := 1; i <= len(ar) && i <= j; i++ {
			v += ar[i-1] * psi[j-i]
		}
		psi[j] = v
	}
	cum := make([]float64, steps)
	floats.CumSum(cum, psi)
	return cum
}

func tail(xs []float64, n int) []float64 {
	if len(xs) < n {
		n = len(xs)
	}
	return append([]float64(nil), xs[len(xs)-n:]...)
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
