// Package series turns irregular observations into an hourly grid ready for
// model fitting.
package series

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lox/aircast/internal/models"
)

const (
	Step = time.Hour
	// MinPoints is the non-null floor below which no model is fitted.
	MinPoints = 48
	// MaxGapFill is the longest run of missing slots that gets interpolated.
	MaxGapFill = 6
)

var ErrInsufficientData = errors.New("insufficient data")

type Point struct {
	Timestamp time.Time
	Value     float64
	Valid     bool
}

// Series is an hourly grid for one entity/variable pair. The first and last
// points are always valid.
type Series struct {
	Entity   string
	Variable string
	Points   []Point
}

// NonNull counts valid points.
func (s *Series) NonNull() int {
	n := 0
	for _, p := range s.Points {
		if p.Valid {
			n++
		}
	}
	return n
}

// Values returns the grid values with NaN for missing slots.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		if p.Valid {
			out[i] = p.Value
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

func (s *Series) First() time.Time { return s.Points[0].Timestamp }
func (s *Series) Last() time.Time  { return s.Points[len(s.Points)-1].Timestamp }

// Build filters obs to the pair, averages readings per hour, interpolates
// short interior gaps and enforces MinPoints. It returns an error wrapping
// ErrInsufficientData when too few points remain.
func Build(obs []models.Observation, entity, variable string) (*Series, error) {
	want := normalizeEntity(entity)

	type bucket struct {
		sum float64
		n   int
	}
	buckets := make(map[int64]*bucket)
	var minHour, maxHour int64
	for _, o := range obs {
		if normalizeEntity(o.Entity) != want || strings.TrimSpace(o.Variable) != variable {
			continue
		}
		if !o.Value.Valid || math.IsNaN(o.Value.Float64) || math.IsInf(o.Value.Float64, 0) {
			continue
		}
		h := o.Timestamp.UTC().Truncate(Step).Unix()
		b, ok := buckets[h]
		if !ok {
			b = &bucket{}
			buckets[h] = b
			if len(buckets) == 1 || h < minHour {
				minHour = h
			}
			if len(buckets) == 1 || h > maxHour {
				maxHour = h
			}
		}
		b.sum += o.Value.Float64
		b.n++
	}

	if len(buckets) == 0 {
		return nil, fmt.Errorf("%s/%s: %w: no readings", entity, variable, ErrInsufficientData)
	}

	step := int64(Step / time.Second)
	n := int((maxHour-minHour)/step) + 1
	points := make([]Point, n)
	for i := range points {
		h := minHour + int64(i)*step
		points[i].Timestamp = time.Unix(h, 0).UTC()
		if b, ok := buckets[h]; ok {
			points[i].Value = b.sum / float64(b.n)
			points[i].Valid = true
		}
	}

	interpolate(points, MaxGapFill)

	s := &Series{Entity: entity, Variable: variable, Points: points}
	if nn := s.NonNull(); nn < MinPoints {
		return nil, fmt.Errorf("%s/%s: %w: %d points, need %d", entity, variable, ErrInsufficientData, nn, MinPoints)
	}
	return s, nil
}

// interpolate fills interior runs of at most limit missing slots linearly
// between their neighbours. Longer runs are left empty.
func interpolate(points []Point, limit int) {
	i := 0
	for i < len(points) {
		if points[i].Valid {
			i++
			continue
		}
		start := i
		for i < len(points) && !points[i].Valid {
			i++
		}
		end := i // first valid after the run, or len
		run := end - start
		if start == 0 || end == len(points) || run > limit {
			continue
		}
		lo, hi := points[start-1].Value, points[end].Value
		for j := start; j < end; j++ {
			frac := float64(j-start+1) / float64(run+1)
			points[j].Value = lo + (hi-lo)*frac
			points[j].Valid = true
		}
	}
}

func normalizeEntity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
