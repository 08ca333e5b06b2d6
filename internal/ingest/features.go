package ingest

import (
	"database/sql"
	"time"

	"github.com/lox/aircast/internal/models"
)

const (
	CategoryGood         = "Good"
	CategorySatisfactory = "Satisfactory"
	CategoryModerate     = "Moderate"
	CategoryPoor         = "Poor"
	CategoryVeryPoor     = "Very Poor"
	CategorySevere       = "Severe"
)

// AQICategory buckets a pollutant average. Upper bounds are inclusive.
func AQICategory(avg float64) string {
	switch {
	case avg <= 50:
		return CategoryGood
	case avg <= 100:
		return CategorySatisfactory
	case avg <= 200:
		return CategoryModerate
	case avg <= 300:
		return CategoryPoor
	case avg <= 400:
		return CategoryVeryPoor
	default:
		return CategorySevere
	}
}

// EnrichAirQuality fills the derived columns of each row. Source readings
// are left untouched.
func EnrichAirQuality(rows []models.AirQualityRecord) {
	for i := range rows {
		r := &rows[i]
		if r.PollutantMin.Valid && r.PollutantMax.Valid {
			r.PollutantRange = sql.NullFloat64{Float64: r.PollutantMax.Float64 - r.PollutantMin.Float64, Valid: true}
		}
		if r.PollutantAvg.Valid {
			r.AQICategory = AQICategory(r.PollutantAvg.Float64)
		}
		r.Year, r.Month, r.Day, r.Hour = calendar(r.LastUpdate)
		r.QualityFlags = QualityFlagsToJSON(ValidateAirQuality(r))
	}
}

// EnrichWeather adds heat index, pressure anomaly against the batch mean and
// calendar parts.
func EnrichWeather(rows []models.WeatherRecord) {
	var sum float64
	var n int
	for _, r := range rows {
		if r.Pressure.Valid {
			sum += r.Pressure.Float64
			n++
		}
	}

	for i := range rows {
		r := &rows[i]
		if r.Temperature.Valid && r.Humidity.Valid {
			r.HeatIndex = sql.NullFloat64{Float64: HeatIndex(r.Temperature.Float64, r.Humidity.Float64), Valid: true}
		}
		if r.Pressure.Valid && n > 0 {
			r.PressureAnomaly = sql.NullFloat64{Float64: r.Pressure.Float64 - sum/float64(n), Valid: true}
		}
		r.Year, r.Month, r.Day, r.Hour = calendar(r.ObservedAt)
		r.QualityFlags = QualityFlagsToJSON(ValidateWeather(r))
	}
}

// HeatIndex is a crude apparent-temperature proxy, not the NWS formula.
func HeatIndex(tempC, humidity float64) float64 {
	return tempC + 0.1*humidity
}

func calendar(t time.Time) (year, month, day, hour int) {
	return t.Year(), int(t.Month()), t.Day(), t.Hour()
}
