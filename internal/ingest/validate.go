package ingest

import (
	"encoding/json"

	"github.com/lox/aircast/internal/models"
)

const (
	FlagPollutantNegative  = "pollutant_negative"
	FlagPollutantUnlikely  = "pollutant_unlikely"
	FlagMinAboveMax        = "min_above_max"
	FlagAvgOutsideRange    = "avg_outside_range"
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagHumidityInvalid    = "humidity_invalid"
	FlagWindSpeedUnlikely  = "wind_speed_unlikely"
	FlagPressureOutOfRange = "pressure_out_of_range"
)

// ValidateAirQuality returns quality flags for a row. Flagged rows are
// stored unchanged.
func ValidateAirQuality(r *models.AirQualityRecord) []string {
	var flags []string

	for _, v := range []struct {
		ok  bool
		val float64
	}{
		{r.PollutantMin.Valid, r.PollutantMin.Float64},
		{r.PollutantMax.Valid, r.PollutantMax.Float64},
		{r.PollutantAvg.Valid, r.PollutantAvg.Float64},
	} {
		if v.ok && v.val < 0 {
			flags = append(flags, FlagPollutantNegative)
			break
		}
	}

	if r.PollutantAvg.Valid && r.PollutantAvg.Float64 > 1000 {
		flags = append(flags, FlagPollutantUnlikely)
	}

	if r.PollutantMin.Valid && r.PollutantMax.Valid {
		if r.PollutantMin.Float64 > r.PollutantMax.Float64 {
			flags = append(flags, FlagMinAboveMax)
		} else if r.PollutantAvg.Valid &&
			(r.PollutantAvg.Float64 < r.PollutantMin.Float64 || r.PollutantAvg.Float64 > r.PollutantMax.Float64) {
			flags = append(flags, FlagAvgOutsideRange)
		}
	}

	return flags
}

func ValidateWeather(w *models.WeatherRecord) []string {
	var flags []string

	if w.Temperature.Valid {
		if w.Temperature.Float64 < -30 || w.Temperature.Float64 > 55 {
			flags = append(flags, FlagTempOutOfRange)
		}
	}

	if w.Humidity.Valid {
		if w.Humidity.Float64 < 0 || w.Humidity.Float64 > 100 {
			flags = append(flags, FlagHumidityInvalid)
		}
	}

	if w.WindSpeed.Valid {
		if w.WindSpeed.Float64 < 0 || w.WindSpeed.Float64 > 300 {
			flags = append(flags, FlagWindSpeedUnlikely)
		}
	}

	if w.Pressure.Valid {
		if w.Pressure.Float64 < 870 || w.Pressure.Float64 > 1085 {
			flags = append(flags, FlagPressureOutOfRange)
		}
	}

	return flags
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
