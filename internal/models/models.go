package models

import (
	"database/sql"
	"time"
)

// Weather variables that can be forecast from weather_data.
const (
	VarTemperature = "temperature"
	VarHumidity    = "humidity"
	VarPressure    = "pressure"
	VarWindSpeed   = "wind_speed"
)

var WeatherVariables = []string{VarTemperature, VarHumidity, VarPressure, VarWindSpeed}

// IsWeatherVariable reports whether v names a weather_data column.
func IsWeatherVariable(v string) bool {
	for _, w := range WeatherVariables {
		if v == w {
			return true
		}
	}
	return false
}

type AirQualityRecord struct {
	ID             int64
	City           string
	Station        string
	PollutantID    string
	PollutantMin   sql.NullFloat64
	PollutantMax   sql.NullFloat64
	PollutantAvg   sql.NullFloat64
	LastUpdate     time.Time
	PollutantRange sql.NullFloat64
	AQICategory    string // "Good" .. "Severe", empty when the average is unknown
	Year           int
	Month          int
	Day            int
	Hour           int
	QualityFlags   string // JSON array, empty when clean
	CreatedAt      time.Time
}

type WeatherRecord struct {
	ID              int64
	City            string
	Temperature     sql.NullFloat64
	Humidity        sql.NullFloat64
	Pressure        sql.NullFloat64
	WindSpeed       sql.NullFloat64
	Description     string
	ObservedAt      time.Time
	HeatIndex       sql.NullFloat64
	PressureAnomaly sql.NullFloat64
	Year            int
	Month           int
	Day             int
	Hour            int
	QualityFlags    string
	CreatedAt       time.Time
}

// Observation is the entity/variable projection of a stored record, used
// for building series.
type Observation struct {
	Entity     string
	Variable   string
	Value      sql.NullFloat64
	Min        sql.NullFloat64
	Max        sql.NullFloat64
	Timestamp  time.Time
	IngestedAt time.Time
}
