package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lox/aircast/internal/artifacts"
	"github.com/lox/aircast/internal/config"
	"github.com/lox/aircast/internal/forecast"
	"github.com/lox/aircast/internal/metrics"
)

const (
	defaultForecastDays = 3
	maxForecastDays     = 10
)

type locationParam struct {
	Location string `validate:"required,max=100"`
}

type coordinatesQuery struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lng float64 `validate:"gte=-180,lte=180"`
}

type forecastQuery struct {
	Location string `validate:"required,max=100"`
	Days     int    `validate:"gte=1"`
}

func parseLocation(r *http.Request) (string, error) {
	p := locationParam{Location: strings.TrimSpace(r.PathValue("location"))}
	if err := validate.Struct(p); err != nil {
		return "", err
	}
	return p.Location, nil
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	location, err := parseLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := s.cfg.Providers.Weather.APIKey
	if !config.KeyConfigured(key) {
		writeDemo(w, "weather", demoWeather(location))
		return
	}

	q := url.Values{}
	q.Set("key", key)
	q.Set("q", location)
	q.Set("aqi", "no")
	data, cached, err := s.weather.getJSON(r.Context(), s.cfg.Providers.Weather.BaseURL+"/current.json?"+q.Encode(), nil)
	writeUpstream(w, "weather", data, cached, err, "Location not found", "Weather service unavailable")
}

func (s *Server) handleAQI(w http.ResponseWriter, r *http.Request) {
	location, err := parseLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := s.cfg.Providers.Ambee.APIKey
	if !config.KeyConfigured(key) {
		writeDemo(w, "aqi", demoAQI(location))
		return
	}

	q := url.Values{}
	q.Set("city", location)
	data, cached, err := s.ambee.getJSON(r.Context(), s.cfg.Providers.Ambee.BaseURL+"/latest/by-city?"+q.Encode(), ambeeHeader(key))
	writeUpstream(w, "aqi", data, cached, err,
		"Air quality data not found for this location", "Air quality service unavailable")
}

func (s *Server) handleAQICoordinates(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("lat") == "" || query.Get("lng") == "" {
		writeError(w, http.StatusBadRequest, "lat and lng query parameters are required")
		return
	}
	var c coordinatesQuery
	var err error
	if c.Lat, err = strconv.ParseFloat(query.Get("lat"), 64); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lat: "+err.Error())
		return
	}
	if c.Lng, err = strconv.ParseFloat(query.Get("lng"), 64); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lng: "+err.Error())
		return
	}
	if err := validate.Struct(c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := s.cfg.Providers.Ambee.APIKey
	if !config.KeyConfigured(key) {
		writeDemo(w, "aqi_coordinates", demoAQICoordinates(c.Lat, c.Lng))
		return
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(c.Lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(c.Lng, 'f', -1, 64))
	data, cached, err := s.ambee.getJSON(r.Context(), s.cfg.Providers.Ambee.BaseURL+"/latest/by-lat-lng?"+q.Encode(), ambeeHeader(key))
	writeUpstream(w, "aqi_coordinates", data, cached, err,
		"Air quality data not found for these coordinates", "Air quality service unavailable")
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	fq := forecastQuery{
		Location: strings.TrimSpace(r.PathValue("location")),
		Days:     defaultForecastDays,
	}
	if v := r.URL.Query().Get("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid days: "+err.Error())
			return
		}
		fq.Days = days
	}
	if err := validate.Struct(fq); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fq.Days = min(fq.Days, maxForecastDays)

	key := s.cfg.Providers.Weather.APIKey
	if !config.KeyConfigured(key) {
		writeDemo(w, "forecast", demoForecast(fq.Location, fq.Days))
		return
	}

	q := url.Values{}
	q.Set("key", key)
	q.Set("q", fq.Location)
	q.Set("days", strconv.Itoa(fq.Days))
	q.Set("aqi", "yes")
	data, cached, err := s.weather.getJSON(r.Context(), s.cfg.Providers.Weather.BaseURL+"/forecast.json?"+q.Encode(), nil)
	writeUpstream(w, "forecast", data, cached, err, "Location not found", "Weather service unavailable")
}

type modelForecastResponse struct {
	Entity   string         `json:"entity"`
	Variable string         `json:"variable"`
	Horizon  int            `json:"horizon"`
	Rows     []forecast.Row `json:"rows"`
}

// handleModelForecast serves the persisted ARIMA forecast for a pair. The
// entity is matched against the configured cities case-insensitively since
// artifacts are keyed by the configured spelling.
func (s *Server) handleModelForecast(w http.ResponseWriter, r *http.Request) {
	entity := strings.TrimSpace(r.PathValue("entity"))
	variable := strings.TrimSpace(r.PathValue("variable"))
	if entity == "" || variable == "" {
		writeError(w, http.StatusBadRequest, "entity and variable are required")
		return
	}
	for _, city := range s.cfg.Pipeline.Cities {
		if strings.EqualFold(city, entity) {
			entity = city
			break
		}
	}

	rows, err := s.artifacts.LoadForecast(entity, variable)
	if errors.Is(err, artifacts.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no forecast for %s/%s", entity, variable))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := modelForecastResponse{
		Entity:   entity,
		Variable: variable,
		Horizon:  forecast.Horizon,
		Rows:     rows,
	}
	metrics.FacadeRequests.WithLabelValues("model_forecast", "artifact").Inc()
	writeJSON(w, http.StatusOK, resp)
}

type healthStatus struct {
	Status          string `json:"status"`
	Service         string `json:"service"`
	Database        string `json:"database"`
	SchemaVersion   int    `json:"schema_version,omitempty"`
	LastTrainingRun string `json:"last_training_run,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := healthStatus{Status: "healthy", Service: "aircast", Database: "ok"}

	if err := s.store.DB().PingContext(r.Context()); err != nil {
		health.Status = "degraded"
		health.Database = "unreachable"
		health.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	if v, err := s.store.MigrationVersion(); err == nil {
		health.SchemaVersion = v
	}
	if id, err := s.store.LatestTrainingRunID(r.Context()); err == nil {
		health.LastTrainingRun = id
	}
	writeJSON(w, http.StatusOK, health)
}

func ambeeHeader(key string) http.Header {
	h := http.Header{}
	h.Set("x-api-key", key)
	h.Set("Content-Type", "application/json")
	return h
}
