// Package api is the HTTP facade: current weather, AQI and forecasts proxied
// from live providers, demo payloads when credentials are absent, and the
// persisted model forecasts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/aircast/internal/artifacts"
	"github.com/lox/aircast/internal/config"
	"github.com/lox/aircast/internal/metrics"
	"github.com/lox/aircast/internal/store"
)

var validate = validator.New()

type Server struct {
	cfg       *config.Config
	store     *store.Store
	artifacts *artifacts.Store
	port      string

	weather *upstream
	ambee   *upstream
}

func NewServer(cfg *config.Config, st *store.Store, arts *artifacts.Store) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		artifacts: arts,
		port:      cfg.Server.Port,
		weather:   newUpstream("weatherapi", cfg.Providers.Weather.Timeout, cfg.Server.CacheTTL),
		ambee:     newUpstream("ambee", cfg.Providers.Ambee.Timeout, cfg.Server.CacheTTL),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /weather/{location}", s.handleWeather)
	mux.HandleFunc("GET /aqi/coordinates", s.handleAQICoordinates)
	mux.HandleFunc("GET /aqi/{location}", s.handleAQI)
	mux.HandleFunc("GET /forecast/{location}", s.handleForecast)
	mux.HandleFunc("GET /model-forecasts/{entity}/{variable}", s.handleModelForecast)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on :%s", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeUpstream sends a live payload or maps the upstream failure. notFound
// is the detail used when the provider rejects the request.
func writeUpstream(w http.ResponseWriter, route string, data map[string]any, cached bool, err error, notFound, unavailable string) {
	if err != nil {
		var se *upstreamStatusError
		if errors.As(err, &se) {
			metrics.FacadeRequests.WithLabelValues(route, "not_found").Inc()
			writeError(w, http.StatusNotFound, notFound)
			return
		}
		log.Printf("api: %s: %v", route, err)
		metrics.FacadeRequests.WithLabelValues(route, "unavailable").Inc()
		writeError(w, http.StatusServiceUnavailable, unavailable)
		return
	}

	source := "live"
	if cached {
		source = "cache"
	}
	metrics.FacadeRequests.WithLabelValues(route, source).Inc()
	data["is_demo"] = false
	writeJSON(w, http.StatusOK, data)
}

func writeDemo(w http.ResponseWriter, route string, data map[string]any) {
	metrics.FacadeRequests.WithLabelValues(route, "demo").Inc()
	writeJSON(w, http.StatusOK, data)
}
