// Package pipeline runs the batch job: fetch and load observations for every
// configured city, then fit and persist one forecast per (city, variable)
// pair. Each entity and each pair is isolated; a failure is recorded in the
// run report and the run moves on.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lox/aircast/internal/artifacts"
	"github.com/lox/aircast/internal/config"
	"github.com/lox/aircast/internal/forecast"
	"github.com/lox/aircast/internal/ingest"
	"github.com/lox/aircast/internal/metrics"
	"github.com/lox/aircast/internal/models"
	"github.com/lox/aircast/internal/series"
	"github.com/lox/aircast/internal/store"
)

type Runner struct {
	cfg       *config.Config
	store     *store.Store
	artifacts *artifacts.Store
	sources   []source
	now       func() time.Time
}

// source binds a provider to the table its records load into.
type source struct {
	provider ingest.Provider
	endpoint string
	table    string
	load     loadFunc
}

// NewRunner wires the pipeline. A nil provider disables that half of the
// ingest phase; training still reads whatever history is stored.
func NewRunner(cfg *config.Config, st *store.Store, arts *artifacts.Store, aqi, weather ingest.Provider) *Runner {
	r := &Runner{
		cfg:       cfg,
		store:     st,
		artifacts: arts,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if aqi != nil {
		r.sources = append(r.sources, source{
			provider: aqi,
			endpoint: ingest.EndpointAQI,
			table:    ingest.TableAirQuality,
			load:     r.loadAirQuality,
		})
	}
	if weather != nil {
		r.sources = append(r.sources, source{
			provider: weather,
			endpoint: ingest.EndpointWeather,
			table:    ingest.TableWeather,
			load:     r.loadWeather,
		})
	}
	return r
}

// Run performs the ingest phase then the train phase under one run id.
// The returned error aggregates schema and persistence failures; every
// other outcome lives in the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rep := NewReport(uuid.NewString(), r.now())
	log.Printf("pipeline: run %s started", rep.RunID)
	r.ingest(ctx, rep)
	r.train(ctx, rep)
	return r.finish(rep)
}

// Ingest performs only the fetch and load phase.
func (r *Runner) Ingest(ctx context.Context) (*Report, error) {
	rep := NewReport(uuid.NewString(), r.now())
	log.Printf("pipeline: ingest %s started", rep.RunID)
	r.ingest(ctx, rep)
	return r.finish(rep)
}

// Train fits every pair from stored history without fetching.
func (r *Runner) Train(ctx context.Context) (*Report, error) {
	rep := NewReport(uuid.NewString(), r.now())
	log.Printf("pipeline: train %s started", rep.RunID)
	r.train(ctx, rep)
	return r.finish(rep)
}

func (r *Runner) finish(rep *Report) (*Report, error) {
	rep.FinishedAt = r.now()
	rep.Log()
	return rep, rep.Err()
}

func (r *Runner) ingest(ctx context.Context, rep *Report) {
	if len(r.sources) == 0 {
		log.Println("pipeline: warning: no providers configured; skipping ingestion")
		return
	}

	for _, city := range r.cfg.Pipeline.Cities {
		for _, src := range r.sources {
			if ctx.Err() != nil {
				log.Printf("pipeline: ingest interrupted: %v", ctx.Err())
				return
			}
			rep.addFetch(r.ingestEntity(ctx, rep, src, city))
		}
	}

	if days := r.cfg.Pipeline.RawRetentionDays; days > 0 {
		n, err := r.store.CleanupOldRawPayloads(ctx, days)
		if err != nil {
			log.Printf("pipeline: warning: cleanup raw payloads: %v", err)
		} else if n > 0 {
			log.Printf("pipeline: removed %d raw payloads older than %d days", n, days)
		}
	}
}

// ingestEntity fetches one city from one provider and loads the result. The
// attempt is audited in ingest_runs whatever the outcome.
func (r *Runner) ingestEntity(ctx context.Context, rep *Report, src source, city string) FetchResult {
	name := src.provider.Name()
	result := FetchResult{Provider: name, Entity: city}

	run, err := r.store.StartIngestRun(ctx, rep.RunID, name, src.endpoint, city)
	if err != nil {
		log.Printf("pipeline: warning: start ingest run %s %s: %v", name, city, err)
	}
	defer func() {
		if run == nil {
			return
		}
		run.Success = result.Outcome == OutcomeOK
		if result.Reason != "" {
			run.ErrorMessage = sql.NullString{String: result.Reason, Valid: true}
		}
		if err := r.store.CompleteIngestRun(ctx, run); err != nil {
			log.Printf("pipeline: warning: complete ingest run %s %s: %v", name, city, err)
		}
	}()

	resp, err := src.provider.Fetch(ctx, city)
	if err != nil {
		log.Printf("pipeline: fetch %s %s: %v", name, city, err)
		var se *ingest.StatusError
		if run != nil && errors.As(err, &se) {
			run.HTTPStatus = sql.NullInt64{Int64: int64(se.StatusCode), Valid: true}
		}
		result.Outcome = OutcomeFetchFailed
		result.Reason = err.Error()
		return result
	}

	result.Parsed = len(resp.Records)
	if run != nil {
		run.HTTPStatus = sql.NullInt64{Int64: int64(resp.StatusCode), Valid: resp.StatusCode > 0}
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(len(resp.Body)), Valid: true}
		run.RecordsParsed = sql.NullInt64{Int64: int64(len(resp.Records)), Valid: true}
	}
	if len(resp.Body) > 0 {
		var ingestRunID int64
		if run != nil {
			ingestRunID = run.ID
		}
		if _, err := r.store.StoreRawPayload(ctx, ingestRunID, name, resp.Endpoint, city, resp.Body); err != nil {
			log.Printf("pipeline: warning: store raw payload %s %s: %v", name, city, err)
		}
	}

	stored := r.load(ctx, rep, src.load, resp.Records, &result)
	if run != nil {
		if result.Dropped > 0 {
			run.ParseErrors = sql.NullInt64{Int64: int64(result.Dropped), Valid: true}
		}
		if result.Outcome == OutcomeOK {
			run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
		}
	}
	if result.Outcome == OutcomeOK {
		metrics.RecordsIngested.WithLabelValues(src.table, city).Add(float64(stored))
	}
	return result
}

type loadFunc func(ctx context.Context, records []ingest.Record) (ingest.NormalizeStats, int, error)

// load runs normalize, enrich and insert for one batch and fills the load
// outcome of result. Schema and persistence failures also reach rep's error.
func (r *Runner) load(ctx context.Context, rep *Report, fn loadFunc, records []ingest.Record, result *FetchResult) int {
	stats, stored, err := fn(ctx, records)
	result.Dropped = stats.Dropped
	if err != nil {
		var schemaErr *ingest.SchemaError
		if errors.As(err, &schemaErr) {
			result.Outcome = OutcomeSchemaError
		} else {
			result.Outcome = OutcomePersistFailed
		}
		result.Reason = err.Error()
		log.Printf("pipeline: load %s %s: %v", result.Provider, result.Entity, err)
		rep.addErr(fmt.Errorf("%s %s: %w", result.Provider, result.Entity, err))
		return 0
	}

	result.Outcome = OutcomeOK
	result.Stored = stored
	log.Printf("pipeline: %s %s: %d records, %d new, %d duplicates, %d dropped",
		result.Provider, result.Entity, result.Parsed, stored, stats.Duplicates, stats.Dropped)
	return stored
}

func (r *Runner) loadAirQuality(ctx context.Context, records []ingest.Record) (ingest.NormalizeStats, int, error) {
	rows, stats, err := ingest.NormalizeAirQuality(records)
	if err != nil {
		return stats, 0, err
	}
	ingest.EnrichAirQuality(rows)
	n, err := r.store.InsertAirQuality(ctx, rows)
	return stats, n, err
}

func (r *Runner) loadWeather(ctx context.Context, records []ingest.Record) (ingest.NormalizeStats, int, error) {
	rows, stats, err := ingest.NormalizeWeather(records)
	if err != nil {
		return stats, 0, err
	}
	ingest.EnrichWeather(rows)
	n, err := r.store.InsertWeather(ctx, rows)
	return stats, n, err
}

// pair is one unit of training work.
type pair struct {
	entity   string
	variable string
	weather  bool
}

func (p pair) provider() string {
	if p.weather {
		return ingest.ProviderWeather
	}
	return ingest.ProviderAQI
}

// pairs lists the training work: configured pollutants, or every pollutant
// stored for the city, followed by the configured weather features.
func (r *Runner) pairs(ctx context.Context, rep *Report) []pair {
	var out []pair
	for _, city := range r.cfg.Pipeline.Cities {
		pollutants := r.cfg.Pipeline.Pollutants
		if len(pollutants) == 0 {
			stored, err := r.store.ListPollutants(ctx, city)
			if err != nil {
				log.Printf("pipeline: list pollutants %s: %v", city, err)
				rep.addErr(fmt.Errorf("list pollutants %s: %w", city, err))
				continue
			}
			pollutants = stored
		}
		for _, p := range pollutants {
			out = append(out, pair{entity: city, variable: p})
		}
		for _, f := range r.cfg.Pipeline.Features {
			out = append(out, pair{entity: city, variable: f, weather: true})
		}
	}
	return out
}

func (r *Runner) train(ctx context.Context, rep *Report) {
	work := r.pairs(ctx, rep)
	if len(work) == 0 {
		log.Println("pipeline: warning: nothing to train")
		return
	}

	workers := r.cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, p := range work {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := r.trainPair(ctx, rep, p)
			rep.addPair(res)
			r.recordPair(ctx, rep, res)
			return nil
		})
	}
	g.Wait()
}

// trainPair walks one pair through pending, fitting, fitted, forecasted and
// persisted. It never returns early without an outcome.
func (r *Runner) trainPair(ctx context.Context, rep *Report, p pair) PairResult {
	start := time.Now()
	res := PairResult{Entity: p.entity, Variable: p.variable, State: StatePending}
	done := func(outcome OutcomeKind, reason string) PairResult {
		res.Outcome = outcome
		res.Reason = reason
		res.Duration = time.Since(start)
		metrics.PairOutcomes.WithLabelValues(string(outcome)).Inc()
		return res
	}

	obs, err := r.observations(ctx, p)
	if err != nil {
		log.Printf("pipeline: %s/%s: load observations: %v", p.entity, p.variable, err)
		return done(OutcomeFetchFailed, "load observations: "+err.Error())
	}

	s, err := series.Build(obs, p.entity, p.variable)
	if err != nil {
		if f, ok := rep.failedFetch(p.provider(), p.entity); ok {
			return done(OutcomeFetchFailed, f.Reason)
		}
		log.Printf("pipeline: %s/%s: skipped: %v", p.entity, p.variable, err)
		return done(OutcomeInsufficientData, err.Error())
	}
	res.NPoints = s.NonNull()

	res.State = StateFitting
	fitStart := time.Now()
	m, err := forecast.Fit(s)
	metrics.FitDuration.Observe(time.Since(fitStart).Seconds())
	if err != nil {
		res.State = StateFailed
		log.Printf("pipeline: %s/%s: fit: %v", p.entity, p.variable, err)
		return done(OutcomeFitFailed, err.Error())
	}
	res.State = StateFitted

	rows := m.Forecast(forecast.Horizon)
	res.State = StateForecasted
	res.ForecastRows = len(rows)

	path, err := r.artifacts.SaveModel(ctx, m)
	if err != nil {
		err = fmt.Errorf("%s/%s: save model: %w", p.entity, p.variable, err)
		log.Printf("pipeline: %v", err)
		rep.addErr(err)
		return done(OutcomePersistFailed, err.Error())
	}
	res.ModelPath = path
	if _, err := r.artifacts.SaveForecast(ctx, m.Entity, m.Variable, rows); err != nil {
		err = fmt.Errorf("%s/%s: save forecast: %w", p.entity, p.variable, err)
		log.Printf("pipeline: %v", err)
		rep.addErr(err)
		return done(OutcomePersistFailed, err.Error())
	}
	res.State = StatePersisted

	log.Printf("pipeline: %s/%s: persisted %d forecast rows from %d points", p.entity, p.variable, len(rows), res.NPoints)
	return done(OutcomeOK, "")
}

func (r *Runner) observations(ctx context.Context, p pair) ([]models.Observation, error) {
	if p.weather {
		return r.store.WeatherObservations(ctx, p.entity, p.variable)
	}
	return r.store.AirQualityObservations(ctx, p.entity, p.variable)
}

// recordPair persists a pair result to training_runs. Failure to record is
// logged only.
func (r *Runner) recordPair(ctx context.Context, rep *Report, res PairResult) {
	tr := &store.TrainingRun{
		RunID:     rep.RunID,
		Entity:    res.Entity,
		Variable:  res.Variable,
		Outcome:   string(res.Outcome),
		State:     string(res.State),
		StartedAt: r.now().Add(-res.Duration),
		Duration:  res.Duration,
	}
	if res.NPoints > 0 {
		tr.NPoints = sql.NullInt64{Int64: int64(res.NPoints), Valid: true}
	}
	if res.ForecastRows > 0 {
		tr.ForecastRows = sql.NullInt64{Int64: int64(res.ForecastRows), Valid: true}
	}
	if res.Reason != "" {
		tr.Reason = sql.NullString{String: res.Reason, Valid: true}
	}
	if res.ModelPath != "" {
		tr.ModelPath = sql.NullString{String: res.ModelPath, Valid: true}
	}
	if err := r.store.InsertTrainingRun(ctx, tr); err != nil {
		log.Printf("pipeline: warning: record training run %s/%s: %v", res.Entity, res.Variable, err)
	}
}
