package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/lox/aircast/internal/api"
	"github.com/lox/aircast/internal/artifacts"
	"github.com/lox/aircast/internal/config"
	"github.com/lox/aircast/internal/ingest"
	"github.com/lox/aircast/internal/pipeline"
	"github.com/lox/aircast/internal/store"
)

type CLI struct {
	Config      string `help:"Path to a YAML config file." type:"path" env:"AIRCAST_CONFIG"`
	EnvFile     string `help:"Environment file to load before reading the environment." default:".env" name:"env-file"`
	FailOnError bool   `help:"Exit non-zero when any fetch or training pair failed." name:"fail-on-error"`

	Ingest   IngestCmd   `cmd:"" help:"Fetch and store observations for every configured city."`
	Train    TrainCmd    `cmd:"" help:"Fit and persist forecasts from stored observations."`
	Run      RunCmd      `cmd:"" help:"Ingest then train under one run id."`
	Schedule ScheduleCmd `cmd:"" help:"Run the pipeline now and then on the configured interval."`
	Serve    ServeCmd    `cmd:"" help:"Serve the HTTP facade."`
	Replay   ReplayCmd   `cmd:"" help:"Reload the raw payloads stored by an earlier run."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations and exit."`
	Runs     RunsCmd     `cmd:"" help:"List recent ingest runs and the latest training run."`
}

// app holds what every command needs once the config is loaded.
type app struct {
	ctx         context.Context
	cfg         *config.Config
	store       *store.Store
	failOnError bool
}

type IngestCmd struct{}

func (c *IngestCmd) Run(a *app) error {
	runner, closeFn, err := a.runner(true)
	if err != nil {
		return err
	}
	defer closeFn()
	return a.check(runner.Ingest(a.ctx))
}

type TrainCmd struct{}

func (c *TrainCmd) Run(a *app) error {
	runner, closeFn, err := a.runner(false)
	if err != nil {
		return err
	}
	defer closeFn()
	return a.check(runner.Train(a.ctx))
}

type RunCmd struct{}

func (c *RunCmd) Run(a *app) error {
	runner, closeFn, err := a.runner(true)
	if err != nil {
		return err
	}
	defer closeFn()
	return a.check(runner.Run(a.ctx))
}

type ScheduleCmd struct{}

func (c *ScheduleCmd) Run(a *app) error {
	runner, closeFn, err := a.runner(true)
	if err != nil {
		return err
	}
	defer closeFn()
	return pipeline.NewScheduler(runner, a.cfg.Schedule.Interval).Run(a.ctx)
}

type ServeCmd struct {
	Port     string `help:"Override the listen port."`
	Schedule bool   `help:"Also run the pipeline scheduler in this process."`
}

func (c *ServeCmd) Run(a *app) error {
	if c.Port != "" {
		a.cfg.Server.Port = c.Port
	}

	arts, closeFn := a.artifacts()
	defer closeFn()

	if c.Schedule {
		runner, closeRunner, err := a.runner(true)
		if err != nil {
			return err
		}
		defer closeRunner()
		go func() {
			if err := pipeline.NewScheduler(runner, a.cfg.Schedule.Interval).Run(a.ctx); err != nil {
				log.Printf("scheduler: %v", err)
			}
		}()
	}

	return api.NewServer(a.cfg, a.store, arts).Run(a.ctx)
}

type ReplayCmd struct {
	RunID string `arg:"" name:"run-id" help:"Pipeline run id whose payloads are reloaded."`
}

func (c *ReplayCmd) Run(a *app) error {
	runner, closeFn, err := a.runner(false)
	if err != nil {
		return err
	}
	defer closeFn()
	return a.check(runner.Replay(a.ctx, c.RunID))
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(a *app) error {
	v, err := a.store.MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("database at schema version %d", v)
	return nil
}

type RunsCmd struct {
	Limit  int    `help:"Number of ingest runs to show." default:"20"`
	Failed bool   `help:"Only show failed ingest runs."`
	City   string `help:"Only show ingest runs for this city."`
	RunID  string `help:"Only show ingest runs of this pipeline run." name:"run-id"`
}

func (c *RunsCmd) Run(a *app) error {
	runs, err := a.store.RecentIngestRuns(a.ctx, store.IngestRunFilter{
		Limit:      c.Limit,
		FailedOnly: c.Failed,
		Entity:     c.City,
		RunID:      c.RunID,
	})
	if err != nil {
		return err
	}
	for _, r := range runs {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.ErrorMessage.String
		}
		fmt.Printf("%s  %s  %-18s  %-10s  parsed=%d stored=%d  %s  %s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.RunID, r.Provider, r.Entity,
			r.RecordsParsed.Int64, r.RecordsStored.Int64, r.Duration().Round(time.Millisecond), status)
	}

	runID, err := a.store.LatestTrainingRunID(a.ctx)
	if err != nil || runID == "" {
		return err
	}
	pairs, err := a.store.TrainingRuns(a.ctx, runID)
	if err != nil {
		return err
	}
	fmt.Printf("\ntraining run %s\n", runID)
	for _, p := range pairs {
		fmt.Printf("  %-10s  %-12s  %-17s  %-10s  %s\n", p.Entity, p.Variable, p.Outcome, p.State, p.Reason.String)
	}
	return nil
}

// artifacts builds the artifact store. A remote prefix that cannot be
// opened disables mirroring rather than failing the command.
func (a *app) artifacts() (*artifacts.Store, func()) {
	uploader, err := artifacts.NewUploader(a.ctx, a.cfg.Artifacts.RemotePrefix)
	if err != nil {
		log.Printf("warning: remote artifact copy disabled: %v", err)
		uploader = nil
	}
	arts := artifacts.NewStore(a.cfg.Artifacts.OutputDir, a.cfg.Artifacts.Formats, uploader)
	return arts, func() {
		if uploader != nil {
			uploader.Close()
		}
	}
}

// runner wires the pipeline. With fetch set the provider keys are required.
func (a *app) runner(fetch bool) (*pipeline.Runner, func(), error) {
	var aqi, weather ingest.Provider
	if fetch {
		if err := a.cfg.RequireIngestKeys(); err != nil {
			return nil, nil, err
		}
		p := a.cfg.Providers
		aqi = ingest.NewAQIClient(p.AQI.APIKey, p.AQI.BaseURL, p.AQILimit, p.AQI.Timeout)
		weather = ingest.NewWeatherClient(p.Weather.APIKey, p.Weather.BaseURL, p.WeatherLookbackDays, p.Weather.Timeout)
	}
	arts, closeFn := a.artifacts()
	return pipeline.NewRunner(a.cfg, a.store, arts, aqi, weather), closeFn, nil
}

// check applies --fail-on-error to a finished report.
func (a *app) check(rep *pipeline.Report, err error) error {
	if err != nil {
		return err
	}
	if a.failOnError && rep.Failed() {
		return fmt.Errorf("run %s finished with failures", rep.RunID)
	}
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("aircast"),
		kong.Description("Air quality and weather ingestion with hourly ARIMA forecasts."),
		kong.UsageOnError(),
	)

	if err := godotenv.Load(cli.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load %s: %v", cli.EnvFile, err)
	}

	cfg, err := config.Load(cli.Config, os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{ctx: ctx, cfg: cfg, store: st, failOnError: cli.FailOnError}
	if err := kctx.Run(a); err != nil {
		log.Printf("%s: %v", kctx.Command(), err)
		cancel()
		st.Close()
		os.Exit(1)
	}
}
