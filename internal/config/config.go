// Package config builds the process configuration once at startup. Values
// come from built-in defaults, then an optional YAML file, then environment
// variables. Components receive the resulting Config and never read the
// environment themselves.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/lox/aircast/internal/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Placeholder keys shipped in sample .env files. They count as unset.
var placeholderKeys = map[string]bool{
	"YOUR_API_KEY_HERE":       true,
	"YOUR_AMBEE_API_KEY_HERE": true,
}

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Server    ServerConfig    `yaml:"server"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type ProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ProvidersConfig struct {
	AQI      ProviderConfig `yaml:"aqi"`
	AQILimit int            `yaml:"aqi_limit"`
	Weather  ProviderConfig `yaml:"weather"`
	// WeatherLookbackDays is how many days of hourly history are pulled per
	// run, counting today.
	WeatherLookbackDays int            `yaml:"weather_lookback_days"`
	Ambee               ProviderConfig `yaml:"ambee"`
}

type PipelineConfig struct {
	Cities []string `yaml:"cities"`
	// Pollutants restricts training to these codes. Empty means every
	// pollutant stored for the city.
	Pollutants []string `yaml:"pollutants"`
	Features   []string `yaml:"features"`
	Workers    int      `yaml:"workers"`

	// RawRetentionDays bounds how long raw provider payloads are kept.
	// Zero keeps them forever.
	RawRetentionDays int `yaml:"raw_retention_days"`
}

type ArtifactsConfig struct {
	OutputDir    string   `yaml:"output_dir"`
	RemotePrefix string   `yaml:"remote_prefix"`
	Formats      []string `yaml:"formats"`
}

type ServerConfig struct {
	Port     string        `yaml:"port"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    "data/aircast.db",
		},
		Providers: ProvidersConfig{
			AQI: ProviderConfig{
				BaseURL: "https://api.data.gov.in/resource/3b01bcb8-0b14-4abf-b6f2-c1bfd384ba69",
				Timeout: 60 * time.Second,
			},
			AQILimit: 1000,
			Weather: ProviderConfig{
				BaseURL: "https://api.weatherapi.com/v1",
				Timeout: 120 * time.Second,
			},
			WeatherLookbackDays: 3,
			Ambee: ProviderConfig{
				BaseURL: "https://api.ambeedata.com",
				Timeout: 10 * time.Second,
			},
		},
		Pipeline: PipelineConfig{
			Cities:   []string{"Delhi", "Pune", "Mumbai", "Chennai", "Surat"},
			Features: []string{models.VarTemperature, models.VarHumidity, models.VarPressure},
			Workers:  1,

			RawRetentionDays: 90,
		},
		Artifacts: ArtifactsConfig{
			OutputDir: "models",
			Formats:   []string{FormatCSV},
		},
		Server: ServerConfig{
			Port:     "8000",
			CacheTTL: 5 * time.Minute,
		},
		Schedule: ScheduleConfig{
			Interval: 14 * 24 * time.Hour,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment as seen through getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == DriverPostgres && cfg.Database.DSN == Default().Database.DSN {
		cfg.Database.DSN = ""
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = cfg.Database.postgresURL()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var result *multierror.Error

	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setList := func(key string, dst *[]string) {
		if v := getenv(key); strings.TrimSpace(v) != "" {
			*dst = SplitList(v)
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setString("DB_DRIVER", &c.Database.Driver)
	setString("DB_DSN", &c.Database.DSN)
	setString("DB_HOST", &c.Database.Host)
	setString("DB_PORT", &c.Database.Port)
	setString("DB_NAME", &c.Database.Name)
	setString("DB_USER", &c.Database.User)
	setString("DB_PASSWORD", &c.Database.Password)

	setString("AQI_API_KEY", &c.Providers.AQI.APIKey)
	setString("AQI_BASE_URL", &c.Providers.AQI.BaseURL)
	setInt("AQI_LIMIT", &c.Providers.AQILimit)
	setString("WEATHER_API_KEY", &c.Providers.Weather.APIKey)
	setString("WEATHER_BASE_URL", &c.Providers.Weather.BaseURL)
	setInt("WEATHER_LOOKBACK_DAYS", &c.Providers.WeatherLookbackDays)
	setString("AMBEE_API_KEY", &c.Providers.Ambee.APIKey)
	setString("AMBEE_BASE_URL", &c.Providers.Ambee.BaseURL)

	setList("CITIES", &c.Pipeline.Cities)
	setList("POLLUTANTS", &c.Pipeline.Pollutants)
	setList("FEATURES", &c.Pipeline.Features)
	setInt("WORKERS", &c.Pipeline.Workers)
	setInt("RAW_RETENTION_DAYS", &c.Pipeline.RawRetentionDays)

	setString("OUTPUT_DIR", &c.Artifacts.OutputDir)
	setString("REMOTE_PREFIX", &c.Artifacts.RemotePrefix)
	setList("FORECAST_FORMATS", &c.Artifacts.Formats)

	setString("PORT", &c.Server.Port)
	setDuration("CACHE_TTL", &c.Server.CacheTTL)
	setDuration("SCHEDULE_INTERVAL", &c.Schedule.Interval)

	return result.ErrorOrNil()
}

func (d DatabaseConfig) postgresURL() string {
	if d.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     d.Host,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	if d.Port != "" {
		u.Host = d.Host + ":" + d.Port
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	return u.String()
}

// Validate checks structural settings. Credentials are checked per command
// by RequireIngestKeys.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		result = multierror.Append(result, fmt.Errorf("DB_DRIVER: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		result = multierror.Append(result, errors.New("DB_DSN: required"))
	}
	if len(c.Pipeline.Cities) == 0 {
		result = multierror.Append(result, errors.New("CITIES: at least one city is required"))
	}
	for _, f := range c.Pipeline.Features {
		if !models.IsWeatherVariable(f) {
			result = multierror.Append(result, fmt.Errorf("FEATURES: unknown weather variable %q", f))
		}
	}
	if c.Pipeline.Workers < 1 {
		result = multierror.Append(result, fmt.Errorf("WORKERS: must be at least 1, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.RawRetentionDays < 0 {
		result = multierror.Append(result, fmt.Errorf("RAW_RETENTION_DAYS: must not be negative, got %d", c.Pipeline.RawRetentionDays))
	}
	if c.Providers.WeatherLookbackDays < 1 {
		result = multierror.Append(result, fmt.Errorf("WEATHER_LOOKBACK_DAYS: must be at least 1, got %d", c.Providers.WeatherLookbackDays))
	}
	if c.Artifacts.OutputDir == "" {
		result = multierror.Append(result, errors.New("OUTPUT_DIR: required"))
	}
	if len(c.Artifacts.Formats) == 0 {
		result = multierror.Append(result, errors.New("FORECAST_FORMATS: at least one format is required"))
	}
	for _, f := range c.Artifacts.Formats {
		if f != FormatCSV && f != FormatParquet {
			result = multierror.Append(result, fmt.Errorf("FORECAST_FORMATS: unsupported format %q", f))
		}
	}
	if c.Schedule.Interval <= 0 {
		result = multierror.Append(result, errors.New("SCHEDULE_INTERVAL: must be positive"))
	}

	return result.ErrorOrNil()
}

// RequireIngestKeys fails when a provider key needed for ingestion is unset
// or left at a placeholder value.
func (c *Config) RequireIngestKeys() error {
	var result *multierror.Error
	if !KeyConfigured(c.Providers.AQI.APIKey) {
		result = multierror.Append(result, errors.New("AQI_API_KEY: required for ingestion"))
	}
	if !KeyConfigured(c.Providers.Weather.APIKey) {
		result = multierror.Append(result, errors.New("WEATHER_API_KEY: required for ingestion"))
	}
	return result.ErrorOrNil()
}

// KeyConfigured reports whether key is a usable credential.
func KeyConfigured(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && !placeholderKeys[key]
}

// SplitList splits a comma separated list, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
