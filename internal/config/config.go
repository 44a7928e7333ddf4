package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/retry"
)

type Config struct {
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string        `env:"LOG_FORMAT" envDefault:"json"`
	HTTPAddr          string        `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr       string        `env:"METRICS_ADDR" envDefault:":9090"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	StoreDriver       string        `env:"STORE_DRIVER" envDefault:"postgres"`
	PostgresDSN       string        `env:"POSTGRES_DSN"`
	SQLitePath        string        `env:"SQLITE_PATH" envDefault:"weathervault.db"`
	RedisAddr         string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	DispatchQueue     string        `env:"DISPATCH_QUEUE" envDefault:"weathervault:dispatch"`
	LeaseTTL          time.Duration `env:"LEASE_TTL" envDefault:"15m"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	RateLimitPerSec   int           `env:"RATE_LIMIT_PER_SEC" envDefault:"0"`
	TracingEnabled    bool          `env:"TRACING_ENABLED" envDefault:"false"`
	TracingExporter   string        `env:"TRACING_EXPORTER" envDefault:"stdout"`

	Job         JobConfig
	Retry       RetryConfig       `envPrefix:"RETRY_"`
	OpenWeather OpenWeatherConfig `envPrefix:"OPENWEATHER_"`
	S3          S3Config          `envPrefix:"S3_"`
}

type JobConfig struct {
	JobID            string        `env:"JOB_ID" envDefault:"historical_collection"`
	DailyCallLimit   int           `env:"DAILY_CALL_LIMIT" envDefault:"950"`
	MaxBatch         int           `env:"MAX_BATCH" envDefault:"950"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"3"`
	BootstrapLockTTL time.Duration `env:"BOOTSTRAP_LOCK_TTL" envDefault:"10m"`
	LocationsFile    string        `env:"LOCATIONS_FILE"`
	LocationsRaw     string        `env:"LOCATIONS"`
	StartDateRaw     string        `env:"START_DATE"`
	EndDateRaw       string        `env:"END_DATE"`

	Locations []domain.Location `env:"-"`
	StartDate time.Time         `env:"-"`
	EndDate   time.Time         `env:"-"`
}

type RetryConfig struct {
	InitialDelay      time.Duration `env:"INITIAL_DELAY" envDefault:"15m"`
	BackoffMultiplier float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	MaxDelay          time.Duration `env:"MAX_DELAY" envDefault:"24h"`
	Jitter            float64       `env:"JITTER" envDefault:"0.2"`
}

type OpenWeatherConfig struct {
	APIKey        string `env:"API_KEY"`
	APIKeyFile    string `env:"API_KEY_FILE,file"`
	GeocodeURL    string `env:"GEOCODE_URL" envDefault:"https://api.openweathermap.org/geo/1.0/zip"`
	DaySummaryURL string `env:"DAY_SUMMARY_URL" envDefault:"https://api.openweathermap.org/data/3.0/onecall/day_summary"`
	Units         string `env:"UNITS" envDefault:"imperial"`
	Lang          string `env:"LANG" envDefault:"en"`
	UserAgent     string `env:"USER_AGENT" envDefault:"weathervault/1.0"`
}

type S3Config struct {
	Endpoint        string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey       string `env:"ACCESS_KEY"`
	SecretKey       string `env:"SECRET_KEY"`
	UseSSL          bool   `env:"USE_SSL" envDefault:"false"`
	Region          string `env:"REGION"`
	Bucket          string `env:"BUCKET"`
	RawPrefix       string `env:"RAW_PREFIX" envDefault:"raw/openweather"`
	ProcessedPrefix string `env:"PROCESSED_PREFIX" envDefault:"processed/openweather"`
	ProcessedFile   string `env:"PROCESSED_FILE" envDefault:"weather_daily.csv"`
}

// Requirement names a group of settings a process cannot run without.
type Requirement int

const (
	NeedStore Requirement = iota
	NeedQueue
	NeedWeatherAPI
	NeedObjectStore
	NeedLocations
)

type Error struct {
	Issues []string
}

func (e *Error) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Load reads an optional dotenv file, then the environment, then the optional locations
// file, and validates the result against the given requirements.
func Load(reqs ...Requirement) (Config, error) {
	var issues []string

	envFile := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		issues = append(issues, fmt.Sprintf("ENV_FILE %s: %v", envFile, err))
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		issues = append(issues, envIssues(err)...)
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.TracingExporter = strings.ToLower(strings.TrimSpace(cfg.TracingExporter))
	cfg.PostgresDSN = strings.TrimSpace(cfg.PostgresDSN)
	if cfg.OpenWeather.APIKey == "" {
		cfg.OpenWeather.APIKey = strings.TrimSpace(cfg.OpenWeather.APIKeyFile)
	}
	cfg.OpenWeather.APIKeyFile = ""

	issues = append(issues, cfg.Job.load()...)
	issues = append(issues, cfg.validate(reqs)...)

	if len(issues) > 0 {
		return Config{}, &Error{Issues: issues}
	}
	return cfg, nil
}

// envIssues rewrites parse errors, which name the Go field, to name the variable instead.
func envIssues(err error) []string {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return []string{err.Error()}
	}
	keys := envKeys(reflect.TypeOf(Config{}), "")
	issues := make([]string, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if errors.As(e, &pe) {
			if key, ok := keys[pe.Name]; ok {
				issues = append(issues, fmt.Sprintf("%s: invalid %s value: %v", key, pe.Type, pe.Err))
				continue
			}
		}
		issues = append(issues, e.Error())
	}
	return issues
}

// envKeys maps struct field names to their full variable names, prefixes included.
func envKeys(t reflect.Type, prefix string) map[string]string {
	keys := make(map[string]string)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			for name, key := range envKeys(f.Type, prefix+f.Tag.Get("envPrefix")) {
				keys[name] = key
			}
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("env"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		keys[f.Name] = prefix + tag
	}
	return keys
}

func (c Config) validate(reqs []Requirement) []string {
	var issues []string

	if c.LogLevel != "debug" && c.LogLevel != "info" && c.LogLevel != "warn" && c.LogLevel != "error" {
		issues = append(issues, fmt.Sprintf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		issues = append(issues, fmt.Sprintf("LOG_FORMAT must be json or console (got %q)", c.LogFormat))
	}
	if c.HTTPTimeout <= 0 {
		issues = append(issues, "HTTP_TIMEOUT must be > 0")
	}
	if c.TracingExporter != "stdout" && c.TracingExporter != "none" {
		issues = append(issues, fmt.Sprintf("TRACING_EXPORTER must be stdout or none (got %q)", c.TracingExporter))
	}
	if c.WorkerConcurrency <= 0 {
		issues = append(issues, "WORKER_CONCURRENCY must be >= 1")
	}
	if c.RateLimitPerSec < 0 {
		issues = append(issues, "RATE_LIMIT_PER_SEC must be >= 0")
	}
	if c.LeaseTTL < 0 {
		issues = append(issues, "LEASE_TTL must be >= 0")
	}
	if c.Job.JobID == "" {
		issues = append(issues, "JOB_ID must not be empty")
	}
	if c.Job.DailyCallLimit <= 0 {
		issues = append(issues, "DAILY_CALL_LIMIT must be >= 1")
	}
	if c.Job.MaxBatch <= 0 {
		issues = append(issues, "MAX_BATCH must be >= 1")
	}
	if c.Job.MaxRetries <= 0 {
		issues = append(issues, "MAX_RETRIES must be >= 1")
	}
	if c.Job.BootstrapLockTTL <= 0 {
		issues = append(issues, "BOOTSTRAP_LOCK_TTL must be > 0")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		issues = append(issues, "RETRY_* "+err.Error())
	}

	for _, r := range reqs {
		switch r {
		case NeedStore:
			switch c.StoreDriver {
			case "postgres":
				if c.PostgresDSN == "" {
					issues = append(issues, "POSTGRES_DSN is required")
				}
			case "sqlite":
				if strings.TrimSpace(c.SQLitePath) == "" {
					issues = append(issues, "SQLITE_PATH must not be empty")
				}
			default:
				issues = append(issues, fmt.Sprintf("STORE_DRIVER must be postgres or sqlite (got %q)", c.StoreDriver))
			}
		case NeedQueue:
			if c.RedisAddr == "" {
				issues = append(issues, "REDIS_ADDR must not be empty")
			}
			if c.RedisDB < 0 {
				issues = append(issues, "REDIS_DB must be >= 0")
			}
			if c.DispatchQueue == "" {
				issues = append(issues, "DISPATCH_QUEUE must not be empty")
			}
		case NeedWeatherAPI:
			if c.OpenWeather.APIKey == "" {
				issues = append(issues, "OPENWEATHER_API_KEY or OPENWEATHER_API_KEY_FILE is required")
			}
			if c.OpenWeather.GeocodeURL == "" || c.OpenWeather.DaySummaryURL == "" {
				issues = append(issues, "OPENWEATHER_GEOCODE_URL and OPENWEATHER_DAY_SUMMARY_URL must not be empty")
			}
		case NeedObjectStore:
			if c.S3.Endpoint == "" {
				issues = append(issues, "S3_ENDPOINT must not be empty")
			}
			if c.S3.Bucket == "" {
				issues = append(issues, "S3_BUCKET is required")
			}
			if c.S3.RawPrefix == "" {
				issues = append(issues, "S3_RAW_PREFIX must not be empty")
			}
		case NeedLocations:
			if len(c.Job.Locations) == 0 {
				issues = append(issues, "LOCATIONS or LOCATIONS_FILE must list at least one location")
			}
			if c.Job.StartDate.IsZero() || c.Job.EndDate.IsZero() {
				issues = append(issues, "START_DATE and END_DATE are required")
			} else if c.Job.EndDate.Before(c.Job.StartDate) {
				issues = append(issues, "END_DATE must not be before START_DATE")
			}
		}
	}
	return issues
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       c.Job.MaxRetries,
		InitialDelay:      c.Retry.InitialDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		MaxDelay:          c.Retry.MaxDelay,
		Jitter:            c.Retry.Jitter,
	}
}

type locationsFile struct {
	StartDate string            `yaml:"start_date"`
	EndDate   string            `yaml:"end_date"`
	Locations []domain.Location `yaml:"locations"`
}

// load resolves locations and the date range. Environment values win over the file.
func (j *JobConfig) load() []string {
	var issues []string

	if j.LocationsFile != "" {
		raw, err := os.ReadFile(j.LocationsFile)
		if err != nil {
			issues = append(issues, fmt.Sprintf("LOCATIONS_FILE: %v", err))
		} else {
			var f locationsFile
			if err := yaml.Unmarshal(raw, &f); err != nil {
				issues = append(issues, fmt.Sprintf("LOCATIONS_FILE %s: %v", j.LocationsFile, err))
			}
			j.Locations = f.Locations
			if j.StartDateRaw == "" {
				j.StartDateRaw = f.StartDate
			}
			if j.EndDateRaw == "" {
				j.EndDateRaw = f.EndDate
			}
		}
	}

	if j.LocationsRaw != "" {
		locs, err := ParseLocations(j.LocationsRaw)
		if err != nil {
			issues = append(issues, err.Error())
		}
		j.Locations = locs
	}
	for _, l := range j.Locations {
		if err := l.Validate(); err != nil {
			issues = append(issues, "LOCATIONS: "+err.Error())
		}
	}

	var err error
	if j.StartDateRaw != "" {
		if j.StartDate, err = time.Parse(domain.DateLayout, strings.TrimSpace(j.StartDateRaw)); err != nil {
			issues = append(issues, fmt.Sprintf("START_DATE must be YYYY-MM-DD (got %q)", j.StartDateRaw))
		}
	}
	if j.EndDateRaw != "" {
		if j.EndDate, err = time.Parse(domain.DateLayout, strings.TrimSpace(j.EndDateRaw)); err != nil {
			issues = append(issues, fmt.Sprintf("END_DATE must be YYYY-MM-DD (got %q)", j.EndDateRaw))
		}
	}
	return issues
}

// ParseLocations parses "10001:US,94105:US".
func ParseLocations(raw string) ([]domain.Location, error) {
	var locs []domain.Location
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		postal, country, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("LOCATIONS entry %q must be postal_code:country_code", part)
		}
		locs = append(locs, domain.Location{
			PostalCode:  strings.TrimSpace(postal),
			CountryCode: strings.ToUpper(strings.TrimSpace(country)),
		})
	}
	return locs, nil
}
