package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-streamdash/internal/observability"
)

// Backend modes.
const (
	BackendHTTP    = "http"
	BackendKinesis = "kinesis"
)

// BackendConfig selects where stream data comes from.
type BackendConfig struct {
	Mode    string        `yaml:"mode"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// QueryConfig holds the shared query client settings.
type QueryConfig struct {
	GCTime          time.Duration `yaml:"gc_time"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	BulkConcurrency int           `yaml:"bulk_concurrency"`
}

// ResponseCacheConfig holds the transport response cache settings.
type ResponseCacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

// RedisConfig holds Redis connection settings for the invalidation relay
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	Query         QueryConfig         `yaml:"query"`
	ResponseCache ResponseCacheConfig `yaml:"response_cache"`
	Redis         RedisConfig         `yaml:"redis"`
	Log           LogConfig           `yaml:"log"`
	Tracing       TracingConfig       `yaml:"tracing"`
	MetricsAddr   string              `yaml:"metrics_addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Mode:    BackendHTTP,
			BaseURL: "http://localhost:8088/api",
			Timeout: 10 * time.Second,
		},
		Query: QueryConfig{
			GCTime:          5 * time.Minute,
			FetchTimeout:    15 * time.Second,
			BulkConcurrency: 4,
		},
		ResponseCache: ResponseCacheConfig{
			Enabled:  false,
			TTL:      5 * time.Second,
			Capacity: 1024,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter:   "otlp-http",
			Endpoint:   "localhost:4318",
			SampleRate: 1,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Load reads path when it is not empty, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("STREAMDASH_BACKEND"); v != "" {
		cfg.Backend.Mode = v
	}
	if v := os.Getenv("STREAMDASH_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("STREAMDASH_AWS_REGION"); v != "" {
		cfg.Backend.Region = v
	}
	if v := os.Getenv("STREAMDASH_KINESIS_ENDPOINT"); v != "" {
		cfg.Backend.Endpoint = v
	}
	if v := os.Getenv("STREAMDASH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STREAMDASH_TIMEOUT: %w", err)
		}
		cfg.Backend.Timeout = d
	}
	if v := os.Getenv("STREAMDASH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("STREAMDASH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("STREAMDASH_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STREAMDASH_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if v := os.Getenv("STREAMDASH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STREAMDASH_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STREAMDASH_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("STREAMDASH_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
	return nil
}

// Validate checks whether the configuration values are valid.
func (c *Config) Validate() error {
	b := c.Backend
	err := validation.Errors{
		"backend": validation.ValidateStruct(&b,
			validation.Field(&b.Mode, validation.Required, validation.In(BackendHTTP, BackendKinesis)),
			validation.Field(&b.BaseURL, validation.When(b.Mode == BackendHTTP, validation.Required, is.URL)),
			validation.Field(&b.Endpoint, is.URL),
			validation.Field(&b.Timeout, validation.Min(time.Duration(0))),
		),
		"query": validation.ValidateStruct(&c.Query,
			validation.Field(&c.Query.GCTime, validation.Min(time.Duration(0))),
			validation.Field(&c.Query.FetchTimeout, validation.Min(time.Duration(0))),
			validation.Field(&c.Query.BulkConcurrency, validation.Min(0)),
		),
		"redis": validation.ValidateStruct(&c.Redis,
			validation.Field(&c.Redis.Addr, validation.When(c.Redis.Enabled, validation.Required)),
			validation.Field(&c.Redis.DB, validation.Min(0)),
		),
		"log": validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "warning", "error")),
			validation.Field(&c.Log.Format, validation.In("text", "json")),
		),
		"tracing": validation.ValidateStruct(&c.Tracing,
			validation.Field(&c.Tracing.SampleRate, validation.Min(0.0), validation.Max(1.0)),
		),
	}.Filter()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Telemetry converts the tracing section for observability.Init.
func (c *Config) Telemetry() observability.Config {
	return observability.Config{
		Enabled:     c.Tracing.Enabled,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		ServiceName: "streamdash",
		SampleRate:  c.Tracing.SampleRate,
	}
}
