// Package config loads pipeline settings with Viper.
//
// Precedence, lowest to highest: built-in defaults, YAML config file,
// environment variables. Keys map to env names by upper-casing and replacing
// dots, so api.retry_delay is read from API_RETRY_DELAY.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"crypto-etl/internal/transform"
)

// Storage drivers.
const (
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"
	DriverMemory     = "memory"
)

// MaxTopLimit is the largest page size the markets endpoint accepts.
const MaxTopLimit = 250

// Config is the root configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"       yaml:"api"`
	DB        DBConfig        `mapstructure:"db"        yaml:"db"`
	Transform TransformConfig `mapstructure:"transform" yaml:"transform"`
	Log       LogConfig       `mapstructure:"log"       yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
}

// APIConfig holds price API client settings. Timeout applies per attempt and
// RetryAttempts counts the first attempt.
type APIConfig struct {
	BaseURL       string        `mapstructure:"base_url"       yaml:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"        yaml:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"    yaml:"retry_delay"`
	TopLimit      int           `mapstructure:"top_limit"      yaml:"top_limit"`
}

// DBConfig holds storage settings. Host through MaxConns apply to postgres,
// ClickHouseDSN to clickhouse.
type DBConfig struct {
	Driver        string `mapstructure:"driver"         yaml:"driver"` // "postgres", "clickhouse", "memory"
	Host          string `mapstructure:"host"           yaml:"host"`
	Port          int    `mapstructure:"port"           yaml:"port"`
	Name          string `mapstructure:"name"           yaml:"name"`
	User          string `mapstructure:"user"           yaml:"user"`
	Password      string `mapstructure:"password"       yaml:"password"`
	SSLMode       string `mapstructure:"ssl_mode"       yaml:"ssl_mode"`
	MaxConns      int32  `mapstructure:"max_conns"      yaml:"max_conns"`
	ClickHouseDSN string `mapstructure:"clickhouse_dsn" yaml:"clickhouse_dsn"`
}

// TransformConfig holds transformer settings.
type TransformConfig struct {
	OnMalformed string `mapstructure:"on_malformed" yaml:"on_malformed"` // "skip" or "fail"
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "json" or "text"
}

// MetricsConfig holds Pushgateway settings. An empty URL disables pushing.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url" yaml:"pushgateway_url"`
	Job            string `mapstructure:"job"             yaml:"job"`
}

// durationKeys accept either a Go duration ("5s") or bare seconds ("5").
var durationKeys = []string{"api.timeout", "api.retry_delay"}

// Load reads config.yaml from ./ or ./config if present, then applies
// environment overrides.
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFromFile reads the given YAML file, then applies environment overrides.
// A missing file is an error.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Not derivable from the key name.
	_ = v.BindEnv("db.clickhouse_dsn", "CLICKHOUSE_DSN")

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	for _, key := range durationKeys {
		raw := strings.TrimSpace(v.GetString(key))
		if _, err := strconv.ParseFloat(raw, 64); err == nil {
			v.Set(key, raw+"s")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.retry_attempts", 3)
	v.SetDefault("api.retry_delay", "5s")
	v.SetDefault("api.top_limit", 10)

	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "crypto_prices")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.ssl_mode", "prefer")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.clickhouse_dsn", "")

	v.SetDefault("transform.on_malformed", string(transform.PolicySkip))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "crypto_etl")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url: must be an absolute http(s) URL, got %q", c.API.BaseURL))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("api.timeout: must be > 0, got %s", c.API.Timeout))
	}
	if c.API.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("api.retry_attempts: must be >= 1, got %d", c.API.RetryAttempts))
	}
	if c.API.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("api.retry_delay: must be >= 0, got %s", c.API.RetryDelay))
	}
	if c.API.TopLimit < 1 || c.API.TopLimit > MaxTopLimit {
		errs = append(errs, fmt.Errorf("api.top_limit: must be in [1, %d], got %d", MaxTopLimit, c.API.TopLimit))
	}

	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.Host == "" {
			errs = append(errs, errors.New("db.host: required for postgres"))
		}
		if c.DB.Port < 1 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("db.port: must be in [1, 65535], got %d", c.DB.Port))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("db.name: required for postgres"))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("db.user: required for postgres"))
		}
		if c.DB.MaxConns < 0 {
			errs = append(errs, fmt.Errorf("db.max_conns: must be >= 0, got %d", c.DB.MaxConns))
		}
	case DriverClickHouse:
		if c.DB.ClickHouseDSN == "" {
			errs = append(errs, errors.New("db.clickhouse_dsn: required for clickhouse"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("db.driver: unknown driver %q", c.DB.Driver))
	}

	if _, err := transform.ParsePolicy(c.Transform.OnMalformed); err != nil {
		errs = append(errs, fmt.Errorf("transform.on_malformed: %w", err))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if c.Metrics.PushgatewayURL != "" && c.Metrics.Job == "" {
		errs = append(errs, errors.New("metrics.job: required when metrics.pushgateway_url is set"))
	}

	return errors.Join(errs...)
}
