package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the assetscope service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig groups the durable backends.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from the discrete fields unless URL is set.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr renders host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PipelineConfig controls phase execution.
type PipelineConfig struct {
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
	TaskTimeout          time.Duration `mapstructure:"task_timeout"`
	PhaseTTL             time.Duration `mapstructure:"phase_ttl"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.MaxConcurrentFetches <= 0 {
		p.MaxConcurrentFetches = 5
	}
	if p.TaskTimeout <= 0 {
		p.TaskTimeout = 10 * time.Second
	}
	if p.PhaseTTL <= 0 {
		p.PhaseTTL = time.Hour
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = 5 * time.Minute
	}
	return p
}

// JobsConfig controls the async job state machine.
type JobsConfig struct {
	DispatchStream string        `mapstructure:"dispatch_stream"`
	ConsumerGroup  string        `mapstructure:"consumer_group"`
	MaxExecution   time.Duration `mapstructure:"max_execution"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ReaperSchedule string        `mapstructure:"reaper_schedule"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
}

// Normalize applies defaults for unset job values.
func (j JobsConfig) Normalize() JobsConfig {
	if j.DispatchStream == "" {
		j.DispatchStream = "job.dispatch"
	}
	if j.ConsumerGroup == "" {
		j.ConsumerGroup = "assetscope-workers"
	}
	if j.MaxExecution <= 0 {
		j.MaxExecution = 5 * time.Minute
	}
	if j.MaxLifetime <= 0 {
		j.MaxLifetime = 30 * time.Minute
	}
	if j.ReaperInterval <= 0 {
		j.ReaperInterval = 2 * time.Minute
	}
	return j
}

func (j JobsConfig) Validate() error {
	if j.MaxExecution >= j.MaxLifetime {
		return fmt.Errorf("jobs.max_execution must be shorter than jobs.max_lifetime")
	}
	return nil
}

// ProvidersConfig points at the external data providers.
type ProvidersConfig struct {
	MarketEndpoint string        `mapstructure:"market_endpoint"`
	NewsEndpoint   string        `mapstructure:"news_endpoint"`
	DeepEndpoint   string        `mapstructure:"deep_endpoint"`
	DeepAPIKey     string        `mapstructure:"deep_api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads configuration from the given file, or discovers a
// config.json near the binary/working directory when path is empty.
// Environment variables prefixed with ASSETSCOPE_ override file values.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("ASSETSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is tolerated: env vars can carry the whole config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Pipeline = cfg.Pipeline.Normalize()
	cfg.Jobs = cfg.Jobs.Normalize()

	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Jobs.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
