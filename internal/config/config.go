// Package config loads service settings from a YAML file with ${VAR} and
// ${VAR:-default} expansion, an optional .env file and SIEM_* environment
// overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sgerhart/siemflux/internal/stages"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete service configuration
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	LLM      LLMConfig      `yaml:"llm"`
	HTTP     HTTPConfig     `yaml:"http"`
	NATS     NATSConfig     `yaml:"nats"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Syslog   SyslogConfig   `yaml:"syslog"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
	Context  ContextConfig  `yaml:"context"`
}

// PipelineConfig holds batching, gating and buffering settings
type PipelineConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	AlertThreshold     float64       `yaml:"alert_threshold"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	BatchInterval      time.Duration `yaml:"batch_interval"`
	ProcessingInterval time.Duration `yaml:"processing_interval"`
	BufferCapacity     int           `yaml:"buffer_capacity"`
	BufferKeep         int           `yaml:"buffer_keep"`
	HistoryWindow      time.Duration `yaml:"history_window"`
	HistoryMaxEntries  int           `yaml:"history_max_entries"`
	RelatedWindow      time.Duration `yaml:"related_window"`
	MaxRelated         int           `yaml:"max_related"`
}

// LLMConfig selects the inference provider. RoutesFile, when set, replaces
// the single-provider routing with a per-role route file.
type LLMConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	BaseURL        string        `yaml:"base_url"`
	RoutesFile     string        `yaml:"routes_file"`
	RateLimitRPM   int           `yaml:"rate_limit_rpm"`
	MaxCostPerHour float64       `yaml:"max_cost_per_hour"`
	MaxWait        time.Duration `yaml:"max_wait"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type NATSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	RawSubject   string `yaml:"raw_subject"`
	AlertSubject string `yaml:"alert_subject"`
	Queue        string `yaml:"queue"`
}

type KafkaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
}

// PostgresConfig enables persistence when DSN is set
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SyslogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type StoreConfig struct {
	MaxAlerts  int `yaml:"max_alerts"`
	DedupeSize int `yaml:"dedupe_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ContextConfig overrides the built-in indicator, asset and user tables
type ContextConfig struct {
	Indicators *stages.Indicators            `yaml:"indicators"`
	Assets     map[string]stages.Asset       `yaml:"assets"`
	Users      map[string]stages.UserProfile `yaml:"users"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			BatchSize:          100,
			AlertThreshold:     0.7,
			MaxConcurrent:      5,
			BatchInterval:      100 * time.Millisecond,
			ProcessingInterval: 30 * time.Second,
			BufferCapacity:     1000,
			BufferKeep:         500,
			HistoryWindow:      24 * time.Hour,
			HistoryMaxEntries:  10000,
			RelatedWindow:      2 * time.Hour,
			MaxRelated:         10,
		},
		LLM: LLMConfig{
			Provider:       "heuristic",
			Model:          "gpt-4o-mini",
			RateLimitRPM:   60,
			MaxCostPerHour: 10.0,
			MaxWait:        30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
			CORSOrigins:  []string{"*"},
		},
		NATS: NATSConfig{
			URL:          "nats://localhost:4222",
			RawSubject:   "logs.raw",
			AlertSubject: "siem.alerts",
			Queue:        "siemflux",
		},
		Kafka: KafkaConfig{
			Brokers: "localhost:9092",
			Topic:   "siem.alerts",
		},
		Syslog: SyslogConfig{Addr: ":5140"},
		Store:  StoreConfig{MaxAlerts: 10000, DedupeSize: 50000},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then SIEM_* environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(Expand(string(data))), &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Expand substitutes ${VAR} and ${VAR:-default}. Unset variables without a
// default expand to the empty string.
func Expand(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

func applyEnv(cfg *Config) {
	p := &cfg.Pipeline
	p.BatchSize = getEnvInt("SIEM_BATCH_SIZE", p.BatchSize)
	p.AlertThreshold = getEnvFloat("SIEM_ALERT_THRESHOLD", p.AlertThreshold)
	p.MaxConcurrent = getEnvInt("SIEM_MAX_CONCURRENT", p.MaxConcurrent)
	p.BatchInterval = getEnvDuration("SIEM_BATCH_INTERVAL", p.BatchInterval)
	p.ProcessingInterval = getEnvDuration("SIEM_PROCESSING_INTERVAL", p.ProcessingInterval)
	p.HistoryWindow = getEnvDuration("SIEM_HISTORY_WINDOW", p.HistoryWindow)

	cfg.LLM.Provider = getEnv("SIEM_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnv("SIEM_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.BaseURL = getEnv("SIEM_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.RoutesFile = getEnv("SIEM_LLM_ROUTES_FILE", cfg.LLM.RoutesFile)
	cfg.LLM.RateLimitRPM = getEnvInt("SIEM_LLM_RATE_LIMIT_RPM", cfg.LLM.RateLimitRPM)
	cfg.LLM.MaxCostPerHour = getEnvFloat("SIEM_LLM_MAX_COST_PER_HOUR", cfg.LLM.MaxCostPerHour)

	cfg.HTTP.Addr = getEnv("SIEM_HTTP_ADDR", cfg.HTTP.Addr)

	cfg.NATS.Enabled = getEnvBool("SIEM_NATS_ENABLED", cfg.NATS.Enabled)
	cfg.NATS.URL = getEnv("SIEM_NATS_URL", cfg.NATS.URL)
	cfg.Kafka.Enabled = getEnvBool("SIEM_KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = getEnv("SIEM_KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = getEnv("SIEM_KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Postgres.DSN = getEnv("SIEM_POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.Syslog.Enabled = getEnvBool("SIEM_SYSLOG_ENABLED", cfg.Syslog.Enabled)
	cfg.Syslog.Addr = getEnv("SIEM_SYSLOG_ADDR", cfg.Syslog.Addr)

	cfg.Log.Level = getEnv("SIEM_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("SIEM_LOG_FORMAT", cfg.Log.Format)
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	p := c.Pipeline
	check(p.BatchSize >= 1, "pipeline.batch_size must be at least 1, got %d", p.BatchSize)
	check(p.AlertThreshold >= 0 && p.AlertThreshold <= 1, "pipeline.alert_threshold must be within [0,1], got %v", p.AlertThreshold)
	check(p.MaxConcurrent >= 1, "pipeline.max_concurrent must be at least 1, got %d", p.MaxConcurrent)
	check(p.BatchInterval >= 0, "pipeline.batch_interval must not be negative")
	check(p.ProcessingInterval > 0, "pipeline.processing_interval must be positive")
	check(p.BufferCapacity >= 1, "pipeline.buffer_capacity must be at least 1, got %d", p.BufferCapacity)
	check(p.BufferKeep >= 0 && p.BufferKeep <= p.BufferCapacity, "pipeline.buffer_keep must be within [0,buffer_capacity], got %d", p.BufferKeep)

	switch c.LLM.Provider {
	case "openai", "local", "heuristic":
	default:
		if c.LLM.RoutesFile == "" {
			errs = append(errs, fmt.Errorf("llm.provider %q is not one of openai, local, heuristic", c.LLM.Provider))
		}
	}
	check(c.LLM.RateLimitRPM >= 0, "llm.rate_limit_rpm must not be negative")
	check(c.LLM.MaxCostPerHour >= 0, "llm.max_cost_per_hour must not be negative")

	check(c.HTTP.Addr != "", "http.addr is required")
	check(!c.NATS.Enabled || c.NATS.URL != "", "nats.url is required when nats is enabled")
	check(!c.Kafka.Enabled || (c.Kafka.Brokers != "" && c.Kafka.Topic != ""), "kafka.brokers and kafka.topic are required when kafka is enabled")
	check(!c.Syslog.Enabled || c.Syslog.Addr != "", "syslog.addr is required when syslog is enabled")
	check(c.Store.MaxAlerts >= 1 && c.Store.DedupeSize >= 1, "store.max_alerts and store.dedupe_size must be at least 1")

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name onto a slog level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", level)
	}
	return l, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
