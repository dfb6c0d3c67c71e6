// Package config provides configuration structures and loading logic for the runner.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/polisai/polis-runner/internal/env"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLIS_RUNNER_"

// RunnerConfig holds the global configuration for the runner.
type RunnerConfig struct {
	WorkDir     string        `yaml:"work_dir"`
	NodeTimeout time.Duration `yaml:"node_timeout"`
	Retention   time.Duration `yaml:"retention"`
	GCInterval  time.Duration `yaml:"gc_interval"`

	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Notifier  NotifierConfig   `yaml:"notifier"`
	Artifacts ArtifactsConfig  `yaml:"artifacts"`
	History   HistoryConfig    `yaml:"history"`
	Watches   []WatchConfig    `yaml:"watches,omitempty"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
}

// LogConfig holds configuration for logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig controls the Prometheus endpoint served by `serve`.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// TracingConfig holds configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
}

// NotifierConfig sizes the in-memory notification ring.
type NotifierConfig struct {
	Capacity int `yaml:"capacity"`
}

// ArtifactsConfig configures mirroring of run directories to object storage.
type ArtifactsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// HistoryConfig configures the Postgres run history sink.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// WatchConfig submits a pipeline whenever a matching file appears in Path.
type WatchConfig struct {
	Name     string        `yaml:"name"`
	Path     string        `yaml:"path"`
	Patterns []string      `yaml:"patterns,omitempty"`
	Pipeline string        `yaml:"pipeline"`
	Debounce time.Duration `yaml:"debounce"`
}

// ScheduleConfig submits a pipeline at a fixed interval (Every) or on a
// standard five-field cron expression (Cron). Exactly one must be set.
type ScheduleConfig struct {
	Name     string        `yaml:"name"`
	Every    time.Duration `yaml:"every,omitempty"`
	Cron     string        `yaml:"cron,omitempty"`
	Pipeline string        `yaml:"pipeline"`
}

// DefaultRunnerConfig returns the configuration used when no file is given.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkDir:     "runs",
		NodeTimeout: 300 * time.Second,
		Retention:   24 * time.Hour,
		GCInterval:  10 * time.Minute,
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9464",
			Path:       "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "polis-runner",
		},
		Notifier: NotifierConfig{
			Capacity: 100,
		},
		Artifacts: ArtifactsConfig{
			Region: "us-east-1",
		},
		History: HistoryConfig{
			Table: "pipeline_runs",
		},
	}
}

// LoadFile reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults plus overrides.
func LoadFile(path string) (RunnerConfig, error) {
	cfg := DefaultRunnerConfig()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return RunnerConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return RunnerConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return RunnerConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return RunnerConfig{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *RunnerConfig) error {
	var err error

	cfg.WorkDir = env.String(EnvPrefix+"WORK_DIR", cfg.WorkDir)
	if cfg.NodeTimeout, err = env.Duration(EnvPrefix+"NODE_TIMEOUT", cfg.NodeTimeout); err != nil {
		return err
	}
	if cfg.Retention, err = env.Duration(EnvPrefix+"RETENTION", cfg.Retention); err != nil {
		return err
	}
	if cfg.GCInterval, err = env.Duration(EnvPrefix+"GC_INTERVAL", cfg.GCInterval); err != nil {
		return err
	}

	cfg.Log.Level = env.String(EnvPrefix+"LOG_LEVEL", cfg.Log.Level)
	if cfg.Log.Pretty, err = env.Bool(EnvPrefix+"LOG_PRETTY", cfg.Log.Pretty); err != nil {
		return err
	}

	cfg.Metrics.ListenAddr = env.String(EnvPrefix+"METRICS_ADDR", cfg.Metrics.ListenAddr)

	if endpoint, ok := env.Lookup(EnvPrefix + "OTLP_ENDPOINT"); ok {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = endpoint
	}
	if cfg.Tracing.Insecure, err = env.Bool(EnvPrefix+"OTLP_INSECURE", cfg.Tracing.Insecure); err != nil {
		return err
	}

	cfg.Artifacts.AccessKey = env.String(EnvPrefix+"S3_ACCESS_KEY", cfg.Artifacts.AccessKey)
	cfg.Artifacts.SecretKey = env.String(EnvPrefix+"S3_SECRET_KEY", cfg.Artifacts.SecretKey)

	cfg.History.DSN = env.String(EnvPrefix+"HISTORY_DSN", cfg.History.DSN)

	return nil
}

// Validate reports every problem with the configuration at once.
func (c *RunnerConfig) Validate() error {
	var errs []error

	if strings.TrimSpace(c.WorkDir) == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if c.NodeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("node_timeout must be positive, got %s", c.NodeTimeout))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("retention must be positive, got %s", c.Retention))
	}
	if c.GCInterval <= 0 {
		errs = append(errs, fmt.Errorf("gc_interval must be positive, got %s", c.GCInterval))
	}

	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.ListenAddr) == "" {
		errs = append(errs, errors.New("metrics: listen_addr is required when enabled"))
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing: endpoint is required when enabled"))
	}
	if c.Notifier.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("notifier: capacity must be positive, got %d", c.Notifier.Capacity))
	}
	if c.Artifacts.Enabled {
		if c.Artifacts.Endpoint == "" {
			errs = append(errs, errors.New("artifacts: endpoint is required when enabled"))
		}
		if c.Artifacts.Bucket == "" {
			errs = append(errs, errors.New("artifacts: bucket is required when enabled"))
		}
	}
	if c.History.Enabled {
		if c.History.DSN == "" {
			errs = append(errs, errors.New("history: dsn is required when enabled"))
		}
		if !validIdentifier(c.History.Table) {
			errs = append(errs, fmt.Errorf("history: invalid table name %q", c.History.Table))
		}
	}

	names := make(map[string]bool)
	for i, w := range c.Watches {
		if err := w.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("watches[%d]: %w", i, err))
		}
		if names[w.Name] {
			errs = append(errs, fmt.Errorf("watches[%d]: duplicate trigger name %q", i, w.Name))
		}
		names[w.Name] = true
	}
	for i, s := range c.Schedules {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("schedules[%d]: duplicate trigger name %q", i, s.Name))
		}
		names[s.Name] = true
	}

	return errors.Join(errs...)
}

// Validate performs validation of logging configuration
func (c *LogConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q (must be debug, info, warn, or error)", c.Level)
	}
}

// Validate checks a watch trigger.
func (w *WatchConfig) Validate() error {
	var errs []error
	if w.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if w.Path == "" {
		errs = append(errs, errors.New("path is required"))
	}
	if w.Pipeline == "" {
		errs = append(errs, errors.New("pipeline is required"))
	}
	if w.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce must not be negative, got %s", w.Debounce))
	}
	return errors.Join(errs...)
}

// Validate checks a schedule trigger.
func (s *ScheduleConfig) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch {
	case s.Cron != "" && s.Every != 0:
		errs = append(errs, errors.New("set either every or cron, not both"))
	case s.Cron != "":
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("invalid cron expression %q: %w", s.Cron, err))
		}
	case s.Every < 0:
		errs = append(errs, fmt.Errorf("every must be positive, got %s", s.Every))
	case s.Every == 0:
		errs = append(errs, errors.New("every or cron is required"))
	}
	if s.Pipeline == "" {
		errs = append(errs, errors.New("pipeline is required"))
	}
	return errors.Join(errs...)
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
