// Package config holds the subsystem's tunables. Values resolve in three
// layers: built-in defaults, then an optional YAML settings file, then
// environment variables. Environment wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved configuration.
type Config struct {
	// Log stream
	LogDir        string `yaml:"log_dir"`
	QueueSize     int    `yaml:"queue_size"`
	MaxFileSizeMB int    `yaml:"max_file_mb"`
	MaxBackups    int    `yaml:"max_backups"`

	// Performance monitor
	SampleInterval  time.Duration `yaml:"-"`
	LogInterval     time.Duration `yaml:"-"`
	SlowThreshold   time.Duration `yaml:"-"`
	MemoryCeilingMB float64       `yaml:"memory_ceiling_mb"`

	// Watchdog
	WatchdogPoll    time.Duration `yaml:"-"`
	WatchdogTimeout time.Duration `yaml:"-"`

	// Recovery
	FailureThreshold int           `yaml:"failure_threshold"`
	CircuitCooldown  time.Duration `yaml:"-"`

	// Communication logger
	CommBufferSize int `yaml:"comm_buffer_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogDir:           "logs",
		QueueSize:        10000,
		MaxFileSizeMB:    100,
		MaxBackups:       7,
		SampleInterval:   time.Second,
		LogInterval:      60 * time.Second,
		SlowThreshold:    500 * time.Millisecond,
		MemoryCeilingMB:  500,
		WatchdogPoll:     500 * time.Millisecond,
		WatchdogTimeout:  30 * time.Second,
		FailureThreshold: 10,
		CircuitCooldown:  60 * time.Second,
		CommBufferSize:   1000,
	}
}

// fileConfig mirrors Config for the YAML layer. Pointers distinguish "absent"
// from "zero", and durations are strings so the file can say "500ms".
type fileConfig struct {
	LogDir           *string  `yaml:"log_dir"`
	QueueSize        *int     `yaml:"queue_size"`
	MaxFileSizeMB    *int     `yaml:"max_file_mb"`
	MaxBackups       *int     `yaml:"max_backups"`
	SampleInterval   *string  `yaml:"sample_interval"`
	LogInterval      *string  `yaml:"log_interval"`
	SlowThreshold    *string  `yaml:"slow_threshold"`
	MemoryCeilingMB  *float64 `yaml:"memory_ceiling_mb"`
	WatchdogPoll     *string  `yaml:"watchdog_poll"`
	WatchdogTimeout  *string  `yaml:"watchdog_timeout"`
	FailureThreshold *int     `yaml:"failure_threshold"`
	CircuitCooldown  *string  `yaml:"circuit_cooldown"`
	CommBufferSize   *int     `yaml:"comm_buffer_size"`
}

// envConfig mirrors Config for the environment layer. Pointer fields are
// left nil when the variable is unset, so only present variables override.
type envConfig struct {
	LogDir           *string        `env:"STANDLOG_DIR"`
	QueueSize        *int           `env:"STANDLOG_QUEUE_SIZE"`
	MaxFileSizeMB    *int           `env:"STANDLOG_MAX_FILE_MB"`
	MaxBackups       *int           `env:"STANDLOG_MAX_BACKUPS"`
	SampleInterval   *time.Duration `env:"STANDLOG_SAMPLE_INTERVAL"`
	LogInterval      *time.Duration `env:"STANDLOG_PERF_LOG_INTERVAL"`
	SlowThreshold    *time.Duration `env:"STANDLOG_SLOW_THRESHOLD"`
	MemoryCeilingMB  *float64       `env:"STANDLOG_MEMORY_CEILING_MB"`
	WatchdogPoll     *time.Duration `env:"STANDLOG_WATCHDOG_POLL"`
	WatchdogTimeout  *time.Duration `env:"STANDLOG_WATCHDOG_TIMEOUT"`
	FailureThreshold *int           `env:"STANDLOG_FAILURE_THRESHOLD"`
	CircuitCooldown  *time.Duration `env:"STANDLOG_CIRCUIT_COOLDOWN"`
	CommBufferSize   *int           `env:"STANDLOG_COMM_BUFFER_SIZE"`
}

// Load resolves the configuration. path names an optional YAML settings
// file; empty means no file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}

	setIf(&cfg.LogDir, fc.LogDir)
	setIf(&cfg.QueueSize, fc.QueueSize)
	setIf(&cfg.MaxFileSizeMB, fc.MaxFileSizeMB)
	setIf(&cfg.MaxBackups, fc.MaxBackups)
	setIf(&cfg.MemoryCeilingMB, fc.MemoryCeilingMB)
	setIf(&cfg.FailureThreshold, fc.FailureThreshold)
	setIf(&cfg.CommBufferSize, fc.CommBufferSize)

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"sample_interval", fc.SampleInterval, &cfg.SampleInterval},
		{"log_interval", fc.LogInterval, &cfg.LogInterval},
		{"slow_threshold", fc.SlowThreshold, &cfg.SlowThreshold},
		{"watchdog_poll", fc.WatchdogPoll, &cfg.WatchdogPoll},
		{"watchdog_timeout", fc.WatchdogTimeout, &cfg.WatchdogTimeout},
		{"circuit_cooldown", fc.CircuitCooldown, &cfg.CircuitCooldown},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("settings file %s: %s: %w", path, d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	setIf(&cfg.LogDir, ec.LogDir)
	setIf(&cfg.QueueSize, ec.QueueSize)
	setIf(&cfg.MaxFileSizeMB, ec.MaxFileSizeMB)
	setIf(&cfg.MaxBackups, ec.MaxBackups)
	setIf(&cfg.SampleInterval, ec.SampleInterval)
	setIf(&cfg.LogInterval, ec.LogInterval)
	setIf(&cfg.SlowThreshold, ec.SlowThreshold)
	setIf(&cfg.MemoryCeilingMB, ec.MemoryCeilingMB)
	setIf(&cfg.WatchdogPoll, ec.WatchdogPoll)
	setIf(&cfg.WatchdogTimeout, ec.WatchdogTimeout)
	setIf(&cfg.FailureThreshold, ec.FailureThreshold)
	setIf(&cfg.CircuitCooldown, ec.CircuitCooldown)
	setIf(&cfg.CommBufferSize, ec.CommBufferSize)
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Validate rejects values the components would refuse at construction.
func (c Config) Validate() error {
	var errs []error
	if c.LogDir == "" {
		errs = append(errs, errors.New("log_dir must not be empty"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}
	if c.MaxFileSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("max_file_mb must be positive, got %d", c.MaxFileSizeMB))
	}
	if c.MaxBackups < 1 {
		errs = append(errs, fmt.Errorf("max_backups must be at least 1, got %d", c.MaxBackups))
	}
	if c.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("sample_interval must be positive, got %v", c.SampleInterval))
	}
	if c.LogInterval <= 0 {
		errs = append(errs, fmt.Errorf("log_interval must be positive, got %v", c.LogInterval))
	}
	if c.SlowThreshold <= 0 {
		errs = append(errs, fmt.Errorf("slow_threshold must be positive, got %v", c.SlowThreshold))
	}
	if c.WatchdogPoll <= 0 {
		errs = append(errs, fmt.Errorf("watchdog_poll must be positive, got %v", c.WatchdogPoll))
	}
	if c.WatchdogTimeout <= 0 {
		errs = append(errs, fmt.Errorf("watchdog_timeout must be positive, got %v", c.WatchdogTimeout))
	}
	if c.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("failure_threshold must be positive, got %d", c.FailureThreshold))
	}
	if c.CircuitCooldown <= 0 {
		errs = append(errs, fmt.Errorf("circuit_cooldown must be positive, got %v", c.CircuitCooldown))
	}
	if c.CommBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("comm_buffer_size must be positive, got %d", c.CommBufferSize))
	}
	return errors.Join(errs...)
}
