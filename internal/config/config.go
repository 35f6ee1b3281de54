// Package config loads storyline settings from a YAML file with environment
// overrides.
//
// Precedence, lowest first: Default(), the YAML file, STORYLINE_* variables.
// Environment names follow the field path, e.g. STORYLINE_DATABASE,
// STORYLINE_CAPACITY_BYTES, STORYLINE_QUOTA_WARN_RATIO,
// STORYLINE_AUTOSAVE_DEBOUNCE.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/roach88/storyline/internal/quota"
	"github.com/roach88/storyline/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STORYLINE"

// Backend kinds.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the full storyline configuration.
type Config struct {
	Backend       string `yaml:"backend"`
	Database      string `yaml:"database"`
	CapacityBytes int64  `yaml:"capacity_bytes" split_words:"true"`
	MaxValueBytes int64  `yaml:"max_value_bytes" split_words:"true"`

	Redis      Redis      `yaml:"redis"`
	Compaction Compaction `yaml:"compaction"`
	Quota      Quota      `yaml:"quota"`
	Autosave   Autosave   `yaml:"autosave"`
	Log        Log        `yaml:"log"`
}

// Redis configures the redis backend.
type Redis struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
	DB     int    `yaml:"db"`
}

// Compaction sets the ledger length cap and how many recent steps keep
// their image.
type Compaction struct {
	MaxSteps   int `yaml:"max_steps" split_words:"true"`
	KeepImages int `yaml:"keep_images" split_words:"true"`
}

// Quota tunes eviction and pressure warnings.
type Quota struct {
	EvictThresholdBytes int64   `yaml:"evict_threshold_bytes" split_words:"true"`
	WarnRatio           float64 `yaml:"warn_ratio" split_words:"true"`
	LowCapacity         bool    `yaml:"low_capacity" split_words:"true"`
}

// Autosave configures the debounced snapshot writer. An empty Path keeps
// the snapshot in the backend's session slot.
type Autosave struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
	Path     string        `yaml:"path"`

	// RescuePath receives the session when the store refuses a write.
	RescuePath string `yaml:"rescue_path" split_words:"true"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration.
func Default() Config {
	p := quota.DefaultPolicy()
	return Config{
		Backend:  BackendSQLite,
		Database: "storyline.db",
		Redis: Redis{
			Addr:   "localhost:6379",
			Prefix: "storyline",
		},
		Compaction: Compaction{
			MaxSteps:   p.MaxSteps,
			KeepImages: p.KeepImages,
		},
		Quota: Quota{
			EvictThresholdBytes: p.EvictThreshold,
			WarnRatio:           p.WarnRatio,
		},
		Autosave: Autosave{
			Enabled:  true,
			Debounce: 2 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so typos surface instead of being ignored.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendSQLite:
		if c.Database == "" {
			errs = append(errs, errors.New("database: required for the sqlite backend"))
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr: required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("backend: unknown backend %q", c.Backend))
	}
	if c.CapacityBytes < 0 {
		errs = append(errs, errors.New("capacity_bytes: must not be negative"))
	}
	if c.MaxValueBytes < 0 {
		errs = append(errs, errors.New("max_value_bytes: must not be negative"))
	}
	if c.Compaction.MaxSteps < 1 {
		errs = append(errs, errors.New("compaction.max_steps: must be at least 1"))
	}
	if c.Compaction.KeepImages < 0 || c.Compaction.KeepImages > c.Compaction.MaxSteps {
		errs = append(errs, errors.New("compaction.keep_images: must be between 0 and max_steps"))
	}
	if c.Quota.EvictThresholdBytes < 0 {
		errs = append(errs, errors.New("quota.evict_threshold_bytes: must not be negative"))
	}
	if c.Quota.WarnRatio <= 0 || c.Quota.WarnRatio > 1 {
		errs = append(errs, errors.New("quota.warn_ratio: must be in (0, 1]"))
	}
	if c.Autosave.Debounce < 0 {
		errs = append(errs, errors.New("autosave.debounce: must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the quota policy described by c.
func (c Config) Policy() quota.Policy {
	p := quota.DefaultPolicy()
	p.EvictThreshold = c.Quota.EvictThresholdBytes
	p.WarnRatio = c.Quota.WarnRatio
	p.MaxSteps = c.Compaction.MaxSteps
	p.KeepImages = c.Compaction.KeepImages
	p.LowCapacity = c.Quota.LowCapacity
	return p
}

// RescuePath is the file a session that could not be stored is written to.
// The autosave file wins when one is configured.
func (c Config) RescuePath() string {
	switch {
	case c.Autosave.Path != "":
		return c.Autosave.Path
	case c.Autosave.RescuePath != "":
		return c.Autosave.RescuePath
	case c.Backend == BackendSQLite && c.Database != "":
		return c.Database + ".rescue.json"
	default:
		return "storyline-rescue.json"
	}
}

// StoreOptions returns the backend options described by c.
func (c Config) StoreOptions() []store.Option {
	return []store.Option{
		store.WithCapacity(c.CapacityBytes),
		store.WithMaxValueSize(c.MaxValueBytes),
	}
}

// Logger builds a logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}
