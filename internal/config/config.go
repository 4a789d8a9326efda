package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChineseWriter/novel-dl/internal/tokenize"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Data      DataConfig      `yaml:"data"`
	Shards    ShardsConfig    `yaml:"shards"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`

	// DevMode disables the API key requirement of the server.
	DevMode bool `yaml:"-"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DataConfig locates the shard root.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// ShardsConfig contains shard sizing.
type ShardsConfig struct {
	Capacity int `yaml:"capacity"`
}

// TokenizerConfig selects the title tokenizer by registered name.
type TokenizerConfig struct {
	Name string `yaml:"name"`
}

// IngestConfig contains ingest pipeline settings.
type IngestConfig struct {
	Workers int `yaml:"workers"`
}

// SnapshotConfig contains snapshot scheduling and off-host storage.
type SnapshotConfig struct {
	Interval Duration              `yaml:"interval"`
	Storage  SnapshotStorageConfig `yaml:"storage"`
}

// SnapshotStorageConfig configures S3-compatible snapshot storage.
// An empty Bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	Prefix    string   `yaml:"prefix"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultPath is the config file read by Load when NOVELDL_CONFIG_PATH is unset.
const DefaultPath = "config/noveldl.yaml"

// Load loads configuration with precedence: defaults → YAML file → env vars.
// A missing config file is not an error.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("NOVELDL_CONFIG_PATH", DefaultPath)
	if err := loadYAMLFile(cfg, configPath, false); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	if err := loadYAMLFile(cfg, path, true); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
		Data: DataConfig{
			Dir: "~/.novel-dl/data",
		},
		Shards: ShardsConfig{
			Capacity: 5000,
		},
		Tokenizer: TokenizerConfig{
			Name: "unigram",
		},
		Ingest: IngestConfig{
			Workers: 4,
		},
		Snapshot: SnapshotConfig{
			Interval: Duration(time.Hour),
			Storage: SnapshotStorageConfig{
				UseSSL:    &useSSL,
				URLExpiry: Duration(15 * time.Minute),
			},
		},
	}
}

func loadYAMLFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies NOVELDL_* environment variables.
// Only non-empty variables override; malformed numbers and durations are errors.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	// Server
	str("NOVELDL_ADDRESS", &cfg.Server.Address)
	dur("NOVELDL_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("NOVELDL_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	dur("NOVELDL_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Auth
	str("NOVELDL_API_KEY", &cfg.Auth.APIKey)

	// Log
	str("NOVELDL_LOG_LEVEL", &cfg.Log.Level)

	// Storage
	str("NOVELDL_DATA_DIR", &cfg.Data.Dir)
	num("NOVELDL_SHARD_CAPACITY", &cfg.Shards.Capacity)
	str("NOVELDL_TOKENIZER", &cfg.Tokenizer.Name)

	// Ingest
	num("NOVELDL_INGEST_WORKERS", &cfg.Ingest.Workers)

	// Snapshot
	dur("NOVELDL_SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	str("NOVELDL_S3_ENDPOINT", &cfg.Snapshot.Storage.Endpoint)
	str("NOVELDL_S3_BUCKET", &cfg.Snapshot.Storage.Bucket)
	str("NOVELDL_S3_REGION", &cfg.Snapshot.Storage.Region)
	str("NOVELDL_S3_PREFIX", &cfg.Snapshot.Storage.Prefix)
	str("NOVELDL_S3_ACCESS_KEY", &cfg.Snapshot.Storage.AccessKey)
	str("NOVELDL_S3_SECRET_KEY", &cfg.Snapshot.Storage.SecretKey)
	dur("NOVELDL_S3_URL_EXPIRY", &cfg.Snapshot.Storage.URLExpiry)
	if v := os.Getenv("NOVELDL_S3_USE_SSL"); v != "" {
		b := v == "true" || v == "1"
		cfg.Snapshot.Storage.UseSSL = &b
	}

	if v := os.Getenv("NOVELDL_DEV_MODE"); v != "" {
		cfg.DevMode = v == "true" || v == "1"
	}

	return errors.Join(errs...)
}

// validate checks value ranges shared by every command.
func (c *Config) validate() error {
	var errs []error
	if c.Shards.Capacity < 1 {
		errs = append(errs, fmt.Errorf("shards.capacity must be at least 1, got %d", c.Shards.Capacity))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers))
	}
	if c.Snapshot.Interval < 0 {
		errs = append(errs, errors.New("snapshot.interval must not be negative"))
	}
	if c.Data.Dir == "" {
		errs = append(errs, errors.New("data.dir is required"))
	}
	if _, err := tokenize.Get(c.Tokenizer.Name); err != nil {
		errs = append(errs, fmt.Errorf("tokenizer.name: %w", err))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Snapshot.Storage.Bucket != "" && c.Snapshot.Storage.Endpoint == "" {
		errs = append(errs, errors.New("snapshot.storage.endpoint is required when a bucket is set"))
	}
	return errors.Join(errs...)
}

// ValidateServer checks the settings only the HTTP server needs.
// In dev mode (NOVELDL_DEV_MODE=true) the API key may be empty.
func (c *Config) ValidateServer() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Auth.APIKey == "" && !c.DevMode {
		return errors.New("NOVELDL_API_KEY is required")
	}
	return nil
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", c.Log.Level)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
