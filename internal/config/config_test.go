package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

var configEnvVars = []string{
	"NOVELDL_CONFIG_PATH",
	"NOVELDL_ADDRESS",
	"NOVELDL_READ_TIMEOUT",
	"NOVELDL_WRITE_TIMEOUT",
	"NOVELDL_SHUTDOWN_TIMEOUT",
	"NOVELDL_API_KEY",
	"NOVELDL_LOG_LEVEL",
	"NOVELDL_DATA_DIR",
	"NOVELDL_SHARD_CAPACITY",
	"NOVELDL_TOKENIZER",
	"NOVELDL_INGEST_WORKERS",
	"NOVELDL_SNAPSHOT_INTERVAL",
	"NOVELDL_S3_ENDPOINT",
	"NOVELDL_S3_BUCKET",
	"NOVELDL_S3_REGION",
	"NOVELDL_S3_PREFIX",
	"NOVELDL_S3_ACCESS_KEY",
	"NOVELDL_S3_SECRET_KEY",
	"NOVELDL_S3_USE_SSL",
	"NOVELDL_S3_URL_EXPIRY",
	"NOVELDL_DEV_MODE",
}

// clearEnv blanks every config variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range configEnvVars {
		t.Setenv(v, "")
	}
	t.Setenv("NOVELDL_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "noveldl.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("Server.Address = %q, want :8080", cfg.Server.Address)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", dur(cfg.Server.ShutdownTimeout))
	}
	if cfg.Data.Dir != "~/.novel-dl/data" {
		t.Errorf("Data.Dir = %q", cfg.Data.Dir)
	}
	if cfg.Shards.Capacity != 5000 {
		t.Errorf("Shards.Capacity = %d, want 5000", cfg.Shards.Capacity)
	}
	if cfg.Tokenizer.Name != "unigram" {
		t.Errorf("Tokenizer.Name = %q, want unigram", cfg.Tokenizer.Name)
	}
	if cfg.Ingest.Workers != 4 {
		t.Errorf("Ingest.Workers = %d, want 4", cfg.Ingest.Workers)
	}
	if dur(cfg.Snapshot.Interval) != time.Hour {
		t.Errorf("Snapshot.Interval = %v, want 1h", dur(cfg.Snapshot.Interval))
	}
	if cfg.Snapshot.Storage.UseSSL == nil || !*cfg.Snapshot.Storage.UseSSL {
		t.Error("Snapshot.Storage.UseSSL should default to true")
	}
	if cfg.DevMode {
		t.Error("DevMode should default to false")
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  address: 127.0.0.1:9000
  read_timeout: 5s
log:
  level: debug
data:
  dir: /var/lib/noveldl
shards:
  capacity: 100
tokenizer:
  name: runes
ingest:
  workers: 16
snapshot:
  interval: 0s
  storage:
    endpoint: minio.local:9000
    bucket: novels
    prefix: backups
    use_ssl: false
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Address != "127.0.0.1:9000" {
		t.Errorf("Server.Address = %q", cfg.Server.Address)
	}
	if dur(cfg.Server.ReadTimeout) != 5*time.Second {
		t.Errorf("Server.ReadTimeout = %v", dur(cfg.Server.ReadTimeout))
	}
	if dur(cfg.Server.WriteTimeout) != 60*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 60s", dur(cfg.Server.WriteTimeout))
	}
	if cfg.Data.Dir != "/var/lib/noveldl" {
		t.Errorf("Data.Dir = %q", cfg.Data.Dir)
	}
	if cfg.Shards.Capacity != 100 {
		t.Errorf("Shards.Capacity = %d", cfg.Shards.Capacity)
	}
	if cfg.Tokenizer.Name != "runes" {
		t.Errorf("Tokenizer.Name = %q", cfg.Tokenizer.Name)
	}
	if cfg.Ingest.Workers != 16 {
		t.Errorf("Ingest.Workers = %d", cfg.Ingest.Workers)
	}
	if cfg.Snapshot.Interval != 0 {
		t.Errorf("Snapshot.Interval = %v, want 0", dur(cfg.Snapshot.Interval))
	}
	if cfg.Snapshot.Storage.Bucket != "novels" || cfg.Snapshot.Storage.Prefix != "backups" {
		t.Errorf("Snapshot.Storage = %+v", cfg.Snapshot.Storage)
	}
	if cfg.Snapshot.Storage.UseSSL == nil || *cfg.Snapshot.Storage.UseSSL {
		t.Error("UseSSL should be false from YAML")
	}
	if level, _ := cfg.SlogLevel(); level != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, want debug", level)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	clearEnv(t)
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("LoadFromFile() on a missing file should fail")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server: [unclosed")
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "snapshot:\n  interval: soon\n")
	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("error = %v, want invalid duration", err)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "shards:\n  capacity: 100\ndata:\n  dir: /from/yaml\n")
	t.Setenv("NOVELDL_CONFIG_PATH", path)
	t.Setenv("NOVELDL_SHARD_CAPACITY", "7")
	t.Setenv("NOVELDL_DATA_DIR", "/from/env")
	t.Setenv("NOVELDL_SNAPSHOT_INTERVAL", "30m")
	t.Setenv("NOVELDL_S3_BUCKET", "env-bucket")
	t.Setenv("NOVELDL_S3_ENDPOINT", "s3.example.com")
	t.Setenv("NOVELDL_S3_ACCESS_KEY", "AKIA")
	t.Setenv("NOVELDL_S3_SECRET_KEY", "secret")
	t.Setenv("NOVELDL_S3_USE_SSL", "false")
	t.Setenv("NOVELDL_API_KEY", "key")
	t.Setenv("NOVELDL_DEV_MODE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Shards.Capacity != 7 {
		t.Errorf("Shards.Capacity = %d, want 7", cfg.Shards.Capacity)
	}
	if cfg.Data.Dir != "/from/env" {
		t.Errorf("Data.Dir = %q, want /from/env", cfg.Data.Dir)
	}
	if dur(cfg.Snapshot.Interval) != 30*time.Minute {
		t.Errorf("Snapshot.Interval = %v", dur(cfg.Snapshot.Interval))
	}
	s := cfg.Snapshot.Storage
	if s.Bucket != "env-bucket" || s.AccessKey != "AKIA" || s.SecretKey != "secret" {
		t.Errorf("Snapshot.Storage = %+v", s)
	}
	if s.UseSSL == nil || *s.UseSSL {
		t.Error("UseSSL should be false from env")
	}
	if cfg.Auth.APIKey != "key" {
		t.Errorf("Auth.APIKey = %q", cfg.Auth.APIKey)
	}
	if !cfg.DevMode {
		t.Error("DevMode should be true")
	}
}

func TestLoad_MalformedEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"NOVELDL_SHARD_CAPACITY", "many"},
		{"NOVELDL_INGEST_WORKERS", "1.5"},
		{"NOVELDL_READ_TIMEOUT", "forever"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.key)
			}
		})
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"zero capacity", "NOVELDL_SHARD_CAPACITY", "0", "shards.capacity"},
		{"zero workers", "NOVELDL_INGEST_WORKERS", "0", "ingest.workers"},
		{"negative interval", "NOVELDL_SNAPSHOT_INTERVAL", "-1m", "snapshot.interval"},
		{"unknown tokenizer", "NOVELDL_TOKENIZER", "jieba", "tokenizer.name"},
		{"unknown level", "NOVELDL_LOG_LEVEL", "loud", "log.level"},
		{"bucket without endpoint", "NOVELDL_S3_BUCKET", "b", "snapshot.storage.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	cfg := newDefaults()
	if err := cfg.ValidateServer(); err == nil {
		t.Error("ValidateServer() should require an API key")
	}

	cfg.DevMode = true
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer() in dev mode error = %v", err)
	}

	cfg.DevMode = false
	cfg.Auth.APIKey = "key"
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer() error = %v", err)
	}

	cfg.Server.Address = ""
	if err := cfg.ValidateServer(); err == nil {
		t.Error("ValidateServer() should require an address")
	}
}

func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := newDefaults()
	cfg.Auth.APIKey = "secret-api-key"
	cfg.Snapshot.Storage.AccessKey = "secret-access-key"
	cfg.Snapshot.Storage.SecretKey = "secret-secret-key"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	for _, secret := range []string{"secret-api-key", "secret-access-key", "secret-secret-key"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("YAML contains %s: %s", secret, data)
		}
	}
	if !strings.Contains(string(data), "interval: 1h0m0s") {
		t.Errorf("durations should marshal as strings: %s", data)
	}
}
