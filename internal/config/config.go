// Package config centralizes how foliosync reads its settings and exposes them
// as strongly typed Go values. Values are layered: struct defaults, then an
// optional YAML file, then environment variables (highest priority).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ErrMissing is returned when a required setting is absent. Callers treat it
// as fatal for the invocation and never retry.
var ErrMissing = errors.New("missing required configuration")

// ConfigPathEnvVar overrides the YAML config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"foliosync.yaml",
	"foliosync.yml",
	"/etc/foliosync/config.yaml",
}

// Config represents runtime configuration for every foliosync binary.
type Config struct {
	Address  string         `koanf:"address"`
	Log      LogConfig      `koanf:"log"`
	Dropbox  DropboxConfig  `koanf:"dropbox"`
	Database DatabaseConfig `koanf:"database"`
	Storage  StorageConfig  `koanf:"storage"`
	Sync     SyncConfig     `koanf:"sync"`
	Redis    RedisConfig    `koanf:"redis"`
	API      APIConfig      `koanf:"api"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// DropboxConfig holds the remote store credentials. The refresh token is
// exchanged for short-lived access tokens at runtime.
type DropboxConfig struct {
	AppKey            string  `koanf:"app_key" validate:"required"`
	AppSecret         string  `koanf:"app_secret" validate:"required"`
	RefreshToken      string  `koanf:"refresh_token" validate:"required"`
	RootPath          string  `koanf:"root_path" validate:"required"`
	APIBaseURL        string  `koanf:"api_base_url" validate:"required,url"`
	TokenURL          string  `koanf:"token_url" validate:"required,url"`
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gt=0"`
	MaxDownloadBytes  int64   `koanf:"max_download_bytes" validate:"gt=0"`
}

type DatabaseConfig struct {
	URL      string `koanf:"url" validate:"required"`
	MaxConns int32  `koanf:"max_conns" validate:"gt=0"`
}

// StorageConfig selects and configures the durable blob store.
type StorageConfig struct {
	Backend       string `koanf:"backend" validate:"oneof=supabase minio memory"`
	Bucket        string `koanf:"bucket" validate:"required"`
	Endpoint      string `koanf:"endpoint"`
	Region        string `koanf:"region"`
	AccessKey     string `koanf:"access_key"`
	SecretKey     string `koanf:"secret_key"`
	UseSSL        bool   `koanf:"use_ssl"`
	PublicBaseURL string `koanf:"public_base_url"`
}

// SyncConfig collects the tuning knobs of the chunked pipeline.
type SyncConfig struct {
	Budget               time.Duration `koanf:"budget" validate:"gt=0"`
	OpTimeout            time.Duration `koanf:"op_timeout" validate:"gt=0"`
	BatchSize            int           `koanf:"batch_size" validate:"gte=3,lte=100"`
	MaxDepth             int           `koanf:"max_depth" validate:"gte=1,lte=8"`
	Strategy             string        `koanf:"strategy" validate:"oneof=mirror passthrough"`
	Concurrency          int           `koanf:"concurrency" validate:"gte=1,lte=32"`
	Interval             time.Duration `koanf:"interval" validate:"gt=0"`
	MaxIterations        int           `koanf:"max_iterations" validate:"gt=0"`
	RefreshMargin        time.Duration `koanf:"refresh_margin" validate:"gte=0"`
	MaxDimensionAttempts int           `koanf:"max_dimension_attempts" validate:"gt=0"`
	MaterializeLimit     int           `koanf:"materialize_limit" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type APIConfig struct {
	TriggerSecret string        `koanf:"trigger_secret"`
	PageSize      int           `koanf:"page_size" validate:"gt=0,lte=500"`
	RateLimit     int           `koanf:"rate_limit" validate:"gte=0"`
	SignatureTTL  time.Duration `koanf:"signature_ttl" validate:"gt=0"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Address: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Dropbox: DropboxConfig{
			APIBaseURL:        "https://api.dropboxapi.com",
			TokenURL:          "https://api.dropboxapi.com/oauth2/token",
			RequestsPerSecond: 8,
			MaxDownloadBytes:  50 << 20, // 50 MiB
		},
		Database: DatabaseConfig{
			MaxConns: 8,
		},
		Storage: StorageConfig{
			Backend: "supabase",
			Region:  "us-east-1",
			UseSSL:  true,
		},
		Sync: SyncConfig{
			Budget:               20 * time.Second,
			OpTimeout:            5 * time.Second,
			BatchSize:            25,
			MaxDepth:             3,
			Strategy:             "mirror",
			Concurrency:          4,
			Interval:             time.Hour,
			MaxIterations:        100,
			RefreshMargin:        30 * time.Minute,
			MaxDimensionAttempts: 3,
			MaterializeLimit:     40,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		API: APIConfig{
			PageSize:     100,
			RateLimit:    120,
			SignatureTTL: 5 * time.Minute,
		},
	}
}

// envMappings maps environment variable names to koanf paths.
var envMappings = map[string]string{
	"foliosync_address":           "address",
	"log_level":                   "log.level",
	"log_format":                  "log.format",
	"dropbox_app_key":             "dropbox.app_key",
	"dropbox_app_secret":          "dropbox.app_secret",
	"dropbox_refresh_token":       "dropbox.refresh_token",
	"dropbox_root_path":           "dropbox.root_path",
	"dropbox_api_base_url":        "dropbox.api_base_url",
	"dropbox_token_url":           "dropbox.token_url",
	"dropbox_requests_per_second": "dropbox.requests_per_second",
	"dropbox_max_download_bytes":  "dropbox.max_download_bytes",
	"database_url":                "database.url",
	"database_max_conns":          "database.max_conns",
	"storage_backend":             "storage.backend",
	"storage_bucket":              "storage.bucket",
	"storage_endpoint":            "storage.endpoint",
	"storage_region":              "storage.region",
	"storage_access_key":          "storage.access_key",
	"storage_secret_key":          "storage.secret_key",
	"storage_use_ssl":             "storage.use_ssl",
	"storage_public_base_url":     "storage.public_base_url",
	"sync_budget":                 "sync.budget",
	"sync_op_timeout":             "sync.op_timeout",
	"sync_batch_size":             "sync.batch_size",
	"sync_max_depth":              "sync.max_depth",
	"sync_strategy":               "sync.strategy",
	"sync_concurrency":            "sync.concurrency",
	"sync_interval":               "sync.interval",
	"sync_max_iterations":         "sync.max_iterations",
	"sync_refresh_margin":         "sync.refresh_margin",
	"sync_max_dimension_attempts": "sync.max_dimension_attempts",
	"sync_materialize_limit":      "sync.materialize_limit",
	"redis_addr":                  "redis.addr",
	"redis_password":              "redis.password",
	"redis_db":                    "redis.db",
	"sync_trigger_secret":         "api.trigger_secret",
	"api_page_size":               "api.page_size",
	"api_rate_limit":              "api.rate_limit",
	"api_signature_ttl":           "api.signature_ttl",
}

// Load reads configuration from defaults, an optional YAML file and the
// environment. A .env file in the working directory is honoured when
// present. Missing required values produce an error wrapping ErrMissing.
func Load() (*Config, error) {
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Dropbox.RootPath = NormalizeRoot(cfg.Dropbox.RootPath)
	return cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		var missing, invalid []string
		for _, fe := range verrs {
			name := envName(fe.Namespace())
			if fe.Tag() == "required" {
				missing = append(missing, name)
				continue
			}
			invalid = append(invalid, fmt.Sprintf("%s (%s)", name, fe.Tag()))
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, ", "))
	}
	if c.Sync.OpTimeout >= c.Sync.Budget {
		return fmt.Errorf("invalid configuration: SYNC_OP_TIMEOUT (%s) must be shorter than SYNC_BUDGET (%s)", c.Sync.OpTimeout, c.Sync.Budget)
	}
	if c.Storage.Backend != "memory" && c.Storage.Endpoint == "" {
		return fmt.Errorf("%w: STORAGE_ENDPOINT", ErrMissing)
	}
	return nil
}

// NormalizeRoot turns user input into the remote store's path form: the
// store root is the empty string and every other path starts with a slash.
func NormalizeRoot(root string) string {
	root = strings.TrimSpace(root)
	root = strings.TrimRight(root, "/")
	if root == "" {
		return ""
	}
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	return root
}

func envTransform(key string) string {
	// Returning "" tells koanf to ignore variables we do not know about.
	return envMappings[strings.ToLower(key)]
}

// envName maps a validator namespace such as "Config.Dropbox.AppKey" back to
// the environment variable a user would set.
func envName(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	path := strings.ToLower(strings.Join(parts, "."))
	for envKey, koanfPath := range envMappings {
		if strings.ReplaceAll(koanfPath, "_", "") == path {
			return strings.ToUpper(envKey)
		}
	}
	return strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
