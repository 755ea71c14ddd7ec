// Package config loads server configuration from defaults, an optional YAML
// file named by JOBLEDGER_CONFIG, and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/jobledger/pkg/archive"
	"github.com/Mindburn-Labs/jobledger/pkg/limiter"
	"github.com/Mindburn-Labs/jobledger/pkg/observability"
	"github.com/Mindburn-Labs/jobledger/pkg/policy"
	"github.com/Mindburn-Labs/jobledger/pkg/registry"
	"github.com/Mindburn-Labs/jobledger/pkg/store/sqlstore"
)

// AuthConfig selects how bearer tokens are signed and verified.
type AuthConfig struct {
	Issuer string `yaml:"issuer"`
	// SigningSeed is a hex Ed25519 seed. HMACSecret is used when no seed is set.
	SigningSeed string        `yaml:"signing_seed"`
	HMACSecret  string        `yaml:"hmac_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// RateLimitConfig configures per-caller throttling.
type RateLimitConfig struct {
	Enabled bool           `yaml:"enabled"`
	Policy  limiter.Policy `yaml:"policy"`
	// RedisURL shares buckets and idempotency keys across replicas when set.
	RedisURL string `yaml:"redis_url"`
}

// Config holds server configuration.
type Config struct {
	Addr            string        `yaml:"addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	DatabaseURL     string        `yaml:"database_url"`
	SQLitePath      string        `yaml:"sqlite_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	IdempotencyTTL  time.Duration `yaml:"idempotency_ttl"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	Auth      AuthConfig           `yaml:"auth"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Limits    registry.Limits      `yaml:"limits"`
	Admission []policy.Rule        `yaml:"admission"`
	Archive   archive.Config       `yaml:"archive"`
	Telemetry observability.Config `yaml:"telemetry"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		LogLevel:        "INFO",
		LogFormat:       "json",
		SQLitePath:      "jobledger.db",
		ShutdownTimeout: 15 * time.Second,
		IdempotencyTTL:  24 * time.Hour,
		Auth: AuthConfig{
			Issuer:   "jobledger",
			TokenTTL: time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Policy:  limiter.Policy{RPM: 600, Burst: 60},
		},
		Limits:    registry.DefaultLimits(),
		Archive:   archive.Config{Backend: archive.BackendFS, Dir: "data/archive"},
		Telemetry: *observability.DefaultConfig(),
	}
}

// Load reads defaults, then the YAML file named by JOBLEDGER_CONFIG, then
// environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("JOBLEDGER_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
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
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("JOBLEDGER_ADDR", &c.Addr)
	if port := os.Getenv("PORT"); port != "" && os.Getenv("JOBLEDGER_ADDR") == "" {
		c.Addr = ":" + port
	}
	str("JOBLEDGER_LOG_LEVEL", &c.LogLevel)
	str("JOBLEDGER_LOG_FORMAT", &c.LogFormat)
	str("DATABASE_URL", &c.DatabaseURL)
	str("JOBLEDGER_SQLITE_PATH", &c.SQLitePath)
	dur("JOBLEDGER_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	dur("JOBLEDGER_IDEMPOTENCY_TTL", &c.IdempotencyTTL)
	if v := os.Getenv("JOBLEDGER_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}

	str("JOBLEDGER_JWT_ISSUER", &c.Auth.Issuer)
	str("JOBLEDGER_JWT_SEED", &c.Auth.SigningSeed)
	str("JOBLEDGER_JWT_SECRET", &c.Auth.HMACSecret)
	dur("JOBLEDGER_TOKEN_TTL", &c.Auth.TokenTTL)

	flag("JOBLEDGER_RATE_LIMIT", &c.RateLimit.Enabled)
	num("JOBLEDGER_RATE_RPM", &c.RateLimit.Policy.RPM)
	num("JOBLEDGER_RATE_BURST", &c.RateLimit.Policy.Burst)
	str("REDIS_URL", &c.RateLimit.RedisURL)

	num("JOBLEDGER_MAX_NAME", &c.Limits.MaxName)
	num("JOBLEDGER_MAX_DESCRIPTION", &c.Limits.MaxDescription)
	num("JOBLEDGER_MAX_RESULT", &c.Limits.MaxResult)

	if v := os.Getenv("JOBLEDGER_ARCHIVE_BACKEND"); v != "" {
		c.Archive.Backend = archive.Backend(v)
	}
	str("JOBLEDGER_ARCHIVE_DIR", &c.Archive.Dir)
	str("JOBLEDGER_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("JOBLEDGER_ARCHIVE_PREFIX", &c.Archive.Prefix)
	str("AWS_REGION", &c.Archive.Region)
	str("JOBLEDGER_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)

	flag("JOBLEDGER_OTEL_ENABLED", &c.Telemetry.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("JOBLEDGER_ENV", &c.Telemetry.Environment)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		errs = append(errs, errors.New("database_url or sqlite_path is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Auth.HMACSecret != "" && len(c.Auth.HMACSecret) < 32 {
		errs = append(errs, errors.New("auth.hmac_secret must be at least 32 bytes"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Policy.RPM <= 0 || c.RateLimit.Policy.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit.policy rpm and burst must be positive"))
	}
	if c.Limits.MaxName <= 0 || c.Limits.MaxDescription <= 0 || c.Limits.MaxResult <= 0 {
		errs = append(errs, errors.New("limits must be positive"))
	}
	for i, r := range c.Admission {
		if r.Name == "" || r.Expr == "" {
			errs = append(errs, fmt.Errorf("admission[%d]: name and expr are required", i))
		}
	}
	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Database returns the SQL dialect and DSN. Without DATABASE_URL the server
// runs on an embedded SQLite file.
func (c *Config) Database() (sqlstore.Dialect, string) {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return sqlstore.DialectPostgres, c.DatabaseURL
	}
	if c.DatabaseURL != "" {
		return sqlstore.DialectSQLite, strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	}
	return sqlstore.DialectSQLite, c.SQLitePath
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// Logger builds the process logger described by the config.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
