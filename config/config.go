/*
Package config loads the server configuration.

PRECEDENCE (later wins):
  1. Defaults
  2. YAML file (optional path)
  3. .env file in the working directory, if present
  4. BENEFITS_* environment variables
  5. Command-line flags, applied by cmd/server

A .env file never overrides variables already set in the environment.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/benefits-engine/identity"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Disbursement DisbursementConfig `yaml:"disbursement"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Logging      LoggingConfig      `yaml:"logging"`
	Identities   []identity.Entry   `yaml:"identities"`
}

type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds requests per principal. RPS 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig selects the Wallet Ledger. With RemoteURL empty the ledger
// runs in-process on the same database.
type LedgerConfig struct {
	RemoteURL string `yaml:"remote_url"`
	// ServiceToken authenticates /api/ledger calls, both served and made.
	ServiceToken  string        `yaml:"service_token"`
	CreditTimeout time.Duration `yaml:"credit_timeout"`
	DebitTimeout  time.Duration `yaml:"debit_timeout"`
}

type DisbursementConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// StalePendingAfter is how long a payment may stay Pending before the
	// scheduler resolves it.
	StalePendingAfter time.Duration   `yaml:"stale_pending_after"`
	Retention         RetentionConfig `yaml:"retention"`
}

// RetentionConfig prunes the ledger journal. Zero values disable a rule.
type RetentionConfig struct {
	MaxAge       time.Duration `yaml:"max_age"`
	MaxPerWallet int           `yaml:"max_per_wallet"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
			RateLimit:       RateLimitConfig{RPS: 20, Burst: 40},
		},
		Database: DatabaseConfig{Path: "benefits.db"},
		Ledger: LedgerConfig{
			CreditTimeout: 10 * time.Second,
			DebitTimeout:  10 * time.Second,
		},
		Disbursement: DisbursementConfig{Concurrency: 8},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			Interval:          time.Hour,
			StalePendingAfter: 5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty), a .env file and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

const envPrefix = "BENEFITS_"

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("ADDR", &c.Server.Addr)
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	str("DB_PATH", &c.Database.Path)
	str("LEDGER_URL", &c.Ledger.RemoteURL)
	str("LEDGER_TOKEN", &c.Ledger.ServiceToken)
	dur("LEDGER_CREDIT_TIMEOUT", &c.Ledger.CreditTimeout)
	dur("LEDGER_DEBIT_TIMEOUT", &c.Ledger.DebitTimeout)
	integer("DISBURSE_CONCURRENCY", &c.Disbursement.Concurrency)
	boolean("SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	dur("SCHEDULER_INTERVAL", &c.Scheduler.Interval)
	dur("STALE_PENDING_AFTER", &c.Scheduler.StalePendingAfter)
	dur("RETENTION_MAX_AGE", &c.Scheduler.Retention.MaxAge)
	integer("RETENTION_MAX_PER_WALLET", &c.Scheduler.Retention.MaxPerWallet)
	str("LOG_LEVEL", &c.Logging.Level)
	boolean("LOG_DEVELOPMENT", &c.Logging.Development)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("server.rate_limit.burst must be positive when rps is set"))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Ledger.RemoteURL != "" && c.Ledger.ServiceToken == "" {
		errs = append(errs, errors.New("ledger.service_token is required with ledger.remote_url"))
	}
	if c.Ledger.CreditTimeout < 0 || c.Ledger.DebitTimeout < 0 {
		errs = append(errs, errors.New("ledger timeouts must not be negative"))
	}
	if c.Disbursement.Concurrency <= 0 {
		errs = append(errs, errors.New("disbursement.concurrency must be positive"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.StalePendingAfter < 0 {
		errs = append(errs, errors.New("scheduler.stale_pending_after must not be negative"))
	}
	if c.Scheduler.Retention.MaxAge < 0 || c.Scheduler.Retention.MaxPerWallet < 0 {
		errs = append(errs, errors.New("scheduler.retention must not be negative"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	for _, e := range c.Identities {
		if _, err := e.Profile(); err != nil {
			errs = append(errs, fmt.Errorf("identities: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
