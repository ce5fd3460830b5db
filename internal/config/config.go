// Package config loads kotsync runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the data layer. Values come from KOT_*
// environment variables, optionally seeded from a .env file.
type Config struct {
	// Server boundary
	ServerURL         string        `env:"KOT_SERVER_URL" envDefault:"http://localhost:8080/api"`
	ServerToken       string        `env:"KOT_SERVER_TOKEN"`
	RequestTimeout    time.Duration `env:"KOT_REQUEST_TIMEOUT" envDefault:"10s"`
	RequestsPerSecond float64       `env:"KOT_REQUESTS_PER_SECOND" envDefault:"20"`
	ProbeInterval     time.Duration `env:"KOT_PROBE_INTERVAL" envDefault:"10s"`

	// Local storage
	DataDir string `env:"KOT_DATA_DIR" envDefault:"./data"`

	// Operator API
	HTTPAddr  string `env:"KOT_HTTP_ADDR" envDefault:":8090"`
	JWTSecret string `env:"KOT_JWT_SECRET" envDefault:"dev-secret-change-in-production"`
	JWTIssuer string `env:"KOT_JWT_ISSUER"`
	// Roles of actors acting outside a request, as actor:role pairs.
	Roles          map[string]string `env:"KOT_ROLES" envSeparator:","`
	AllowedOrigins []string          `env:"KOT_ALLOWED_ORIGINS" envSeparator:","`

	// Logging
	LogLevel  string `env:"KOT_LOG_LEVEL" envDefault:"INFO"`
	LogOutput string `env:"KOT_LOG_OUTPUT" envDefault:"stdout"`
	LogFile   string `env:"KOT_LOG_FILE" envDefault:"logs/kotsync.log"`

	// Synchronization
	QuickSyncInterval time.Duration `env:"KOT_QUICK_SYNC_INTERVAL" envDefault:"15s"`
	ConflictPolicy    string        `env:"KOT_CONFLICT_POLICY" envDefault:"server_wins"`
	MaxRetries        int           `env:"KOT_MAX_RETRIES" envDefault:"3"`
	QueueCapacity     int           `env:"KOT_QUEUE_CAPACITY" envDefault:"10000"`

	// Instant read cache
	CacheCapacity int           `env:"KOT_CACHE_CAPACITY" envDefault:"1000"`
	MenuTTL       time.Duration `env:"KOT_MENU_TTL" envDefault:"5m"`
	OrdersTTL     time.Duration `env:"KOT_ORDERS_TTL" envDefault:"15s"`
	TablesTTL     time.Duration `env:"KOT_TABLES_TTL" envDefault:"30s"`
	DashboardTTL  time.Duration `env:"KOT_DASHBOARD_TTL" envDefault:"30s"`
	SettingsTTL   time.Duration `env:"KOT_SETTINGS_TTL" envDefault:"30m"`

	// Backups
	BackupDir       string        `env:"KOT_BACKUP_DIR" envDefault:"backups"`
	BackupInterval  time.Duration `env:"KOT_BACKUP_INTERVAL" envDefault:"24h"`
	BackupRetention int           `env:"KOT_BACKUP_RETENTION" envDefault:"7"`
}

var (
	// ErrInvalidConfig is returned by Validate for out-of-range values.
	ErrInvalidConfig = errors.New("invalid configuration")

	validConflictPolicies = map[string]bool{
		"server_wins": true,
		"client_wins": true,
		"merge":       true,
	}
)

// Load reads the given .env files (or ./.env when none are given and it
// exists), applies environment variables, and validates the result.
func Load(files ...string) (*Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("failed to load env files: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	// Parse only fails on malformed values; defaults are well formed.
	_ = env.Parse(cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Validate checks values that env tags cannot express.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("%w: KOT_SERVER_URL is required", ErrInvalidConfig)
	}
	if !validConflictPolicies[c.ConflictPolicy] {
		return fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidConfig, c.ConflictPolicy)
	}
	durations := map[string]time.Duration{
		"KOT_REQUEST_TIMEOUT":     c.RequestTimeout,
		"KOT_QUICK_SYNC_INTERVAL": c.QuickSyncInterval,
		"KOT_PROBE_INTERVAL":      c.ProbeInterval,
		"KOT_MENU_TTL":            c.MenuTTL,
		"KOT_ORDERS_TTL":          c.OrdersTTL,
		"KOT_TABLES_TTL":          c.TablesTTL,
		"KOT_DASHBOARD_TTL":       c.DashboardTTL,
		"KOT_SETTINGS_TTL":        c.SettingsTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.BackupInterval < 0 {
		return fmt.Errorf("%w: KOT_BACKUP_INTERVAL must not be negative", ErrInvalidConfig)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: KOT_MAX_RETRIES must be positive", ErrInvalidConfig)
	}
	if c.CacheCapacity <= 0 || c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: capacities must be positive", ErrInvalidConfig)
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: KOT_REQUESTS_PER_SECOND must be positive", ErrInvalidConfig)
	}
	return nil
}
