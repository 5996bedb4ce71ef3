package app

import (
	"fmt"
	"strings"
	"time"

	"parlor/cmd/internal/auth"
	"parlor/cmd/internal/realtime"
	"parlor/cmd/internal/telemetry"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config contains all runtime configuration loaded from PARLOR_* environment variables.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is "json" (default) or "pretty" for local development.
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Store selects persistence. Empty infers it: postgres when DatabaseURL
	// is set, sqlite when SQLitePath is set, memory otherwise.
	Store       string `env:"STORE"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"parlor"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	AutoMigrate bool   `env:"DB_AUTO_MIGRATE" envDefault:"true"`

	// If true, /readyz returns 503 unless a database store is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	// RedisURL moves rate limit counters to Redis so several replicas share them.
	RedisURL string `env:"REDIS_URL"`

	SendRateLimit  int           `env:"SEND_RATE_LIMIT" envDefault:"30"`
	SendRateWindow time.Duration `env:"SEND_RATE_WINDOW" envDefault:"10s"`
	HTTPRateLimit  int           `env:"HTTP_RATE_LIMIT" envDefault:"300"`
	HTTPRateWindow time.Duration `env:"HTTP_RATE_WINDOW" envDefault:"1m"`
	TrustProxy     bool          `env:"TRUST_PROXY" envDefault:"false"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	// SeedUsers registers users at startup, as "id" or "id:Display Name".
	SeedUsers []string `env:"SEED_USERS" envSeparator:","`

	Auth auth.Config            `envPrefix:"AUTH_"`
	WS   realtime.GatewayConfig `envPrefix:"WS_"`
	OTEL telemetry.Config       `envPrefix:"OTEL_"`
}

// LoadConfig loads Config from the environment and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PARLOR_"}); err != nil {
		return Config{}, fmt.Errorf("app: config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate normalizes cfg and resolves the store driver.
func (c *Config) Validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.SQLitePath = strings.TrimSpace(c.SQLitePath)
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	if c.Store == "" {
		switch {
		case c.DatabaseURL != "":
			c.Store = StorePostgres
		case c.SQLitePath != "":
			c.Store = StoreSQLite
		default:
			c.Store = StoreMemory
		}
	}

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("app: config: PARLOR_DATABASE_URL is required for the postgres store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("app: config: PARLOR_SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("app: config: unknown store %q", c.Store)
	}

	switch c.LogFormat {
	case "", "json":
		c.LogFormat = "json"
	case "pretty":
	default:
		return fmt.Errorf("app: config: unknown log format %q", c.LogFormat)
	}

	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("app: config: invalid db pool bounds min=%d max=%d", c.DBMinConns, c.DBMaxConns)
	}

	return c.Auth.Validate()
}
