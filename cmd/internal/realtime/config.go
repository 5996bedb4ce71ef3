package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// GatewayConfig holds the websocket gateway knobs (PARLOR_WS_*).
type GatewayConfig struct {
	// DevInsecure skips the websocket origin verification entirely. Dev only.
	DevInsecure bool `env:"DEV_INSECURE" envDefault:"false"`

	OriginRequired bool     `env:"ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`

	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"2m"`
	SendQueueSize   int           `env:"SEND_QUEUE" envDefault:"256"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	// Per-connection inbound event budget.
	RateEvents int           `env:"RATE_EVENTS" envDefault:"120"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"10s"`

	// RequireMembership makes joins (and hello resumes) check that the user
	// participates in the conversation.
	RequireMembership bool `env:"REQUIRE_MEMBERSHIP" envDefault:"true"`
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueueSize:     256,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		RateEvents:        120,
		RateWindow:        10 * time.Second,
		RequireMembership: true,
	}
}

// LoadGatewayConfigFromEnv parses PARLOR_WS_* variables.
func LoadGatewayConfigFromEnv() (GatewayConfig, error) {
	var cfg GatewayConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PARLOR_WS_"}); err != nil {
		return GatewayConfig{}, fmt.Errorf("realtime: gateway config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize replaces invalid values with defaults.
func (c *GatewayConfig) normalize() {
	def := DefaultGatewayConfig()

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
}
