package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Token formats.
const (
	FormatPaseto = "paseto"
	FormatJWT    = "jwt"
)

// Config defines the runtime configuration for access-token verification.
type Config struct {
	// Issuer is the expected (and issued) "iss" claim.
	Issuer string `env:"ISSUER" envDefault:"parlor"`

	// Format selects the token manager: "paseto" (default) or "jwt".
	Format string `env:"TOKEN_FORMAT" envDefault:"paseto"`

	// AccessTokenTTL is the lifetime of tokens minted by Issue.
	AccessTokenTTL time.Duration `env:"ACCESS_TTL" envDefault:"15m"`

	// ClockSkew is the tolerated difference between issuer and verifier clocks.
	ClockSkew time.Duration `env:"CLOCK_SKEW" envDefault:"30s"`

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key. With it the
	// manager can both issue and verify.
	PasetoV4SecretKeyHex string `env:"PASETO_V4_SECRET_KEY_HEX"`

	// PasetoV4PublicKeyHex allows a verify-only deployment.
	PasetoV4PublicKeyHex string `env:"PASETO_V4_PUBLIC_KEY_HEX"`

	// JWTSecret is the HS256 shared secret (format "jwt").
	JWTSecret string `env:"JWT_SECRET"`
}

// DefaultConfig returns the defaults without any key material.
func DefaultConfig() Config {
	return Config{
		Issuer:         "parlor",
		Format:         FormatPaseto,
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads configuration from PARLOR_AUTH_* variables.
//
// Required, depending on PARLOR_AUTH_TOKEN_FORMAT:
//   - paseto: PARLOR_AUTH_PASETO_V4_SECRET_KEY_HEX or PARLOR_AUTH_PASETO_V4_PUBLIC_KEY_HEX
//   - jwt:    PARLOR_AUTH_JWT_SECRET (at least 32 bytes)
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PARLOR_AUTH_"}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate normalizes and checks cfg.
func (c *Config) Validate() error {
	c.Issuer = strings.TrimSpace(c.Issuer)
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	c.PasetoV4SecretKeyHex = strings.TrimSpace(c.PasetoV4SecretKeyHex)
	c.PasetoV4PublicKeyHex = strings.TrimSpace(c.PasetoV4PublicKeyHex)

	if c.Issuer == "" {
		return fmt.Errorf("%w: issuer is required", ErrConfig)
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("%w: access ttl must be positive", ErrConfig)
	}
	if c.ClockSkew < 0 || c.ClockSkew > 5*time.Minute {
		return fmt.Errorf("%w: clock skew must be within [0, 5m]", ErrConfig)
	}

	switch c.Format {
	case FormatPaseto:
		if c.PasetoV4SecretKeyHex == "" && c.PasetoV4PublicKeyHex == "" {
			return fmt.Errorf("%w: paseto key is required", ErrConfig)
		}
	case FormatJWT:
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("%w: jwt secret must be at least 32 bytes", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown token format %q", ErrConfig, c.Format)
	}
	return nil
}
