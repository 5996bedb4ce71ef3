package auth

import (
	"fmt"
	"time"
)

// Claims is the minimal identity envelope carried by an access token.
type Claims struct {
	UserID    string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenManager issues and verifies short-lived access tokens.
type TokenManager interface {
	Issue(userID string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (Claims, error)
}

// NewTokenManager builds the manager selected by cfg.Format.
func NewTokenManager(cfg Config) (TokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Format {
	case FormatJWT:
		return NewJWTManager(cfg)
	case FormatPaseto:
		return NewPasetoV4PublicManager(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown token format %q", ErrConfig, cfg.Format)
	}
}
