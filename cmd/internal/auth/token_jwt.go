package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	secret    []byte
}

// NewJWTManager builds an HS256 TokenManager. The subject claim carries the user id.
func NewJWTManager(cfg Config) (TokenManager, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("%w: jwt secret must be at least 32 bytes", ErrConfig)
	}
	return &jwtManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    []byte(cfg.JWTSecret),
	}, nil
}

func (m *jwtManager) Issue(userID string, now time.Time) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	exp := now.Add(m.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (m *jwtManager) Verify(token string, now time.Time) (Claims, error) {
	var parsed jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	// Claims are checked against the caller's clock, shifted by the skew the
	// same way the PASETO manager does it.
	validNow := now.Add(m.clockSkew)
	if parsed.Issuer != m.issuer || strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	if parsed.ExpiresAt == nil || !validNow.Before(parsed.ExpiresAt.Time) {
		return Claims{}, ErrInvalidToken
	}
	if parsed.NotBefore != nil && validNow.Before(parsed.NotBefore.Time) {
		return Claims{}, ErrInvalidToken
	}

	c := Claims{
		UserID:    parsed.Subject,
		Issuer:    parsed.Issuer,
		ExpiresAt: parsed.ExpiresAt.Time,
	}
	if parsed.IssuedAt != nil {
		c.IssuedAt = parsed.IssuedAt.Time
	}
	return c, nil
}
