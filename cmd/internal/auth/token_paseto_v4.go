package auth

import (
	"fmt"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
	public   paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds a TokenManager based on PASETO v4.public.
//
// With only a public key configured the manager verifies but cannot issue.
func NewPasetoV4PublicManager(cfg Config) (TokenManager, error) {
	m := &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}

	if cfg.PasetoV4SecretKeyHex != "" {
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: paseto secret key", ErrConfig)
		}
		m.secret = secret
		m.canIssue = true
		m.public = secret.Public()
		return m, nil
	}

	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: paseto public key", ErrConfig)
	}
	m.public = public
	return m, nil
}

// PublicKeyHex exports the verification key.
func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(userID string, now time.Time) (string, time.Time, error) {
	if !m.canIssue {
		return "", time.Time{}, fmt.Errorf("%w: verify-only paseto manager", ErrConfig)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", userID)

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (Claims, error) {
	// Validate slightly in the future so a verifier clock behind the issuer
	// does not fail "nbf".
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	exp, err := parsed.GetExpiration()
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Claims{}, ErrInvalidToken
	}
	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()

	return Claims{
		UserID:    uid,
		Issuer:    iss,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}
