package auth

import (
	"context"
	"strings"
	"time"

	"parlor/cmd/identity"
)

// Identity is the authenticated principal bound to a connection or request.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// Authenticator resolves bearer credentials into an Identity.
type Authenticator struct {
	tokens TokenManager
	users  identity.Directory
	now    func() time.Time
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthenticator wires a token manager with the user directory.
func NewAuthenticator(tokens TokenManager, users identity.Directory, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		tokens: tokens,
		users:  users,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate verifies token and checks that its subject still exists.
//
// Every refusal is an *AuthError wrapping ErrAuthenticationFailed, except a
// directory outage which wraps ErrDirectoryUnavailable.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, &AuthError{Reason: ReasonMissingToken}
	}

	claims, err := a.tokens.Verify(token, a.now())
	if err != nil {
		return Identity{}, &AuthError{Reason: ReasonInvalidToken, Err: err}
	}

	if a.users != nil {
		if _, err := a.users.GetUser(ctx, claims.UserID); err != nil {
			if identity.IsNotFound(err) || identity.IsInvalidInput(err) {
				return Identity{}, &AuthError{Reason: ReasonUnknownUser, Err: err}
			}
			return Identity{}, &AuthError{Reason: ReasonDirectory, Err: err}
		}
	}

	return Identity{UserID: claims.UserID, ExpiresAt: claims.ExpiresAt}, nil
}
