package auth

import (
	"context"
	"net/http"
	"strings"
)

// QueryTokenParam is the query parameter browsers use, since they cannot set
// headers on a websocket upgrade.
const QueryTokenParam = "access_token"

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if tok := BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get(QueryTokenParam))
}

// BearerToken parses "Bearer <token>" (scheme is case-insensitive).
func BearerToken(h string) string {
	h = strings.TrimSpace(h)
	if h == "" {
		return ""
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

type ctxKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the Identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}
