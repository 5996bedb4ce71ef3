// Package auth authenticates parlor connections and API requests.
//
// A bearer access token (PASETO v4.public by default, HS256 JWT for interop)
// is verified against the configured key and issuer, and its subject is
// resolved against the user directory. The resulting Identity is bound to the
// connection for its whole lifetime; there is no anonymous mode.
package auth
