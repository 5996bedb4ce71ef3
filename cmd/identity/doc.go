// Package identity is parlor's user directory boundary.
//
// The surrounding application owns user records; the realtime core only needs
// to know whether an authenticated subject still maps to an existing user.
// Memory, PostgreSQL and SQLite directories are provided.
package identity
