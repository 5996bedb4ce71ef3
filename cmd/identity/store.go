package identity

import (
	"context"
	"strings"
	"time"
)

// User is the minimal view of a user record needed by the realtime core.
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Directory resolves user ids to existing user records.
type Directory interface {
	// GetUser returns the user or an error wrapping ErrNotFound.
	GetUser(ctx context.Context, userID string) (User, error)

	// PutUser inserts or updates a user record (seeding and tests).
	PutUser(ctx context.Context, u User) error
}

func normalizeUser(op string, u User) (User, error) {
	u.ID = strings.TrimSpace(u.ID)
	u.DisplayName = strings.TrimSpace(u.DisplayName)
	if u.ID == "" {
		return User{}, invalid(op, "user id is required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return u, nil
}
