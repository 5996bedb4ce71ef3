package identity

import (
	"context"
	"strings"
	"sync"
)

// MemoryDirectory is a dev/test Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryDirectory constructs a directory seeded with users.
func NewMemoryDirectory(seed ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User, len(seed))}
	for _, u := range seed {
		if n, err := normalizeUser("identity.NewMemoryDirectory", u); err == nil {
			d.users[n.ID] = n
		}
	}
	return d
}

// GetUser implements Directory.
func (d *MemoryDirectory) GetUser(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return User{}, NotFoundError{Op: op, UserID: userID}
	}
	return u, nil
}

// PutUser implements Directory.
func (d *MemoryDirectory) PutUser(ctx context.Context, u User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := normalizeUser("identity.PutUser", u)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.users[n.ID] = n
	d.mu.Unlock()
	return nil
}
