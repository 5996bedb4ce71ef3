package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteDirectory implements Directory over a SQLite database.
// The *sql.DB is owned by the caller.
type SQLiteDirectory struct {
	db *sql.DB
}

const sqliteUsersDDL = `
CREATE TABLE IF NOT EXISTS users (
  id           TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  created_at   INTEGER NOT NULL
);`

// NewSQLiteDirectory constructs the directory and ensures its table exists.
func NewSQLiteDirectory(ctx context.Context, db *sql.DB) (*SQLiteDirectory, error) {
	if db == nil {
		return nil, fmt.Errorf("identity: nil sqlite db")
	}
	if _, err := db.ExecContext(ctx, sqliteUsersDDL); err != nil {
		return nil, fmt.Errorf("identity: migrate users: %w", err)
	}
	return &SQLiteDirectory{db: db}, nil
}

// GetUser implements Directory.
func (d *SQLiteDirectory) GetUser(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	var (
		u       User
		created int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.DisplayName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, NotFoundError{Op: op, UserID: userID}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	u.CreatedAt = time.UnixMilli(created).UTC()
	return u, nil
}

// PutUser implements Directory.
func (d *SQLiteDirectory) PutUser(ctx context.Context, u User) error {
	const op = "identity.PutUser"

	n, err := normalizeUser(op, u)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name`,
		n.ID, n.DisplayName, n.CreatedAt.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
