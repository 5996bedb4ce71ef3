package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory implements Directory over PostgreSQL (<schema>.users).
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema identifiers are validated and quoted.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the directory.
type PostgresOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the directory (default "parlor").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a PostgresDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, schema: "parlor"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return d, nil
}

// PostgresSchemaSQL returns the DDL for the users table in schema.
func PostgresSchemaSQL(schema string) string {
	users := pgx.Identifier{schema, "users"}.Sanitize()
	return `
CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize() + `;

CREATE TABLE IF NOT EXISTS ` + users + ` (
  id           TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
}

// GetUser implements Directory.
func (d *PostgresDirectory) GetUser(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id, display_name, created_at FROM `+d.table()+` WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, UserID: userID}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// PutUser implements Directory.
func (d *PostgresDirectory) PutUser(ctx context.Context, u User) error {
	const op = "identity.PutUser"

	n, err := normalizeUser(op, u)
	if err != nil {
		return err
	}
	if _, err := d.pool.Exec(ctx,
		`INSERT INTO `+d.table()+` (id, display_name, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		n.ID, n.DisplayName, n.CreatedAt,
	); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (d *PostgresDirectory) table() string {
	return pgx.Identifier{d.schema, "users"}.Sanitize()
}
