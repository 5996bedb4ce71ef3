package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"parlor/cmd/identity"
	"parlor/cmd/internal/messaging"
)

// backend groups the persistence a driver provides and how to release it.
type backend struct {
	driver string
	store  messaging.Store
	users  identity.Directory

	// ping is nil for the in-memory driver.
	ping  func(ctx context.Context) error
	close func() error
}

func (b *backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// openBackend builds the store and user directory for cfg.Store.
func openBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	switch cfg.Store {
	case StorePostgres:
		return openPostgres(ctx, cfg, log)
	case StoreSQLite:
		return openSQLiteBackend(ctx, cfg, log)
	default:
		log.Info("db.disabled.inmemory_store")
		return &backend{
			driver: StoreMemory,
			store:  messaging.NewInMemoryStore(),
			users:  identity.NewMemoryDirectory(),
		}, nil
	}
}

func openPostgres(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}
	users, err := identity.NewPostgresDirectory(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.AutoMigrate {
		if _, err := pool.Exec(ctx, identity.PostgresSchemaSQL(cfg.DBSchema)); err != nil {
			pool.Close()
			return nil, fmt.Errorf("app: migrate users: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "migrated", cfg.AutoMigrate)

	return &backend{
		driver: StorePostgres,
		store:  store,
		users:  users,
		ping: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		},
		close: func() error {
			_ = store.Close()
			pool.Close()
			return nil
		},
	}, nil
}

func openSQLiteBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	db, err := OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	store, err := messaging.NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	users, err := identity.NewSQLiteDirectory(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)

	return &backend{
		driver: StoreSQLite,
		store:  store,
		users:  users,
		ping:   sqlitePing(db),
		close:  db.Close,
	}, nil
}

func sqlitePing(db *sql.DB) func(context.Context) error {
	return func(parent context.Context) error {
		ctx, cancel := context.WithTimeout(parent, 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}
}

// parseSeedUsers turns "id" or "id:Display Name" entries into users.
func parseSeedUsers(entries []string) []identity.User {
	out := make([]identity.User, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		id, name, _ := strings.Cut(e, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, identity.User{ID: id, DisplayName: strings.TrimSpace(name)})
	}
	return out
}

func seedUsers(ctx context.Context, users identity.Directory, entries []string) error {
	for _, u := range parseSeedUsers(entries) {
		if err := users.PutUser(ctx, u); err != nil {
			return fmt.Errorf("app: seed user %q: %w", u.ID, err)
		}
	}
	return nil
}
