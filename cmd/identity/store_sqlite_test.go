package identity

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func mustOpenSQLite(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "identity.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteDirectory_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := NewSQLiteDirectory(ctx, mustOpenSQLite(t))
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := d.PutUser(ctx, User{ID: "u1", DisplayName: "Ada", CreatedAt: created}); err != nil {
		t.Fatalf("put: %v", err)
	}

	u, err := d.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.ID != "u1" || u.DisplayName != "Ada" || !u.CreatedAt.Equal(created) {
		t.Fatalf("unexpected user: %+v", u)
	}

	if _, err := d.GetUser(ctx, "u2"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewSQLiteDirectory_NilDB(t *testing.T) {
	t.Parallel()

	if _, err := NewSQLiteDirectory(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
