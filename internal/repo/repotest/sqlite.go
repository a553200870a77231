// Package repotest opens in-memory SQLite stores for tests.
package repotest

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/LeventeLantos/event-messaging/internal/model"
	"github.com/LeventeLantos/event-messaging/internal/repo"
)

// NewStore returns a migrated store backed by a private in-memory database.
// A single connection keeps every query on the same database.
func NewStore(t testing.TB) *repo.SQLStore {
	t.Helper()

	db, err := sqlx.Connect("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := repo.NewSQLStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating sqlite: %v", err)
	}
	return store
}

// SeedGuests upserts guests or fails the test.
func SeedGuests(t testing.TB, store *repo.SQLStore, guests ...model.Guest) {
	t.Helper()
	for _, g := range guests {
		if err := store.UpsertGuest(context.Background(), g); err != nil {
			t.Fatalf("seeding guest %s: %v", g.ID, err)
		}
	}
}

func Phone(p string) *string { return &p }
