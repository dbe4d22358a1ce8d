// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"roomchat/internal/db"
)

// New returns a migrated database living in t.TempDir. It is closed on cleanup.
func New(t testing.TB) *db.Database {
	t.Helper()

	database, err := db.NewSQLiteDatabase(filepath.Join(t.TempDir(), "roomchat.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("close test database: %v", err)
		}
	})

	if err := database.AutoMigrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return database
}

// SeedUser inserts a row into the users table the directory reads from.
func SeedUser(t testing.TB, database *db.Database, id, username, avatar string) {
	t.Helper()

	now := database.Clock.Now()
	_, err := database.Conn.Exec(
		`INSERT INTO users (id, username, avatar, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, username, avatar, now, now,
	)
	if err != nil {
		t.Fatalf("seed user %q: %v", id, err)
	}
}
