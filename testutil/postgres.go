// Package testutil holds helpers shared by package tests.
package testutil

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/NotNotQuinn/supibot/db"
)

// SetupTestDB opens TEST_PG_DSN and brings its schema up to date. Tests
// are skipped when the variable is unset so the suite runs without Postgres.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open %s: %v", "TEST_PG_DSN", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping test database: %v", err)
	}
	if err := db.RunMigrations(conn); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return conn
}
