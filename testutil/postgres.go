// Package testutil holds shared fixtures for package tests: database handles
// with the schema applied and a fake live-room HTTP API.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/danmu-tender/db"
)

// SetupTestDB connects to the Postgres database named by TEST_PG_DSN and
// applies the schema. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return open(t, db.DriverPostgres, dsn)
}

// SetupSQLiteDB opens a fresh sqlite file under t.TempDir with the schema applied.
func SetupSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	return open(t, db.DriverSQLite, filepath.Join(t.TempDir(), "danmu.db"))
}

func open(t *testing.T, driver, dsn string) *sql.DB {
	t.Helper()
	database, err := db.Connect(driver, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database, driver); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
