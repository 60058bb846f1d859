// Package db tests for database migration management.
package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	// every pooled connection would get its own :memory: database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("ignored")},
		"Vx__broken.up.sql":     {Data: []byte("ignored")},
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := memoryDB(t)
	ctx := context.Background()
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestUp verifies pending migrations apply in order and only once.
func TestUp(t *testing.T) {
	db := memoryDB(t)
	ctx := context.Background()
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}

	version, err := m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	applied, _ := m.GetAppliedMigrations(ctx)
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "create_a" || len(applied[0].Checksum) != 64 {
		t.Errorf("applied[0] = %+v", applied[0])
	}
}

// TestUp_modifiedMigration verifies checksums guard applied files.
func TestUp_modifiedMigration(t *testing.T) {
	db := memoryDB(t)
	ctx := context.Background()
	files := testMigrations()
	m := NewMigrator(db, files)
	m.Initialize(ctx)
	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	files["V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT);")}
	if err := m.Up(ctx); err == nil {
		t.Error("Up() should reject a modified applied migration")
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := memoryDB(t)
	ctx := context.Background()
	m := NewMigrator(db, testMigrations())
	m.Initialize(ctx)
	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if err := m.Down(ctx); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	version, _ := m.CurrentVersion(ctx)
	if version != 1 {
		t.Errorf("CurrentVersion() after Down = %d, want 1", version)
	}
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='b'").Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("table b should be dropped, got err=%v", err)
	}
}

// TestDown_noMigrations verifies rollback on an empty schema fails.
func TestDown_noMigrations(t *testing.T) {
	db := memoryDB(t)
	ctx := context.Background()
	m := NewMigrator(db, testMigrations())
	m.Initialize(ctx)

	if err := m.Down(ctx); err == nil {
		t.Error("Down() with no applied migrations should fail")
	}
}

// TestEmbeddedMigrations verifies the shipped migrations are discoverable.
func TestEmbeddedMigrations(t *testing.T) {
	m := NewMigrator(nil, EmbeddedMigrations())
	ups, err := m.list(".up.sql")
	if err != nil {
		t.Fatalf("list() failed: %v", err)
	}
	if len(ups) < 2 || ups[0].version != 1 {
		t.Errorf("embedded migrations = %+v", ups)
	}
}

// TestParseVersion verifies filename parsing.
func TestParseVersion(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"V1__init.up.sql", 1, true},
		{"V12__add_index.up.sql", 12, true},
		{"V0__zero.up.sql", 0, false},
		{"init.up.sql", 0, false},
		{"Vx__bad.up.sql", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseVersion(tt.name, ".up.sql")
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseVersion(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
