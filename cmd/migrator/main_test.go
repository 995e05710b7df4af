package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadMigrationsOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "002_second.up.sql", "CREATE TABLE b (id INT);")
	writeFile(t, dir, "001_first.up.sql", "CREATE TABLE a (id INT);")
	writeFile(t, dir, "001_first.down.sql", "DROP TABLE a;")
	writeFile(t, dir, "README.md", "not a migration")

	migrations, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].name != "001_first.up.sql" || migrations[1].name != "002_second.up.sql" {
		t.Errorf("wrong order: %s, %s", migrations[0].name, migrations[1].name)
	}
}

func TestLoadMigrationsChecksumTracksContents(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001_first.up.sql", "CREATE TABLE a (id INT);")

	before, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if before[0].checksum == "" {
		t.Fatal("checksum should not be empty")
	}

	writeFile(t, dir, "001_first.up.sql", "CREATE TABLE a (id INT, name TEXT);")
	after, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}

	if before[0].checksum == after[0].checksum {
		t.Error("edited migration should change its checksum")
	}
}

func TestLoadMigrationsMissingDir(t *testing.T) {
	if _, err := loadMigrations(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
