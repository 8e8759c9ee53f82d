package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
)

type migrationPair struct {
	up   string
	down string
}

func discoverMigrations(t *testing.T) (string, map[string]*migrationPair) {
	t.Helper()
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.(up|down)\.sql$`)
	byVersion := map[string]*migrationPair{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file in migrations dir: %s", entry.Name())
		}
		pair := byVersion[match[1]]
		if pair == nil {
			pair = &migrationPair{}
			byVersion[match[1]] = pair
		}
		target := &pair.up
		if match[2] == "down" {
			target = &pair.down
		}
		if *target != "" {
			t.Fatalf("duplicate %s migration file for version %s", match[2], match[1])
		}
		*target = entry.Name()
	}
	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	return migrationsDir, byVersion
}

func TestMigrationsArePairedAndContiguous(t *testing.T) {
	_, byVersion := discoverMigrations(t)

	versions := make([]string, 0, len(byVersion))
	for version, pair := range byVersion {
		if pair.up == "" || pair.down == "" {
			t.Fatalf("version %s must include both up and down files", version)
		}
		versions = append(versions, version)
	}
	sort.Strings(versions)
	for i, version := range versions {
		if want := fmt.Sprintf("%04d", i+1); version != want {
			t.Fatalf("migration versions must be contiguous: got %s at position %d, want %s", version, i, want)
		}
	}
}

func TestDownMigrationsDropEveryCreatedTable(t *testing.T) {
	dir, byVersion := discoverMigrations(t)
	createTable := regexp.MustCompile(`(?i)CREATE TABLE (\w+)`)

	for version, pair := range byVersion {
		up, err := os.ReadFile(filepath.Join(dir, pair.up))
		if err != nil {
			t.Fatalf("read %s: %v", pair.up, err)
		}
		down, err := os.ReadFile(filepath.Join(dir, pair.down))
		if err != nil {
			t.Fatalf("read %s: %v", pair.down, err)
		}
		for _, match := range createTable.FindAllStringSubmatch(string(up), -1) {
			if !strings.Contains(string(down), "DROP TABLE IF EXISTS "+match[1]+";") {
				t.Fatalf("version %s: down migration does not drop table %s", version, match[1])
			}
		}
	}
}
