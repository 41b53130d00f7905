package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const migrationsDir = "../../db/migrations"

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for _, m := range migrations {
		if m.Up == "" || m.Down == "" {
			t.Fatalf("version %s must include both up and down files", m.Version)
		}
	}
}

func TestInitialMigrationCreatesCoreTables(t *testing.T) {
	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	up, err := os.ReadFile(migrations[0].Up)
	if err != nil {
		t.Fatalf("read %s: %v", migrations[0].Up, err)
	}
	schema := strings.ToLower(string(up))
	for _, table := range []string{"users", "projects", "books", "password_resets", "executions", "report_b", "report_b_feedback", "report_b_manual_issues"} {
		if !strings.Contains(schema, "create table "+table+" ") && !strings.Contains(schema, "create table if not exists "+table+" ") {
			t.Errorf("initial migration does not create %s", table)
		}
	}
}

func TestListMigrationsOrdersAndRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0002_b.down.sql", "0001_a.up.sql", "0001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	migrations, err := ListMigrations(dir)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != "0001" || migrations[1].Version != "0002" {
		t.Fatalf("unexpected order: %+v", migrations)
	}

	if err := os.WriteFile(filepath.Join(dir, "0002_c.up.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ListMigrations(dir); err == nil {
		t.Fatal("expected duplicate version error")
	}
}
