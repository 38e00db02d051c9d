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
	for i, m := range migrations {
		if m.Down == "" {
			t.Fatalf("version %s must include a down file", m.Version)
		}
		if i > 0 && migrations[i-1].Version >= m.Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Version, m.Version)
		}
	}
}

func TestListMigrationsRejectsOrphanDownFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0001_only.down.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ListMigrations(dir); err == nil {
		t.Fatal("expected error for down file without up file")
	}
}

func TestTimelineMigrationGuardsSelfUniqueness(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0002_timeline.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_people_user_self",
		"WHERE relationship_label = 'Self' AND deleted_at IS NULL",
		"undone_at TIMESTAMPTZ",
		"merged_into_person_id UUID",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

func TestSplitNonEmpty(t *testing.T) {
	got := splitNonEmpty("Ada"+participantSeparator+participantSeparator+"Grace", participantSeparator)
	if len(got) != 2 || got[0] != "Ada" || got[1] != "Grace" {
		t.Fatalf("splitNonEmpty = %#v", got)
	}
	if got := splitNonEmpty("", ","); len(got) != 0 {
		t.Fatalf("expected empty slice, got %#v", got)
	}
}
