package migrations

import (
	"testing"

	"github.com/louisbranch/offlinesync/internal/platform/storage/sqlitemigrate"
)

func TestEmbeddedMigrationsAreVersioned(t *testing.T) {
	loaded, err := sqlitemigrate.Load(FS, ".")
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("migrations = %d, want 3", len(loaded))
	}
	for i, migration := range loaded {
		if migration.Version != i+1 {
			t.Fatalf("migration %s version = %d, want %d", migration.Name, migration.Version, i+1)
		}
	}
}
