package migrate_test

import (
	"testing"

	"trackerz/internal/db"
	"trackerz/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}

	var version int
	var name string
	err = conn.QueryRow(`SELECT version, name FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version, &name)
	if err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if version != 1 || name != "0001_init.sql" {
		t.Fatalf("latest migration %d %q", version, name)
	}

	var applied int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != 1 {
		t.Fatalf("second run re-applied migrations, %d rows", applied)
	}

	var phases int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM phases`).Scan(&phases); err != nil {
		t.Fatalf("count phases: %v", err)
	}
	if phases != 5 {
		t.Fatalf("seeded %d phases, want 5", phases)
	}
}
