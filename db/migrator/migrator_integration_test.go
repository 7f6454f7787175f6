//go:build integration

package migrator_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/archon-research/stl/stl-slots/db/migrations"
	"github.com/archon-research/stl/stl-slots/db/migrator"
	"github.com/archon-research/stl/stl-slots/internal/testutil"
)

func TestMigrator_ApplyAll(t *testing.T) {
	ctx := context.Background()
	dsn, cleanup := testutil.StartPostgres(t)
	defer cleanup()
	pool := testutil.ConnectPool(t, dsn)
	defer pool.Close()

	m := migrator.New(pool, migrations.FS, testutil.DiscardLogger())
	if err := m.ApplyAll(ctx); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	for _, table := range []string{"migrations", "slots", "checkpoints"} {
		var exists bool
		err := pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public'
				AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist", table)
		}
	}

	// Second run is a no-op.
	if err := m.ApplyAll(ctx); err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}

	applied, err := m.ListApplied(ctx)
	if err != nil {
		t.Fatalf("ListApplied failed: %v", err)
	}
	files, _ := migrator.ListMigrations(migrations.FS)
	if len(applied) != len(files) {
		t.Errorf("expected %d applied migrations, got %v", len(files), applied)
	}
}

func TestMigrator_DetectsModifiedMigration(t *testing.T) {
	ctx := context.Background()
	dsn, cleanup := testutil.StartPostgres(t)
	defer cleanup()
	pool := testutil.ConnectPool(t, dsn)
	defer pool.Close()

	original := fstest.MapFS{"001_t.sql": {Data: []byte("CREATE TABLE t (id INT);")}}
	if err := migrator.New(pool, original, testutil.DiscardLogger()).ApplyAll(ctx); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	edited := fstest.MapFS{"001_t.sql": {Data: []byte("CREATE TABLE t (id BIGINT);")}}
	if err := migrator.New(pool, edited, testutil.DiscardLogger()).ApplyAll(ctx); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestMigrator_FailedMigrationIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	dsn, cleanup := testutil.StartPostgres(t)
	defer cleanup()
	pool := testutil.ConnectPool(t, dsn)
	defer pool.Close()

	broken := fstest.MapFS{"001_broken.sql": {Data: []byte("CREATE TABLE ;")}}
	m := migrator.New(pool, broken, testutil.DiscardLogger())
	if err := m.ApplyAll(ctx); err == nil {
		t.Fatal("expected error for invalid SQL")
	}

	applied, err := m.ListApplied(ctx)
	if err != nil {
		t.Fatalf("ListApplied failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no applied migrations, got %v", applied)
	}
}
