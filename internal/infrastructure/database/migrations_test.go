package database

import (
	"context"
	"embed"
	"testing"
	"testing/fstest"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

var testSource = Source{FS: testMigrationsFS, Dir: "testdata"}

func tableExists(t *testing.T, db *DB, table string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master query error = %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ran, err := db.Migrate(ctx, testSource)
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if ran != 2 {
		t.Errorf("Migrate() ran %d migrations, want 2", ran)
	}
	if !tableExists(t, db, "widgets") {
		t.Fatal("table widgets not created")
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO widgets (name, colour) VALUES ('a', 'red')"); err != nil {
		t.Errorf("second migration not applied: %v", err)
	}

	ran, err = db.Migrate(ctx, testSource)
	if err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if ran != 0 {
		t.Errorf("second Migrate() ran %d migrations, want 0", ran)
	}
}

func TestPending(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	pending, err := db.Pending(ctx, testSource)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 2 || pending[0].Version != 1 || pending[1].Version != 2 {
		t.Fatalf("Pending() = %+v, want versions 1 and 2", pending)
	}

	if _, err := db.Migrate(ctx, testSource); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	pending, err = db.Pending(ctx, testSource)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending() after Migrate = %d, want 0", len(pending))
	}
}

func TestRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	src := Source{FS: fstest.MapFS{
		"0001_widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
		"0001_widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"notes.txt":             {Data: []byte("ignored")},
	}}

	if _, err := db.Migrate(ctx, src); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.Rollback(ctx, src); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if tableExists(t, db, "widgets") {
		t.Error("table widgets should have been dropped")
	}
	pending, err := db.Pending(ctx, src)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending migration after rollback, got %d", len(pending))
	}

	// Nothing left to roll back.
	if err := db.Rollback(ctx, src); err != nil {
		t.Errorf("Rollback() with nothing applied error = %v", err)
	}
}

func TestRollback_NoDownFile(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Migrate(ctx, testSource); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// 0002 has no down file.
	if err := db.Rollback(ctx, testSource); err == nil {
		t.Error("Rollback() should fail without a down file")
	}
}

func TestMigrate_NilSource(t *testing.T) {
	db := openTestDB(t)
	ran, err := db.Migrate(context.Background(), Source{})
	if err != nil || ran != 0 {
		t.Errorf("Migrate(empty) = (%d, %v), want (0, nil)", ran, err)
	}
}

func TestMigrate_MissingUpFile(t *testing.T) {
	db := openTestDB(t)
	src := Source{FS: fstest.MapFS{
		"0003_orphan.down.sql": {Data: []byte("SELECT 1;")},
	}}
	if _, err := db.Migrate(context.Background(), src); err == nil {
		t.Error("Migrate() should fail for a down file without an up file")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion int
		wantName    string
		wantUp      bool
		wantOk      bool
	}{
		{"0001_devices.up.sql", 1, "devices", true, true},
		{"0012_device_commands.down.sql", 12, "device_commands", false, true},
		{"readme.txt", 0, "", false, false},
		{"0001_devices.sql", 0, "", false, false},
		{"devices.up.sql", 0, "", false, false},
		{"abcd_devices.up.sql", 0, "", false, false},
		{"0000_zero.up.sql", 0, "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, up, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion || name != tt.wantName || up != tt.wantUp {
				t.Errorf("got (%d, %q, %v), want (%d, %q, %v)",
					version, name, up, tt.wantVersion, tt.wantName, tt.wantUp)
			}
		})
	}
}
