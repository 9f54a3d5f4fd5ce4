package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsOrderAndFilter(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_later.sql":  {Data: []byte("SELECT 10;")},
		"m/002_second.sql": {Data: []byte("SELECT 2;")},
		"m/001_first.sql":  {Data: []byte("SELECT 1;")},
		"m/README.md":      {Data: []byte("docs")},
		"m/notes.sql":      {Data: []byte("no prefix")},
		"m/abc_bad.sql":    {Data: []byte("bad prefix")},
	}

	migrations, err := loadMigrations(fsys, "m")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 10}
	if len(migrations) != len(want) {
		t.Fatalf("got %d migrations, want %d", len(migrations), len(want))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migrations[%d].Version = %d, want %d", i, migrations[i].Version, v)
		}
	}
	if migrations[0].SQL != "SELECT 1;" || migrations[0].Name != "001_first.sql" {
		t.Errorf("first = %+v", migrations[0])
	}
}

func TestEmbeddedSchema(t *testing.T) {
	migrations, err := LoadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(migrations) == 0 || migrations[0].Version != 1 {
		t.Fatalf("embedded migrations = %+v", migrations)
	}
	for _, table := range []string{"claims", "outbox", "inbox"} {
		if !strings.Contains(migrations[0].SQL, "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("schema missing table %s", table)
		}
	}
}
