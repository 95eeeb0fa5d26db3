package postgres

import (
	"testing"
	"testing/fstest"
)

func TestMigrationFilesSortedByName(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/0002_index.sql": {Data: []byte("CREATE INDEX ...")},
		"migrations/0001_init.sql":  {Data: []byte("CREATE TABLE ...")},
		"migrations/README.md":      {Data: []byte("docs")},
		"0003_late.sql":             {Data: []byte("ALTER TABLE ...")},
	}
	files, err := migrationFiles(fsys)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"migrations/0001_init.sql", "migrations/0002_index.sql", "0003_late.sql"}
	if len(files) != len(want) {
		t.Fatalf("files=%v want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("files=%v want %v", files, want)
		}
	}
}
