package lake

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestReadTableNotFound(t *testing.T) {
	l := newTestLake(t)
	if _, err := l.ReadTable(context.Background(), "spotify_artists"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadTable() error = %v, want ErrNotFound", err)
	}
}

func TestTableListingErrors(t *testing.T) {
	l := newTestLake(t)

	// A missing directory is an absent table, not an error.
	files, err := l.tableFiles("spotify_artists")
	if err != nil || files != nil {
		t.Fatalf("tableFiles() = %v, %v; want nil, nil for a missing table", files, err)
	}

	// A regular file squatting on the table path is an I/O failure and
	// must not masquerade as an absent table.
	if err := afero.WriteFile(l.FS, l.tablePath("spotify_artists"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := l.tableFiles("spotify_artists"); err == nil {
		t.Fatal("tableFiles() swallowed a directory read failure")
	}
}

func TestTableExists(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()

	if l.TableExists("spotify_artists") {
		t.Fatal("TableExists() = true before any write")
	}
	if _, err := l.WriteTable(ctx, "spotify_artists", []Record{artistRec("a1", "Bon Iver", 78)}, ModeMerge); err != nil {
		t.Fatalf("WriteTable() error = %v", err)
	}
	if !l.TableExists("spotify_artists") {
		t.Fatal("TableExists() = false after a write")
	}
}

func TestTableInfo(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()

	if _, err := l.WriteTable(ctx, "spotify_artists", []Record{
		artistRec("a1", "Bon Iver", 78),
		artistRec("a2", "Big Thief", 74),
	}, ModeMerge); err != nil {
		t.Fatalf("WriteTable() error = %v", err)
	}

	info, err := l.TableInfo(ctx, "spotify_artists")
	if err != nil {
		t.Fatalf("TableInfo() error = %v", err)
	}
	if info.Name != "spotify_artists" || info.RecordCount != 2 || info.FileCount != 1 {
		t.Errorf("TableInfo() = %+v, want 2 records in 1 file", info)
	}
	if typ, ok := info.Schema.Lookup("popularity"); !ok || typ != TypeBigint {
		t.Errorf("popularity column = %v, want BIGINT", typ)
	}

	if _, err := l.TableInfo(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("TableInfo() error = %v, want ErrNotFound", err)
	}
}

func TestQuerySQLOverTables(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	seedPlays(t, l, []Record{
		trackRec("t1", "a1", "Bon Iver", "al1", now),
		trackRec("t2", "a1", "Bon Iver", "al1", now.Add(time.Hour)),
	})
	if _, err := l.WriteTable(ctx, "spotify_artists", []Record{artistRec("a1", "Bon Iver", 78)}, ModeMerge); err != nil {
		t.Fatalf("WriteTable() error = %v", err)
	}

	t.Run("Join across tables", func(t *testing.T) {
		results, err := l.Query(ctx, `SELECT COUNT(*) AS plays FROM tracks_played p JOIN spotify_artists a ON p.artist_id = a.artist_id`)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(results) != 1 || results[0]["plays"] != int64(2) {
			t.Errorf("Query() = %v, want one row with plays=2", results)
		}
	})

	t.Run("Show tables from directory listing", func(t *testing.T) {
		results, err := l.Query(ctx, "SHOW TABLES")
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		names := make(map[string]bool)
		for _, row := range results {
			names[row["table_name"].(string)] = true
		}
		if !names["tracks_played"] || !names["spotify_artists"] {
			t.Errorf("SHOW TABLES = %v, want both seeded tables", names)
		}
	})
}

func TestExportTable(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()

	if _, err := l.WriteTable(ctx, "spotify_artists", []Record{artistRec("a1", "Bon Iver", 78)}, ModeMerge); err != nil {
		t.Fatalf("WriteTable() error = %v", err)
	}

	var buf bytes.Buffer
	if err := l.ExportTable(ctx, "spotify_artists", &buf); err != nil {
		t.Fatalf("ExportTable() error = %v", err)
	}
	// PAR1 magic at both ends of a parquet file.
	data := buf.Bytes()
	if len(data) < 8 || string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Errorf("ExportTable() did not produce a parquet file (%d bytes)", len(data))
	}

	if err := l.ExportTable(ctx, "nope", &buf); !errors.Is(err, ErrNotFound) {
		t.Errorf("ExportTable() error = %v, want ErrNotFound", err)
	}
}

func TestCleanupOldFiles(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()

	dir := l.tablePath("tracks_played")
	if err := l.FS.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"old1.parquet", "old2.parquet", "tracks_played.parquet"} {
		if err := afero.WriteFile(l.FS, filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Make modification times unambiguous.
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"old1.parquet", "old2.parquet", "tracks_played.parquet"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := l.FS.Chtimes(filepath.Join(dir, name), ts, ts); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := l.CleanupOldFiles(ctx, "tracks_played", 1)
	if err != nil {
		t.Fatalf("CleanupOldFiles() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("CleanupOldFiles() removed %d, want 2", removed)
	}
	files, err := l.tableFiles("tracks_played")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "tracks_played.parquet" {
		t.Errorf("remaining files = %v, want only the newest", files)
	}
}
