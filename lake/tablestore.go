// tablestore.go
package lake

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/tracklake/tracklake/core"
)

// ReadTable loads and concatenates every data file of a table. Returns
// ErrNotFound when the table has no data files; callers must treat that as
// the legitimate "no data yet" state.
func (l *Lake) ReadTable(ctx context.Context, name string) ([]Record, error) {
	files, err := l.tableFiles(name)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNotFound
	}

	rows, err := l.DB.QueryContext(ctx, "SELECT * FROM "+readParquetExpr(files))
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", name, err)
	}
	defer rows.Close()

	raw, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	records := make([]Record, len(raw))
	for i, row := range raw {
		records[i] = Record(row)
	}
	return records, nil
}

// TableExists reports whether the table has at least one data file. A
// directory with zero parquet files is indistinguishable from a
// nonexistent table.
func (l *Lake) TableExists(name string) bool {
	files, err := l.tableFiles(name)
	return err == nil && len(files) > 0
}

// TableInfo returns record count and schema, derived from the files
// themselves; the layout carries no sidecar metadata.
func (l *Lake) TableInfo(ctx context.Context, name string) (*TableInfo, error) {
	files, err := l.tableFiles(name)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNotFound
	}

	source := readParquetExpr(files)
	schema, err := l.describeSource(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
	}

	var count int64
	if err := l.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+source).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count table %s: %w", name, err)
	}

	sizes := make([]int64, 0, len(files))
	for _, file := range files {
		if info, err := l.FS.Stat(file); err == nil {
			sizes = append(sizes, info.Size())
		}
	}

	return &TableInfo{
		Name:        name,
		RecordCount: count,
		Schema:      schema,
		FileCount:   len(files),
		FileSizes:   sizes,
	}, nil
}

// describeSource reads the column names and normalized types of a query
// source via DESCRIBE.
func (l *Lake) describeSource(ctx context.Context, source string) (Schema, error) {
	rows, err := l.DB.QueryContext(ctx, "DESCRIBE SELECT * FROM "+source)
	if err != nil {
		return Schema{}, err
	}
	defer rows.Close()

	raw, err := scanRows(rows)
	if err != nil {
		return Schema{}, err
	}
	schema := Schema{Columns: make([]Column, 0, len(raw))}
	for _, row := range raw {
		name, _ := row["column_name"].(string)
		typ, _ := row["column_type"].(string)
		if name == "" {
			continue
		}
		schema.Columns = append(schema.Columns, Column{Name: name, Type: normalizeDuckType(typ)})
	}
	return schema, nil
}

// ExportTable streams a table as a single parquet file. With one data
// file on disk the bytes are served directly; otherwise a consolidated
// snapshot is written to the tmp dir first and removed after streaming.
func (l *Lake) ExportTable(ctx context.Context, name string, w io.Writer) error {
	files, err := l.tableFiles(name)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	path := files[0]
	if len(files) > 1 {
		tmpDir := filepath.Join(l.tablePath(name), "tmp")
		if err := l.FS.MkdirAll(tmpDir, 0o755); err != nil {
			return fmt.Errorf("failed to create tmp dir: %w", err)
		}
		tmpPath := filepath.Join(tmpDir, uuid.NewString()+".parquet")
		stmt := fmt.Sprintf("COPY (SELECT * FROM %s) TO %s (FORMAT PARQUET, COMPRESSION SNAPPY)",
			readParquetExpr(files), quotePath(tmpPath))
		if _, err := l.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to consolidate %s: %w", name, err)
		}
		defer l.FS.Remove(tmpPath)
		path = tmpPath
	}

	f, err := l.FS.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return fmt.Errorf("failed to stream %s: %w", name, err)
	}
	core.Debugf(ctx, "exported %s (%d bytes)", name, n)
	return nil
}

// CleanupOldFiles removes all but the newest keepLatest data files of a
// table. Retention is a collaborator-invoked policy, never implicit.
func (l *Lake) CleanupOldFiles(ctx context.Context, name string, keepLatest int) (int, error) {
	if keepLatest < 1 {
		keepLatest = 1
	}
	files, err := l.tableFiles(name)
	if err != nil {
		return 0, err
	}
	if len(files) <= keepLatest {
		return 0, nil
	}

	type fileAge struct {
		path    string
		modTime time.Time
	}
	aged := make([]fileAge, 0, len(files))
	for _, file := range files {
		info, err := l.FS.Stat(file)
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", file, err)
		}
		aged = append(aged, fileAge{path: file, modTime: info.ModTime()})
	}
	sort.Slice(aged, func(i, j int) bool { return aged[i].modTime.Before(aged[j].modTime) })

	removed := 0
	for _, f := range aged[:len(aged)-keepLatest] {
		if err := l.FS.Remove(f.path); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", f.path, err)
		}
		core.Infof(ctx, "removed old file: %s", f.path)
		removed++
	}
	return removed, nil
}

// removeDataFiles deletes the given files, then prunes an empty tmp dir.
func (l *Lake) removeDataFiles(files []string) error {
	for _, file := range files {
		if err := l.FS.Remove(file); err != nil {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return nil
}

// swapInFile moves a freshly written tmp file into place as the table's
// single data file and removes the files it supersedes.
func (l *Lake) swapInFile(name, tmpPath string, oldFiles []string) (string, error) {
	finalPath := filepath.Join(l.tablePath(name), name+".parquet")

	// The tmp file replaces the final path last so a crash mid-swap leaves
	// either the old files or the complete new file, never a torn table.
	for _, file := range oldFiles {
		if file == finalPath {
			continue
		}
		if err := l.FS.Remove(file); err != nil {
			return "", fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	if err := l.FS.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", tmpPath, err)
	}

	tmpDir := filepath.Dir(tmpPath)
	if empty, err := afero.IsEmpty(l.FS, tmpDir); err == nil && empty {
		_ = l.FS.Remove(tmpDir)
	}
	return finalPath, nil
}
