// lake.go
package lake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/spf13/afero"
	"github.com/tracklake/tracklake/core"
)

// Ensure Lake implements core.QueryClient interface
var _ core.QueryClient = (*Lake)(nil)

// Lake is the incremental columnar store. Each table lives under
// DataDir/<table>/ as one or more parquet files; all reads, merges and gap
// queries push down into an embedded DuckDB over those files.
type Lake struct {
	DataDir string
	DB      *sql.DB
	FS      afero.Fs

	Policy   MergeKeyPolicy
	Entities *EntityRegistry
	Metrics  *Metrics

	// StrictIdentity fails a merge batch on records missing merge-key
	// columns instead of dropping them with a count.
	StrictIdentity bool
}

// Option configures a Lake.
type Option func(*Lake)

func WithPolicy(p MergeKeyPolicy) Option { return func(l *Lake) { l.Policy = p } }

func WithEntities(r *EntityRegistry) Option { return func(l *Lake) { l.Entities = r } }

func WithMetrics(m *Metrics) Option { return func(l *Lake) { l.Metrics = m } }

func WithFs(fs afero.Fs) Option { return func(l *Lake) { l.FS = fs } }

func WithStrictIdentity(strict bool) Option {
	return func(l *Lake) { l.StrictIdentity = strict }
}

// New creates a Lake rooted at dataDir with the default merge-key policy
// and entity registry unless overridden.
func New(dataDir string, opts ...Option) *Lake {
	l := &Lake{
		DataDir:  dataDir,
		FS:       afero.NewOsFs(),
		Policy:   DefaultMergeKeys(),
		Entities: DefaultEntities(48 * time.Hour),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Initialize sets up the DuckDB connection.
func (l *Lake) Initialize() error {
	db, err := sql.Open("duckdb", "?access_mode=READ_WRITE")
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	l.DB = db
	return nil
}

// Close releases resources.
func (l *Lake) Close() error {
	if l.DB != nil {
		return l.DB.Close()
	}
	return nil
}

func (l *Lake) tablePath(name string) string {
	return filepath.Join(l.DataDir, name)
}

// tableFiles enumerates the parquet files of a table. The directory is
// re-read on every call; half-written files live under tmp/ and are never
// listed.
func (l *Lake) tableFiles(name string) ([]string, error) {
	dir := l.tablePath(name)
	entries, err := afero.ReadDir(l.FS, dir)
	if err != nil {
		// A missing directory just means the table does not exist yet.
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".parquet") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// tableNames lists every table directory that currently holds data files.
func (l *Lake) tableNames() ([]string, error) {
	entries, err := afero.ReadDir(l.FS, l.DataDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", l.DataDir, err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := l.tableFiles(entry.Name())
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// readParquetExpr builds the read_parquet() source expression for a file
// list. union_by_name tolerates files written under older schemas.
func readParquetExpr(files []string) string {
	var list strings.Builder
	for i, file := range files {
		if i > 0 {
			list.WriteString(", ")
		}
		list.WriteString(quotePath(file))
	}
	return fmt.Sprintf("read_parquet([%s], union_by_name=true)", list.String())
}

// Query executes raw SQL against the lake. Every table with data files is
// exposed as a view over its parquet files, so collaborators can join
// tables freely. SHOW TABLES is answered from the directory listing, the
// way the table layout defines existence.
func (l *Lake) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(query))

	if strings.EqualFold(query, "SHOW TABLES") {
		names, err := l.tableNames()
		if err != nil {
			return nil, err
		}
		results := make([]map[string]interface{}, 0, len(names))
		for _, name := range names {
			results = append(results, map[string]interface{}{"table_name": name})
		}
		return results, nil
	}

	conn, err := l.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if err := l.registerViews(ctx, conn); err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()

	results, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	core.Debugf(ctx, "query returned %d rows in %v", len(results), time.Since(start))
	return results, nil
}

// registerViews creates a temp view per table on the pinned connection.
func (l *Lake) registerViews(ctx context.Context, conn *sql.Conn) error {
	names, err := l.tableNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		files, err := l.tableFiles(name)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("CREATE OR REPLACE TEMP VIEW %s AS SELECT * FROM %s",
			quoteIdent(name), readParquetExpr(files))
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to register view for %s: %w", name, err)
		}
	}
	return nil
}

// scanRows reads all rows into generic records.
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var result []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}
