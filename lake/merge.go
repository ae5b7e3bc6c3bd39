// merge.go
package lake

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tracklake/tracklake/core"
)

// insertChunkRows bounds how many rows go into one INSERT statement so the
// bind-parameter count stays small.
const insertChunkRows = 500

// WriteTable reconciles an incoming batch with the table under the given
// mode. The write is all-or-nothing: the merged result is fully written to
// a tmp file before any existing data file is touched.
func (l *Lake) WriteTable(ctx context.Context, name string, records []Record, mode WriteMode) (*WriteResult, error) {
	if _, err := ParseWriteMode(string(mode)); err != nil {
		return nil, err
	}
	res, err := l.writeTable(ctx, name, records, mode)
	if l.Metrics != nil {
		status := "error"
		if err == nil {
			status = string(res.Status)
		}
		l.Metrics.ObserveWrite(name, string(mode), status)
	}
	return res, err
}

func (l *Lake) writeTable(ctx context.Context, name string, records []Record, mode WriteMode) (*WriteResult, error) {
	if len(records) == 0 {
		return &WriteResult{Status: StatusNoUpdates, Operation: mode}, nil
	}

	keys := l.Policy.Keys(name)
	valid := records
	skipped := 0
	if mode == ModeMerge && len(keys) > 0 {
		var err error
		valid, skipped, err = l.filterMalformed(ctx, records, keys)
		if err != nil {
			return nil, err
		}
		if len(valid) == 0 {
			return &WriteResult{Status: StatusNoUpdates, Operation: mode, RecordsSkipped: skipped}, nil
		}
	}

	batchSchema, err := inferSchema(valid)
	if err != nil {
		return nil, err
	}

	files, err := l.tableFiles(name)
	if err != nil {
		return nil, err
	}

	// Overwrite replaces the table wholesale: the batch schema wins and the
	// prior schema is never consulted, so type changes cannot conflict.
	unified := batchSchema
	var existingSchema Schema
	if len(files) > 0 && mode != ModeOverwrite {
		existingSchema, err = l.describeSource(ctx, readParquetExpr(files))
		if err != nil {
			return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
		}
		unified, err = unifySchemas(existingSchema, batchSchema)
		if err != nil {
			return nil, err
		}
	}

	conn, err := l.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	tempName, err := l.loadBatch(ctx, conn, batchSchema, valid)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(tempName))
	}()

	body := mergeBody(mode, unified, existingSchema, batchSchema, tempName, files, keys)

	var total int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM ("+body+")").Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count merged rows for %s: %w", name, err)
	}

	tmpDir := filepath.Join(l.tablePath(name), "tmp")
	if err := l.FS.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", tmpDir, err)
	}
	tmpPath := filepath.Join(tmpDir, uuid.NewString()+".parquet")

	start := time.Now()
	copyStmt := fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET, COMPRESSION SNAPPY)", body, quotePath(tmpPath))
	if _, err := conn.ExecContext(ctx, copyStmt); err != nil {
		_ = l.FS.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write table %s: %w", name, err)
	}

	finalPath, err := l.swapInFile(name, tmpPath, files)
	if err != nil {
		return nil, err
	}
	core.Infof(ctx, "%s %d records into %s (total %d) in %v",
		mode, len(valid), name, total, time.Since(start))

	return &WriteResult{
		Status:         StatusSuccess,
		Operation:      mode,
		RecordsWritten: len(valid),
		RecordsSkipped: skipped,
		TotalRecords:   total,
		FilePath:       finalPath,
	}, nil
}

// filterMalformed drops records missing any merge-key column, or fails the
// whole batch in strict-identity mode. The dropped count is surfaced on the
// WriteResult so silent loss is observable.
func (l *Lake) filterMalformed(ctx context.Context, records []Record, keys []string) ([]Record, int, error) {
	valid := make([]Record, 0, len(records))
	skipped := 0
	for i, rec := range records {
		var missing []string
		for _, key := range keys {
			if v, ok := rec[key]; !ok || v == nil {
				missing = append(missing, key)
			}
		}
		if len(missing) == 0 {
			valid = append(valid, rec)
			continue
		}
		if l.StrictIdentity {
			return nil, 0, &MalformedRecordError{Index: i, MissingColumns: missing}
		}
		skipped++
	}
	if skipped > 0 {
		core.Warnf(ctx, "dropped %d records missing merge-key columns %v", skipped, keys)
	}
	return valid, skipped, nil
}

// loadBatch creates a per-connection temp table shaped like the batch and
// fills it in chunks.
func (l *Lake) loadBatch(ctx context.Context, conn *sql.Conn, schema Schema, records []Record) (string, error) {
	tempName := "batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quoteIdent(c.Name) + " " + string(c.Type)
	}
	create := fmt.Sprintf("CREATE TEMP TABLE %s (%s)", quoteIdent(tempName), strings.Join(cols, ", "))
	if _, err := conn.ExecContext(ctx, create); err != nil {
		return "", fmt.Errorf("failed to create batch table: %w", err)
	}

	names := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		names[i] = quoteIdent(c.Name)
	}
	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(schema.Columns)), ", ") + ")"

	for offset := 0; offset < len(records); offset += insertChunkRows {
		end := offset + insertChunkRows
		if end > len(records) {
			end = len(records)
		}
		chunk := records[offset:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(schema.Columns))
		for i, rec := range chunk {
			placeholders[i] = rowPlaceholder
			for _, c := range schema.Columns {
				args = append(args, insertValue(rec[c.Name], c.Type))
			}
		}
		insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			quoteIdent(tempName), strings.Join(names, ", "), strings.Join(placeholders, ", "))
		if _, err := conn.ExecContext(ctx, insert, args...); err != nil {
			return "", fmt.Errorf("failed to load batch rows: %w", err)
		}
	}
	return tempName, nil
}

// insertValue converts a record value to the driver type of its column.
func insertValue(v any, t ColumnType) any {
	if v == nil {
		return nil
	}
	switch t {
	case TypeBigint:
		switch n := v.(type) {
		case int:
			return int64(n)
		case int8:
			return int64(n)
		case int16:
			return int64(n)
		case int32:
			return int64(n)
		case int64:
			return n
		case uint:
			return int64(n)
		case uint8:
			return int64(n)
		case uint16:
			return int64(n)
		case uint32:
			return int64(n)
		case uint64:
			return int64(n)
		}
	case TypeDouble:
		switch n := v.(type) {
		case float32:
			return float64(n)
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	return v
}

// alignedSelect projects a source with schema `have` onto the unified
// schema: shared columns are cast where widened, missing columns become
// typed NULLs.
func alignedSelect(unified, have Schema, from string) string {
	exprs := make([]string, len(unified.Columns))
	for i, c := range unified.Columns {
		haveType, ok := have.Lookup(c.Name)
		switch {
		case !ok:
			exprs[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", c.Type, quoteIdent(c.Name))
		case haveType != c.Type:
			exprs[i] = fmt.Sprintf("CAST(%s AS %s) AS %s", quoteIdent(c.Name), c.Type, quoteIdent(c.Name))
		default:
			exprs[i] = quoteIdent(c.Name)
		}
	}
	return "SELECT " + strings.Join(exprs, ", ") + " FROM " + from
}

// mergeBody builds the SELECT producing the table's next contents.
func mergeBody(mode WriteMode, unified, existingSchema, batchSchema Schema, tempName string, files []string, keys []string) string {
	incoming := alignedSelect(unified, batchSchema, quoteIdent(tempName))
	if len(files) == 0 || mode == ModeOverwrite {
		// Missing table degrades merge and append to a plain write.
		return incoming
	}

	existing := alignedSelect(unified, existingSchema, readParquetExpr(files))

	switch mode {
	case ModeAppend:
		return existing + " UNION ALL " + incoming
	case ModeMerge:
		if len(keys) == 0 {
			// No declared key: append plus exact-row dedup.
			return fmt.Sprintf("SELECT DISTINCT * FROM (%s UNION ALL %s)", existing, incoming)
		}
		conds := make([]string, len(keys))
		for i, key := range keys {
			conds[i] = fmt.Sprintf("b.%s IS NOT DISTINCT FROM e.%s", quoteIdent(key), quoteIdent(key))
		}
		retained := fmt.Sprintf(
			"SELECT * FROM (%s) e WHERE NOT EXISTS (SELECT 1 FROM %s b WHERE %s)",
			existing, quoteIdent(tempName), strings.Join(conds, " AND "))
		return retained + " UNION ALL " + incoming
	default:
		return incoming
	}
}
