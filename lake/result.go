// result.go
package lake

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a table has no data files yet. Expected on
// first run; callers treat it as "no data", not a failure.
var ErrNotFound = errors.New("lake: table not found")

// ErrMissingSourceTable is returned by gap queries whose source-of-truth
// table does not exist. Fatal for that query only.
var ErrMissingSourceTable = errors.New("lake: gap source table not found")

// SchemaConflictError reports an incompatible column type between the
// existing table and an incoming batch. The write is aborted with no
// partial apply.
type SchemaConflictError struct {
	Column   string
	Existing ColumnType
	Incoming ColumnType
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict on column %q: existing %s, incoming %s",
		e.Column, e.Existing, e.Incoming)
}

// MalformedRecordError reports a record missing the identity columns needed
// for merge-key computation. Surfaced only in strict-identity mode;
// otherwise such records are dropped and counted in WriteResult.
type MalformedRecordError struct {
	Index          int
	MissingColumns []string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("record %d is missing merge-key columns %v", e.Index, e.MissingColumns)
}

// WriteMode selects how an incoming batch is reconciled with the table.
type WriteMode string

const (
	// ModeOverwrite discards existing contents; the batch becomes the table.
	ModeOverwrite WriteMode = "overwrite"
	// ModeAppend concatenates with no key-based deduplication.
	ModeAppend WriteMode = "append"
	// ModeMerge upserts on the table's merge key (last write wins).
	ModeMerge WriteMode = "merge"
)

func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(s) {
	case ModeOverwrite, ModeAppend, ModeMerge:
		return WriteMode(s), nil
	default:
		return "", fmt.Errorf("unsupported write mode: %q", s)
	}
}

// WriteStatus distinguishes the expected outcomes of a write. Unexpected
// conditions (schema conflict, I/O failure) are errors, not statuses.
type WriteStatus string

const (
	StatusSuccess   WriteStatus = "success"
	StatusNoUpdates WriteStatus = "no_updates"
)

// WriteResult reports what a write did.
type WriteResult struct {
	Status         WriteStatus `json:"status"`
	Operation      WriteMode   `json:"operation"`
	RecordsWritten int         `json:"records_written"`
	RecordsSkipped int         `json:"records_skipped,omitempty"`
	TotalRecords   int64       `json:"total_records"`
	FilePath       string      `json:"file_path,omitempty"`
}

// TableInfo describes an existing table.
type TableInfo struct {
	Name        string  `json:"name"`
	RecordCount int64   `json:"record_count"`
	Schema      Schema  `json:"schema"`
	FileCount   int     `json:"file_count"`
	FileSizes   []int64 `json:"file_sizes"`
}
