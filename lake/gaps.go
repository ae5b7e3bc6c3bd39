// gaps.go
package lake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tracklake/tracklake/core"
)

// GapSpec parameterizes one "what still needs enrichment" query: entities
// present in the source-of-truth table and absent from the target table,
// found with a relational anti-join pushed down to DuckDB so neither table
// is materialized in memory.
type GapSpec struct {
	Name string

	SourceTable string
	SourceKey   string
	TargetTable string
	TargetKey   string

	// Select lists the projected expressions over the source alias `s`.
	// Aggregates are allowed when GroupBy is set.
	Select  []string
	GroupBy []string
	// OrderBy must impose a total order so limit/offset paging partitions
	// one stable result set.
	OrderBy []string

	// RecencyColumn/RecencyWindow restrict the source scan to recent rows.
	RecencyColumn string
	RecencyWindow time.Duration

	// ExtraWhere adds source-side predicates (alias `s`).
	ExtraWhere []string
}

// EntityRegistry resolves entity type names to gap specs.
type EntityRegistry struct {
	specs map[string]GapSpec
}

func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{specs: make(map[string]GapSpec)}
}

func (r *EntityRegistry) Register(spec GapSpec) {
	r.specs[spec.Name] = spec
}

func (r *EntityRegistry) Get(name string) (GapSpec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

func (r *EntityRegistry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultEntities registers the four enrichment flows of the music
// pipeline: Spotify artist and album metadata, MusicBrainz artist info,
// and geocoding for areas.
func DefaultEntities(recencyWindow time.Duration) *EntityRegistry {
	r := NewEntityRegistry()
	r.Register(GapSpec{
		Name:        "artists",
		SourceTable: "tracks_played",
		SourceKey:   "artist_id",
		TargetTable: "spotify_artists",
		TargetKey:   "artist_id",
		Select:      []string{"s.artist_id", "s.artist"},
		OrderBy:     []string{"s.artist", "s.artist_id"},
	})
	r.Register(GapSpec{
		Name:        "albums",
		SourceTable: "tracks_played",
		SourceKey:   "album_id",
		TargetTable: "spotify_albums",
		TargetKey:   "album_id",
		Select:      []string{"s.album_id", "COUNT(*) AS play_count"},
		GroupBy:     []string{"s.album_id"},
		OrderBy:     []string{"play_count DESC", "s.album_id"},
	})
	r.Register(GapSpec{
		Name:        "mbz_artists",
		SourceTable: "tracks_played",
		SourceKey:   "artist_id",
		TargetTable: "mbz_artist_info",
		TargetKey:   "spotify_id",
		Select:      []string{"s.artist_id", "s.artist", "FIRST(s.track_isrc) AS track_isrc"},
		GroupBy:     []string{"s.artist_id", "s.artist"},
		OrderBy:     []string{"s.artist", "s.artist_id"},
		// Only artists heard recently are worth the rate-limited
		// MusicBrainz lookups.
		RecencyColumn: "played_at",
		RecencyWindow: recencyWindow,
		ExtraWhere:    []string{"s.track_isrc IS NOT NULL"},
	})
	r.Register(GapSpec{
		Name:        "cities",
		SourceTable: "mbz_area_hierarchy",
		SourceKey:   "params",
		TargetTable: "cities_with_lat_long",
		TargetKey:   "params",
		Select:      []string{"s.params", "s.city_name", "s.country_code", "s.country_name"},
		OrderBy:     []string{"s.city_name", "s.params"},
		ExtraWhere:  []string{"s.params != ''"},
	})
	return r
}

// GapOptions shape a gap query. Zero Limit means no cap. Exclude removes
// the given source keys from consideration.
type GapOptions struct {
	Limit   int
	Offset  int
	Exclude []string
}

// Missing returns the entities known to the source table and absent from
// the target, ordered by the spec's natural order; LIMIT/OFFSET apply
// after ORDER BY so repeated calls partition one logical result set.
// A missing target table means everything in the source is missing,
// which is the expected first-run state rather than an error.
func (l *Lake) Missing(ctx context.Context, entity string, opts GapOptions) ([]Record, error) {
	spec, ok := l.Entities.Get(entity)
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %q", entity)
	}

	query, args, err := l.gapQuery(spec, opts, false)
	if err != nil {
		return nil, err
	}

	if l.Metrics != nil {
		l.Metrics.ObserveGapQuery(entity)
	}
	start := time.Now()
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("gap query for %s failed: %w", entity, err)
	}
	defer rows.Close()

	raw, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	core.Debugf(ctx, "found %d missing %s in %v", len(raw), entity, time.Since(start))

	records := make([]Record, len(raw))
	for i, row := range raw {
		records[i] = Record(row)
	}
	return records, nil
}

// GetBatch pages through the missing set for batch planning.
func (l *Lake) GetBatch(ctx context.Context, entity string, batchSize, offset int) ([]Record, error) {
	return l.Missing(ctx, entity, GapOptions{Limit: batchSize, Offset: offset})
}

// CountMissing counts missing entities with a genuine COUNT query; the row
// set is never materialized.
func (l *Lake) CountMissing(ctx context.Context, entity string) (int64, error) {
	spec, ok := l.Entities.Get(entity)
	if !ok {
		return 0, fmt.Errorf("unknown entity type: %q", entity)
	}

	query, args, err := l.gapQuery(spec, GapOptions{}, true)
	if err != nil {
		return 0, err
	}

	if l.Metrics != nil {
		l.Metrics.ObserveGapQuery(entity)
	}
	var count int64
	if err := l.DB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("gap count for %s failed: %w", entity, err)
	}
	return count, nil
}

// gapQuery builds the anti-join SQL for a spec.
func (l *Lake) gapQuery(spec GapSpec, opts GapOptions, count bool) (string, []any, error) {
	sourceFiles, err := l.tableFiles(spec.SourceTable)
	if err != nil {
		return "", nil, err
	}
	if len(sourceFiles) == 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrMissingSourceTable, spec.SourceTable)
	}
	targetFiles, err := l.tableFiles(spec.TargetTable)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	var args []any

	if count {
		fmt.Fprintf(&b, "SELECT COUNT(DISTINCT s.%s)", quoteIdent(spec.SourceKey))
	} else {
		b.WriteString("SELECT ")
		if len(spec.GroupBy) == 0 {
			b.WriteString("DISTINCT ")
		}
		b.WriteString(strings.Join(spec.Select, ", "))
	}
	fmt.Fprintf(&b, " FROM %s AS s", readParquetExpr(sourceFiles))

	conds := []string{fmt.Sprintf("s.%s IS NOT NULL", quoteIdent(spec.SourceKey))}

	if len(targetFiles) > 0 {
		fmt.Fprintf(&b, " LEFT JOIN %s AS t ON s.%s = t.%s",
			readParquetExpr(targetFiles), quoteIdent(spec.SourceKey), quoteIdent(spec.TargetKey))
		conds = append(conds, fmt.Sprintf("t.%s IS NULL", quoteIdent(spec.TargetKey)))
	}

	conds = append(conds, spec.ExtraWhere...)
	if spec.RecencyColumn != "" && spec.RecencyWindow > 0 {
		conds = append(conds, fmt.Sprintf("s.%s >= CURRENT_TIMESTAMP - INTERVAL '%d seconds'",
			quoteIdent(spec.RecencyColumn), int64(spec.RecencyWindow.Seconds())))
	}
	if len(opts.Exclude) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(opts.Exclude)), ", ")
		conds = append(conds, fmt.Sprintf("s.%s NOT IN (%s)", quoteIdent(spec.SourceKey), placeholders))
		for _, ex := range opts.Exclude {
			args = append(args, ex)
		}
	}

	b.WriteString(" WHERE " + strings.Join(conds, " AND "))

	if !count {
		if len(spec.GroupBy) > 0 {
			b.WriteString(" GROUP BY " + strings.Join(spec.GroupBy, ", "))
		}
		if len(spec.OrderBy) > 0 {
			b.WriteString(" ORDER BY " + strings.Join(spec.OrderBy, ", "))
		}
		if opts.Limit > 0 {
			fmt.Fprintf(&b, " LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
		} else if opts.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", opts.Offset)
		}
	}

	return b.String(), args, nil
}

// CheckExists reports which of the given keys are already present in a
// table. A missing table means none of them exist yet.
func (l *Lake) CheckExists(ctx context.Context, table, keyColumn string, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	for _, id := range ids {
		result[id] = false
	}
	if len(ids) == 0 {
		return result, nil
	}

	files, err := l.tableFiles(table)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IN (%s)",
		quoteIdent(keyColumn), readParquetExpr(files), quoteIdent(keyColumn), placeholders)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("existence probe on %s failed: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning key: %w", err)
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return result, nil
}
