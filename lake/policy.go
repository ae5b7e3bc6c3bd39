// policy.go
package lake

// MergeKeyPolicy maps a table name to the ordered column list that jointly
// identifies a logical entity. Tables without a declared key fall back to
// full-row uniqueness on merge. The policy is resolved once at construction
// time and injected into the store, never re-derived per write.
type MergeKeyPolicy map[string][]string

// Keys returns the merge key for a table, or nil when none is declared.
func (p MergeKeyPolicy) Keys(table string) []string {
	if p == nil {
		return nil
	}
	return p[table]
}

// DefaultMergeKeys is the policy for the music-history lake. tracks_played
// carries no key: it is the append-only history table, deduplicated by the
// play-event deduplicator instead of key merge.
func DefaultMergeKeys() MergeKeyPolicy {
	return MergeKeyPolicy{
		"spotify_artists":      {"artist_id"},
		"spotify_albums":       {"album_id"},
		"spotify_artist_genre": {"artist_id", "genre"},
		"mbz_artist_info":      {"id"},
		"mbz_area_hierarchy":   {"area_id"},
		"cities_with_lat_long": {"params"},
	}
}
