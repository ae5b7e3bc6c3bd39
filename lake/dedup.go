// dedup.go
package lake

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PlaysTable is the append-only listening history table that gap queries
// read from.
const PlaysTable = "tracks_played"

// PlayEvent is one observed listen. Spotify events carry a TrackID;
// events from other scrobble sources may identify the track by name only.
type PlayEvent struct {
	UserID        string    `json:"user_id"`
	TrackID       string    `json:"track_id"`
	TrackURI      string    `json:"track_uri"`
	TrackISRC     string    `json:"track_isrc"`
	TrackName     string    `json:"track_name"`
	AlbumID       string    `json:"album_id"`
	AlbumURI      string    `json:"album_uri"`
	Album         string    `json:"album"`
	ArtistID      string    `json:"artist_id"`
	ArtistMBID    string    `json:"artist_mbid"`
	Artist        string    `json:"artist"`
	DurationMS    int64     `json:"duration_ms"`
	PlayedAt      time.Time `json:"played_at"`
	Popularity    int64     `json:"popularity"`
	RequestCursor string    `json:"request_cursor"`
	PlaySource    string    `json:"play_source"`
}

// IdentityKey is the track identity used for duplicate detection: the
// stable TrackID when present, otherwise the (track, artist) name pair.
func (e PlayEvent) IdentityKey() string {
	if e.TrackID != "" {
		return "id:" + e.TrackID
	}
	return "name:" + e.TrackName + "\x00" + e.Artist
}

// Record converts the event to a storable row.
func (e PlayEvent) Record() Record {
	rec := Record{
		"user_id":        nullable(e.UserID),
		"track_id":       nullable(e.TrackID),
		"track_uri":      nullable(e.TrackURI),
		"track_isrc":     nullable(e.TrackISRC),
		"track_name":     nullable(e.TrackName),
		"album_id":       nullable(e.AlbumID),
		"album_uri":      nullable(e.AlbumURI),
		"album":          nullable(e.Album),
		"artist_id":      nullable(e.ArtistID),
		"artist_mbid":    nullable(e.ArtistMBID),
		"artist":         nullable(e.Artist),
		"duration_ms":    e.DurationMS,
		"popularity":     e.Popularity,
		"request_cursor": nullable(e.RequestCursor),
		"play_source":    nullable(e.PlaySource),
	}
	if !e.PlayedAt.IsZero() {
		rec["played_at"] = e.PlayedAt
	} else {
		rec["played_at"] = nil
	}
	return rec
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// fieldCount counts populated fields, used to prefer the richer of two
// otherwise identical events.
func (e PlayEvent) fieldCount() int {
	n := 0
	for _, s := range []string{
		e.UserID, e.TrackID, e.TrackURI, e.TrackISRC, e.TrackName,
		e.AlbumID, e.AlbumURI, e.Album, e.ArtistID, e.ArtistMBID,
		e.Artist, e.RequestCursor, e.PlaySource,
	} {
		if s != "" {
			n++
		}
	}
	if e.DurationMS != 0 {
		n++
	}
	if e.Popularity != 0 {
		n++
	}
	return n
}

// canonicalKey is a total order over events, so dedup output is stable
// under input permutation.
func (e PlayEvent) canonicalKey() string {
	var b strings.Builder
	if !e.PlayedAt.IsZero() {
		b.WriteString(e.PlayedAt.UTC().Format(time.RFC3339Nano))
	}
	b.WriteByte('\x00')
	b.WriteString(e.IdentityKey())
	b.WriteByte('\x00')
	b.WriteString(strconv.FormatInt(e.DurationMS, 10))
	b.WriteByte('\x00')
	b.WriteString(e.PlaySource)
	b.WriteByte('\x00')
	b.WriteString(e.UserID)
	return b.String()
}

// preferEvent reports whether a should replace b as the kept copy of an
// exact duplicate pair.
func preferEvent(a, b PlayEvent) bool {
	if (a.TrackID != "") != (b.TrackID != "") {
		return a.TrackID != ""
	}
	if ac, bc := a.fieldCount(), b.fieldCount(); ac != bc {
		return ac > bc
	}
	return a.canonicalKey() < b.canonicalKey()
}

// Deduplicate removes duplicate listens from a batch in two phases.
//
// Phase one drops exact duplicates: events with the same track identity
// and the same timestamp, as happens when overlapping API pages report
// the same listen twice. The kept copy is the one with a TrackID, or
// failing that the one carrying more metadata.
//
// Phase two drops re-reports of a single continuous listen: within one
// (track, artist) name group, an event that falls inside the previously
// kept event's playing window cannot be a separate complete play. Events
// further apart than that duration always survive, so genuine
// back-to-back listens of the same track are preserved. Events with no
// usable identity or timestamp pass through untouched.
//
// Output order is the canonical sort: timestamp, then identity. The
// function is idempotent and insensitive to input order.
func (l *Lake) Deduplicate(events []PlayEvent) []PlayEvent {
	sorted := make([]PlayEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].canonicalKey() < sorted[j].canonicalKey()
	})

	// Phase 1: exact (identity, played_at) duplicates.
	type exactKey struct {
		identity string
		playedAt int64
	}
	seen := make(map[exactKey]int)
	exact := sorted[:0]
	for _, ev := range sorted {
		if ev.PlayedAt.IsZero() || (ev.TrackID == "" && ev.TrackName == "") {
			exact = append(exact, ev)
			continue
		}
		key := exactKey{ev.IdentityKey(), ev.PlayedAt.UnixNano()}
		if idx, dup := seen[key]; dup {
			if preferEvent(ev, exact[idx]) {
				exact[idx] = ev
			}
			continue
		}
		seen[key] = len(exact)
		exact = append(exact, ev)
	}

	// Phase 2: near-duplicates inside a listening window. Compare each
	// event against the previously kept event of its name group; a
	// retained event resets the window, so jittered re-reports do not
	// chain into dropping a genuine later listen.
	type groupKey struct {
		track, artist string
	}
	lastKept := make(map[groupKey]PlayEvent)
	out := make([]PlayEvent, 0, len(exact))
	for _, ev := range exact {
		if ev.PlayedAt.IsZero() || ev.TrackName == "" {
			out = append(out, ev)
			continue
		}
		key := groupKey{ev.TrackName, ev.Artist}
		if prev, ok := lastKept[key]; ok && prev.DurationMS > 0 {
			gap := ev.PlayedAt.Sub(prev.PlayedAt)
			if gap >= 0 && gap <= time.Duration(prev.DurationMS)*time.Millisecond {
				continue
			}
		}
		lastKept[key] = ev
		out = append(out, ev)
	}

	if l.Metrics != nil {
		l.Metrics.ObserveDedup(len(events), len(out))
	}
	return out
}

// StorePlays deduplicates a batch of listens and merges the survivors into
// tracks_played. The table carries no merge key, so the keyless merge path
// discards rows already written by an earlier, overlapping batch.
func (l *Lake) StorePlays(ctx context.Context, events []PlayEvent) ([]PlayEvent, *WriteResult, error) {
	kept := l.Deduplicate(events)
	if len(kept) == 0 {
		return kept, &WriteResult{Status: StatusNoUpdates, Operation: ModeMerge}, nil
	}
	records := make([]Record, len(kept))
	for i, ev := range kept {
		records[i] = ev.Record()
	}
	res, err := l.WriteTable(ctx, PlaysTable, records, ModeMerge)
	if err != nil {
		return nil, nil, err
	}
	return kept, res, nil
}
