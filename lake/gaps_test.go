package lake

import (
	"context"
	"errors"
	"testing"
	"time"
)

func trackRec(trackID, artistID, artist, albumID string, playedAt time.Time) Record {
	return Record{
		"track_id":   trackID,
		"track_name": "Track " + trackID,
		"artist_id":  artistID,
		"artist":     artist,
		"album_id":   albumID,
		"track_isrc": "US" + trackID,
		"played_at":  playedAt,
	}
}

func seedPlays(t *testing.T, l *Lake, records []Record) {
	t.Helper()
	if _, err := l.WriteTable(context.Background(), "tracks_played", records, ModeAppend); err != nil {
		t.Fatalf("seed tracks_played: %v", err)
	}
}

func TestMissingArtists(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedPlays(t, l, []Record{
		trackRec("t1", "a1", "Bon Iver", "al1", now),
		trackRec("t2", "a2", "Big Thief", "al2", now),
		trackRec("t3", "a2", "Big Thief", "al2", now.Add(-time.Hour)),
		trackRec("t4", "a3", "Sufjan Stevens", "al3", now),
	})
	if _, err := l.WriteTable(ctx, "spotify_artists", []Record{
		{"artist_id": "a1", "name": "Bon Iver"},
	}, ModeMerge); err != nil {
		t.Fatalf("seed spotify_artists: %v", err)
	}

	records, err := l.Missing(ctx, "artists", GapOptions{})
	if err != nil {
		t.Fatalf("Missing() error = %v", err)
	}
	if got := artistIDs(t, records); len(got) != 2 || got[0] != "a2" || got[1] != "a3" {
		t.Fatalf("Missing() ids = %v, want [a2 a3]", got)
	}

	count, err := l.CountMissing(ctx, "artists")
	if err != nil {
		t.Fatalf("CountMissing() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountMissing() = %d, want 2", count)
	}
}

func TestMissingNoTargetTable(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedPlays(t, l, []Record{
		trackRec("t1", "a1", "Bon Iver", "al1", now),
	})

	// First run: enrichment table does not exist yet, so everything in the
	// source is missing.
	records, err := l.Missing(ctx, "artists", GapOptions{})
	if err != nil {
		t.Fatalf("Missing() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Missing() returned %d records, want 1", len(records))
	}
}

func TestMissingSourceTableAbsent(t *testing.T) {
	l := newTestLake(t)

	_, err := l.Missing(context.Background(), "artists", GapOptions{})
	if !errors.Is(err, ErrMissingSourceTable) {
		t.Fatalf("Missing() error = %v, want ErrMissingSourceTable", err)
	}
	if _, err := l.CountMissing(context.Background(), "artists"); !errors.Is(err, ErrMissingSourceTable) {
		t.Fatalf("CountMissing() error = %v, want ErrMissingSourceTable", err)
	}
}

func TestMissingUnknownEntity(t *testing.T) {
	l := newTestLake(t)
	if _, err := l.Missing(context.Background(), "podcasts", GapOptions{}); err == nil {
		t.Fatal("Missing() accepted an unknown entity type")
	}
}

func TestMissingPaging(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedPlays(t, l, []Record{
		trackRec("t1", "a1", "Alvvays", "al1", now),
		trackRec("t2", "a2", "Big Thief", "al2", now),
		trackRec("t3", "a3", "Caribou", "al3", now),
	})

	// Pages must partition the missing set with no overlap and no gap.
	var paged []string
	for offset := 0; ; offset++ {
		records, err := l.GetBatch(ctx, "artists", 1, offset)
		if err != nil {
			t.Fatalf("GetBatch() error = %v", err)
		}
		if len(records) == 0 {
			break
		}
		paged = append(paged, records[0]["artist_id"].(string))
	}

	want := []string{"a1", "a2", "a3"}
	if len(paged) != len(want) {
		t.Fatalf("paged ids = %v, want %v", paged, want)
	}
	for i := range want {
		if paged[i] != want[i] {
			t.Fatalf("paged ids = %v, want %v", paged, want)
		}
	}
}

func TestMissingAlbumsOrderedByPlayCount(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedPlays(t, l, []Record{
		trackRec("t1", "a1", "Bon Iver", "al1", now),
		trackRec("t2", "a1", "Bon Iver", "al2", now),
		trackRec("t3", "a1", "Bon Iver", "al2", now.Add(-time.Hour)),
		trackRec("t4", "a1", "Bon Iver", "al2", now.Add(-2*time.Hour)),
	})

	records, err := l.Missing(ctx, "albums", GapOptions{})
	if err != nil {
		t.Fatalf("Missing() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Missing() returned %d albums, want 2", len(records))
	}
	if records[0]["album_id"] != "al2" {
		t.Errorf("first album = %v, want the most played (al2)", records[0]["album_id"])
	}
	if records[0]["play_count"] != int64(3) {
		t.Errorf("al2 play_count = %v, want 3", records[0]["play_count"])
	}
}

func TestMissingMbzArtistsRecency(t *testing.T) {
	l := newTestLake(t, WithEntities(DefaultEntities(48*time.Hour)))
	ctx := context.Background()
	now := time.Now().UTC()

	seedPlays(t, l, []Record{
		trackRec("t1", "a1", "Bon Iver", "al1", now.Add(-time.Hour)),
		trackRec("t2", "a2", "Big Thief", "al2", now.Add(-80*time.Hour)),
	})

	records, err := l.Missing(ctx, "mbz_artists", GapOptions{})
	if err != nil {
		t.Fatalf("Missing() error = %v", err)
	}
	if len(records) != 1 || records[0]["artist_id"] != "a1" {
		t.Fatalf("Missing() = %v, want only the recently played a1", records)
	}
	if records[0]["track_isrc"] != "USt1" {
		t.Errorf("track_isrc = %v, want USt1", records[0]["track_isrc"])
	}
}

func TestMissingCitiesSkipsEmptyParams(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()

	if _, err := l.WriteTable(ctx, "mbz_area_hierarchy", []Record{
		{"area_id": "ar1", "params": "Eau Claire,US", "city_name": "Eau Claire", "country_code": "US", "country_name": "United States"},
		{"area_id": "ar2", "params": "", "city_name": "", "country_code": "", "country_name": ""},
	}, ModeMerge); err != nil {
		t.Fatalf("seed mbz_area_hierarchy: %v", err)
	}

	records, err := l.Missing(ctx, "cities", GapOptions{})
	if err != nil {
		t.Fatalf("Missing() error = %v", err)
	}
	if len(records) != 1 || records[0]["params"] != "Eau Claire,US" {
		t.Fatalf("Missing() = %v, want only the populated params row", records)
	}
}

func TestMissingExclude(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedPlays(t, l, []Record{
		trackRec("t1", "a1", "Alvvays", "al1", now),
		trackRec("t2", "a2", "Big Thief", "al2", now),
	})

	records, err := l.Missing(ctx, "artists", GapOptions{Exclude: []string{"a1"}})
	if err != nil {
		t.Fatalf("Missing() error = %v", err)
	}
	if len(records) != 1 || records[0]["artist_id"] != "a2" {
		t.Fatalf("Missing() = %v, want only a2", records)
	}
}

func TestCheckExists(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()

	t.Run("Missing table reports all false", func(t *testing.T) {
		got, err := l.CheckExists(ctx, "spotify_artists", "artist_id", []string{"a1"})
		if err != nil {
			t.Fatalf("CheckExists() error = %v", err)
		}
		if got["a1"] {
			t.Errorf("CheckExists() = %v, want a1 false", got)
		}
	})

	if _, err := l.WriteTable(ctx, "spotify_artists", []Record{
		artistRec("a1", "Bon Iver", 78),
	}, ModeMerge); err != nil {
		t.Fatalf("seed spotify_artists: %v", err)
	}

	t.Run("Present and absent keys", func(t *testing.T) {
		got, err := l.CheckExists(ctx, "spotify_artists", "artist_id", []string{"a1", "a2"})
		if err != nil {
			t.Fatalf("CheckExists() error = %v", err)
		}
		if !got["a1"] || got["a2"] {
			t.Errorf("CheckExists() = %v, want a1 true and a2 false", got)
		}
	})
}
