package lake

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func playAt(t time.Time) PlayEvent {
	return PlayEvent{
		TrackID:    "3Z0oQ8r78OUaHvGPiDBR3W",
		TrackName:  "Towers",
		Artist:     "Bon Iver",
		DurationMS: 183000,
		PlayedAt:   t,
		PlaySource: "spotify",
	}
}

func TestDeduplicateExact(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(t.TempDir())

	t.Run("Same identity and timestamp collapses", func(t *testing.T) {
		a := playAt(base)
		b := playAt(base)
		b.RequestCursor = "cursor-2"
		got := l.Deduplicate([]PlayEvent{a, b})
		if len(got) != 1 {
			t.Fatalf("Deduplicate() kept %d events, want 1", len(got))
		}
	})

	t.Run("Richer duplicate wins", func(t *testing.T) {
		thin := PlayEvent{TrackName: "Towers", Artist: "Bon Iver", PlayedAt: base}
		rich := thin
		rich.TrackID = "3Z0oQ8r78OUaHvGPiDBR3W"
		rich.Album = "Bon Iver, Bon Iver"
		got := l.Deduplicate([]PlayEvent{thin, rich})
		if len(got) != 1 {
			t.Fatalf("Deduplicate() kept %d events, want 1", len(got))
		}
		if got[0].TrackID == "" {
			t.Errorf("Deduplicate() kept the thin copy, want the one with a track id")
		}
	})

	t.Run("Different timestamps survive", func(t *testing.T) {
		got := l.Deduplicate([]PlayEvent{playAt(base), playAt(base.Add(4 * time.Minute))})
		if len(got) != 2 {
			t.Fatalf("Deduplicate() kept %d events, want 2", len(got))
		}
	})

	t.Run("No identity passes through", func(t *testing.T) {
		anon := PlayEvent{PlayedAt: base, DurationMS: 183000}
		got := l.Deduplicate([]PlayEvent{anon, anon})
		if len(got) != 2 {
			t.Fatalf("Deduplicate() kept %d anonymous events, want 2", len(got))
		}
	})
}

func TestDeduplicateWindow(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(t.TempDir())

	t.Run("Re-report within track duration dropped", func(t *testing.T) {
		first := playAt(base)
		rereport := playAt(base.Add(90 * time.Second)) // 183s track
		got := l.Deduplicate([]PlayEvent{first, rereport})
		if len(got) != 1 {
			t.Fatalf("Deduplicate() kept %d events, want 1", len(got))
		}
		if !got[0].PlayedAt.Equal(base) {
			t.Errorf("Deduplicate() kept %v, want the earlier report", got[0].PlayedAt)
		}
	})

	t.Run("Back-to-back listens survive", func(t *testing.T) {
		first := playAt(base)
		second := playAt(base.Add(184 * time.Second))
		got := l.Deduplicate([]PlayEvent{first, second})
		if len(got) != 2 {
			t.Fatalf("Deduplicate() kept %d events, want 2", len(got))
		}
	})

	t.Run("Kept event resets the window", func(t *testing.T) {
		// A jittered re-report must not push the window forward and
		// swallow a genuine third listen.
		first := playAt(base)
		jitter := playAt(base.Add(10 * time.Second))
		third := playAt(base.Add(185 * time.Second))
		got := l.Deduplicate([]PlayEvent{first, jitter, third})
		if len(got) != 2 {
			t.Fatalf("Deduplicate() kept %d events, want 2", len(got))
		}
	})

	t.Run("Unknown duration passes through", func(t *testing.T) {
		a := playAt(base)
		a.DurationMS = 0
		b := playAt(base.Add(10 * time.Second))
		b.DurationMS = 0
		got := l.Deduplicate([]PlayEvent{a, b})
		if len(got) != 2 {
			t.Fatalf("Deduplicate() kept %d events, want 2", len(got))
		}
	})

	t.Run("Different artists do not share a window", func(t *testing.T) {
		a := playAt(base)
		b := playAt(base.Add(30 * time.Second))
		b.TrackID = "5uWQzVq7XNG9LxA0RWK2gM"
		b.Artist = "Bon Iver Tribute Band"
		got := l.Deduplicate([]PlayEvent{a, b})
		if len(got) != 2 {
			t.Fatalf("Deduplicate() kept %d events, want 2", len(got))
		}
	})
}

func TestDeduplicateDeterminism(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(t.TempDir())

	events := []PlayEvent{
		playAt(base),
		playAt(base),
		playAt(base.Add(90 * time.Second)),
		playAt(base.Add(10 * time.Minute)),
	}
	other := playAt(base.Add(2 * time.Minute))
	other.TrackID = "1xKQ9zvWm4NBidQv6K8QnF"
	other.TrackName = "Holocene"
	events = append(events, other)

	want := l.Deduplicate(events)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]PlayEvent, len(events))
		copy(shuffled, events)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := l.Deduplicate(shuffled)
		if len(got) != len(want) {
			t.Fatalf("permutation %d kept %d events, want %d", i, len(got), len(want))
		}
		for j := range got {
			if got[j] != want[j] {
				t.Fatalf("permutation %d differs at %d: %+v vs %+v", i, j, got[j], want[j])
			}
		}
	}

	again := l.Deduplicate(want)
	if len(again) != len(want) {
		t.Fatalf("Deduplicate() is not idempotent: %d then %d", len(want), len(again))
	}
}

func TestStorePlays(t *testing.T) {
	l := newTestLake(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// An exact duplicate and an in-window re-report collapse before the
	// write; one row lands in the history table.
	kept, res, err := l.StorePlays(ctx, []PlayEvent{
		playAt(base),
		playAt(base),
		playAt(base.Add(90 * time.Second)),
	})
	if err != nil {
		t.Fatalf("StorePlays() error = %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("StorePlays() kept %d events, want 1", len(kept))
	}
	if res.Status != StatusSuccess || res.TotalRecords != 1 {
		t.Fatalf("StorePlays() write = %+v, want success with 1 row", res)
	}

	// A later batch re-delivers the stored listen alongside a new one. The
	// keyless merge drops the row already on disk.
	kept, res, err = l.StorePlays(ctx, []PlayEvent{
		playAt(base),
		playAt(base.Add(4 * time.Minute)),
	})
	if err != nil {
		t.Fatalf("StorePlays() error = %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("StorePlays() kept %d events, want 2", len(kept))
	}
	if res.TotalRecords != 2 {
		t.Errorf("tracks_played holds %d rows, want 2", res.TotalRecords)
	}

	records, err := l.ReadTable(ctx, PlaysTable)
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("ReadTable() returned %d rows, want 2", len(records))
	}
}

func TestStorePlaysEmpty(t *testing.T) {
	l := newTestLake(t)

	kept, res, err := l.StorePlays(context.Background(), nil)
	if err != nil {
		t.Fatalf("StorePlays() error = %v", err)
	}
	if len(kept) != 0 || res.Status != StatusNoUpdates {
		t.Errorf("StorePlays() = %d kept, %+v; want none and no_updates", len(kept), res)
	}
	if l.TableExists(PlaysTable) {
		t.Errorf("empty batch created the table")
	}
}
