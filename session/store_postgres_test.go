package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/live"
	"github.com/onnwee/streamwarden/testutil"
)

func uniqueBroadcaster(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("bc-%d", time.Now().UnixNano())
}

func TestPGStoreSingleOpenSession(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := NewPGStore(database)
	ctx := context.Background()
	bid := uniqueBroadcaster(t)
	start := time.Now().UTC().Truncate(time.Second)

	first, err := store.Create(ctx, StreamSession{BroadcasterID: bid, ChannelSlug: "chan", StartedAt: start, LastLiveCheckAt: start})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Create(ctx, StreamSession{BroadcasterID: bid, ChannelSlug: "chan", StartedAt: start}); !errors.Is(err, ErrOpenSessionExists) {
		t.Fatalf("second Create() error = %v, want ErrOpenSessionExists", err)
	}

	if err := store.UpdateLive(ctx, first.ID, LiveUpdate{Title: "t", ViewerCount: 50, CheckedAt: start.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateLive(ctx, first.ID, LiveUpdate{ViewerCount: 20, CheckedAt: start.Add(2 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	open, err := store.FindOpen(ctx, bid)
	if err != nil {
		t.Fatal(err)
	}
	if open.PeakViewerCount != 50 || open.Title != "t" {
		t.Errorf("open session = %+v, want peak 50 and title kept", open)
	}

	ended, err := store.End(ctx, first.ID, start.Add(90*time.Minute), 12)
	if err != nil || !ended {
		t.Fatalf("End() = %v, %v", ended, err)
	}
	if again, _ := store.End(ctx, first.ID, start.Add(time.Hour), 0); again {
		t.Error("End() on a closed session should report false")
	}
	got, _ := store.Get(ctx, first.ID)
	if got.DurationSeconds != 5400 || got.TotalMessages != 12 {
		t.Errorf("closed session = %+v", got)
	}
	if _, err := store.FindOpen(ctx, bid); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindOpen() after close error = %v", err)
	}
	if err := store.UpdateLive(ctx, first.ID, LiveUpdate{CheckedAt: start}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateLive() on closed session error = %v", err)
	}
}

func TestPGStoreConcurrentReconcile(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := NewPGStore(database)
	bid := uniqueBroadcaster(t)
	rec := NewReconciler(store, nil, ReconcilerConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs := live.Observation{Channel: live.Channel{BroadcasterID: bid, Slug: "chan"}, IsLive: true}
			if _, err := rec.Observe(context.Background(), obs); err != nil {
				t.Errorf("Observe() error = %v", err)
			}
		}()
	}
	wg.Wait()

	var n int
	if err := database.QueryRow(`SELECT COUNT(*) FROM stream_sessions WHERE broadcaster_id=$1 AND ended_at IS NULL`, bid).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("open sessions = %d, want 1", n)
	}
}

func TestPGStoreCorrectionAndMerge(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := NewPGStore(database)
	ctx := context.Background()
	bid := uniqueBroadcaster(t)
	start := time.Now().Add(-6 * time.Hour).UTC().Truncate(time.Second)
	end := start.Add(3 * time.Hour)
	phantomEnd := start.Add(30 * time.Second)

	keep, err := store.Create(ctx, StreamSession{BroadcasterID: bid, ChannelSlug: "c", StartedAt: start.Add(10 * time.Second), EndedAt: &end})
	if err != nil {
		t.Fatal(err)
	}
	drop, err := store.Create(ctx, StreamSession{BroadcasterID: bid, ChannelSlug: "c", StartedAt: start, EndedAt: &phantomEnd, ExternalStreamID: "stream-9"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := database.Exec(`INSERT INTO chat_messages (message_id, session_id, broadcaster_id, sender_id, sent_at) VALUES ($1,$2,$3,'u',$4)`,
		bid+"-m1", drop.ID, bid, start.Add(5*time.Second)); err != nil {
		t.Fatal(err)
	}

	if err := store.Merge(ctx, keep.ID, drop.ID); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	merged, _ := store.Get(ctx, keep.ID)
	if merged.TotalMessages != 1 || merged.ExternalStreamID != "stream-9" {
		t.Errorf("merged = %+v, want 1 message and inherited external id", merged)
	}
	if _, err := store.Get(ctx, drop.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("dropped session still present: %v", err)
	}

	corrected := time.Now().UTC()
	if err := store.ApplyCorrection(ctx, keep.ID, Correction{StartedAt: start, EndedAt: end.Add(time.Minute), Title: "VOD", AdjustTimes: true, CorrectedAt: corrected}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, keep.ID)
	if !got.StartedAt.Equal(start) || got.DurationSeconds != 3*3600+60 || got.Title != "VOD" || got.LastCorrectedAt == nil {
		t.Errorf("corrected = %+v", got)
	}

	list, err := store.ListSince(ctx, bid, start.Add(-time.Hour))
	if err != nil || len(list) != 1 {
		t.Errorf("ListSince() = %d sessions, %v", len(list), err)
	}
}
