package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/twitchapi"
)

func TestNormalizeLive(t *testing.T) {
	yes := true
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"bool true", true, true},
		{"bool false", false, false},
		{"pointer true", &yes, true},
		{"nil pointer", (*bool)(nil), false},
		{"LIVE upper", "LIVE", true},
		{"online", " online ", true},
		{"yes", "Yes", true},
		{"string one", "1", true},
		{"string true", "true", true},
		{"offline", "offline", false},
		{"zero number", 0, false},
		{"float one", 1.0, true},
		{"json number", json.Number("1"), true},
		{"nil", nil, false},
		{"garbage", "garbage", false},
		{"empty", "", false},
		{"unknown type", []string{"live"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeLive(tt.in); got != tt.want {
				t.Errorf("NormalizeLive(%#v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

type fakeSource struct {
	meta        *twitchapi.ChannelMetadata
	metaErr     error
	streams     []twitchapi.LiveStream
	streamsErr  error
	followers   int
	streamCalls atomic.Int32
	delay       time.Duration
}

func (f *fakeSource) SearchChannel(context.Context, string) (*twitchapi.ChannelMetadata, error) {
	return f.meta, f.metaErr
}

func (f *fakeSource) ListLiveStreams(context.Context, []string, []string, int) ([]twitchapi.LiveStream, error) {
	f.streamCalls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.streams, f.streamsErr
}

func (f *fakeSource) FollowerCount(context.Context, string) (int, error) { return f.followers, nil }

func TestCheckLiveByID(t *testing.T) {
	started := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	src := &fakeSource{
		meta:      &twitchapi.ChannelMetadata{BroadcasterID: "42", Login: "chan", LiveFlag: false, Title: "stale title"},
		streams:   []twitchapi.LiveStream{{ID: "s1", UserID: "42", UserLogin: "renamed", Title: "fresh title", ViewerCount: 120, StartedAt: started, ThumbnailURL: "https://x/{width}x{height}.jpg"}},
		followers: 999,
	}
	obs, err := NewChecker(src, 50).Check(context.Background(), Channel{BroadcasterID: "42", Slug: "chan"})
	if err != nil {
		t.Fatal(err)
	}
	if !obs.IsLive {
		t.Fatal("expected live: listing entry matches by id even though metadata says offline")
	}
	if obs.Title != "fresh title" || obs.ViewerCount != 120 || obs.FollowerCount != 999 {
		t.Errorf("obs = %+v", obs)
	}
	if !obs.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", obs.StartedAt, started)
	}
	if obs.ThumbnailURL != "https://x/1280x720.jpg" {
		t.Errorf("ThumbnailURL = %q", obs.ThumbnailURL)
	}
}

func TestCheckLiveBySlugVariant(t *testing.T) {
	src := &fakeSource{streams: []twitchapi.LiveStream{{UserID: "77", UserLogin: "my_channel"}}}
	obs, _ := NewChecker(src, 0).Check(context.Background(), Channel{Slug: "My-Channel"})
	if !obs.IsLive {
		t.Fatal("expected slug variant match")
	}
	if obs.Channel.BroadcasterID != "77" {
		t.Errorf("BroadcasterID = %q, want resolved from listing", obs.Channel.BroadcasterID)
	}
}

func TestCheckFailsClosedOnMismatch(t *testing.T) {
	src := &fakeSource{
		meta: &twitchapi.ChannelMetadata{BroadcasterID: "42", Login: "chan", LiveFlag: "live"},
		streams: []twitchapi.LiveStream{
			{UserID: "1", UserLogin: "alpha"},
			{UserID: "2", UserLogin: "beta"},
			{UserID: "3", UserLogin: "chanfan"},
		},
	}
	obs, err := NewChecker(src, 0).Check(context.Background(), Channel{BroadcasterID: "42", Slug: "chan"})
	if err != nil {
		t.Fatal(err)
	}
	if obs.IsLive {
		t.Error("3 non-matching entries must yield offline")
	}
	if !obs.MetadataLive {
		t.Error("metadata flag should still be recorded")
	}
}

func TestCheckFailsClosedOnError(t *testing.T) {
	src := &fakeSource{streamsErr: errors.New("upstream down")}
	obs, err := NewChecker(src, 0).Check(context.Background(), Channel{BroadcasterID: "42", Slug: "chan"})
	if err != nil {
		t.Fatalf("upstream errors should not propagate, got %v", err)
	}
	if obs.IsLive || !obs.Degraded {
		t.Errorf("obs = %+v, want offline and degraded", obs)
	}
}

func TestCheckCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewChecker(&fakeSource{}, 0).Check(ctx, Channel{Slug: "chan"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Check() error = %v, want context.Canceled", err)
	}
}

func TestCheckCoalescesConcurrentCalls(t *testing.T) {
	src := &fakeSource{streams: []twitchapi.LiveStream{{UserID: "42"}}, delay: 50 * time.Millisecond}
	c := NewChecker(src, 0)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs, err := c.Check(context.Background(), Channel{BroadcasterID: "42", Slug: "chan"})
			if err != nil || !obs.IsLive {
				t.Errorf("Check() = %+v, %v", obs, err)
			}
		}()
	}
	wg.Wait()
	if n := src.streamCalls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestCheckCoalescesAcrossIDResolution(t *testing.T) {
	src := &fakeSource{streams: []twitchapi.LiveStream{{UserID: "42", UserLogin: "chan"}}, delay: 50 * time.Millisecond}
	c := NewChecker(src, 0)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		ch := Channel{Slug: "Chan"}
		if i%2 == 0 {
			ch = Channel{BroadcasterID: "42", Slug: "chan"}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Check(context.Background(), ch); err != nil {
				t.Errorf("Check(%+v) error = %v", ch, err)
			}
		}()
	}
	wg.Wait()
	if n := src.streamCalls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1 for one channel", n)
	}
}

func TestMatchStreamPrefersID(t *testing.T) {
	streams := []twitchapi.LiveStream{{UserID: "1", UserLogin: "chan"}, {UserID: "42", UserLogin: "other"}}
	m := MatchStream(streams, "42", "chan")
	if m == nil || m.UserID != "42" {
		t.Errorf("MatchStream() = %+v, want id match", m)
	}
	if MatchStream(nil, "42", "chan") != nil {
		t.Error("empty listing must not match")
	}
	if MatchStream(streams, "", "") != nil {
		t.Error("no id and no slug must not match")
	}
}
