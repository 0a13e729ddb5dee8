package session

import (
	"context"
	"sync"
	"testing"

	"github.com/onnwee/streamwarden/live"
)

type scriptedChecker struct {
	mu   sync.Mutex
	live map[string]bool
	ids  map[string]string
	seen []live.Channel
}

func (s *scriptedChecker) Check(_ context.Context, ch live.Channel) (live.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ch)
	obs := live.Observation{Channel: ch, IsLive: s.live[ch.Slug]}
	if obs.Channel.BroadcasterID == "" {
		obs.Channel.BroadcasterID = s.ids[ch.Slug]
	}
	return obs, nil
}

func TestPollerResolvesAndReconciles(t *testing.T) {
	store := newMemStore()
	rec, _ := newTestReconciler(store, nil)
	checker := &scriptedChecker{
		live: map[string]bool{"alpha": true},
		ids:  map[string]string{"alpha": "100"},
	}
	p := NewPoller(checker, rec, []string{" Alpha ", "ghost", ""}, 0)

	p.PollOnce(context.Background())
	if store.openCount("100") != 1 {
		t.Fatal("expected an open session for alpha")
	}
	if ids := p.BroadcasterIDs(); len(ids) != 1 || ids[0] != "100" {
		t.Errorf("BroadcasterIDs() = %v", ids)
	}
	status := p.Status()
	if len(status) != 2 {
		t.Fatalf("status entries = %d, want 2", len(status))
	}
	if status[0].Slug != "alpha" || !status[0].Live || status[0].LastTransition != "opened" || status[0].SessionID == 0 {
		t.Errorf("alpha status = %+v", status[0])
	}
	if status[1].Slug != "ghost" || status[1].BroadcasterID != "" {
		t.Errorf("ghost status = %+v", status[1])
	}

	p.PollOnce(context.Background())
	last := checker.seen[len(checker.seen)-2]
	if last.Slug != "alpha" || last.BroadcasterID != "100" {
		t.Errorf("second poll should reuse the resolved id, checked %+v", last)
	}
	if p.Status()[0].LastTransition != "updated" {
		t.Errorf("second poll transition = %q", p.Status()[0].LastTransition)
	}
}

func TestPollerStopsOnCanceledContext(t *testing.T) {
	rec, _ := newTestReconciler(newMemStore(), nil)
	p := NewPoller(&scriptedChecker{}, rec, []string{"alpha"}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)
}
