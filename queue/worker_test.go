package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	order  []string
	seq    int
	claims []int
}

func newMemStore() *memStore { return &memStore{jobs: map[string]*Job{}} }

func (m *memStore) Enqueue(_ context.Context, kind string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("job-%d", m.seq)
	m.jobs[id] = &Job{ID: id, Kind: kind, Payload: payload, Status: StatusPending, MaxAttempts: 3}
	m.order = append(m.order, id)
	return id, nil
}

func (m *memStore) Claim(_ context.Context, kind string, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims = append(m.claims, limit)
	var out []Job
	for _, id := range m.order {
		j := m.jobs[id]
		if len(out) >= limit {
			break
		}
		if j.Kind == kind && j.Status == StatusPending && !j.RunAfter.After(time.Now()) {
			j.Status = StatusProcessing
			j.Attempts++
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memStore) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusCompleted
	return nil
}

func (m *memStore) Fail(_ context.Context, job Job, cause error) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[job.ID]
	if !ok {
		return "", ErrNotFound
	}
	status, _ := nextState(job, time.Now())
	j.Status = status
	j.LastError = truncateError(cause)
	return status, nil
}

func (m *memStore) Depth(_ context.Context, kind string) (Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var d Depth
	for _, j := range m.jobs {
		if j.Kind != kind {
			continue
		}
		switch j.Status {
		case StatusPending:
			d.Pending++
		case StatusProcessing:
			d.Processing++
		case StatusCompleted:
			d.Completed++
		case StatusFailed:
			d.Failed++
		}
	}
	return d, nil
}

func (m *memStore) RequeueStale(context.Context, string, time.Duration) (int64, error) { return 0, nil }

func (m *memStore) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status
}

func TestWorkerProcessesAndIsolatesFailures(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	ok1, _ := store.Enqueue(ctx, "mod", []byte(`{"n":1}`))
	bad, _ := store.Enqueue(ctx, "mod", []byte(`{"n":2}`))
	boom, _ := store.Enqueue(ctx, "mod", []byte(`{"n":3}`))
	ok2, _ := store.Enqueue(ctx, "mod", []byte(`{"n":4}`))
	other, _ := store.Enqueue(ctx, "points", []byte(`{}`))

	w := NewWorker(store, HandlerFunc(func(_ context.Context, j Job) error {
		switch j.ID {
		case bad:
			return errors.New("nope")
		case boom:
			panic("handler bug")
		}
		return nil
	}), Options{Kind: "mod", BatchSize: 10, Concurrency: 10})

	if n := w.Poll(ctx); n != 4 {
		t.Fatalf("Poll() started %d jobs, want 4", n)
	}
	w.Wait()

	for id, want := range map[string]Status{ok1: StatusCompleted, ok2: StatusCompleted, bad: StatusPending, boom: StatusPending, other: StatusPending} {
		if got := store.status(id); got != want {
			t.Errorf("job %s status = %s, want %s", id, got, want)
		}
	}
	if s := w.Stats(); s.Processed != 2 || s.Failed != 2 || s.Active != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestWorkerRespectsConcurrencyCap(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = store.Enqueue(ctx, "mod", nil)
	}
	release := make(chan struct{})
	var running, peak atomic.Int32
	w := NewWorker(store, HandlerFunc(func(context.Context, Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}), Options{Kind: "mod", BatchSize: 5, Concurrency: 3})

	if n := w.Poll(ctx); n != 3 {
		t.Fatalf("first Poll() = %d, want 3 (bounded by concurrency)", n)
	}
	if n := w.Poll(ctx); n != 0 {
		t.Fatalf("Poll() at capacity = %d, want 0", n)
	}
	close(release)
	w.Wait()
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
	store.mu.Lock()
	claims := append([]int(nil), store.claims...)
	store.mu.Unlock()
	if len(claims) != 1 || claims[0] != 3 {
		t.Errorf("claim limits = %v, want [3]", claims)
	}
}

func TestWorkerMarksExhaustedJobsFailed(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	id, _ := store.Enqueue(ctx, "mod", nil)
	store.jobs[id].Attempts = 2
	w := NewWorker(store, HandlerFunc(func(context.Context, Job) error { return errors.New("still broken") }), Options{Kind: "mod"})
	w.Poll(ctx)
	w.Wait()
	if got := store.status(id); got != StatusFailed {
		t.Errorf("status = %s, want failed after max attempts", got)
	}
	if store.jobs[id].LastError != "still broken" {
		t.Errorf("last error = %q", store.jobs[id].LastError)
	}
}

func TestWorkerRunDrainsOnShutdown(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	id, _ := store.Enqueue(ctx, "mod", nil)
	started := make(chan struct{})
	var sawCanceled atomic.Bool
	w := NewWorker(store, HandlerFunc(func(jctx context.Context, _ Job) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		sawCanceled.Store(jctx.Err() != nil)
		return nil
	}), Options{Kind: "mod", PollInterval: 10 * time.Millisecond, ShutdownTimeout: time.Second})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	<-started
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if store.status(id) != StatusCompleted {
		t.Error("in-flight job should finish during drain")
	}
	if sawCanceled.Load() {
		t.Error("job context should survive worker shutdown")
	}
}

func TestWorkerDrainTimeout(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = store.Enqueue(ctx, "mod", nil)
	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	w := NewWorker(store, HandlerFunc(func(context.Context, Job) error {
		close(started)
		<-block
		return nil
	}), Options{Kind: "mod", ShutdownTimeout: 20 * time.Millisecond})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	<-started
	cancel()
	if err := <-errc; !errors.Is(err, ErrDrainTimeout) {
		t.Errorf("Run() error = %v, want ErrDrainTimeout", err)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestNextState(t *testing.T) {
	now := time.Now()
	if s, at := nextState(Job{Attempts: 1, MaxAttempts: 3}, now); s != StatusPending || !at.Equal(now.Add(2*time.Second)) {
		t.Errorf("nextState(1/3) = %s at %v", s, at)
	}
	if s, _ := nextState(Job{Attempts: 3, MaxAttempts: 3}, now); s != StatusFailed {
		t.Errorf("nextState(3/3) = %s, want failed", s)
	}
	if s, _ := nextState(Job{Attempts: 4}, now); s != StatusPending {
		t.Errorf("nextState(4/default) = %s, want pending", s)
	}
}
