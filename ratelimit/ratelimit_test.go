package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyBound(t *testing.T) {
	l := New(Config{MaxConcurrent: 2})
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			release()
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()
	if l.InFlight() != 0 {
		t.Fatalf("InFlight() = %d after release", l.InFlight())
	}
	// a double release must not have freed a second slot
	r1, _ := l.Acquire(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Acquire error = %v, want deadline exceeded", err)
	}
	r1()
}

func TestMinInterval(t *testing.T) {
	l := New(Config{MaxConcurrent: 4, MinInterval: 30 * time.Millisecond})
	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		release()
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("3 calls took %v, want >= ~60ms spacing", elapsed)
	}
}

func TestRollingWindowCap(t *testing.T) {
	l := New(Config{MaxConcurrent: 4, PerWindow: 2, Window: 80 * time.Millisecond})
	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		release()
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("third call admitted after %v, want to wait for the window", elapsed)
	}
}

func TestExtendBackoffIsMonotonic(t *testing.T) {
	l := New(Config{})
	l.ExtendBackoff(200 * time.Millisecond)
	first := l.BackoffUntil()
	l.ExtendBackoff(10 * time.Millisecond)
	if !l.BackoffUntil().Equal(first) {
		t.Errorf("shorter backoff moved deadline from %v to %v", first, l.BackoffUntil())
	}
	l.ExtendBackoff(0)
	l.ExtendBackoff(-time.Second)
	if !l.BackoffUntil().Equal(first) {
		t.Error("non-positive backoff changed the deadline")
	}
	l.ExtendBackoff(400 * time.Millisecond)
	if !l.BackoffUntil().After(first) {
		t.Error("longer backoff did not extend the deadline")
	}
}

func TestAcquireWaitsForBackoff(t *testing.T) {
	l := New(Config{})
	l.ExtendBackoff(60 * time.Millisecond)
	start := time.Now()
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	release()
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Acquire returned after %v, want to honor backoff", elapsed)
	}
}

func TestAcquireCanceledDuringBackoff(t *testing.T) {
	l := New(Config{})
	l.ExtendBackoff(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire error = %v, want deadline exceeded", err)
	}
	if l.InFlight() != 0 {
		t.Errorf("slot leaked: InFlight() = %d", l.InFlight())
	}
}
